package postgres

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// claimsFor returns the JSON claims set as request.jwt.claims for token. JWTs
// contribute their payload unverified; the database checks the signature when a
// policy needs it. Opaque tokens become the subject.
func claimsFor(token string) string {
	if token == "" {
		return `{"role":"anon"}`
	}
	if parts := strings.Split(token, "."); len(parts) == 3 {
		if payload, err := base64.RawURLEncoding.DecodeString(parts[1]); err == nil && json.Valid(payload) {
			return string(payload)
		}
	}
	claims, _ := json.Marshal(map[string]string{"sub": token, "role": "authenticated"})
	return string(claims)
}
