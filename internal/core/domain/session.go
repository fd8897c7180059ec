package domain

import "time"

// Credential is the bearer credential presented to the store.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Subject      string    `json:"subject"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the credential can be presented at now.
// A zero ExpiresAt never expires.
func (c Credential) Valid(now time.Time) bool {
	return c.AccessToken != "" && (c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt))
}

// SessionState is the caller-visible view of the session.
type SessionState struct {
	HasValidCredential bool
	ExpiresAt          time.Time
	Subject            string
	// Suspended is set after a failed refresh and cleared by a fresh credential.
	Suspended bool
}

// NoticeLevel is the severity of a user notice.
type NoticeLevel uint8

const (
	// NoticeSuccess confirms an action.
	NoticeSuccess NoticeLevel = iota
	// NoticeError reports a failed action.
	NoticeError
)

// Notice is a short message for the user.
type Notice struct {
	Level   NoticeLevel
	Message string
	Kind    ErrorKind
}
