// Package auth exchanges refresh tokens for new credentials over HTTP.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/zerr"
)

// HTTPRefresher implements ports.CredentialRefresher against a token endpoint
// speaking the refresh_token grant.
type HTTPRefresher struct {
	url        string
	httpClient *http.Client
	now        func() time.Time
}

var _ ports.CredentialRefresher = (*HTTPRefresher)(nil)

// NewHTTPRefresher creates a refresher posting to tokenURL. A nil client uses
// http.DefaultClient; deadlines come from the caller's context.
func NewHTTPRefresher(tokenURL string, httpClient *http.Client) *HTTPRefresher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPRefresher{
		url:        strings.TrimSpace(tokenURL),
		httpClient: httpClient,
		now:        time.Now,
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	Subject      string `json:"subject"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

type errorResponse struct {
	Code             string `json:"code"`
	Error            string `json:"error"`
	Message          string `json:"message"`
	ErrorDescription string `json:"error_description"`
}

// Refresh posts the refresh token and returns the issued credential.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (domain.Credential, error) {
	if r.url == "" {
		return domain.Credential{}, zerr.Wrap(domain.ErrRefreshFailed, "no refresh endpoint configured")
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return domain.Credential{}, zerr.Wrap(err, "encode refresh request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return domain.Credential{}, zerr.With(zerr.Wrap(err, "build refresh request"), "url", r.url)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return domain.Credential{}, zerr.With(zerr.Wrap(err, "refresh request failed"), "url", r.url)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Credential{}, zerr.Wrap(err, "read refresh response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.Credential{}, remoteError(resp.StatusCode, payload)
	}

	var tok tokenResponse
	if err := json.Unmarshal(payload, &tok); err != nil {
		return domain.Credential{}, zerr.Wrap(err, "decode refresh response")
	}
	if tok.AccessToken == "" {
		return domain.Credential{}, zerr.Wrap(domain.ErrCredentialInvalid, "refresh response carries no access token")
	}

	cred := domain.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Subject:      tok.Subject,
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	if cred.Subject == "" {
		cred.Subject = tok.User.ID
	}
	switch {
	case tok.ExpiresAt > 0:
		cred.ExpiresAt = time.Unix(tok.ExpiresAt, 0).UTC()
	case tok.ExpiresIn > 0:
		cred.ExpiresAt = r.now().Add(time.Duration(tok.ExpiresIn) * time.Second).UTC()
	}
	return cred, nil
}

func remoteError(status int, payload []byte) error {
	var e errorResponse
	_ = json.Unmarshal(payload, &e)

	msg := e.Message
	if msg == "" {
		msg = e.ErrorDescription
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	code := e.Code
	if code == "" {
		code = e.Error
	}
	return &domain.RemoteError{Status: status, Code: code, Message: msg}
}
