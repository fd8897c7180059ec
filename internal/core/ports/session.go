package ports

import (
	"context"

	"go.trai.ch/tally/internal/core/domain"
)

// CredentialRefresher mints a fresh credential from a refresh token.
//
//go:generate mockgen -source=session.go -destination=mocks/mock_session.go -package=mocks
type CredentialRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (domain.Credential, error)
}

// SessionStore persists the credential between runs.
type SessionStore interface {
	// Load returns the persisted credential. It returns false when none is stored.
	Load() (domain.Credential, bool, error)

	// Save persists the credential.
	Save(cred domain.Credential) error

	// Clear removes the persisted credential.
	Clear() error

	// Watch calls onChange whenever the persisted credential is changed by another process.
	// It returns when ctx is done.
	Watch(ctx context.Context, onChange func()) error
}

// TokenSource yields the bearer token stores present on each call.
type TokenSource interface {
	Token() (string, error)
}

// SessionFactory builds the credential store and refresher described by cfg.
type SessionFactory interface {
	Open(cfg domain.SessionConfig) (SessionStore, CredentialRefresher, error)
}
