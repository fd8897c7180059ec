// Package session owns the bearer credential and heals permission failures with a single refresh.
package session

import (
	"context"
	"sync"
	"time"

	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/tally/internal/engine/guard"
	"go.trai.ch/zerr"
	"golang.org/x/sync/singleflight"
)

const refreshKey = "refresh"

// Manager holds the current credential. It is safe for concurrent use.
type Manager struct {
	store     ports.SessionStore
	refresher ports.CredentialRefresher
	logger    ports.Logger
	metrics   ports.Metrics
	deadline  time.Duration

	mu        sync.RWMutex
	cred      domain.Credential
	suspended bool

	group singleflight.Group
}

// NewManager creates a Manager. Call Load to pick up a persisted credential.
func NewManager(
	store ports.SessionStore,
	refresher ports.CredentialRefresher,
	logger ports.Logger,
	metrics ports.Metrics,
	deadlines domain.Deadlines,
) *Manager {
	return &Manager{
		store:     store,
		refresher: refresher,
		logger:    logger,
		metrics:   metrics,
		deadline:  deadlines.For(domain.CallRefresh),
	}
}

// Load reads the persisted credential.
func (m *Manager) Load() error {
	cred, ok, err := m.store.Load()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.cred = cred
	}
	return nil
}

// Token returns the access token to present to the store.
func (m *Manager) Token() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.cred.AccessToken == "" {
		return "", domain.ErrNoCredential
	}
	return m.cred.AccessToken, nil
}

// State returns a snapshot of the session.
func (m *Manager) State() domain.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return domain.SessionState{
		HasValidCredential: m.cred.Valid(time.Now()),
		ExpiresAt:          m.cred.ExpiresAt,
		Subject:            m.cred.Subject,
		Suspended:          m.suspended,
	}
}

// Suspended reports whether mutations must wait for a new sign-in.
func (m *Manager) Suspended() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.suspended
}

// Suspend blocks mutations until a fresh credential arrives.
func (m *Manager) Suspend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended = true
}

// SignIn stores cred and lifts any suspension.
func (m *Manager) SignIn(cred domain.Credential) error {
	if err := m.store.Save(cred); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = cred
	m.suspended = false
	return nil
}

// SignOut forgets the credential.
func (m *Manager) SignOut() error {
	if err := m.store.Clear(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = domain.Credential{}
	return nil
}

// Refresh exchanges the refresh token for a new credential. Concurrent callers share
// one in-flight refresh. On failure the manager is suspended.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.group.Do(refreshKey, func() (any, error) {
		return nil, m.refresh(ctx)
	})
	return err
}

func (m *Manager) refresh(ctx context.Context) error {
	m.mu.RLock()
	refreshToken := m.cred.RefreshToken
	m.mu.RUnlock()

	if refreshToken == "" {
		m.Suspend()
		m.metrics.ObserveHeal("failed")
		return zerr.Wrap(domain.ErrRefreshFailed, "no refresh token")
	}

	out := guard.Run(ctx, func(ctx context.Context) (domain.Credential, error) {
		return m.refresher.Refresh(ctx, refreshToken)
	}, m.deadline)

	if !out.IsOK() {
		m.Suspend()
		m.metrics.ObserveHeal("failed")
		err := zerr.With(zerr.Wrap(domain.ErrRefreshFailed, "refresh credential"), "status", out.Status.String())
		if out.Err != nil {
			err = zerr.With(err, "cause", out.Err.Error())
		}
		return err
	}

	if err := m.store.Save(out.Value); err != nil {
		// The refreshed credential is still usable for this process.
		m.logger.Error(err)
	}

	m.mu.Lock()
	m.cred = out.Value
	m.suspended = false
	m.mu.Unlock()

	m.metrics.ObserveHeal("refreshed")
	return nil
}

// Watch reloads the credential whenever another process changes it, until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	return m.store.Watch(ctx, m.reload)
}

func (m *Manager) reload() {
	cred, ok, err := m.store.Load()
	if err != nil {
		m.logger.Error(err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !ok {
		m.cred = domain.Credential{}
		return
	}
	if cred == m.cred {
		return
	}
	m.cred = cred
	if cred.Valid(time.Now()) {
		m.suspended = false
	}
	m.logger.Info("session reloaded")
}
