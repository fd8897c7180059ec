package app

import (
	"context"

	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/zerr"
)

// SignIn stores cred as the session credential and lifts any suspension.
func (a *App) SignIn(_ context.Context, cred domain.Credential) error {
	rt, err := a.runtime()
	if err != nil {
		return err
	}
	if cred.AccessToken == "" {
		return zerr.Wrap(domain.ErrMissingArgument, "access token is required")
	}
	if err := rt.session.SignIn(cred); err != nil {
		return err
	}
	a.logger.Info("signed in")
	return nil
}

// SignOut forgets the session credential.
func (a *App) SignOut(_ context.Context) error {
	rt, err := a.runtime()
	if err != nil {
		return err
	}
	if err := rt.session.SignOut(); err != nil {
		return err
	}
	a.logger.Info("signed out")
	return nil
}

// SessionState returns the current session.
func (a *App) SessionState(_ context.Context) (domain.SessionState, error) {
	rt, err := a.runtime()
	if err != nil {
		return domain.SessionState{}, err
	}
	return rt.session.State(), nil
}
