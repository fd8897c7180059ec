package app

import (
	"context"
)

// Snapshot is one Watch update.
type Snapshot struct {
	State State
	// Live is false once updates come from polling.
	Live bool
}

// Show returns the current engagement state of actorID on subject.
func (a *App) Show(ctx context.Context, subjectType, subjectID, actorID string) (State, error) {
	b, err := a.UseEngagementState(ctx, subjectType, subjectID, actorID)
	if err != nil {
		return State{}, err
	}
	defer b.Close()
	return b.Value(), nil
}

// Toggle flips actorID's engagement on subject and returns the resulting state.
func (a *App) Toggle(ctx context.Context, subjectType, subjectID, actorID string) (State, error) {
	if err := a.ToggleEngagement(ctx, subjectType, subjectID, actorID); err != nil {
		return State{}, err
	}
	return a.Show(ctx, subjectType, subjectID, actorID)
}

// Watch calls onChange with the state of subject now and after every change
// until ctx ends.
func (a *App) Watch(ctx context.Context, subjectType, subjectID, actorID string, onChange func(Snapshot)) error {
	b, err := a.UseEngagementState(ctx, subjectType, subjectID, actorID)
	if err != nil {
		return err
	}
	defer b.Close()

	stop, degraded, err := a.observe(ctx, subjectType, subjectID)
	if err != nil {
		return err
	}
	defer stop()

	live := true
	onChange(Snapshot{State: b.Value(), Live: live})
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-degraded:
			degraded = nil
			live = false
			onChange(Snapshot{State: b.Value(), Live: live})
		case s := <-b.Changes():
			onChange(Snapshot{State: s, Live: live})
		}
	}
}
