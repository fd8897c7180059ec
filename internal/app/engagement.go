package app

import (
	"context"
	"sync"
	"time"

	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/zerr"
)

// UseEngagementState binds to the count of subject and, when an actor is known,
// that actor's flag. Missing or invalidated values are fetched; the first fetch
// completes before UseEngagementState returns.
func (a *App) UseEngagementState(ctx context.Context, subjectType, subjectID, actorID string) (*Binding, error) {
	rt, err := a.runtime()
	if err != nil {
		return nil, err
	}
	subject, err := subjectOf(subjectType, subjectID)
	if err != nil {
		return nil, err
	}
	if _, err := rt.reconciler.TopicOf(subject); err != nil {
		return nil, err
	}
	actor, _ := rt.actor(actorID)

	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := &Binding{
		rt:      rt,
		subject: subject,
		actor:   actor,
		count:   domain.CountKey(subject),
		flag:    domain.FlagKey(subject, actor),
		ctx:     bctx,
		cancel:  cancel,
		changes: make(chan State, 1),
	}
	b.unsubs = append(b.unsubs, rt.cache.Subscribe(b.count, b.onChange))
	if actor != "" {
		b.unsubs = append(b.unsubs, rt.cache.Subscribe(b.flag, b.onChange))
	}

	if b.needsLoad() {
		if err := b.load(ctx); err != nil {
			b.Close()
			return nil, domain.Fail(domain.ErrReadFailed, err)
		}
	}
	return b, nil
}

// ToggleEngagement flips actorID's engagement on subject. The actor defaults to
// the configured one, then to the signed-in subject.
func (a *App) ToggleEngagement(ctx context.Context, subjectType, subjectID, actorID string) error {
	rt, err := a.runtime()
	if err != nil {
		return err
	}
	subject, err := subjectOf(subjectType, subjectID)
	if err != nil {
		return err
	}
	actor, err := rt.actor(actorID)
	if err != nil {
		return err
	}

	key := domain.FlagKey(subject, actor)
	e, ok := rt.cache.Read(key)
	if !ok || e.Stale {
		if err := rt.reconciler.Refresh(ctx, subject, actor); err != nil {
			return domain.Fail(domain.ErrReadFailed, err)
		}
		e, _ = rt.cache.Read(key)
	}

	_, err = rt.coord.Toggle(ctx, key, e.Value.Bool())
	return err
}

// ObserveLive applies pushed changes to subject until the returned function is
// called. If the push channel fails, subject is re-read every poll interval instead.
func (a *App) ObserveLive(ctx context.Context, subjectType, subjectID string) (unsubscribe func(), err error) {
	stop, _, err := a.observe(ctx, subjectType, subjectID)
	return stop, err
}

// observe is ObserveLive that also reports when it fell back to polling.
func (a *App) observe(ctx context.Context, subjectType, subjectID string) (func(), <-chan struct{}, error) {
	rt, err := a.runtime()
	if err != nil {
		return nil, nil, err
	}
	subject, err := subjectOf(subjectType, subjectID)
	if err != nil {
		return nil, nil, err
	}

	handle, err := rt.reconciler.Subscribe(ctx, subject)
	if err != nil {
		return nil, nil, err
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		select {
		case <-stop:
			return
		case <-handle.Degraded():
		}
		a.logger.Warn("live updates for " + subject.String() + " unavailable, polling instead")
		rt.poll(stop, subject)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			handle.Close()
		})
	}, handle.Degraded(), nil
}

func (rt *runtime) poll(stop <-chan struct{}, subject domain.Subject) {
	interval := rt.cfg.Realtime.PollInterval
	if interval <= 0 {
		interval = domain.DefaultPollInterval
	}
	var actors []string
	if actor, err := rt.actor(""); err == nil {
		actors = append(actors, actor)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rt.reconciler.Refresh(ctx, subject, actors...); err != nil && ctx.Err() == nil {
				rt.logger.Error(zerr.With(zerr.Wrap(err, "poll engagement"), "subject", subject.String()))
			}
		}
	}
}

// Invalidate marks everything cached about subject as stale. Open bindings
// refetch; other values are re-read on next use. It returns the number of
// entries marked.
func (a *App) Invalidate(subjectType, subjectID string) (int, error) {
	rt, err := a.runtime()
	if err != nil {
		return 0, err
	}
	subject, err := subjectOf(subjectType, subjectID)
	if err != nil {
		return 0, err
	}
	return rt.cache.Invalidate(domain.KeyPattern{SubjectType: subject.Type, SubjectID: subject.ID}), nil
}
