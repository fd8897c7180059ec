// Package guard bounds remote calls by a deadline.
//
// A guarded call settles exactly once: with the operation's own result when it
// arrives first, or as timed out when the deadline fires first. A result that
// arrives after the deadline is discarded.
package guard

import (
	"context"
	"time"

	"go.trai.ch/tally/internal/core/domain"
)

// Op is a remote call.
type Op[T any] func(ctx context.Context) (T, error)

type options struct {
	cancelOnTimeout bool
}

// Option configures a guarded call.
type Option func(*options)

// WithCancelOnTimeout cancels the operation's context when the deadline fires.
// Without it the operation keeps running in the background and its result is dropped.
func WithCancelOnTimeout() Option {
	return func(o *options) {
		o.cancelOnTimeout = true
	}
}

type result[T any] struct {
	value T
	err   error
}

// Run starts op and races it against deadline.
// A deadline of zero or less uses the interactive default.
// If ctx ends before either, the outcome is Failed with ctx's error.
func Run[T any](ctx context.Context, op Op[T], deadline time.Duration, opts ...Option) domain.Outcome[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if deadline <= 0 {
		deadline = domain.DefaultInteractiveDeadline
	}

	opCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if o.cancelOnTimeout {
		opCtx, cancel = context.WithCancel(ctx)
	}

	// Buffered so a late result never blocks the abandoned goroutine.
	done := make(chan result[T], 1)
	go func() {
		v, err := op(opCtx)
		done <- result[T]{value: v, err: err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case r := <-done:
		cancel()
		if r.err != nil {
			return domain.Failed[T](r.err)
		}
		return domain.OK(r.value)
	case <-timer.C:
		cancel()
		return domain.TimedOut[T]()
	case <-ctx.Done():
		cancel()
		return domain.Failed[T](ctx.Err())
	}
}
