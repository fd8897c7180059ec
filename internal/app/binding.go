package app

import (
	"context"
	"sync"

	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/zerr"
)

// State is the engagement of one actor on one subject as the caller sees it.
type State struct {
	Count     int64
	Liked     bool
	IsPending bool
}

// Binding follows the cached engagement state of a subject. Changes delivers the
// latest state after every cache change; intermediate states may be skipped.
type Binding struct {
	rt      *runtime
	subject domain.Subject
	actor   string
	count   domain.CacheKey
	flag    domain.CacheKey

	ctx    context.Context
	cancel context.CancelFunc
	unsubs []func()

	mu      sync.Mutex
	changes chan State
	closed  bool
	wg      sync.WaitGroup
}

// Value returns the current state.
func (b *Binding) Value() State {
	var s State
	if e, ok := b.rt.cache.Read(b.count); ok {
		s.Count = e.Value.Int()
	}
	if b.actor == "" {
		return s
	}
	if e, ok := b.rt.cache.Read(b.flag); ok {
		s.Liked = e.Value.Bool()
	}
	s.IsPending = b.rt.coord.IsPending(b.flag)
	return s
}

// Changes delivers state updates until Close.
func (b *Binding) Changes() <-chan State {
	return b.changes
}

// Close stops following the subject. It is safe to call more than once.
func (b *Binding) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	for _, unsub := range b.unsubs {
		unsub()
	}
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	close(b.changes)
	b.mu.Unlock()
}

// onChange runs on the cache writer's goroutine and must not block.
func (b *Binding) onChange(e domain.CacheEntry) {
	if e.Stale {
		b.refetch()
	}

	state := b.Value()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.changes <- state:
	default:
		select {
		case <-b.changes:
		default:
		}
		b.changes <- state
	}
}

func (b *Binding) refetch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.wg.Go(func() {
		if err := b.load(b.ctx); err != nil && b.ctx.Err() == nil {
			b.rt.logger.Error(zerr.With(zerr.Wrap(err, "refetch engagement"), "subject", b.subject.String()))
		}
	})
}

func (b *Binding) load(ctx context.Context) error {
	if b.actor == "" {
		return b.rt.reconciler.Refresh(ctx, b.subject)
	}
	return b.rt.reconciler.Refresh(ctx, b.subject, b.actor)
}

// needsLoad reports whether the cache lacks a fresh value for the binding.
func (b *Binding) needsLoad() bool {
	keys := []domain.CacheKey{b.count}
	if b.actor != "" {
		keys = append(keys, b.flag)
	}
	for _, k := range keys {
		e, ok := b.rt.cache.Read(k)
		if !ok || e.Stale {
			return true
		}
	}
	return false
}
