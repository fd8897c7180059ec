package session

import (
	"context"
	"time"

	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/engine/classify"
	"go.trai.ch/tally/internal/engine/guard"
)

// Heal runs op under deadline. A Permission failure triggers exactly one credential
// refresh followed by exactly one retry, whose outcome is returned as is. When the
// refresh fails the original outcome is returned and the manager is suspended.
// Other failures are returned unchanged.
func Heal[T any](ctx context.Context, m *Manager, op guard.Op[T], deadline time.Duration, opts ...guard.Option) domain.Outcome[T] {
	out := guard.Run(ctx, op, deadline, opts...)
	if classify.Outcome(out) != domain.KindPermission {
		return out
	}

	if err := m.Refresh(ctx); err != nil {
		m.logger.Warn("credential refresh failed, re-authentication required")
		return out
	}

	return guard.Run(ctx, op, deadline, opts...)
}
