package ports

import (
	"context"

	"go.trai.ch/tally/internal/core/domain"
)

// Notifier surfaces short user-facing notices.
//
//go:generate mockgen -source=notifier.go -destination=mocks/mock_notifier.go -package=mocks
type Notifier interface {
	Notify(ctx context.Context, n domain.Notice)
}
