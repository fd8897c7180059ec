package ports

import (
	"context"

	"go.trai.ch/tally/internal/core/domain"
)

// RemoteStore is the multi-tenant store that owns engagement edges and enforces row-level authorization.
//
//go:generate mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks
type RemoteStore interface {
	// Query returns the rows of table matching filter.
	Query(ctx context.Context, table domain.Table, filter domain.Filter) (domain.QueryResult, error)

	// Mutate applies op to table with the given payload.
	Mutate(ctx context.Context, table domain.Table, op domain.MutationOp, payload domain.Row) (domain.MutationResult, error)

	// Subscribe opens a push channel for changes to rows of table matching filter.
	Subscribe(ctx context.Context, table domain.Table, filter domain.Filter) (Subscription, error)
}

// Subscription is an open push channel.
type Subscription interface {
	// Events delivers changes in commit order. It is closed when the subscription ends.
	Events() <-chan domain.ChangeEvent

	// Err reports why Events was closed. It returns nil after Close.
	Err() error

	// Close ends the subscription. It is safe to call more than once.
	Close() error
}

// StoreFactory opens the remote store described by cfg. Stores that hold
// connections also implement io.Closer.
type StoreFactory interface {
	Open(ctx context.Context, cfg domain.Config, tokens TokenSource) (RemoteStore, error)
}
