package backend

import (
	"context"
	"net/http"

	"github.com/grindlemire/graft"
	"go.trai.ch/tally/internal/core/ports"
)

const (
	// StoreFactoryNodeID is the unique identifier for the store factory Graft node.
	StoreFactoryNodeID graft.ID = "adapter.store_factory"
	// SessionFactoryNodeID is the unique identifier for the session factory Graft node.
	SessionFactoryNodeID graft.ID = "adapter.session_factory"
)

func init() {
	graft.Register(graft.Node[ports.StoreFactory]{
		ID:        StoreFactoryNodeID,
		Cacheable: true,
		Run: func(_ context.Context) (ports.StoreFactory, error) {
			return NewStoreFactory(), nil
		},
	})

	graft.Register(graft.Node[ports.SessionFactory]{
		ID:        SessionFactoryNodeID,
		Cacheable: true,
		Run: func(_ context.Context) (ports.SessionFactory, error) {
			return NewSessionFactory(http.DefaultClient), nil
		},
	})
}
