package app

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/tally/internal/adapters/backend"   //nolint:depguard // Wired in app layer
	"go.trai.ch/tally/internal/adapters/config"    //nolint:depguard // Wired in app layer
	"go.trai.ch/tally/internal/adapters/logger"    //nolint:depguard // Wired in app layer
	"go.trai.ch/tally/internal/adapters/notify"    //nolint:depguard // Wired in app layer
	"go.trai.ch/tally/internal/adapters/telemetry" //nolint:depguard // Wired in app layer
	"go.trai.ch/tally/internal/core/ports"
)

const (
	// AppNodeID is the unique identifier for the main App Graft node.
	AppNodeID graft.ID = "app.main"
	// ComponentsNodeID is the unique identifier for the App components Graft node.
	ComponentsNodeID graft.ID = "app.components"
)

// Components is what the command line needs from the graph.
type Components struct {
	App    *App
	Logger ports.Logger
}

func init() {
	graft.Register(graft.Node[*App]{
		ID:        AppNodeID,
		Cacheable: true,
		DependsOn: []graft.ID{
			config.NodeID,
			logger.NodeID,
			notify.NodeID,
			telemetry.TracerNodeID,
			telemetry.MetricsNodeID,
			backend.StoreFactoryNodeID,
			backend.SessionFactoryNodeID,
		},
		Run: runAppNode,
	})

	graft.Register(graft.Node[*Components]{
		ID:        ComponentsNodeID,
		Cacheable: true,
		DependsOn: []graft.ID{
			AppNodeID,
			logger.NodeID,
		},
		Run: func(ctx context.Context) (*Components, error) {
			app, err := graft.Dep[*App](ctx)
			if err != nil {
				return nil, err
			}
			log, err := graft.Dep[ports.Logger](ctx)
			if err != nil {
				return nil, err
			}
			return &Components{App: app, Logger: log}, nil
		},
	})
}

func runAppNode(ctx context.Context) (*App, error) {
	loader, err := graft.Dep[ports.ConfigLoader](ctx)
	if err != nil {
		return nil, err
	}
	log, err := graft.Dep[ports.Logger](ctx)
	if err != nil {
		return nil, err
	}
	notifier, err := graft.Dep[ports.Notifier](ctx)
	if err != nil {
		return nil, err
	}
	tracer, err := graft.Dep[ports.Tracer](ctx)
	if err != nil {
		return nil, err
	}
	metrics, err := graft.Dep[ports.Metrics](ctx)
	if err != nil {
		return nil, err
	}
	stores, err := graft.Dep[ports.StoreFactory](ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := graft.Dep[ports.SessionFactory](ctx)
	if err != nil {
		return nil, err
	}
	return New(loader, log, notifier, tracer, metrics, stores, sessions), nil
}
