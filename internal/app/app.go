// Package app implements the application layer for tally.
package app

import (
	"context"
	"errors"
	"io"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.trai.ch/tally/internal/adapters/telemetry" //nolint:depguard // Wired in app layer
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/tally/internal/engine/cache"
	"go.trai.ch/tally/internal/engine/coordinator"
	"go.trai.ch/tally/internal/engine/reconciler"
	"go.trai.ch/tally/internal/engine/session"
	"go.trai.ch/zerr"
)

// ErrNotOpen is returned by operations called before Open.
var ErrNotOpen = zerr.New("application not opened")

// App represents the main application logic.
type App struct {
	configLoader ports.ConfigLoader
	logger       ports.Logger
	notifier     ports.Notifier
	tracer       ports.Tracer
	metrics      ports.Metrics
	stores       ports.StoreFactory
	sessions     ports.SessionFactory

	mu sync.Mutex
	rt *runtime
}

// runtime is everything Open builds from the configuration.
type runtime struct {
	cfg        domain.Config
	logger     ports.Logger
	store      ports.RemoteStore
	cache      *cache.Cache
	session    *session.Manager
	reconciler *reconciler.Reconciler
	coord      *coordinator.Coordinator
	provider   *sdktrace.TracerProvider

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new App instance.
func New(
	loader ports.ConfigLoader,
	log ports.Logger,
	notifier ports.Notifier,
	tracer ports.Tracer,
	metrics ports.Metrics,
	stores ports.StoreFactory,
	sessions ports.SessionFactory,
) *App {
	return &App{
		configLoader: loader,
		logger:       log,
		notifier:     notifier,
		tracer:       tracer,
		metrics:      metrics,
		stores:       stores,
		sessions:     sessions,
	}
}

// OpenOptions selects the configuration Open loads.
type OpenOptions struct {
	// Cwd is where the configuration search starts.
	Cwd string
	// ConfigPath overrides the search.
	ConfigPath string
	// Actor overrides the configured default actor.
	Actor string
}

// Open loads the configuration and connects the store and session. It must be
// called once before any other operation.
func (a *App) Open(ctx context.Context, opts OpenOptions) error {
	cfg, err := a.configLoader.Load(opts.Cwd, opts.ConfigPath)
	if err != nil {
		return zerr.Wrap(err, "failed to load configuration")
	}
	if opts.Actor != "" {
		cfg.Actor = opts.Actor
	}
	return a.OpenWith(ctx, cfg)
}

// OpenWith connects using cfg as is.
func (a *App) OpenWith(ctx context.Context, cfg domain.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rt != nil {
		return nil
	}

	sessionStore, refresher, err := a.sessions.Open(cfg.Session)
	if err != nil {
		return zerr.Wrap(err, "failed to open session")
	}
	mgr := session.NewManager(sessionStore, refresher, a.logger, a.metrics, cfg.Deadlines)
	if err := mgr.Load(); err != nil {
		return err
	}

	store, err := a.stores.Open(ctx, cfg, mgr)
	if err != nil {
		return err
	}

	c := cache.New()
	rec := reconciler.New(store, c, mgr, a.logger, a.metrics, a.tracer, cfg.Relations, cfg.Deadlines)
	coord := coordinator.New(store, c, mgr, rec, a.notifier, a.logger, a.metrics, a.tracer, coordinator.Config{
		Deadlines: cfg.Deadlines,
		Relations: cfg.Relations,
	})

	rt := &runtime{
		cfg:        cfg,
		logger:     a.logger,
		store:      store,
		cache:      c,
		session:    mgr,
		reconciler: rec,
		coord:      coord,
		provider:   telemetry.SetupProvider(telemetry.NewSlowSpanBridge(a.logger, cfg.Deadlines.For(domain.CallInteractive))),
	}

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.cancel = cancel
	if cfg.Session.Watch {
		rt.wg.Go(func() {
			if err := mgr.Watch(bg); err != nil {
				a.logger.Error(zerr.Wrap(err, "session watch stopped"))
			}
		})
	}

	a.rt = rt
	return nil
}

// Close stops background work and releases the store.
func (a *App) Close() error {
	a.mu.Lock()
	rt := a.rt
	a.rt = nil
	a.mu.Unlock()
	if rt == nil {
		return nil
	}

	rt.cancel()
	rt.wg.Wait()

	var errs error
	if closer, ok := rt.store.(io.Closer); ok {
		errs = errors.Join(errs, closer.Close())
	}
	errs = errors.Join(errs, rt.provider.Shutdown(context.Background()))
	return errs
}

// Config returns the configuration in use.
func (a *App) Config() (domain.Config, error) {
	rt, err := a.runtime()
	if err != nil {
		return domain.Config{}, err
	}
	return rt.cfg, nil
}

func (a *App) runtime() (*runtime, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rt == nil {
		return nil, ErrNotOpen
	}
	return a.rt, nil
}

func (rt *runtime) actor(actorID string) (string, error) {
	if actorID != "" {
		return actorID, nil
	}
	if rt.cfg.Actor != "" {
		return rt.cfg.Actor, nil
	}
	if subject := rt.session.State().Subject; subject != "" {
		return subject, nil
	}
	return "", zerr.Wrap(domain.ErrMissingArgument, "no actor given and none configured")
}

func subjectOf(subjectType, subjectID string) (domain.Subject, error) {
	if subjectType == "" || subjectID == "" {
		return domain.Subject{}, zerr.Wrap(domain.ErrMissingArgument, "subject needs a type and an id")
	}
	return domain.Subject{Type: domain.SubjectType(subjectType), ID: subjectID}, nil
}
