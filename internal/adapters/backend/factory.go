// Package backend opens the remote store and session persistence named by the configuration.
package backend

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.trai.ch/tally/internal/adapters/auth"
	"go.trai.ch/tally/internal/adapters/memstore"
	"go.trai.ch/tally/internal/adapters/postgres"
	"go.trai.ch/tally/internal/adapters/sessionfile"
	"go.trai.ch/tally/internal/adapters/sqlite"
	"go.trai.ch/tally/internal/adapters/wsfeed"
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/zerr"
)

// StoreFactory opens stores by DSN scheme.
type StoreFactory struct {
	mu     sync.Mutex
	memory map[string]*memoryEntry
}

type memoryEntry struct {
	store *memstore.Store
	refs  int
}

var _ ports.StoreFactory = (*StoreFactory)(nil)

// NewStoreFactory creates a factory. memory:// stores with the same name are
// shared by every Open on the same factory until the last one is closed.
func NewStoreFactory() *StoreFactory {
	return &StoreFactory{memory: make(map[string]*memoryEntry)}
}

// Open opens the store of cfg.Store.DSN and, when cfg.Realtime.URL is set,
// takes change events from that relay instead.
func (f *StoreFactory) Open(ctx context.Context, cfg domain.Config, tokens ports.TokenSource) (ports.RemoteStore, error) {
	store, err := f.open(ctx, cfg.Store.DSN, tokens)
	if err != nil {
		return nil, err
	}
	if cfg.Realtime.URL == "" {
		return store, nil
	}

	feed, err := wsfeed.Wrap(store, cfg.Realtime.URL, tokens)
	if err != nil {
		if closer, ok := store.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, err
	}
	return feed, nil
}

func (f *StoreFactory) open(ctx context.Context, dsn string, tokens ports.TokenSource) (ports.RemoteStore, error) {
	scheme, rest, _ := strings.Cut(dsn, "://")
	switch strings.ToLower(scheme) {
	case "memory":
		return f.memoryStore(rest, tokens), nil
	case "sqlite":
		if rest == "" {
			return nil, zerr.With(zerr.Wrap(domain.ErrStoreOpenFailed, "sqlite DSN needs a path"), "dsn", dsn)
		}
		s, err := sqlite.Open(rest)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres", "postgresql":
		s, err := postgres.Open(ctx, dsn, tokens)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, zerr.With(zerr.Wrap(domain.ErrUnknownStoreScheme, "open store"), "dsn", dsn)
	}
}

func (f *StoreFactory) memoryStore(name string, tokens ports.TokenSource) *SharedMemory {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.memory[name]
	if !ok {
		e = &memoryEntry{store: memstore.New(memstore.WithTokens(tokens))}
		f.memory[name] = e
	}
	e.refs++
	return &SharedMemory{Store: e.store, release: func() { f.release(name, e) }}
}

func (f *StoreFactory) release(name string, e *memoryEntry) {
	f.mu.Lock()
	e.refs--
	last := e.refs == 0
	if last && f.memory[name] == e {
		delete(f.memory, name)
	}
	f.mu.Unlock()

	if last {
		_ = e.store.Close()
	}
}

// SharedMemory is one reference to a named memory store. Closing it releases
// the reference; the store itself closes with its last reference.
type SharedMemory struct {
	*memstore.Store
	release func()
	once    sync.Once
}

// Close releases the reference.
func (s *SharedMemory) Close() error {
	s.once.Do(s.release)
	return nil
}

// SessionFactory opens file-backed sessions refreshed over HTTP.
type SessionFactory struct {
	client *http.Client
}

var _ ports.SessionFactory = (*SessionFactory)(nil)

// NewSessionFactory creates a factory whose refresher uses client.
func NewSessionFactory(client *http.Client) *SessionFactory {
	return &SessionFactory{client: client}
}

// Open returns the session file at cfg.Path and a refresher for cfg.RefreshURL.
func (f *SessionFactory) Open(cfg domain.SessionConfig) (ports.SessionStore, ports.CredentialRefresher, error) {
	store, err := sessionfile.New(cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	return store, auth.NewHTTPRefresher(cfg.RefreshURL, f.client), nil
}
