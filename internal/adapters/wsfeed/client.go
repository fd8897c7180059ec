package wsfeed

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/zerr"
)

// ErrFeedClosed ends a subscription whose relay went away.
var ErrFeedClosed = zerr.New("feed connection closed")

const eventBuffer = 64

// Store reads and writes through base and takes its change feed from a relay.
type Store struct {
	base   ports.RemoteStore
	url    string
	tokens ports.TokenSource
	dialer *websocket.Dialer
}

var _ ports.RemoteStore = (*Store)(nil)

// Wrap overlays the relay at rawURL on base. http and https URLs are dialed as
// ws and wss.
func Wrap(base ports.RemoteStore, rawURL string, tokens ports.TokenSource) (*Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "parse feed url"), "url", rawURL)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = Path
	}
	return &Store{base: base, url: u.String(), tokens: tokens, dialer: websocket.DefaultDialer}, nil
}

// Query reads from the base store.
func (s *Store) Query(ctx context.Context, table domain.Table, filter domain.Filter) (domain.QueryResult, error) {
	return s.base.Query(ctx, table, filter)
}

// Mutate writes to the base store.
func (s *Store) Mutate(ctx context.Context, table domain.Table, op domain.MutationOp, payload domain.Row) (domain.MutationResult, error) {
	return s.base.Mutate(ctx, table, op, payload)
}

// Close closes the base store when it holds resources.
func (s *Store) Close() error {
	if c, ok := s.base.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Subscribe dials the relay and streams its events until ctx ends, the
// subscription is closed or the connection drops.
func (s *Store) Subscribe(ctx context.Context, table domain.Table, filter domain.Filter) (ports.Subscription, error) {
	header := http.Header{}
	if s.tokens != nil {
		if token, err := s.tokens.Token(); err == nil && token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	target := s.url
	if strings.Contains(target, "?") {
		target += "&" + feedQuery(table, filter).Encode()
	} else {
		target += "?" + feedQuery(table, filter).Encode()
	}

	conn, resp, err := s.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, zerr.Wrap(&domain.RemoteError{Status: resp.StatusCode, Message: resp.Status}, "dial feed")
		}
		return nil, zerr.With(zerr.Wrap(err, "dial feed"), "url", s.url)
	}

	var hello frame
	if err := conn.ReadJSON(&hello); err != nil || hello.Kind != frameHello {
		_ = conn.Close()
		if err == nil {
			err = zerr.With(zerr.Wrap(ErrFeedClosed, "handshake"), "frame", hello.Kind)
		}
		return nil, zerr.Wrap(err, "read feed greeting")
	}

	sub := &subscription{
		conn:   conn,
		connID: hello.ConnID,
		events: make(chan domain.ChangeEvent, eventBuffer),
		done:   make(chan struct{}),
	}
	stop := context.AfterFunc(ctx, func() { _ = sub.Close() })
	go func() {
		defer stop()
		sub.run()
	}()
	return sub, nil
}

type subscription struct {
	conn   *websocket.Conn
	connID string
	events chan domain.ChangeEvent
	done   chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (s *subscription) Events() <-chan domain.ChangeEvent { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close hangs up. It is safe to call more than once.
func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
	return nil
}

func (s *subscription) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *subscription) run() {
	var failure error
	defer func() {
		s.mu.Lock()
		s.err = failure
		s.mu.Unlock()
		close(s.events)
	}()

	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if !s.closing() {
				failure = zerr.With(zerr.Wrap(ErrFeedClosed, err.Error()), "conn_id", s.connID)
			}
			return
		}

		switch f.Kind {
		case frameEvent:
			select {
			case s.events <- f.event():
			case <-s.done:
				return
			}
		case frameError:
			if f.Code != "" {
				failure = zerr.Wrap(&domain.RemoteError{Code: f.Code, Message: f.Message}, "relay")
			} else {
				failure = zerr.Wrap(ErrFeedClosed, f.Message)
			}
			_ = s.Close()
			return
		}
	}
}
