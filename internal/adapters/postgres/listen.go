package postgres

import (
	"context"
	"sync"

	"github.com/lib/pq"
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/zerr"
)

const listenBuffer = 64

// Subscribe listens for edge changes matching filter. A dropped connection is
// re-established by the listener; the gap is reported as an update event so the
// reader re-reads. A failed reconnect ends the subscription with that error.
func (s *Store) Subscribe(ctx context.Context, table domain.Table, filter domain.Filter) (ports.Subscription, error) {
	if _, _, err := whereClause(table, filter); err != nil {
		return nil, err
	}
	if table != domain.TableEdges {
		return nil, zerr.With(zerr.Wrap(domain.ErrUnknownTable, "only edges publish changes"), "table", string(table))
	}

	sub := &subscription{
		filter: filter,
		events: make(chan domain.ChangeEvent, listenBuffer),
		done:   make(chan struct{}),
		failed: make(chan error, 1),
	}
	sub.listener = pq.NewListener(s.dsn, minReconnectInterval, maxReconnectInterval, sub.onEvent)
	if err := sub.listener.Listen(channelForFilter(filter)); err != nil {
		_ = sub.listener.Close()
		return nil, driverError(err)
	}

	go sub.run(ctx)
	return sub, nil
}

type subscription struct {
	filter   domain.Filter
	listener *pq.Listener
	events   chan domain.ChangeEvent
	done     chan struct{}
	failed   chan error

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

// Close stops listening. It is safe to call more than once.
func (s *subscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *subscription) onEvent(ev pq.ListenerEventType, err error) {
	if ev != pq.ListenerEventConnectionAttemptFailed || err == nil {
		return
	}
	select {
	case s.failed <- err:
	default:
	}
}

func (s *subscription) run(ctx context.Context) {
	var failure error
	defer func() {
		_ = s.listener.Close()
		s.mu.Lock()
		s.err = failure
		s.mu.Unlock()
		close(s.events)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case err := <-s.failed:
			failure = zerr.Wrap(driverError(err), "listen connection lost")
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				failure = domain.ErrSubscriptionClosed
				return
			}
			ev, deliver := s.translate(n)
			if !deliver {
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}
}

// translate turns a notification into an event. A nil notification follows a
// reconnect, when changes may have been missed.
func (s *subscription) translate(n *pq.Notification) (domain.ChangeEvent, bool) {
	if n == nil {
		return domain.ChangeEvent{Type: domain.ChangeUpdate}, true
	}
	ev, err := decodeNotification(n.Extra)
	if err != nil {
		return domain.ChangeEvent{Type: domain.ChangeUpdate}, true
	}
	return ev, s.filter.Matches(domain.EdgeRow(ev.Edge))
}
