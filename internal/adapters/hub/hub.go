// Package hub fans change events out to in-process subscribers.
package hub

import (
	"sync"

	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/zerr"
)

// DefaultBuffer is the per-subscriber event buffer.
const DefaultBuffer = 64

// ErrOverflow ends a subscription whose reader fell behind.
var ErrOverflow = zerr.New("subscriber fell behind")

// Hub delivers published events to every subscription whose filter matches.
// Publish never blocks: a subscriber with a full buffer is closed with ErrOverflow.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

// New creates a hub. A buffer of zero or less uses DefaultBuffer.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe registers a subscription for table rows matching filter.
func (h *Hub) Subscribe(table domain.Table, filter domain.Filter) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, domain.ErrSubscriptionClosed
	}
	sub := &Subscription{
		hub:    h,
		table:  table,
		filter: filter,
		events: make(chan domain.ChangeEvent, h.buffer),
	}
	h.subs[sub] = struct{}{}
	return sub, nil
}

// Publish delivers ev to matching subscribers.
func (h *Hub) Publish(table domain.Table, ev domain.ChangeEvent) {
	row := domain.EdgeRow(ev.Edge)

	h.mu.Lock()
	var lagging []*Subscription
	for sub := range h.subs {
		if sub.table != table || !sub.filter.Matches(row) {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			lagging = append(lagging, sub)
		}
	}
	for _, sub := range lagging {
		h.dropLocked(sub, ErrOverflow)
	}
	h.mu.Unlock()
}

// Len returns the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription with err and rejects new ones.
func (h *Hub) Close(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for sub := range h.subs {
		h.dropLocked(sub, err)
	}
}

func (h *Hub) dropLocked(sub *Subscription, err error) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	sub.err = err
	close(sub.events)
}

// Subscription is one hub subscriber.
type Subscription struct {
	hub    *Hub
	table  domain.Table
	filter domain.Filter
	events chan domain.ChangeEvent
	err    error
}

var _ ports.Subscription = (*Subscription)(nil)

// Events returns the event channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan domain.ChangeEvent {
	return s.events
}

// Err returns why the subscription ended, or nil after Close.
func (s *Subscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.dropLocked(s, nil)
	return nil
}
