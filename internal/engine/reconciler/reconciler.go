// Package reconciler applies realtime change events to the cache and re-reads
// subjects authoritatively when an event cannot be applied incrementally.
package reconciler

import (
	"context"
	"sync"

	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/tally/internal/engine/cache"
	"go.trai.ch/tally/internal/engine/session"
	"go.trai.ch/zerr"
	"golang.org/x/sync/singleflight"
)

// Event actions reported to metrics.
const (
	actionApplied = "applied"
	actionStale   = "stale"
	actionEcho    = "echo"
	actionRefresh = "refresh"
	actionIgnored = "ignored"
)

// Reconciler keeps cached counts and flags in line with the store's push channel.
type Reconciler struct {
	store     ports.RemoteStore
	cache     *cache.Cache
	session   *session.Manager
	logger    ports.Logger
	metrics   ports.Metrics
	tracer    ports.Tracer
	relations domain.Relations
	deadlines domain.Deadlines

	// subMu serializes opening and closing of store subscriptions.
	subMu  sync.Mutex
	topics map[domain.Topic]*stream

	mu      sync.Mutex
	ledgers map[domain.Topic]*ledger

	group singleflight.Group
}

// New creates a Reconciler.
func New(
	store ports.RemoteStore,
	c *cache.Cache,
	mgr *session.Manager,
	logger ports.Logger,
	metrics ports.Metrics,
	tracer ports.Tracer,
	relations domain.Relations,
	deadlines domain.Deadlines,
) *Reconciler {
	return &Reconciler{
		store:     store,
		cache:     c,
		session:   mgr,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		relations: relations,
		deadlines: deadlines,
		topics:    make(map[domain.Topic]*stream),
		ledgers:   make(map[domain.Topic]*ledger),
	}
}

// TopicOf returns the realtime topic of subject.
func (r *Reconciler) TopicOf(subject domain.Subject) (domain.Topic, error) {
	rel, err := r.relations.For(subject.Type)
	if err != nil {
		return domain.Topic{}, err
	}
	return domain.Topic{Subject: subject, Relation: rel}, nil
}

// stream is one open store subscription shared by every Handle on its topic.
type stream struct {
	topic    domain.Topic
	refs     int
	sub      ports.Subscription
	cancel   context.CancelFunc
	degraded chan struct{}
	err      error
}

// Handle is a caller's reference to a topic subscription.
type Handle struct {
	r      *Reconciler
	stream *stream
	once   sync.Once
}

// Topic returns the topic the handle observes.
func (h *Handle) Topic() domain.Topic {
	return h.stream.topic
}

// Degraded is closed when the underlying channel fails. The handle stays open
// until Close; callers are expected to fall back to polling.
func (h *Handle) Degraded() <-chan struct{} {
	return h.stream.degraded
}

// Err returns the channel error once Degraded is closed.
func (h *Handle) Err() error {
	select {
	case <-h.stream.degraded:
		return h.stream.err
	default:
		return nil
	}
}

// Close releases the handle. The last handle on a topic closes the store subscription.
func (h *Handle) Close() {
	h.once.Do(func() {
		h.r.release(h.stream)
	})
}

// Subscribe returns a handle on subject's topic, opening a store subscription
// unless a healthy one is already open.
func (r *Reconciler) Subscribe(ctx context.Context, subject domain.Subject) (*Handle, error) {
	topic, err := r.TopicOf(subject)
	if err != nil {
		return nil, err
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	if s, ok := r.topics[topic]; ok && !isClosed(s.degraded) {
		s.refs++
		return &Handle{r: r, stream: s}, nil
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := r.store.Subscribe(subCtx, domain.TableEdges, domain.TopicFilter(topic))
	if err != nil {
		cancel()
		return nil, zerr.With(zerr.Wrap(err, "subscribe"), "topic", topic.String())
	}

	s := &stream{
		topic:    topic,
		refs:     1,
		sub:      sub,
		cancel:   cancel,
		degraded: make(chan struct{}),
	}
	r.topics[topic] = s
	go r.run(subCtx, s)

	return &Handle{r: r, stream: s}, nil
}

func (r *Reconciler) release(s *stream) {
	r.subMu.Lock()
	s.refs--
	last := s.refs == 0
	if last && r.topics[s.topic] == s {
		delete(r.topics, s.topic)
	}
	r.subMu.Unlock()

	if !last {
		return
	}
	s.cancel()
	if err := s.sub.Close(); err != nil {
		r.logger.Error(zerr.With(zerr.Wrap(err, "close subscription"), "topic", s.topic.String()))
	}
}

func (r *Reconciler) run(ctx context.Context, s *stream) {
	events := s.sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				r.degrade(s)
				return
			}
			r.Apply(ctx, s.topic, ev)
		}
	}
}

func (r *Reconciler) degrade(s *stream) {
	err := s.sub.Err()
	if err == nil {
		err = domain.ErrSubscriptionClosed
	}
	s.err = zerr.With(zerr.Wrap(err, "realtime channel failed"), "topic", s.topic.String())
	close(s.degraded)

	r.metrics.ObserveDegraded(s.topic.String())
	r.logger.Warn("realtime channel degraded for " + s.topic.String())
}

// Apply folds one change event for topic into the cache.
func (r *Reconciler) Apply(ctx context.Context, topic domain.Topic, ev domain.ChangeEvent) {
	var delta int64
	switch ev.Type {
	case domain.ChangeInsert:
		delta = 1
	case domain.ChangeDelete:
		delta = -1
	default:
		r.metrics.ObserveEvent(ev.Type, actionRefresh)
		r.refreshLogged(ctx, topic.Subject)
		return
	}

	if ev.Edge.Subject != topic.Subject || ev.Edge.Relation != topic.Relation {
		r.metrics.ObserveEvent(ev.Type, actionIgnored)
		return
	}

	actor := ev.Edge.ActorID
	r.mu.Lock()
	l := r.ledgerLocked(topic)
	if ev.Seq != 0 && ev.Seq <= l.watermark {
		r.mu.Unlock()
		r.metrics.ObserveEvent(ev.Type, actionStale)
		return
	}
	if l.consume(ev) {
		r.mu.Unlock()
		r.metrics.ObserveEvent(ev.Type, actionEcho)
		r.settle(topic, actor, false)
		return
	}
	if _, cached := r.cache.Read(domain.FlagKey(topic.Subject, actor)); cached || l.tracks(actor) {
		l.learn(actor, delta > 0, ev.Seq)
	}
	r.mu.Unlock()

	if _, ok := r.cache.AddIfPresent(domain.CountKey(topic.Subject), delta); !ok {
		r.metrics.ObserveEvent(ev.Type, actionRefresh)
		r.refreshLogged(ctx, topic.Subject)
		return
	}
	// An event older than what is known for the actor moves the count but not the flag.
	r.settle(topic, actor, false)
	r.metrics.ObserveEvent(ev.Type, actionApplied)
}

func (r *Reconciler) refreshLogged(ctx context.Context, subject domain.Subject) {
	if err := r.Refresh(ctx, subject); err != nil {
		r.logger.Error(err)
	}
}

func (r *Reconciler) ledgerLocked(t domain.Topic) *ledger {
	l, ok := r.ledgers[t]
	if !ok {
		l = &ledger{}
		r.ledgers[t] = l
	}
	return l
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
