// Package memstore provides an in-process RemoteStore with row-level write checks and fault injection.
package memstore

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.trai.ch/tally/internal/adapters/hub"
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/zerr"
)

// Authorizer resolves a bearer token to the actor it may write as.
type Authorizer func(token string) (actorID string, err error)

type edgeKey struct {
	topic domain.Topic
	actor string
}

// Store keeps edges and counters in memory. It is safe for concurrent use.
type Store struct {
	tokens    ports.TokenSource
	authorize Authorizer
	now       func() time.Time

	mu       sync.Mutex
	seq      uint64
	edges    map[edgeKey]domain.EngagementEdge
	counters map[domain.Topic]int64
	faults   []Fault

	hub *hub.Hub
}

var _ ports.RemoteStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTokens makes the store read the caller's bearer token from ts on every write.
func WithTokens(ts ports.TokenSource) Option {
	return func(s *Store) { s.tokens = ts }
}

// WithAuthorizer enables row-level checks: a write is accepted only when the row's
// actor matches the actor resolved from the caller's token.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Store) { s.authorize = a }
}

// WithClock overrides the clock used for created_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		edges:    make(map[edgeKey]domain.EngagementEdge),
		counters: make(map[domain.Topic]int64),
		hub:      hub.New(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Query returns the rows of table matching filter.
func (s *Store) Query(ctx context.Context, table domain.Table, filter domain.Filter) (domain.QueryResult, error) {
	if err := s.inject(ctx, PointQuery, table); err != nil {
		return domain.QueryResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := domain.QueryResult{Seq: s.seq}
	switch table {
	case domain.TableEdges:
		for _, e := range s.edges {
			if row := domain.EdgeRow(e); filter.Matches(row) {
				res.Rows = append(res.Rows, row)
			}
		}
	case domain.TableCounters:
		for topic, n := range s.counters {
			row := domain.CounterRow(topic, 0)
			delete(row, domain.ColDelta)
			row[domain.ColCount] = n
			if filter.Matches(row) {
				res.Rows = append(res.Rows, row)
			}
		}
	default:
		return domain.QueryResult{}, zerr.With(zerr.Wrap(domain.ErrUnknownTable, "query"), "table", string(table))
	}
	return res, nil
}

// Mutate applies op to table.
func (s *Store) Mutate(ctx context.Context, table domain.Table, op domain.MutationOp, payload domain.Row) (domain.MutationResult, error) {
	f, err := s.take(ctx, PointMutate, table)
	if err != nil {
		return domain.MutationResult{}, err
	}
	if err := s.check(payload); err != nil {
		return domain.MutationResult{}, err
	}

	var res domain.MutationResult
	switch table {
	case domain.TableEdges:
		res, err = s.mutateEdge(op, payload)
	case domain.TableCounters:
		res, err = s.mutateCounter(op, payload)
	default:
		err = zerr.With(zerr.Wrap(domain.ErrUnknownTable, "mutate"), "table", string(table))
	}
	if err != nil {
		return domain.MutationResult{}, err
	}

	if f != nil && f.AfterApply {
		return domain.MutationResult{}, f.Err
	}
	return res, nil
}

// Subscribe streams changes of table rows matching filter until ctx ends or the
// subscription is closed.
func (s *Store) Subscribe(ctx context.Context, table domain.Table, filter domain.Filter) (ports.Subscription, error) {
	if err := s.inject(ctx, PointSubscribe, table); err != nil {
		return nil, err
	}

	sub, err := s.hub.Subscribe(table, filter)
	if err != nil {
		return nil, err
	}
	context.AfterFunc(ctx, func() { _ = sub.Close() })
	return sub, nil
}

// Set makes actor's edge on topic present or absent the way another client would,
// without row checks. It returns the commit sequence, or the current one when
// nothing changed.
func (s *Store) Set(topic domain.Topic, actor string, present bool) uint64 {
	edge := domain.EngagementEdge{ActorID: actor, Subject: topic.Subject, Relation: topic.Relation}
	op := domain.OpDelete
	if present {
		op = domain.OpInsert
	}
	res, _ := s.mutateEdge(op, domain.EdgeRow(edge))
	return res.Seq
}

// Count returns the number of edges on topic.
func (s *Store) Count(topic domain.Topic) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k := range s.edges {
		if k.topic == topic {
			n++
		}
	}
	return n
}

// Has reports whether actor's edge on topic exists.
func (s *Store) Has(topic domain.Topic, actor string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.edges[edgeKey{topic: topic, actor: actor}]
	return ok
}

// Subscribers returns the number of open subscriptions.
func (s *Store) Subscribers() int {
	return s.hub.Len()
}

// Close ends every subscription.
func (s *Store) Close() error {
	s.hub.Close(domain.ErrSubscriptionClosed)
	return nil
}

func (s *Store) mutateEdge(op domain.MutationOp, payload domain.Row) (domain.MutationResult, error) {
	edge, err := domain.EdgeFromRow(payload)
	if err != nil {
		return domain.MutationResult{}, err
	}
	key := edgeKey{topic: domain.Topic{Subject: edge.Subject, Relation: edge.Relation}, actor: edge.ActorID}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev := domain.ChangeEvent{}
	switch op {
	case domain.OpInsert:
		if existing, ok := s.edges[key]; ok {
			return domain.MutationResult{Row: domain.EdgeRow(existing), Seq: s.seq}, nil
		}
		s.seq++
		edge.CreatedAt = s.now().UTC()
		edge.Seq = s.seq
		s.edges[key] = edge
		ev = domain.ChangeEvent{Type: domain.ChangeInsert, Edge: edge, Seq: s.seq}
	case domain.OpDelete:
		existing, ok := s.edges[key]
		if !ok {
			return domain.MutationResult{Seq: s.seq}, nil
		}
		s.seq++
		delete(s.edges, key)
		edge = existing
		edge.Seq = s.seq
		ev = domain.ChangeEvent{Type: domain.ChangeDelete, Edge: edge, Seq: s.seq}
	default:
		return domain.MutationResult{}, zerr.With(zerr.Wrap(domain.ErrInvalidRow, "unsupported edge operation"), "op", string(op))
	}

	s.hub.Publish(domain.TableEdges, ev)
	return domain.MutationResult{Row: domain.EdgeRow(edge), Applied: true, Seq: s.seq}, nil
}

func (s *Store) mutateCounter(op domain.MutationOp, payload domain.Row) (domain.MutationResult, error) {
	if op != domain.OpUpdate {
		return domain.MutationResult{}, zerr.With(zerr.Wrap(domain.ErrInvalidRow, "unsupported counter operation"), "op", string(op))
	}
	topic := domain.Topic{
		Subject:  domain.Subject{Type: domain.SubjectType(payload.String(domain.ColSubjectType)), ID: payload.String(domain.ColSubjectID)},
		Relation: domain.Relation(payload.String(domain.ColRelation)),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := max(s.counters[topic]+payload.Int(domain.ColDelta), 0)
	s.counters[topic] = n
	s.seq++

	row := domain.CounterRow(topic, payload.Int(domain.ColDelta))
	row[domain.ColCount] = n
	return domain.MutationResult{Row: row, Applied: true, Seq: s.seq}, nil
}

// check enforces row-level security on writes that carry an actor.
func (s *Store) check(payload domain.Row) error {
	if s.authorize == nil {
		return nil
	}
	actor := payload.String(domain.ColActorID)
	if actor == "" {
		return nil
	}

	token := ""
	if s.tokens != nil {
		token, _ = s.tokens.Token()
	}
	if token == "" {
		return &domain.RemoteError{Status: http.StatusUnauthorized, Code: "PGRST302", Message: "anonymous access is disabled"}
	}
	owner, err := s.authorize(token)
	if err != nil {
		return &domain.RemoteError{Status: http.StatusUnauthorized, Code: "PGRST301", Message: "JWT expired"}
	}
	if owner != actor {
		return &domain.RemoteError{
			Status:  http.StatusForbidden,
			Code:    "42501",
			Message: "new row violates row-level security policy for table \"engagement_edges\"",
		}
	}
	return nil
}
