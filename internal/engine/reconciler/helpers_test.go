package reconciler_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/tally/internal/core/ports/mocks"
	"go.trai.ch/tally/internal/engine/cache"
	"go.trai.ch/tally/internal/engine/coordinator"
	"go.trai.ch/tally/internal/engine/reconciler"
	"go.trai.ch/tally/internal/engine/session"
	"go.uber.org/mock/gomock"
)

const me = "me"

var (
	tip      = domain.Subject{Type: "tip", ID: "t1"}
	tipTopic = domain.Topic{Subject: tip, Relation: domain.RelationLike}
	likeKey  = domain.FlagKey(tip, me)
	countKey = domain.CountKey(tip)
)

// fakeStore keeps edges in memory and records every change it makes. Events are
// queued for manual delivery and also pushed to open subscriptions.
type fakeStore struct {
	mu    sync.Mutex
	seq   uint64
	edges map[domain.Topic]map[string]bool
	queue []domain.ChangeEvent
	subs  map[*fakeSub]struct{}

	// fault, when set, is returned by the next edge mutation. If faultAfter is
	// set the mutation is applied first.
	fault      error
	faultAfter bool

	beforeQuery  func()
	beforeMutate func()
	afterMutate  func()
	onMutate     func(ctx context.Context)
	subscribeErr error
	queries      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		edges: make(map[domain.Topic]map[string]bool),
		subs:  make(map[*fakeSub]struct{}),
	}
}

func (s *fakeStore) Query(_ context.Context, _ domain.Table, filter domain.Filter) (domain.QueryResult, error) {
	if s.beforeQuery != nil {
		s.beforeQuery()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++

	var res domain.QueryResult
	for topic, actors := range s.edges {
		for actor := range actors {
			row := domain.EdgeRow(domain.EngagementEdge{ActorID: actor, Subject: topic.Subject, Relation: topic.Relation})
			if filter.Matches(row) {
				res.Rows = append(res.Rows, row)
			}
		}
	}
	res.Seq = s.seq
	return res, nil
}

func (s *fakeStore) Mutate(ctx context.Context, table domain.Table, op domain.MutationOp, row domain.Row) (domain.MutationResult, error) {
	if table != domain.TableEdges {
		return domain.MutationResult{Applied: true}, nil
	}
	if s.onMutate != nil {
		s.onMutate(ctx)
	}
	if s.beforeMutate != nil {
		s.beforeMutate()
	}

	s.mu.Lock()
	fault, after := s.fault, s.faultAfter
	s.fault, s.faultAfter = nil, false
	if fault != nil && !after {
		s.mu.Unlock()
		return domain.MutationResult{}, fault
	}
	edge, err := domain.EdgeFromRow(row)
	if err != nil {
		s.mu.Unlock()
		return domain.MutationResult{}, err
	}
	res := s.setLocked(edge, op == domain.OpInsert)
	s.mu.Unlock()

	if s.afterMutate != nil {
		s.afterMutate()
	}
	if fault != nil {
		return domain.MutationResult{}, fault
	}
	return res, nil
}

func (s *fakeStore) Subscribe(_ context.Context, _ domain.Table, filter domain.Filter) (ports.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	sub := &fakeSub{filter: filter, events: make(chan domain.ChangeEvent, 256), store: s}
	s.subs[sub] = struct{}{}
	return sub, nil
}

// set makes the store hold or drop actor's edge on topic as another client would.
func (s *fakeStore) set(topic domain.Topic, actor string, present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(domain.EngagementEdge{ActorID: actor, Subject: topic.Subject, Relation: topic.Relation}, present)
}

func (s *fakeStore) setLocked(edge domain.EngagementEdge, present bool) domain.MutationResult {
	topic := domain.Topic{Subject: edge.Subject, Relation: edge.Relation}
	actors, ok := s.edges[topic]
	if !ok {
		actors = make(map[string]bool)
		s.edges[topic] = actors
	}
	if actors[edge.ActorID] == present {
		return domain.MutationResult{Applied: false, Seq: s.seq}
	}
	if present {
		actors[edge.ActorID] = true
	} else {
		delete(actors, edge.ActorID)
	}

	s.seq++
	ev := domain.ChangeEvent{Type: domain.ChangeDelete, Edge: edge, Seq: s.seq}
	if present {
		ev.Type = domain.ChangeInsert
	}
	s.queue = append(s.queue, ev)
	for sub := range s.subs {
		if sub.filter.Matches(domain.EdgeRow(edge)) {
			sub.events <- ev
		}
	}
	return domain.MutationResult{Applied: true, Seq: s.seq}
}

// next pops the oldest undelivered event.
func (s *fakeStore) next() (domain.ChangeEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return domain.ChangeEvent{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

func (s *fakeStore) count(topic domain.Topic) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.edges[topic]))
}

func (s *fakeStore) has(topic domain.Topic, actor string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edges[topic][actor]
}

func (s *fakeStore) openSubs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// breakSubs ends every open subscription with err.
func (s *fakeStore) breakSubs(err error) {
	s.mu.Lock()
	subs := make([]*fakeSub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fail(err)
	}
}

type fakeSub struct {
	filter domain.Filter
	events chan domain.ChangeEvent
	store  *fakeStore
	once   sync.Once
	err    error
}

func (s *fakeSub) Events() <-chan domain.ChangeEvent { return s.events }

func (s *fakeSub) Err() error { return s.err }

func (s *fakeSub) Close() error {
	s.fail(nil)
	return nil
}

func (s *fakeSub) fail(err error) {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s)
		s.store.mu.Unlock()
		s.err = err
		close(s.events)
	})
}

type reconcilerEnv struct {
	store   *fakeStore
	cache   *cache.Cache
	session *session.Manager
	coord   *coordinator.Coordinator
	metrics *mocks.MockMetrics
}

// setupReconcilerTest wires a reconciler and a coordinator around one cache and
// one fake store, the way the application does.
func setupReconcilerTest(t *testing.T) (*reconciler.Reconciler, reconcilerEnv) {
	t.Helper()
	ctrl := gomock.NewController(t)

	sessionStore := mocks.NewMockSessionStore(ctrl)
	sessionStore.EXPECT().Load().Return(domain.Credential{AccessToken: "a1", RefreshToken: "r1", Subject: me}, true, nil)
	sessionStore.EXPECT().Save(gomock.Any()).Return(nil).AnyTimes()
	refresher := mocks.NewMockCredentialRefresher(ctrl)

	logger := mocks.NewMockLogger(ctrl)
	logger.EXPECT().Info(gomock.Any()).AnyTimes()
	logger.EXPECT().Warn(gomock.Any()).AnyTimes()
	logger.EXPECT().Error(gomock.Any()).AnyTimes()

	metrics := mocks.NewMockMetrics(ctrl)
	metrics.EXPECT().ObserveRemote(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
	metrics.EXPECT().ObserveToggle(gomock.Any(), gomock.Any()).AnyTimes()
	metrics.EXPECT().ObserveHeal(gomock.Any()).AnyTimes()
	metrics.EXPECT().ObserveEvent(gomock.Any(), gomock.Any()).AnyTimes()

	span := mocks.NewMockSpan(ctrl)
	span.EXPECT().End().AnyTimes()
	span.EXPECT().RecordError(gomock.Any()).AnyTimes()
	span.EXPECT().SetAttribute(gomock.Any(), gomock.Any()).AnyTimes()
	tracer := mocks.NewMockTracer(ctrl)
	tracer.EXPECT().Start(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ string, _ ...ports.SpanOption) (context.Context, ports.Span) {
			return ctx, span
		},
	).AnyTimes()

	notifier := mocks.NewMockNotifier(ctrl)
	notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).AnyTimes()

	env := reconcilerEnv{
		store:   newFakeStore(),
		cache:   cache.New(),
		metrics: metrics,
	}
	env.session = session.NewManager(sessionStore, refresher, logger, metrics, domain.DefaultDeadlines())
	require.NoError(t, env.session.Load())

	r := reconciler.New(env.store, env.cache, env.session, logger, metrics, tracer,
		domain.DefaultRelations(), domain.DefaultDeadlines())
	env.coord = coordinator.New(env.store, env.cache, env.session, r, notifier, logger, metrics, tracer, coordinator.Config{
		Deadlines: domain.DefaultDeadlines(),
		Relations: domain.DefaultRelations(),
	})
	return r, env
}

func (env reconcilerEnv) toggle(ctx context.Context) error {
	current := false
	if e, ok := env.cache.Read(likeKey); ok {
		current = e.Value.Bool()
	}
	_, err := env.coord.Toggle(ctx, likeKey, current)
	return err
}

// state returns the cached count and the local actor's flag.
func (env reconcilerEnv) state(t *testing.T) (int64, bool) {
	t.Helper()
	c, ok := env.cache.Read(countKey)
	require.True(t, ok, "count not cached")
	f, ok := env.cache.Read(likeKey)
	require.True(t, ok, "flag not cached")
	return c.Value.Int(), f.Value.Bool()
}

func (env reconcilerEnv) requireConverged(t *testing.T) {
	t.Helper()
	count, liked := env.state(t)
	require.Equal(t, env.store.count(tipTopic), count, "count")
	require.Equal(t, env.store.has(tipTopic, me), liked, "flag")
}
