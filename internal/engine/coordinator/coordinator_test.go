package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/tally/internal/core/ports/mocks"
	"go.trai.ch/tally/internal/engine/cache"
	"go.trai.ch/tally/internal/engine/coordinator"
	"go.trai.ch/tally/internal/engine/session"
	"go.uber.org/mock/gomock"
)

var (
	tip      = domain.Subject{Type: "tip", ID: "t1"}
	user     = domain.Subject{Type: "user", ID: "u9"}
	likeKey  = domain.FlagKey(tip, "u1")
	countKey = domain.CountKey(tip)
	cred     = domain.Credential{AccessToken: "a1", RefreshToken: "r1", Subject: "u1"}
)

type fakeEchoes struct {
	mu        sync.Mutex
	expected  []domain.MutationIntent
	confirmed []confirmation
	withdrawn []domain.MutationIntent
}

type confirmation struct {
	intent  domain.MutationIntent
	seq     uint64
	changed bool
}

func (f *fakeEchoes) Expect(i domain.MutationIntent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expected = append(f.expected, i)
}

func (f *fakeEchoes) Confirm(i domain.MutationIntent, seq uint64, changed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, confirmation{intent: i, seq: seq, changed: changed})
}

func (f *fakeEchoes) Withdraw(i domain.MutationIntent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawn = append(f.withdrawn, i)
}

type coordinatorTestMocks struct {
	store     *mocks.MockRemoteStore
	refresher *mocks.MockCredentialRefresher
	notifier  *mocks.MockNotifier
	logger    *mocks.MockLogger
	cache     *cache.Cache
	session   *session.Manager
	echoes    *fakeEchoes
	notices   *[]domain.Notice
}

// setupCoordinatorTest creates a coordinator over a real cache and session manager.
// Notices are collected instead of asserted call by call.
func setupCoordinatorTest(t *testing.T) (*coordinator.Coordinator, coordinatorTestMocks) {
	t.Helper()
	ctrl := gomock.NewController(t)

	sessionStore := mocks.NewMockSessionStore(ctrl)
	sessionStore.EXPECT().Load().Return(cred, true, nil)
	sessionStore.EXPECT().Save(gomock.Any()).Return(nil).AnyTimes()

	metrics := mocks.NewMockMetrics(ctrl)
	metrics.EXPECT().ObserveRemote(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
	metrics.EXPECT().ObserveToggle(gomock.Any(), gomock.Any()).AnyTimes()
	metrics.EXPECT().ObserveHeal(gomock.Any()).AnyTimes()

	span := mocks.NewMockSpan(ctrl)
	span.EXPECT().End().AnyTimes()
	span.EXPECT().RecordError(gomock.Any()).AnyTimes()
	tracer := mocks.NewMockTracer(ctrl)
	tracer.EXPECT().Start(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ string, _ ...ports.SpanOption) (context.Context, ports.Span) {
			return ctx, span
		},
	).AnyTimes()

	m := coordinatorTestMocks{
		store:     mocks.NewMockRemoteStore(ctrl),
		refresher: mocks.NewMockCredentialRefresher(ctrl),
		notifier:  mocks.NewMockNotifier(ctrl),
		logger:    mocks.NewMockLogger(ctrl),
		cache:     cache.New(),
		echoes:    &fakeEchoes{},
		notices:   &[]domain.Notice{},
	}
	m.logger.EXPECT().Info(gomock.Any()).AnyTimes()
	m.logger.EXPECT().Warn(gomock.Any()).AnyTimes()
	m.logger.EXPECT().Error(gomock.Any()).AnyTimes()

	var noticeMu sync.Mutex
	m.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, n domain.Notice) {
		noticeMu.Lock()
		defer noticeMu.Unlock()
		*m.notices = append(*m.notices, n)
	}).AnyTimes()

	m.session = session.NewManager(sessionStore, m.refresher, m.logger, metrics, domain.DefaultDeadlines())
	require.NoError(t, m.session.Load())

	c := coordinator.New(m.store, m.cache, m.session, m.echoes, m.notifier, m.logger, metrics, tracer, coordinator.Config{
		Deadlines: domain.DefaultDeadlines(),
		Relations: domain.DefaultRelations(),
	})
	return c, m
}

func seed(m coordinatorTestMocks, count int64, liked bool) {
	m.cache.Write(countKey, domain.Count(count), m.cache.NextVersion())
	m.cache.Write(likeKey, domain.Flag(liked), m.cache.NextVersion())
}

func read(t *testing.T, m coordinatorTestMocks) (int64, bool) {
	t.Helper()
	c, ok := m.cache.Read(countKey)
	require.True(t, ok)
	f, ok := m.cache.Read(likeKey)
	require.True(t, ok)
	return c.Value.Int(), f.Value.Bool()
}

func applied(seq uint64) domain.MutationResult {
	return domain.MutationResult{Applied: true, Seq: seq}
}

func TestToggle_ConfirmedLike(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, m := setupCoordinatorTest(t)
		seed(m, 3, false)
		total := domain.TotalKey(tip)
		profile := domain.ProfileKey("u1")
		m.cache.Write(total, domain.Count(12), m.cache.NextVersion())
		m.cache.Write(profile, domain.Count(4), m.cache.NextVersion())

		gomock.InOrder(
			m.store.EXPECT().Mutate(gomock.Any(), domain.TableEdges, domain.OpInsert, gomock.Any()).
				DoAndReturn(func(_ context.Context, _ domain.Table, _ domain.MutationOp, row domain.Row) (domain.MutationResult, error) {
					assert.Equal(t, "u1", row.String(domain.ColActorID))
					assert.Equal(t, "tip", row.String(domain.ColSubjectType))
					assert.Equal(t, "t1", row.String(domain.ColSubjectID))
					assert.Equal(t, "like", row.String(domain.ColRelation))

					count, liked := read(t, m)
					assert.Equal(t, int64(4), count, "optimistic count visible before the remote write")
					assert.True(t, liked)
					assert.True(t, c.IsPending(likeKey))
					return applied(5), nil
				}),
			m.store.EXPECT().Mutate(gomock.Any(), domain.TableCounters, domain.OpUpdate, gomock.Any()).
				DoAndReturn(func(_ context.Context, _ domain.Table, _ domain.MutationOp, row domain.Row) (domain.MutationResult, error) {
					assert.Equal(t, int64(1), row.Int(domain.ColDelta))
					return applied(6), nil
				}),
		)

		final, err := c.Toggle(t.Context(), likeKey, false)
		require.NoError(t, err)
		assert.True(t, final)

		count, liked := read(t, m)
		assert.Equal(t, int64(4), count)
		assert.True(t, liked)
		assert.False(t, c.IsPending(likeKey))

		e, _ := m.cache.Read(total)
		assert.True(t, e.Stale)
		e, _ = m.cache.Read(profile)
		assert.True(t, e.Stale)

		require.Len(t, m.echoes.expected, 1)
		require.Len(t, m.echoes.confirmed, 1)
		assert.Equal(t, uint64(5), m.echoes.confirmed[0].seq)
		assert.True(t, m.echoes.confirmed[0].changed)
		assert.Empty(t, m.echoes.withdrawn)

		require.Len(t, *m.notices, 1)
		assert.Equal(t, domain.NoticeSuccess, (*m.notices)[0].Level)
	})
}

func TestToggle_UnfollowUsesDelete(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, m := setupCoordinatorTest(t)
		followKey := domain.FlagKey(user, "u1")
		m.cache.Write(domain.CountKey(user), domain.Count(1), m.cache.NextVersion())
		m.cache.Write(followKey, domain.Flag(true), m.cache.NextVersion())

		m.store.EXPECT().Mutate(gomock.Any(), domain.TableEdges, domain.OpDelete, gomock.Any()).Return(applied(9), nil)
		m.store.EXPECT().Mutate(gomock.Any(), domain.TableCounters, domain.OpUpdate, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ domain.Table, _ domain.MutationOp, row domain.Row) (domain.MutationResult, error) {
				assert.Equal(t, int64(-1), row.Int(domain.ColDelta))
				assert.Equal(t, "follow", row.String(domain.ColRelation))
				return applied(10), nil
			})

		final, err := c.Toggle(t.Context(), followKey, true)
		require.NoError(t, err)
		assert.False(t, final)

		e, _ := m.cache.Read(domain.CountKey(user))
		assert.Equal(t, int64(0), e.Value.Int())
	})
}

func TestToggle_RollbackRestoresInitialValue(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(context.Context, domain.Table, domain.MutationOp, domain.Row) (domain.MutationResult, error)
		refresh func(m coordinatorTestMocks)
		kind    domain.ErrorKind
		notices int
	}{
		{
			name: "timeout",
			mutate: func(context.Context, domain.Table, domain.MutationOp, domain.Row) (domain.MutationResult, error) {
				time.Sleep(5 * time.Second)
				return applied(1), nil
			},
			kind:    domain.KindTimeout,
			notices: 0,
		},
		{
			name: "network",
			mutate: func(context.Context, domain.Table, domain.MutationOp, domain.Row) (domain.MutationResult, error) {
				return domain.MutationResult{}, errors.New("connection refused")
			},
			kind:    domain.KindNetwork,
			notices: 1,
		},
		{
			name: "unknown",
			mutate: func(context.Context, domain.Table, domain.MutationOp, domain.Row) (domain.MutationResult, error) {
				return domain.MutationResult{}, &domain.RemoteError{Code: "23514", Message: "check violation"}
			},
			kind:    domain.KindUnknown,
			notices: 1,
		},
		{
			name: "permission after failed refresh",
			mutate: func(context.Context, domain.Table, domain.MutationOp, domain.Row) (domain.MutationResult, error) {
				return domain.MutationResult{}, &domain.RemoteError{Status: 401, Message: "JWT expired"}
			},
			refresh: func(m coordinatorTestMocks) {
				m.refresher.EXPECT().Refresh(gomock.Any(), "r1").Return(domain.Credential{}, errors.New("revoked"))
			},
			kind:    domain.KindPermission,
			notices: 1,
		},
		{
			name: "not found on insert",
			mutate: func(context.Context, domain.Table, domain.MutationOp, domain.Row) (domain.MutationResult, error) {
				return domain.MutationResult{}, &domain.RemoteError{Code: "PGRST116"}
			},
			kind:    domain.KindNotFound,
			notices: 1,
		},
	}

	for _, tt := range tests {
		for _, initial := range []bool{false, true} {
			if tt.kind == domain.KindNotFound && initial {
				// A missing edge on delete confirms.
				continue
			}
			t.Run(tt.name, func(t *testing.T) {
				synctest.Test(t, func(t *testing.T) {
					c, m := setupCoordinatorTest(t)
					seed(m, 7, initial)
					if tt.refresh != nil {
						tt.refresh(m)
					}
					op := domain.OpInsert
					if initial {
						op = domain.OpDelete
					}
					m.store.EXPECT().Mutate(gomock.Any(), domain.TableEdges, op, gomock.Any()).DoAndReturn(tt.mutate)
					m.store.EXPECT().Mutate(gomock.Any(), domain.TableCounters, gomock.Any(), gomock.Any()).Times(0)

					final, err := c.Toggle(t.Context(), likeKey, initial)

					require.ErrorIs(t, err, domain.ErrToggleFailed)
					assert.Equal(t, tt.kind, domain.KindOf(err))
					assert.Equal(t, initial, final)

					count, liked := read(t, m)
					assert.Equal(t, int64(7), count)
					assert.Equal(t, initial, liked)
					assert.False(t, c.IsPending(likeKey))
					assert.Len(t, *m.notices, tt.notices)
					assert.Len(t, m.echoes.withdrawn, 1)

					// Let abandoned remote calls finish inside the bubble.
					time.Sleep(10 * time.Second)
				})
			})
		}
	}
}

func TestToggle_TimeoutRollsBackWithoutNotice(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, m := setupCoordinatorTest(t)
		seed(m, 1, false)

		m.store.EXPECT().Mutate(gomock.Any(), domain.TableEdges, domain.OpInsert, gomock.Any()).
			DoAndReturn(func(context.Context, domain.Table, domain.MutationOp, domain.Row) (domain.MutationResult, error) {
				time.Sleep(5 * time.Second)
				return applied(1), nil
			})

		final, err := c.Toggle(t.Context(), likeKey, false)
		require.ErrorIs(t, err, domain.ErrToggleFailed)
		assert.Equal(t, domain.KindTimeout, domain.KindOf(err), "the caller still learns what happened")
		assert.False(t, final)

		assert.Empty(t, *m.notices)
		require.Len(t, m.echoes.withdrawn, 1)
		time.Sleep(10 * time.Second)
	})
}

func TestToggle_RollbackAtZeroIsExact(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, m := setupCoordinatorTest(t)
		// The flag is stale: the cache says liked while the count is already zero.
		seed(m, 0, true)

		m.store.EXPECT().Mutate(gomock.Any(), domain.TableEdges, domain.OpDelete, gomock.Any()).
			DoAndReturn(func(context.Context, domain.Table, domain.MutationOp, domain.Row) (domain.MutationResult, error) {
				count, liked := read(t, m)
				assert.Equal(t, int64(0), count, "the optimistic decrement never shows below zero")
				assert.False(t, liked)
				return domain.MutationResult{}, errors.New("connection refused")
			})

		final, err := c.Toggle(t.Context(), likeKey, true)
		require.ErrorIs(t, err, domain.ErrToggleFailed)
		assert.True(t, final)

		count, liked := read(t, m)
		assert.Equal(t, int64(0), count, "rolling back the floored decrement must not invent a like")
		assert.True(t, liked)
		require.Len(t, m.echoes.withdrawn, 1)
		assert.Equal(t, int64(-1), m.echoes.withdrawn[0].CountDelta)

		m.cache.AddIfPresent(countKey, 1)
		count, _ = read(t, m)
		assert.Equal(t, int64(1), count)
	})
}

func TestToggle_UncachedCountIsNotCompensated(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, m := setupCoordinatorTest(t)
		m.cache.Write(likeKey, domain.Flag(false), m.cache.NextVersion())

		m.store.EXPECT().Mutate(gomock.Any(), domain.TableEdges, domain.OpInsert, gomock.Any()).
			Return(domain.MutationResult{}, errors.New("connection refused"))

		_, err := c.Toggle(t.Context(), likeKey, false)
		require.ErrorIs(t, err, domain.ErrToggleFailed)

		_, ok := m.cache.Read(countKey)
		assert.False(t, ok)
		require.Len(t, m.echoes.withdrawn, 1)
		assert.Zero(t, m.echoes.withdrawn[0].CountDelta)
	})
}

func TestToggle_DeleteNotFoundConfirms(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, m := setupCoordinatorTest(t)
		seed(m, 2, true)

		m.store.EXPECT().Mutate(gomock.Any(), domain.TableEdges, domain.OpDelete, gomock.Any()).
			Return(domain.MutationResult{}, &domain.RemoteError{Code: "PGRST116"})

		final, err := c.Toggle(t.Context(), likeKey, true)
		require.NoError(t, err)
		assert.False(t, final)

		count, liked := read(t, m)
		assert.False(t, liked)
		assert.Equal(t, int64(2), count, "no edge was removed, so the optimistic decrement is undone")
		e, _ := m.cache.Read(countKey)
		assert.True(t, e.Stale)

		require.Len(t, m.echoes.confirmed, 1)
		assert.False(t, m.echoes.confirmed[0].changed)
	})
}

func TestToggle_AlreadyAppliedSkipsCounter(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, m := setupCoordinatorTest(t)
		seed(m, 5, false)

		m.store.EXPECT().Mutate(gomock.Any(), domain.TableEdges, domain.OpInsert, gomock.Any()).
			Return(domain.MutationResult{Applied: false, Seq: 3}, nil)

		final, err := c.Toggle(t.Context(), likeKey, false)
		require.NoError(t, err)
		assert.True(t, final)

		count, liked := read(t, m)
		assert.True(t, liked)
		assert.Equal(t, int64(5), count)
	})
}

func TestToggle_CounterFailureStillConfirms(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, m := setupCoordinatorTest(t)
		seed(m, 1, false)

		m.store.EXPECT().Mutate(gomock.Any(), domain.TableEdges, domain.OpInsert, gomock.Any()).Return(applied(4), nil)
		m.store.EXPECT().Mutate(gomock.Any(), domain.TableCounters, domain.OpUpdate, gomock.Any()).
			Return(domain.MutationResult{}, errors.New("connection reset"))

		final, err := c.Toggle(t.Context(), likeKey, false)
		require.NoError(t, err)
		assert.True(t, final)

		e, _ := m.cache.Read(countKey)
		assert.Equal(t, int64(2), e.Value.Int())
		assert.True(t, e.Stale)
		require.Len(t, *m.notices, 1)
		assert.Equal(t, domain.NoticeSuccess, (*m.notices)[0].Level)
	})
}

func TestToggle_PermissionHealedOnce(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, m := setupCoordinatorTest(t)
		seed(m, 0, false)

		m.refresher.EXPECT().Refresh(gomock.Any(), "r1").Return(domain.Credential{AccessToken: "a2", RefreshToken: "r2"}, nil)
		gomock.InOrder(
			m.store.EXPECT().Mutate(gomock.Any(), domain.TableEdges, domain.OpInsert, gomock.Any()).
				Return(domain.MutationResult{}, &domain.RemoteError{Code: "PGRST301", Message: "JWT expired"}),
			m.store.EXPECT().Mutate(gomock.Any(), domain.TableEdges, domain.OpInsert, gomock.Any()).Return(applied(2), nil),
			m.store.EXPECT().Mutate(gomock.Any(), domain.TableCounters, domain.OpUpdate, gomock.Any()).Return(applied(3), nil),
		)

		final, err := c.Toggle(t.Context(), likeKey, false)
		require.NoError(t, err)
		assert.True(t, final)

		tok, err := m.session.Token()
		require.NoError(t, err)
		assert.Equal(t, "a2", tok)
	})
}

func TestToggle_PermissionDeniedAfterRefresh(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, m := setupCoordinatorTest(t)
		seed(m, 0, false)

		m.refresher.EXPECT().Refresh(gomock.Any(), "r1").Return(domain.Credential{AccessToken: "a2", RefreshToken: "r2"}, nil)
		m.store.EXPECT().Mutate(gomock.Any(), domain.TableEdges, domain.OpInsert, gomock.Any()).
			Return(domain.MutationResult{}, &domain.RemoteError{Code: "42501", Message: "new row violates row-level security policy"}).
			Times(2)

		_, err := c.Toggle(t.Context(), likeKey, false)
		require.ErrorIs(t, err, domain.ErrToggleFailed)
		assert.Equal(t, domain.KindPermission, domain.KindOf(err))
		assert.False(t, m.session.Suspended())

		require.Len(t, *m.notices, 1)
		assert.Equal(t, domain.NoticeError, (*m.notices)[0].Level)
		assert.NotContains(t, (*m.notices)[0].Message, "sign in")
	})
}

func TestToggle_SuspendedSessionRejects(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, m := setupCoordinatorTest(t)
		seed(m, 3, false)
		m.session.Suspend()

		final, err := c.Toggle(t.Context(), likeKey, false)
		require.ErrorIs(t, err, domain.ErrReauthRequired)
		assert.False(t, final)

		count, liked := read(t, m)
		assert.Equal(t, int64(3), count)
		assert.False(t, liked)
		assert.Empty(t, *m.notices)
		assert.Empty(t, m.echoes.expected)
	})
}

func TestToggle_RejectsConcurrentToggleOnSameKey(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, m := setupCoordinatorTest(t)
		seed(m, 0, false)

		release := make(chan struct{})
		m.store.EXPECT().Mutate(gomock.Any(), domain.TableEdges, domain.OpInsert, gomock.Any()).
			DoAndReturn(func(context.Context, domain.Table, domain.MutationOp, domain.Row) (domain.MutationResult, error) {
				<-release
				return applied(1), nil
			})
		m.store.EXPECT().Mutate(gomock.Any(), domain.TableCounters, domain.OpUpdate, gomock.Any()).Return(applied(2), nil)

		var first error
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, first = c.Toggle(t.Context(), likeKey, false)
		}()
		synctest.Wait()

		require.True(t, c.IsPending(likeKey))
		intent, ok := c.Intent(likeKey)
		require.True(t, ok)
		assert.Equal(t, domain.StateOptimistic, intent.State)
		assert.Equal(t, int64(1), intent.CountDelta)

		final, err := c.Toggle(t.Context(), likeKey, true)
		require.ErrorIs(t, err, domain.ErrMutationInFlight)
		assert.True(t, final)

		close(release)
		<-done
		require.NoError(t, first)
		assert.Len(t, *m.notices, 1)
	})
}

func TestToggle_RejectsNonFlagKeys(t *testing.T) {
	c, _ := setupCoordinatorTest(t)

	_, err := c.Toggle(t.Context(), countKey, false)
	require.ErrorIs(t, err, domain.ErrInvalidCacheKey)
}
