package app_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/tally/internal/adapters/memstore"
	"go.trai.ch/tally/internal/adapters/telemetry"
	"go.trai.ch/tally/internal/adapters/wsfeed"
	"go.trai.ch/tally/internal/app"
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/tally/internal/core/ports/mocks"
	"go.uber.org/mock/gomock"
)

var (
	tip      = domain.Subject{Type: "tip", ID: "t1"}
	tipTopic = domain.Topic{Subject: tip, Relation: domain.RelationLike}
)

type appTestEnv struct {
	store    *memstore.Store
	session  *mocks.MockSessionStore
	notifier *mocks.MockNotifier
	metrics  ports.Metrics
	cfg      domain.Config
}

func testConfig() domain.Config {
	cfg := domain.DefaultConfig()
	cfg.Actor = "me"
	cfg.Session.Watch = false
	return cfg
}

// setupAppTest builds an App over an in-memory store with lenient ambient mocks.
func setupAppTest(t *testing.T, cfg domain.Config) (*app.App, appTestEnv) {
	t.Helper()
	return setupAppTestWithMetrics(t, cfg, telemetry.NoOpMetrics{})
}

func setupAppTestWithMetrics(t *testing.T, cfg domain.Config, metrics ports.Metrics) (*app.App, appTestEnv) {
	t.Helper()
	ctrl := gomock.NewController(t)

	env := appTestEnv{
		store:    memstore.New(),
		session:  mocks.NewMockSessionStore(ctrl),
		notifier: mocks.NewMockNotifier(ctrl),
		metrics:  metrics,
		cfg:      cfg,
	}
	env.session.EXPECT().Load().Return(domain.Credential{AccessToken: "a1", Subject: "u1"}, true, nil).AnyTimes()
	env.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).AnyTimes()

	logger := mocks.NewMockLogger(ctrl)
	logger.EXPECT().Info(gomock.Any()).AnyTimes()
	logger.EXPECT().Warn(gomock.Any()).AnyTimes()
	logger.EXPECT().Error(gomock.Any()).AnyTimes()

	loader := mocks.NewMockConfigLoader(ctrl)
	loader.EXPECT().Load(gomock.Any(), gomock.Any()).Return(cfg, nil).AnyTimes()

	sessions := mocks.NewMockSessionFactory(ctrl)
	sessions.EXPECT().Open(gomock.Any()).Return(env.session, mocks.NewMockCredentialRefresher(ctrl), nil).AnyTimes()

	stores := mocks.NewMockStoreFactory(ctrl)
	stores.EXPECT().Open(gomock.Any(), gomock.Any(), gomock.Any()).Return(env.store, nil).AnyTimes()

	a := app.New(loader, logger, env.notifier, telemetry.NewNoOpTracer(), env.metrics, stores, sessions)
	return a, env
}

func openApp(t *testing.T, a *app.App) {
	t.Helper()
	require.NoError(t, a.Open(t.Context(), app.OpenOptions{Cwd: t.TempDir()}))
}

func TestApp_OperationsNeedOpen(t *testing.T) {
	a, _ := setupAppTest(t, testConfig())

	err := a.ToggleEngagement(t.Context(), "tip", "t1", "")
	require.ErrorIs(t, err, app.ErrNotOpen)
	_, err = a.UseEngagementState(t.Context(), "tip", "t1", "")
	require.ErrorIs(t, err, app.ErrNotOpen)
	require.NoError(t, a.Close())
}

func TestApp_OpenAppliesActorOverride(t *testing.T) {
	a, _ := setupAppTest(t, testConfig())
	require.NoError(t, a.Open(t.Context(), app.OpenOptions{Actor: "someone"}))
	defer func() { _ = a.Close() }()

	cfg, err := a.Config()
	require.NoError(t, err)
	assert.Equal(t, "someone", cfg.Actor)
}

func TestApp_UseEngagementStateLoadsFromStore(t *testing.T) {
	a, env := setupAppTest(t, testConfig())
	env.store.Set(tipTopic, "a", true)
	env.store.Set(tipTopic, "me", true)
	openApp(t, a)
	defer func() { _ = a.Close() }()

	b, err := a.UseEngagementState(t.Context(), "tip", "t1", "")
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, app.State{Count: 2, Liked: true}, b.Value())
}

func TestApp_UseEngagementStateRejectsBadSubjects(t *testing.T) {
	a, _ := setupAppTest(t, testConfig())
	openApp(t, a)
	defer func() { _ = a.Close() }()

	_, err := a.UseEngagementState(t.Context(), "tip", "", "")
	require.ErrorIs(t, err, domain.ErrMissingArgument)

	_, err = a.UseEngagementState(t.Context(), "album", "x", "")
	require.ErrorIs(t, err, domain.ErrUnknownRelation)
}

func TestApp_ToggleEngagementUpdatesBinding(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		a, env := setupAppTest(t, testConfig())
		env.store.Set(tipTopic, "a", true)
		openApp(t, a)
		defer func() { _ = a.Close() }()

		b, err := a.UseEngagementState(t.Context(), "tip", "t1", "me")
		require.NoError(t, err)
		defer b.Close()

		require.NoError(t, a.ToggleEngagement(t.Context(), "tip", "t1", ""))
		synctest.Wait()

		assert.Equal(t, app.State{Count: 2, Liked: true}, b.Value())
		assert.True(t, env.store.Has(tipTopic, "me"))

		select {
		case s := <-b.Changes():
			assert.Equal(t, int64(2), s.Count)
			assert.True(t, s.Liked)
		default:
			t.Fatal("binding saw no change")
		}

		require.NoError(t, a.ToggleEngagement(t.Context(), "tip", "t1", "me"))
		assert.Equal(t, app.State{Count: 1, Liked: false}, b.Value())
		assert.False(t, env.store.Has(tipTopic, "me"))
	})
}

func TestApp_ToggleEngagementNeedsAnActor(t *testing.T) {
	cfg := testConfig()
	cfg.Actor = ""
	a, env := setupAppTest(t, cfg)
	env.session.EXPECT().Clear().Return(nil)
	openApp(t, a)
	defer func() { _ = a.Close() }()

	require.NoError(t, a.SignOut(t.Context()))
	err := a.ToggleEngagement(t.Context(), "tip", "t1", "")
	require.ErrorIs(t, err, domain.ErrMissingArgument)
}

func TestApp_ToggleEngagementFallsBackToSessionSubject(t *testing.T) {
	cfg := testConfig()
	cfg.Actor = ""
	a, env := setupAppTest(t, cfg)
	openApp(t, a)
	defer func() { _ = a.Close() }()

	require.NoError(t, a.ToggleEngagement(t.Context(), "tip", "t1", ""))
	assert.True(t, env.store.Has(tipTopic, "u1"))
}

func TestApp_ToggleFailureRollsBack(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		a, env := setupAppTest(t, testConfig())
		openApp(t, a)
		defer func() { _ = a.Close() }()

		b, err := a.UseEngagementState(t.Context(), "tip", "t1", "me")
		require.NoError(t, err)
		defer b.Close()

		env.store.Inject(memstore.Fault{
			Point: memstore.PointMutate,
			Table: domain.TableEdges,
			Err:   &domain.RemoteError{Status: http.StatusServiceUnavailable},
		})
		err = a.ToggleEngagement(t.Context(), "tip", "t1", "")
		require.ErrorIs(t, err, domain.ErrToggleFailed)
		assert.Equal(t, domain.KindNetwork, domain.KindOf(err))
		assert.Equal(t, app.State{}, b.Value())
	})
}

func TestApp_InvalidateRefetchesBinding(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		a, env := setupAppTest(t, testConfig())
		openApp(t, a)
		defer func() { _ = a.Close() }()

		b, err := a.UseEngagementState(t.Context(), "tip", "t1", "me")
		require.NoError(t, err)
		defer b.Close()
		assert.Equal(t, int64(0), b.Value().Count)

		env.store.Set(tipTopic, "a", true)
		env.store.Set(tipTopic, "b", true)
		assert.Equal(t, int64(0), b.Value().Count, "no subscription, no update")

		n, err := a.Invalidate("tip", "t1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		synctest.Wait()

		assert.Equal(t, int64(2), b.Value().Count)
	})
}

func TestApp_ObserveLiveAppliesForeignWrites(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		a, env := setupAppTest(t, testConfig())
		openApp(t, a)
		defer func() { _ = a.Close() }()

		b, err := a.UseEngagementState(t.Context(), "tip", "t1", "me")
		require.NoError(t, err)
		defer b.Close()

		unsubscribe, err := a.ObserveLive(t.Context(), "tip", "t1")
		require.NoError(t, err)

		env.store.Set(tipTopic, "a", true)
		env.store.Set(tipTopic, "me", true)
		synctest.Wait()
		assert.Equal(t, app.State{Count: 2, Liked: true}, b.Value())

		unsubscribe()
		unsubscribe()
		synctest.Wait()
		assert.Equal(t, 0, env.store.Subscribers())
	})
}

func TestApp_ObserveLivePollsAfterDegrade(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cfg := testConfig()
		cfg.Realtime.PollInterval = 5 * time.Second
		a, env := setupAppTest(t, cfg)
		openApp(t, a)
		defer func() { _ = a.Close() }()

		b, err := a.UseEngagementState(t.Context(), "tip", "t1", "me")
		require.NoError(t, err)
		defer b.Close()

		unsubscribe, err := a.ObserveLive(t.Context(), "tip", "t1")
		require.NoError(t, err)
		defer unsubscribe()

		require.NoError(t, env.store.Close())
		synctest.Wait()

		env.store.Set(tipTopic, "a", true)
		synctest.Wait()
		assert.Equal(t, int64(0), b.Value().Count)

		time.Sleep(cfg.Realtime.PollInterval)
		synctest.Wait()
		assert.Equal(t, int64(1), b.Value().Count)
	})
}

func TestApp_SessionLifecycle(t *testing.T) {
	a, env := setupAppTest(t, testConfig())
	openApp(t, a)
	defer func() { _ = a.Close() }()

	state, err := a.SessionState(t.Context())
	require.NoError(t, err)
	assert.True(t, state.HasValidCredential)
	assert.Equal(t, "u1", state.Subject)

	cred := domain.Credential{AccessToken: "a2", RefreshToken: "r2", Subject: "u2"}
	env.session.EXPECT().Save(cred).Return(nil)
	require.NoError(t, a.SignIn(t.Context(), cred))

	state, err = a.SessionState(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "u2", state.Subject)

	require.ErrorIs(t, a.SignIn(t.Context(), domain.Credential{}), domain.ErrMissingArgument)

	env.session.EXPECT().Clear().Return(nil)
	require.NoError(t, a.SignOut(t.Context()))
	state, err = a.SessionState(t.Context())
	require.NoError(t, err)
	assert.False(t, state.HasValidCredential)
}

func TestApp_WatchesSessionWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Session.Watch = true
	a, env := setupAppTest(t, cfg)

	watching := make(chan struct{})
	env.session.EXPECT().Watch(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ func()) error {
			close(watching)
			<-ctx.Done()
			return nil
		},
	)
	openApp(t, a)
	<-watching
	require.NoError(t, a.Close())
}

func TestApp_ServeRelaysFeed(t *testing.T) {
	a, env := setupAppTest(t, testConfig())
	openApp(t, a)
	defer func() { _ = a.Close() }()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + lis.Addr().String()

	ctx, cancel := context.WithCancel(t.Context())
	served := make(chan error, 1)
	go func() { served <- a.ServeListener(ctx, lis) }()

	feed, err := wsfeed.Wrap(memstore.New(), base, nil)
	require.NoError(t, err)
	sub, err := feed.Subscribe(t.Context(), domain.TableEdges, domain.TopicFilter(tipTopic))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.store.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	env.store.Set(tipTopic, "a", true)
	select {
	case ev := <-sub.Events():
		assert.Equal(t, "a", ev.Edge.ActorID)
	case <-time.After(5 * time.Second):
		t.Fatal("no event relayed")
	}
	_ = sub.Close()

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestApp_ServeExposesMetrics(t *testing.T) {
	a, _ := setupAppTestWithMetrics(t, testConfig(), telemetry.NewMetrics())
	openApp(t, a)
	defer func() { _ = a.Close() }()
	require.NoError(t, a.ToggleEngagement(t.Context(), "tip", "t1", ""))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = a.ServeListener(ctx, lis) }()

	resp, err := http.Get("http://" + lis.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "tally_toggle_total"))
}

func TestApp_WatchReportsChangesAndDegrade(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		a, env := setupAppTest(t, testConfig())
		openApp(t, a)
		defer func() { _ = a.Close() }()

		ctx, cancel := context.WithCancel(t.Context())
		var snaps []app.Snapshot
		done := make(chan error, 1)
		go func() {
			done <- a.Watch(ctx, "tip", "t1", "", func(s app.Snapshot) { snaps = append(snaps, s) })
		}()
		synctest.Wait()

		env.store.Set(tipTopic, "a", true)
		synctest.Wait()
		require.NoError(t, env.store.Close())
		synctest.Wait()

		cancel()
		require.NoError(t, <-done)

		require.GreaterOrEqual(t, len(snaps), 3)
		assert.Equal(t, app.Snapshot{Live: true}, snaps[0])
		assert.Equal(t, int64(1), snaps[len(snaps)-2].State.Count)
		assert.True(t, snaps[len(snaps)-2].Live)
		assert.False(t, snaps[len(snaps)-1].Live)
	})
}
