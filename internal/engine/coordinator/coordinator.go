// Package coordinator drives the optimistic toggle state machine.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/tally/internal/engine/cache"
	"go.trai.ch/tally/internal/engine/classify"
	"go.trai.ch/tally/internal/engine/guard"
	"go.trai.ch/tally/internal/engine/session"
	"go.trai.ch/zerr"
)

// Toggle results reported to metrics.
const (
	resultConfirmed  = "confirmed"
	resultRolledBack = "rolled_back"
	resultRejected   = "rejected"
)

// EchoTracker follows the push event a toggle is expected to cause.
type EchoTracker interface {
	Expect(intent domain.MutationIntent)
	// Confirm records the store's answer. The tracker corrects the cached count
	// for anything it absorbed on intent's behalf beyond intent.CountDelta.
	Confirm(intent domain.MutationIntent, seq uint64, echoExpected bool)
	// Withdraw forgets intent after a rollback, with the same count correction.
	Withdraw(intent domain.MutationIntent)
}

// Config tunes the coordinator.
type Config struct {
	Deadlines domain.Deadlines
	Relations domain.Relations
	// CancelOnTimeout cancels a remote write whose deadline fired.
	CancelOnTimeout bool
}

// Coordinator applies toggles optimistically and confirms or rolls them back.
type Coordinator struct {
	store    ports.RemoteStore
	cache    *cache.Cache
	session  *session.Manager
	echoes   EchoTracker
	notifier ports.Notifier
	logger   ports.Logger
	metrics  ports.Metrics
	tracer   ports.Tracer
	cfg      Config

	mu      sync.Mutex
	intents map[domain.CacheKey]domain.MutationIntent
}

// New creates a Coordinator.
func New(
	store ports.RemoteStore,
	c *cache.Cache,
	mgr *session.Manager,
	echoes EchoTracker,
	notifier ports.Notifier,
	logger ports.Logger,
	metrics ports.Metrics,
	tracer ports.Tracer,
	cfg Config,
) *Coordinator {
	return &Coordinator{
		store:    store,
		cache:    c,
		session:  mgr,
		echoes:   echoes,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		cfg:      cfg,
		intents:  make(map[domain.CacheKey]domain.MutationIntent),
	}
}

// IsPending reports whether a toggle on key is outstanding.
func (c *Coordinator) IsPending(key domain.CacheKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.intents[key]
	return ok
}

// Intent returns the outstanding intent on key.
func (c *Coordinator) Intent(key domain.CacheKey) (domain.MutationIntent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.intents[key]
	return i, ok
}

// Toggle flips the engagement flag at flagKey from current. The cache reflects the
// new value before the remote write starts. It returns the value the flag settled on.
//
// A toggle on a key with an outstanding intent is rejected with ErrMutationInFlight.
// While the session awaits re-authentication every toggle is rejected with ErrReauthRequired.
func (c *Coordinator) Toggle(ctx context.Context, flagKey domain.CacheKey, current bool) (bool, error) {
	if flagKey.Domain != domain.DomainFlag || flagKey.ActorID == "" {
		return current, zerr.With(zerr.Wrap(domain.ErrInvalidCacheKey, "toggle needs an actor flag key"), "key", flagKey.String())
	}
	if c.session.Suspended() {
		c.metrics.ObserveToggle(resultRejected, domain.KindPermission)
		return current, zerr.Wrap(domain.ErrReauthRequired, "toggle")
	}

	subject := flagKey.Subject()
	relation, err := c.cfg.Relations.For(subject.Type)
	if err != nil {
		return current, err
	}

	intent := domain.MutationIntent{
		OperationID: uuid.NewString(),
		FlagKey:     flagKey,
		CountKey:    domain.CountKey(subject),
		Edge: domain.EngagementEdge{
			ActorID:   flagKey.ActorID,
			Subject:   subject,
			Relation:  relation,
			CreatedAt: time.Now(),
		},
		Previous:  current,
		Desired:   !current,
		Delta:     1,
		State:     domain.StateOptimistic,
		StartedAt: time.Now(),
	}
	if !intent.Desired {
		intent.Delta = -1
	}

	if !c.begin(intent) {
		c.metrics.ObserveToggle(resultRejected, domain.KindNone)
		return current, zerr.With(zerr.Wrap(domain.ErrMutationInFlight, "toggle"), "key", flagKey.String())
	}
	defer c.end(flagKey)

	ctx, span := c.tracer.Start(ctx, "coordinator.toggle",
		ports.WithAttribute("key", flagKey.String()),
		ports.WithAttribute("operation_id", intent.OperationID),
	)
	defer span.End()

	c.echoes.Expect(intent)
	c.cache.Write(flagKey, domain.Flag(intent.Desired), c.cache.NextVersion())
	if _, ok := c.cache.AddIfPresent(intent.CountKey, intent.Delta); ok {
		intent.CountDelta = intent.Delta
	}
	c.record(intent)

	res := c.commit(ctx, intent)
	if res.kind == domain.KindNone {
		c.confirm(ctx, intent, res)
		return intent.Desired, nil
	}

	err = c.rollback(ctx, intent, res)
	span.RecordError(err)
	return intent.Previous, err
}

func (c *Coordinator) begin(intent domain.MutationIntent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.intents[intent.FlagKey]; busy {
		return false
	}
	c.intents[intent.FlagKey] = intent
	return true
}

func (c *Coordinator) record(intent domain.MutationIntent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intents[intent.FlagKey] = intent
}

func (c *Coordinator) end(key domain.CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.intents, key)
}

type commitResult struct {
	kind domain.ErrorKind
	err  error
	seq  uint64
	// changed is false when the store already held the desired state.
	changed bool
}

// commit writes the edge and, only if that succeeded, adjusts the denormalized counter.
func (c *Coordinator) commit(ctx context.Context, intent domain.MutationIntent) commitResult {
	op := intent.Op()
	edgeOut := c.remote(ctx, "edges."+string(op), func(ctx context.Context) (domain.MutationResult, error) {
		return c.store.Mutate(ctx, domain.TableEdges, op, domain.EdgeRow(intent.Edge))
	})

	kind := classify.Outcome(edgeOut)
	switch {
	case kind == domain.KindNone && edgeOut.Value.Applied:
	case kind == domain.KindNone, kind == domain.KindNotFound && op == domain.OpDelete:
		return commitResult{kind: domain.KindNone, seq: edgeOut.Value.Seq}
	default:
		return commitResult{kind: kind, err: edgeOut.Err}
	}

	counterOut := c.remote(ctx, "counters.update", func(ctx context.Context) (domain.MutationResult, error) {
		return c.store.Mutate(ctx, domain.TableCounters, domain.OpUpdate, domain.CounterRow(intent.Topic(), intent.Delta))
	})
	if !counterOut.IsOK() {
		c.logger.Warn("counter adjustment failed after edge write, aggregates will be re-read: " +
			classify.Outcome(counterOut).String())
		c.cache.Invalidate(domain.PatternOf(intent.CountKey))
	}

	return commitResult{kind: domain.KindNone, seq: edgeOut.Value.Seq, changed: true}
}

func (c *Coordinator) remote(
	ctx context.Context,
	name string,
	op guard.Op[domain.MutationResult],
) domain.Outcome[domain.MutationResult] {
	var opts []guard.Option
	if c.cfg.CancelOnTimeout {
		opts = append(opts, guard.WithCancelOnTimeout())
	}

	start := time.Now()
	out := session.Heal(ctx, c.session, op, c.cfg.Deadlines.For(domain.CallInteractive), opts...)
	c.metrics.ObserveRemote(name, out.Status, classify.Outcome(out), time.Since(start))
	return out
}

func (c *Coordinator) confirm(ctx context.Context, intent domain.MutationIntent, res commitResult) {
	intent.State = domain.StateConfirmed
	c.record(intent)

	if !res.changed && intent.CountDelta != 0 {
		// The store already held the desired state, so the optimistic delta double counted.
		c.cache.AddIfPresent(intent.CountKey, -intent.CountDelta)
		c.cache.Invalidate(domain.PatternOf(intent.CountKey))
	}
	c.echoes.Confirm(intent, res.seq, res.changed)

	c.cache.Invalidate(domain.PatternOf(domain.TotalKey(intent.Edge.Subject)))
	c.cache.Invalidate(domain.PatternOf(domain.ProfileKey(intent.Edge.ActorID)))

	c.metrics.ObserveToggle(resultConfirmed, domain.KindNone)
	c.notifier.Notify(ctx, domain.Notice{Level: domain.NoticeSuccess, Message: successMessage(intent)})
}

func (c *Coordinator) rollback(ctx context.Context, intent domain.MutationIntent, res commitResult) error {
	intent.State = domain.StateRolledBack
	c.record(intent)

	c.cache.Write(intent.FlagKey, domain.Flag(intent.Previous), c.cache.NextVersion())
	if intent.CountDelta != 0 {
		c.cache.AddIfPresent(intent.CountKey, -intent.CountDelta)
	}
	c.echoes.Withdraw(intent)

	c.metrics.ObserveToggle(resultRolledBack, res.kind)

	err := zerr.With(zerr.Wrap(domain.ErrToggleFailed, "toggle rolled back"), domain.KindMetaKey, res.kind)
	err = zerr.With(err, "key", intent.FlagKey.String())
	if res.err != nil {
		err = zerr.With(err, "cause", res.err.Error())
	}

	switch res.kind {
	case domain.KindTimeout:
		// The write may still land, and the reconciler will correct the rollback
		// if it does. The caller gets the error; the user gets no notice.
		c.logger.Warn("toggle timed out and was rolled back: " + intent.FlagKey.String())
	case domain.KindPermission:
		msg := msgPermissionDenied
		if c.session.Suspended() {
			msg = msgReauthRequired
		}
		c.notifier.Notify(ctx, domain.Notice{Level: domain.NoticeError, Message: msg, Kind: res.kind})
	default:
		c.notifier.Notify(ctx, domain.Notice{Level: domain.NoticeError, Message: msgRetry, Kind: res.kind})
	}

	return err
}
