package reconciler

import (
	"context"
	"slices"
	"time"

	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/tally/internal/engine/classify"
	"go.trai.ch/tally/internal/engine/session"
	"go.trai.ch/zerr"
)

// Refresh re-reads subject's edges and overwrites its cached count and flags.
// The count version is reserved before the read, so a count that loses a race with
// a newer local or pushed write is dropped. Flags follow the newest edge state seen
// per actor, so an older snapshot never undoes a newer event. Concurrent refreshes
// of one subject share a single read. Flags for actors are written even when not
// cached yet.
func (r *Reconciler) Refresh(ctx context.Context, subject domain.Subject, actors ...string) error {
	topic, err := r.TopicOf(subject)
	if err != nil {
		return err
	}

	key := topic.String()
	if len(actors) > 0 {
		sorted := slices.Clone(actors)
		slices.Sort(sorted)
		for _, a := range sorted {
			key += "|" + a
		}
	}

	_, err, _ = r.group.Do(key, func() (any, error) {
		return nil, r.refresh(ctx, topic, actors)
	})
	return err
}

func (r *Reconciler) refresh(ctx context.Context, topic domain.Topic, actors []string) error {
	ctx, span := r.tracer.Start(ctx, "reconciler.refresh", ports.WithAttribute("topic", topic.String()))
	defer span.End()

	version := r.cache.NextVersion()
	start := time.Now()
	out := session.Heal(ctx, r.session, func(ctx context.Context) (domain.QueryResult, error) {
		return r.store.Query(ctx, domain.TableEdges, domain.TopicFilter(topic))
	}, r.deadlines.For(domain.CallBulk))

	kind := classify.Outcome(out)
	r.metrics.ObserveRemote("edges.query", out.Status, kind, time.Since(start))

	var result domain.QueryResult
	switch kind {
	case domain.KindNone:
		result = out.Value
	case domain.KindNotFound:
		// Absence means zero.
	default:
		err := zerr.With(zerr.Wrap(domain.ErrReadFailed, "refresh"), "topic", topic.String())
		err = zerr.With(err, domain.KindMetaKey, kind)
		if out.Err != nil {
			err = zerr.With(err, "cause", out.Err.Error())
		}
		span.RecordError(err)
		return err
	}

	present := make(map[string]bool, len(result.Rows))
	for _, row := range result.Rows {
		edge, err := domain.EdgeFromRow(row)
		if err != nil {
			r.logger.Warn("skipping malformed edge row: " + err.Error())
			continue
		}
		present[edge.ActorID] = true
	}

	r.mu.Lock()
	l := r.ledgerLocked(topic)
	count, tallies := l.overlay(int64(len(present)), present, result.Seq)
	r.mu.Unlock()

	countKey := domain.CountKey(topic.Subject)
	accepted := r.cache.Write(countKey, domain.Count(count), version)

	cached := r.cache.Keys(domain.KeyPattern{
		Domain:      domain.DomainFlag,
		SubjectType: topic.Subject.Type,
		SubjectID:   topic.Subject.ID,
	})

	var correction int64
	r.mu.Lock()
	if accepted {
		correction = l.recount(tallies)
		l.advance(result.Seq)
	}
	for _, k := range cached {
		l.learn(k.ActorID, present[k.ActorID], result.Seq)
	}
	for _, a := range actors {
		l.learn(a, present[a], result.Seq)
	}
	for a := range l.actors {
		l.learn(a, present[a], result.Seq)
	}
	r.mu.Unlock()

	if correction != 0 {
		r.cache.AddIfPresent(countKey, correction)
	}
	for _, k := range cached {
		r.settle(topic, k.ActorID, false)
	}
	for _, a := range actors {
		r.settle(topic, a, true)
	}

	span.SetAttribute("count", count)
	span.SetAttribute("accepted", accepted)
	return nil
}

// Expect registers the change event intent will cause, so that its echo is not
// applied on top of the optimistic write.
func (r *Reconciler) Expect(intent domain.MutationIntent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.ledgerLocked(intent.Topic())
	l.echoes = append(l.echoes, &echo{
		opID:    intent.OperationID,
		actorID: intent.Edge.ActorID,
		change:  changeOf(intent.Desired),
		delta:   intent.Delta,
	})
}

// Confirm records that the store committed intent at seq. When echoExpected is
// false the store did not change and no event will follow. The cached count is
// corrected for whatever a push event or a re-read already did on intent's behalf.
func (r *Reconciler) Confirm(intent domain.MutationIntent, seq uint64, echoExpected bool) {
	topic := intent.Topic()
	actor := intent.Edge.ActorID

	r.mu.Lock()
	l := r.ledgerLocked(topic)
	l.learn(actor, intent.Desired, seq)

	var correction int64
	i, e := l.find(intent.OperationID)
	switch {
	case e == nil:
	case !echoExpected:
		l.remove(i)
		e.void = true
		correction = intent.CountDelta - e.held(intent.CountDelta)
	case e.consumed || (seq != 0 && seq <= l.watermark):
		l.remove(i)
		correction = -e.held(intent.CountDelta)
	default:
		l.confirm(e, seq)
	}
	r.mu.Unlock()

	if correction != 0 {
		r.cache.AddIfPresent(intent.CountKey, correction)
	}
	r.settle(topic, actor, false)
}

// Withdraw forgets intent after a rollback. If its echo already arrived, or a
// re-read already showed it, the store did apply the write and the cache keeps it.
func (r *Reconciler) Withdraw(intent domain.MutationIntent) {
	topic := intent.Topic()

	r.mu.Lock()
	l := r.ledgerLocked(topic)
	i, e := l.find(intent.OperationID)
	if e == nil {
		r.mu.Unlock()
		return
	}
	l.remove(i)
	e.void = true
	correction := intent.CountDelta - e.held(intent.CountDelta)
	r.mu.Unlock()

	if correction != 0 {
		r.cache.AddIfPresent(intent.CountKey, correction)
		r.metrics.ObserveEvent(e.change, actionApplied)
	}
	r.settle(topic, intent.Edge.ActorID, false)
}

// settleAttempts bounds how often settle rewrites a flag that moved underneath it.
const settleAttempts = 3

// settle writes actor's flag from the ledger. Only cached flags are touched
// unless force is set. The cache write happens outside r.mu, so the ledger is
// read again afterwards and the write repeated if it changed meanwhile.
func (r *Reconciler) settle(topic domain.Topic, actor string, force bool) {
	key := domain.FlagKey(topic.Subject, actor)
	for range settleAttempts {
		r.mu.Lock()
		flag, ok := r.ledgerLocked(topic).flagOf(actor)
		r.mu.Unlock()
		if !ok {
			return
		}

		cur, cached := r.cache.Read(key)
		switch {
		case cached && !cur.Stale && cur.Value.Bool() == flag:
			return
		case force:
			r.cache.Write(key, domain.Flag(flag), r.cache.NextVersion())
		case !cached:
			return
		default:
			r.cache.SetIfPresent(key, flag)
		}
	}
}
