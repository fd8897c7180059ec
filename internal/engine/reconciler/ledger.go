package reconciler

import (
	"slices"

	"go.trai.ch/tally/internal/core/domain"
)

// maxConfirmed bounds the confirmed echoes kept per topic while their events are
// outstanding. The oldest is dropped first.
const maxConfirmed = 64

// echo is a change event the local actor caused and has already applied optimistically.
type echo struct {
	opID      string
	actorID   string
	change    domain.ChangeType
	delta     int64
	seq       uint64
	confirmed bool
	consumed  bool
	// eventSeq is the sequence of the event that consumed the echo.
	eventSeq uint64
	// void is set once the write is known to have changed nothing or was rolled back.
	void bool

	// The cached count carries held(countDelta) on behalf of this write. Until a
	// re-read recounts it that is the optimistic delta plus shift.
	recounted bool
	base      int64
	shift     int64
}

func (e *echo) held(countDelta int64) int64 {
	if e.recounted {
		return e.base + e.shift
	}
	return countDelta + e.shift
}

// known is the newest store state observed for one actor's edge.
type known struct {
	flag bool
	seq  uint64
}

// tally is how one overlay treated an echo.
type tally struct {
	e     *echo
	added bool
}

// ledger is the per-topic bookkeeping shared by push handling and re-reads.
type ledger struct {
	// watermark is the store sequence covered by the last accepted re-read.
	watermark uint64
	echoes    []*echo
	actors    map[string]known
}

func changeOf(desired bool) domain.ChangeType {
	if desired {
		return domain.ChangeInsert
	}
	return domain.ChangeDelete
}

func (l *ledger) find(opID string) (int, *echo) {
	for i, e := range l.echoes {
		if e.opID == opID {
			return i, e
		}
	}
	return -1, nil
}

func (l *ledger) remove(i int) {
	l.echoes = slices.Delete(l.echoes, i, i+1)
}

// learn records actor's edge state as of seq unless something newer is known.
// A zero seq carries no ordering and is taken as current.
func (l *ledger) learn(actor string, flag bool, seq uint64) {
	if l.actors == nil {
		l.actors = make(map[string]known)
	}
	k, ok := l.actors[actor]
	if seq == 0 {
		seq = k.seq
	}
	if ok && seq < k.seq {
		return
	}
	l.actors[actor] = known{flag: flag, seq: seq}
}

// tracks reports whether the ledger holds any state for actor.
func (l *ledger) tracks(actor string) bool {
	if _, ok := l.actors[actor]; ok {
		return true
	}
	return slices.ContainsFunc(l.echoes, func(e *echo) bool { return e.actorID == actor })
}

// flagOf returns the flag actor should show: the outcome of an unresolved local
// write, else the newest known store state.
func (l *ledger) flagOf(actor string) (bool, bool) {
	for _, e := range slices.Backward(l.echoes) {
		if e.actorID == actor && !e.confirmed && !e.consumed {
			return e.change == domain.ChangeInsert, true
		}
	}
	k, ok := l.actors[actor]
	return k.flag, ok
}

// consume marks the first matching echo as seen and reports whether ev was one.
func (l *ledger) consume(ev domain.ChangeEvent) bool {
	for i, e := range l.echoes {
		if e.consumed || e.actorID != ev.Edge.ActorID || e.change != ev.Type {
			continue
		}
		if e.confirmed && e.seq != 0 && ev.Seq != 0 && e.seq != ev.Seq {
			continue
		}
		l.learn(e.actorID, ev.Type == domain.ChangeInsert, ev.Seq)
		e.shift -= e.delta
		if e.confirmed {
			l.remove(i)
		} else {
			e.consumed = true
			e.eventSeq = ev.Seq
		}
		return true
	}
	return false
}

// confirm marks e as committed at seq and keeps at most maxConfirmed such echoes.
func (l *ledger) confirm(e *echo, seq uint64) {
	e.confirmed = true
	e.seq = seq

	n := 0
	for _, x := range l.echoes {
		if x.confirmed {
			n++
		}
	}
	l.echoes = slices.DeleteFunc(l.echoes, func(x *echo) bool {
		if n > maxConfirmed && x.confirmed {
			n--
			return true
		}
		return false
	})
}

// advance raises the watermark and drops confirmed echoes it covers.
func (l *ledger) advance(seq uint64) {
	if seq <= l.watermark {
		return
	}
	l.watermark = seq
	l.echoes = slices.DeleteFunc(l.echoes, func(e *echo) bool {
		return e.confirmed && e.seq != 0 && e.seq <= seq
	})
}

// overlay adjusts an authoritative count taken at seq for local writes the
// snapshot may not include yet. Echoes apply in order on top of present.
func (l *ledger) overlay(count int64, present map[string]bool, seq uint64) (int64, []tally) {
	state := make(map[string]bool)
	has := func(actor string) bool {
		if s, ok := state[actor]; ok {
			return s
		}
		return present[actor]
	}

	var tallies []tally
	for _, e := range l.echoes {
		if e.confirmed && e.seq != 0 && e.seq <= seq {
			continue
		}
		if e.consumed && (e.eventSeq == 0 || e.eventSeq <= seq) {
			tallies = append(tallies, tally{e: e})
			continue
		}
		added := false
		switch {
		case e.change == domain.ChangeInsert && !has(e.actorID):
			count++
			added = true
		case e.change == domain.ChangeDelete && has(e.actorID):
			count--
			added = true
		}
		state[e.actorID] = e.change == domain.ChangeInsert
		tallies = append(tallies, tally{e: e, added: added})
	}
	return max(count, 0), tallies
}

// recount resets what the cached count carries per echo after an accepted
// overlay. It returns the correction owed for echoes voided since the overlay.
func (l *ledger) recount(tallies []tally) int64 {
	var correction int64
	for _, t := range tallies {
		e := t.e
		e.recounted = true
		e.shift = 0
		e.base = 0
		if !t.added || e.consumed {
			continue
		}
		if e.void {
			correction -= e.delta
			continue
		}
		e.base = e.delta
	}
	return correction
}
