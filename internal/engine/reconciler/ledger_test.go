package reconciler

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/tally/internal/core/domain"
)

func TestLedger_ConfirmedEchoesAreCapped(t *testing.T) {
	var l ledger
	for i := range maxConfirmed + 10 {
		e := &echo{opID: fmt.Sprint(i), actorID: "a", change: domain.ChangeInsert, delta: 1}
		l.echoes = append(l.echoes, e)
		// Stores without sequences confirm at zero, which no watermark ever covers.
		l.confirm(e, 0)
	}
	pending := &echo{opID: "pending", actorID: "b", change: domain.ChangeInsert, delta: 1}
	l.echoes = append(l.echoes, pending)

	e := &echo{opID: "last", actorID: "a", change: domain.ChangeDelete, delta: -1}
	l.echoes = append(l.echoes, e)
	l.confirm(e, 0)

	assert.Len(t, l.echoes, maxConfirmed+1)
	_, oldest := l.find("0")
	assert.Nil(t, oldest)
	_, found := l.find("pending")
	assert.NotNil(t, found, "unconfirmed echoes are never dropped")
	_, found = l.find("last")
	assert.NotNil(t, found)
}

func TestLedger_LearnKeepsNewestState(t *testing.T) {
	var l ledger

	l.learn("a", true, 5)
	l.learn("a", false, 3)
	flag, ok := l.flagOf("a")
	require.True(t, ok)
	assert.True(t, flag, "an older event does not override a newer one")

	l.learn("a", false, 0)
	flag, _ = l.flagOf("a")
	assert.False(t, flag, "unsequenced state is taken as current")

	_, ok = l.flagOf("b")
	assert.False(t, ok)
}

func TestLedger_PendingWriteWinsOverKnownState(t *testing.T) {
	var l ledger
	l.learn("a", false, 9)
	l.echoes = append(l.echoes, &echo{opID: "1", actorID: "a", change: domain.ChangeInsert, delta: 1})

	flag, ok := l.flagOf("a")
	require.True(t, ok)
	assert.True(t, flag)

	l.echoes[0].consumed = true
	flag, _ = l.flagOf("a")
	assert.False(t, flag, "a consumed echo defers to what the store reported")
}

func TestLedger_OverlayAppliesEchoesInOrder(t *testing.T) {
	var l ledger
	first := &echo{opID: "1", actorID: "me", change: domain.ChangeInsert, delta: 1}
	l.echoes = append(l.echoes, first)
	l.confirm(first, 8)
	second := &echo{opID: "2", actorID: "me", change: domain.ChangeDelete, delta: -1}
	l.echoes = append(l.echoes, second)

	count, tallies := l.overlay(3, map[string]bool{}, 7)
	assert.Equal(t, int64(3), count, "the insert and the delete both apply on top of the snapshot")
	require.Len(t, tallies, 2)
	assert.True(t, tallies[0].added)
	assert.True(t, tallies[1].added)

	assert.Zero(t, l.recount(tallies))
	assert.Equal(t, int64(1), first.held(0))
	assert.Equal(t, int64(-1), second.held(0))
}

func TestLedger_RecountChargesVoidedEchoes(t *testing.T) {
	var l ledger
	e := &echo{opID: "1", actorID: "me", change: domain.ChangeInsert, delta: 1}
	l.echoes = append(l.echoes, e)

	count, tallies := l.overlay(0, map[string]bool{}, 4)
	assert.Equal(t, int64(1), count)

	i, _ := l.find("1")
	l.remove(i)
	e.void = true

	assert.Equal(t, int64(-1), l.recount(tallies))
}

func TestLedger_ConsumeShiftsHeldCount(t *testing.T) {
	var l ledger
	e := &echo{opID: "1", actorID: "me", change: domain.ChangeInsert, delta: 1}
	l.echoes = append(l.echoes, e)

	ev := domain.ChangeEvent{
		Type: domain.ChangeInsert,
		Edge: domain.EngagementEdge{ActorID: "me"},
		Seq:  6,
	}
	require.True(t, l.consume(ev))
	assert.Zero(t, e.held(1), "the event stands in for the optimistic delta")
	assert.False(t, l.consume(ev), "an echo is consumed once")

	flag, ok := l.flagOf("me")
	require.True(t, ok)
	assert.True(t, flag)
}
