package domain

import "time"

// MutationState is the lifecycle position of a MutationIntent.
type MutationState uint8

const (
	// StateIdle means nothing is outstanding.
	StateIdle MutationState = iota
	// StateOptimistic means the local write is applied and the remote write is pending.
	StateOptimistic
	// StateConfirmed means the remote write succeeded.
	StateConfirmed
	// StateRolledBack means the remote write failed and the local write was reverted.
	StateRolledBack
)

func (s MutationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOptimistic:
		return "optimistic"
	case StateConfirmed:
		return "confirmed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "invalid"
	}
}

// MutationIntent records one optimistic toggle. At most one exists per flag key.
type MutationIntent struct {
	OperationID string
	FlagKey     CacheKey
	CountKey    CacheKey
	Edge        EngagementEdge
	Previous    bool
	Desired     bool
	// Delta is +1 for an insert and -1 for a delete.
	Delta int64
	// CountDelta is the delta the optimistic write applied to the cached count, or
	// zero when the count was not cached.
	CountDelta int64
	State      MutationState
	StartedAt  time.Time
}

// Op returns the edge mutation that realizes the intent.
func (i MutationIntent) Op() MutationOp {
	if i.Desired {
		return OpInsert
	}
	return OpDelete
}

// Topic returns the realtime topic the intent writes to.
func (i MutationIntent) Topic() Topic {
	return Topic{Subject: i.Edge.Subject, Relation: i.Edge.Relation}
}
