package memstore

import (
	"context"
	"time"

	"go.trai.ch/tally/internal/core/domain"
)

// Point is where a fault fires.
type Point string

// Fault points.
const (
	PointQuery     Point = "query"
	PointMutate    Point = "mutate"
	PointSubscribe Point = "subscribe"
)

// Fault alters the next matching call. Faults fire once, in the order injected.
type Fault struct {
	Point Point
	// Table restricts the fault to one table. Empty matches any.
	Table domain.Table
	// Delay stalls the call. A cancelled context ends the stall with ctx.Err().
	Delay time.Duration
	// Err is returned by the call.
	Err error
	// AfterApply lets a mutation take effect before Err is returned.
	AfterApply bool
}

// Inject queues f.
func (s *Store) Inject(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

// Pending returns the number of faults that have not fired.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.faults)
}

func (s *Store) inject(ctx context.Context, p Point, table domain.Table) error {
	_, err := s.take(ctx, p, table)
	return err
}

// take pops the first fault matching p and table, waits out its delay and
// returns it. The error is the fault's error unless it fires after the apply.
func (s *Store) take(ctx context.Context, p Point, table domain.Table) (*Fault, error) {
	s.mu.Lock()
	var f *Fault
	for i := range s.faults {
		c := s.faults[i]
		if c.Point == p && (c.Table == "" || c.Table == table) {
			f = &c
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if f == nil {
		return nil, nil
	}
	if f.Delay > 0 {
		timer := time.NewTimer(f.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if f.AfterApply || f.Err == nil {
		return f, nil
	}
	return nil, f.Err
}
