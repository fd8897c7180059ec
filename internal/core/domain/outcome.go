package domain

import (
	"errors"

	"go.trai.ch/zerr"
)

// OutcomeStatus is how a guarded remote call settled.
type OutcomeStatus uint8

const (
	// StatusOK means the call returned a value before its deadline.
	StatusOK OutcomeStatus = iota
	// StatusTimedOut means the deadline fired first.
	StatusTimedOut
	// StatusFailed means the call returned an error before its deadline.
	StatusFailed
)

func (s OutcomeStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimedOut:
		return "timed_out"
	case StatusFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Outcome is the settled result of a guarded remote call.
type Outcome[T any] struct {
	Status OutcomeStatus
	Value  T
	Err    error
}

// OK returns a successful outcome.
func OK[T any](v T) Outcome[T] {
	return Outcome[T]{Status: StatusOK, Value: v}
}

// TimedOut returns an outcome for a call that missed its deadline.
func TimedOut[T any]() Outcome[T] {
	return Outcome[T]{Status: StatusTimedOut}
}

// Failed returns an outcome for a call that returned err.
func Failed[T any](err error) Outcome[T] {
	return Outcome[T]{Status: StatusFailed, Err: err}
}

// IsOK reports whether the call succeeded.
func (o Outcome[T]) IsOK() bool {
	return o.Status == StatusOK
}

// ErrorKind is the classification of a failed outcome.
type ErrorKind uint8

const (
	// KindNone is the kind of a successful outcome.
	KindNone ErrorKind = iota
	// KindTimeout means the call missed its deadline.
	KindTimeout
	// KindPermission means the credential was expired, invalid or denied by row-level rules.
	KindPermission
	// KindNotFound means the target row does not exist.
	KindNotFound
	// KindNetwork means the store could not be reached.
	KindNetwork
	// KindUnknown is everything else.
	KindUnknown
)

// KindMetaKey is the zerr metadata key carrying an ErrorKind.
const KindMetaKey = "kind"

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTimeout:
		return "timeout"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// KindOf returns the ErrorKind attached to err with KindMetaKey.
// A nil error is KindNone. An error without a kind is KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		z, ok := e.(*zerr.Error)
		if !ok {
			continue
		}
		if k, ok := z.Metadata()[KindMetaKey].(ErrorKind); ok {
			return k
		}
	}
	return KindUnknown
}
