package domain

import "strconv"

// ValueKind distinguishes counters from flags.
type ValueKind uint8

const (
	// ValueCount is a non-negative counter.
	ValueCount ValueKind = iota
	// ValueFlag is a boolean flag.
	ValueFlag
)

// Value is a cached scalar: either a count or a flag.
type Value struct {
	kind  ValueKind
	count int64
	flag  bool
}

// Count returns a count value. Negative inputs are floored at zero.
func Count(n int64) Value {
	return Value{kind: ValueCount, count: max(n, 0)}
}

// Flag returns a flag value.
func Flag(b bool) Value {
	return Value{kind: ValueFlag, flag: b}
}

// Kind returns whether v is a count or a flag.
func (v Value) Kind() ValueKind {
	return v.kind
}

// Int returns the count. Flags report 1 when set.
func (v Value) Int() int64 {
	if v.kind == ValueFlag {
		if v.flag {
			return 1
		}
		return 0
	}
	return v.count
}

// Bool returns the flag. Counts report whether they are non-zero.
func (v Value) Bool() bool {
	if v.kind == ValueCount {
		return v.count > 0
	}
	return v.flag
}

// Add applies delta to a count, never going below zero.
// Flags are returned unchanged.
func (v Value) Add(delta int64) Value {
	if v.kind != ValueCount {
		return v
	}
	return Count(v.count + delta)
}

func (v Value) String() string {
	if v.kind == ValueFlag {
		return strconv.FormatBool(v.flag)
	}
	return strconv.FormatInt(v.count, 10)
}

// Version orders cache writes. Higher versions win.
type Version uint64

// CacheEntry is a cached value with its version.
type CacheEntry struct {
	Key     CacheKey
	Value   Value
	Version Version
	// Stale is set by invalidation and cleared by the next accepted write.
	Stale bool
}
