// Package cache implements the versioned, process-local store of engagement values.
package cache

import (
	"sync"
	"sync/atomic"

	"go.trai.ch/tally/internal/core/domain"
)

// Listener is called after an entry changes. It runs synchronously on the writer's
// goroutine, outside the cache lock, so it may read or write the cache.
type Listener func(domain.CacheEntry)

// UpdateFunc computes the next value from the current one. Returning false leaves
// the entry untouched.
type UpdateFunc func(current domain.Value, exists bool) (next domain.Value, write bool)

// Cache maps keys to versioned values. Writes with a version not greater than the
// stored one are dropped, so the highest version always wins regardless of arrival order.
type Cache struct {
	mu        sync.Mutex
	entries   map[domain.CacheKey]domain.CacheEntry
	below     map[domain.CacheKey]int64
	listeners map[domain.CacheKey]map[uint64]Listener
	nextID    uint64
	version   atomic.Uint64
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries:   make(map[domain.CacheKey]domain.CacheEntry),
		below:     make(map[domain.CacheKey]int64),
		listeners: make(map[domain.CacheKey]map[uint64]Listener),
	}
}

// NextVersion reserves a version greater than every version handed out before.
func (c *Cache) NextVersion() domain.Version {
	return domain.Version(c.version.Add(1))
}

// Read returns the entry for key.
func (c *Cache) Read(key domain.CacheKey) (domain.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return e, ok
}

// Write stores value at version if the key is absent or holds an older version.
// It reports whether the write was accepted.
func (c *Cache) Write(key domain.CacheKey, value domain.Value, version domain.Version) bool {
	c.mu.Lock()
	if cur, ok := c.entries[key]; ok && version <= cur.Version {
		c.mu.Unlock()
		return false
	}
	e := domain.CacheEntry{Key: key, Value: value, Version: version}
	c.entries[key] = e
	delete(c.below, key)
	ls := c.snapshotListeners(key)
	c.mu.Unlock()

	notify(ls, e)
	return true
}

// Update atomically reads the entry for key, applies fn and stores the result at a
// fresh version. Concurrent updates never lose each other's deltas.
func (c *Cache) Update(key domain.CacheKey, fn UpdateFunc) (domain.CacheEntry, bool) {
	c.mu.Lock()
	cur, ok := c.entries[key]
	next, write := fn(cur.Value, ok)
	if !write {
		c.mu.Unlock()
		return cur, false
	}
	e := domain.CacheEntry{Key: key, Value: next, Version: c.NextVersion()}
	c.entries[key] = e
	delete(c.below, key)
	ls := c.snapshotListeners(key)
	c.mu.Unlock()

	notify(ls, e)
	return e, true
}

// AddIfPresent applies delta to a cached count. Absent keys are left absent.
// A count never shows below zero, but the shortfall is remembered until the next
// absolute write, so a delta followed by its inverse restores the previous value.
func (c *Cache) AddIfPresent(key domain.CacheKey, delta int64) (domain.CacheEntry, bool) {
	c.mu.Lock()
	cur, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return cur, false
	}
	n := cur.Value.Int() - c.below[key] + delta
	if n < 0 {
		c.below[key] = -n
	} else {
		delete(c.below, key)
	}
	e := domain.CacheEntry{Key: key, Value: cur.Value.Add(n - cur.Value.Int()), Version: c.NextVersion()}
	c.entries[key] = e
	ls := c.snapshotListeners(key)
	c.mu.Unlock()

	notify(ls, e)
	return e, true
}

// SetIfPresent stores a flag at a fresh version when the key is already cached.
func (c *Cache) SetIfPresent(key domain.CacheKey, flag bool) (domain.CacheEntry, bool) {
	return c.Update(key, func(cur domain.Value, exists bool) (domain.Value, bool) {
		if !exists {
			return cur, false
		}
		return domain.Flag(flag), true
	})
}

// Subscribe registers l for changes to key. The returned function removes it and
// may be called more than once.
func (c *Cache) Subscribe(key domain.CacheKey, l Listener) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.listeners[key] == nil {
		c.listeners[key] = make(map[uint64]Listener)
	}
	c.listeners[key][id] = l
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.listeners[key], id)
			if len(c.listeners[key]) == 0 {
				delete(c.listeners, key)
			}
		})
	}
}

// Invalidate marks every entry matching p as stale and notifies its listeners.
// It does not refetch. It returns the number of entries marked.
func (c *Cache) Invalidate(p domain.KeyPattern) int {
	type pending struct {
		entry     domain.CacheEntry
		listeners []Listener
	}

	c.mu.Lock()
	var marked []pending
	for k, e := range c.entries {
		if !p.Match(k) {
			continue
		}
		e.Stale = true
		c.entries[k] = e
		marked = append(marked, pending{entry: e, listeners: c.snapshotListeners(k)})
	}
	c.mu.Unlock()

	for _, m := range marked {
		notify(m.listeners, m.entry)
	}
	return len(marked)
}

// Keys returns the cached keys matching p.
func (c *Cache) Keys(p domain.KeyPattern) []domain.CacheKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []domain.CacheKey
	for k := range c.entries {
		if p.Match(k) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (c *Cache) snapshotListeners(key domain.CacheKey) []Listener {
	m := c.listeners[key]
	if len(m) == 0 {
		return nil
	}
	ls := make([]Listener, 0, len(m))
	for _, l := range m {
		ls = append(ls, l)
	}
	return ls
}

func notify(ls []Listener, e domain.CacheEntry) {
	for _, l := range ls {
		l(e)
	}
}
