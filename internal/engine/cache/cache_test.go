package cache_test

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/engine/cache"
)

var (
	post     = domain.Subject{Type: "post", ID: "p1"}
	countKey = domain.CountKey(post)
	flagKey  = domain.FlagKey(post, "u1")
)

func TestCache_WriteAndRead(t *testing.T) {
	c := cache.New()

	_, ok := c.Read(countKey)
	assert.False(t, ok)

	require.True(t, c.Write(countKey, domain.Count(3), 5))

	e, ok := c.Read(countKey)
	require.True(t, ok)
	assert.Equal(t, int64(3), e.Value.Int())
	assert.Equal(t, domain.Version(5), e.Version)
	assert.Equal(t, countKey, e.Key)
}

func TestCache_StaleWriteDropped(t *testing.T) {
	c := cache.New()

	require.True(t, c.Write(countKey, domain.Count(10), 7))
	assert.False(t, c.Write(countKey, domain.Count(1), 7))
	assert.False(t, c.Write(countKey, domain.Count(1), 3))

	e, _ := c.Read(countKey)
	assert.Equal(t, int64(10), e.Value.Int())
}

func TestCache_ShuffledVersionsKeepMaximum(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for range 50 {
		c := cache.New()
		n := 1 + rng.IntN(40)
		versions := rng.Perm(n)

		for _, v := range versions {
			// The value mirrors the version so the winner is observable.
			c.Write(countKey, domain.Count(int64(v)), domain.Version(v+1))
		}

		e, ok := c.Read(countKey)
		require.True(t, ok)
		assert.Equal(t, domain.Version(n), e.Version)
		assert.Equal(t, int64(n-1), e.Value.Int())
	}
}

func TestCache_NextVersionIsMonotonic(t *testing.T) {
	c := cache.New()

	var mu sync.Mutex
	seen := make(map[domain.Version]bool)
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 100 {
				v := c.NextVersion()
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	assert.Len(t, seen, 800)
	assert.Greater(t, c.NextVersion(), domain.Version(800))
}

func TestCache_ConcurrentUpdatesNeverLoseDeltas(t *testing.T) {
	c := cache.New()
	c.Write(countKey, domain.Count(0), c.NextVersion())

	var wg sync.WaitGroup
	for i := range 200 {
		wg.Go(func() {
			delta := int64(1)
			if i%4 == 0 {
				delta = -1
			}
			c.AddIfPresent(countKey, delta)
		})
	}
	wg.Wait()

	e, _ := c.Read(countKey)
	assert.Equal(t, int64(100), e.Value.Int(), "decrements that hit the floor are repaid by later increments")
}

func TestCache_AddIfPresentIsReversibleAtZero(t *testing.T) {
	c := cache.New()
	c.Write(countKey, domain.Count(0), c.NextVersion())

	e, ok := c.AddIfPresent(countKey, -1)
	require.True(t, ok)
	assert.Equal(t, int64(0), e.Value.Int())
	c.AddIfPresent(countKey, -1)

	e, _ = c.AddIfPresent(countKey, 1)
	assert.Equal(t, int64(0), e.Value.Int())
	e, _ = c.AddIfPresent(countKey, 1)
	assert.Equal(t, int64(0), e.Value.Int())
	e, _ = c.AddIfPresent(countKey, 1)
	assert.Equal(t, int64(1), e.Value.Int())
}

func TestCache_WriteClearsShortfall(t *testing.T) {
	c := cache.New()
	c.Write(countKey, domain.Count(0), c.NextVersion())
	c.AddIfPresent(countKey, -3)

	require.True(t, c.Write(countKey, domain.Count(2), c.NextVersion()))
	e, _ := c.AddIfPresent(countKey, 1)
	assert.Equal(t, int64(3), e.Value.Int())
}

func TestCache_UpdateOnlyIncrementsExact(t *testing.T) {
	c := cache.New()
	c.Write(countKey, domain.Count(0), c.NextVersion())

	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() { c.AddIfPresent(countKey, 1) })
	}
	wg.Wait()

	e, _ := c.Read(countKey)
	assert.Equal(t, int64(100), e.Value.Int())
}

func TestCache_UpdateBeatsReservedVersion(t *testing.T) {
	c := cache.New()
	reserved := c.NextVersion()

	c.Write(countKey, domain.Count(4), c.NextVersion())
	c.AddIfPresent(countKey, 1)

	assert.False(t, c.Write(countKey, domain.Count(0), reserved))
	e, _ := c.Read(countKey)
	assert.Equal(t, int64(5), e.Value.Int())
}

func TestCache_AddIfPresentSkipsAbsentKeys(t *testing.T) {
	c := cache.New()

	_, ok := c.AddIfPresent(countKey, 1)
	assert.False(t, ok)
	_, ok = c.SetIfPresent(flagKey, true)
	assert.False(t, ok)

	_, ok = c.Read(countKey)
	assert.False(t, ok)
}

func TestCache_SubscribeNotifiesSynchronously(t *testing.T) {
	c := cache.New()

	var got []domain.CacheEntry
	unsubscribe := c.Subscribe(flagKey, func(e domain.CacheEntry) {
		got = append(got, e)
	})

	c.Write(flagKey, domain.Flag(true), 1)
	require.Len(t, got, 1)
	assert.True(t, got[0].Value.Bool())

	c.Write(countKey, domain.Count(1), 2)
	assert.Len(t, got, 1)

	unsubscribe()
	unsubscribe()
	c.Write(flagKey, domain.Flag(false), 3)
	assert.Len(t, got, 1)
}

func TestCache_ListenerMayWrite(t *testing.T) {
	c := cache.New()

	c.Subscribe(flagKey, func(e domain.CacheEntry) {
		if e.Value.Bool() {
			c.AddIfPresent(countKey, 1)
		}
	})
	c.Write(countKey, domain.Count(1), c.NextVersion())
	c.Write(flagKey, domain.Flag(true), c.NextVersion())

	e, _ := c.Read(countKey)
	assert.Equal(t, int64(2), e.Value.Int())
}

func TestCache_InvalidateMarksStaleUntilNextWrite(t *testing.T) {
	c := cache.New()
	total := domain.TotalKey(post)
	other := domain.TotalKey(domain.Subject{Type: "post", ID: "p2"})

	c.Write(total, domain.Count(9), c.NextVersion())
	c.Write(other, domain.Count(1), c.NextVersion())

	var notified []domain.CacheEntry
	c.Subscribe(total, func(e domain.CacheEntry) { notified = append(notified, e) })

	n := c.Invalidate(domain.KeyPattern{Domain: domain.DomainTotal, SubjectType: "post", SubjectID: "p1"})
	assert.Equal(t, 1, n)

	e, _ := c.Read(total)
	assert.True(t, e.Stale)
	assert.Equal(t, int64(9), e.Value.Int())
	require.Len(t, notified, 1)
	assert.True(t, notified[0].Stale)

	o, _ := c.Read(other)
	assert.False(t, o.Stale)

	c.Write(total, domain.Count(10), c.NextVersion())
	e, _ = c.Read(total)
	assert.False(t, e.Stale)
}

func TestCache_Keys(t *testing.T) {
	c := cache.New()
	c.Write(flagKey, domain.Flag(true), 1)
	c.Write(domain.FlagKey(post, "u2"), domain.Flag(false), 2)
	c.Write(countKey, domain.Count(1), 3)

	keys := c.Keys(domain.KeyPattern{Domain: domain.DomainFlag, SubjectType: post.Type, SubjectID: post.ID})
	assert.Len(t, keys, 2)
}
