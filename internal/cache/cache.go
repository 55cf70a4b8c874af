// Package cache provides the TTL- and capacity-bounded caches shared by every
// playback session: one for normalized manifests and one for segment bytes.
package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"hls-playback/internal/clock"
	"hls-playback/internal/platform/metrics"
)

// Default bounds for the two process-wide caches.
const (
	ManifestTTL        = 5 * time.Minute
	ManifestMaxEntries = 50
	SegmentTTL         = 15 * time.Minute
	SegmentMaxEntries  = 150
)

// Entry is an immutable cached value. Refreshing a key replaces its Entry.
type Entry[T any] struct {
	Value      T
	InsertedAt time.Time
}

// stored pairs an Entry with its insertion sequence, which orders entries
// inserted at the same instant.
type stored[T any] struct {
	Entry[T]
	seq uint64
}

// Stats holds cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Puts      int64
	Evictions int64
	Size      int
}

// Options configures a Cache. Zero TTL or MaxEntries fall back to the segment
// defaults; a nil Clock means the real clock.
type Options struct {
	Name       string
	TTL        time.Duration
	MaxEntries int
	Clock      clock.Clock
	Metrics    *metrics.Metrics
}

// Cache is a concurrency-safe map from key to Entry with TTL expiry and a
// maximum size. Every Put first purges expired entries, then evicts the
// oldest-inserted entries until the cache is back at capacity.
type Cache[T any] struct {
	name    string
	ttl     time.Duration
	max     int
	clock   clock.Clock
	metrics *metrics.Metrics

	mu      sync.RWMutex
	entries map[string]stored[T]
	seq     uint64

	hits, misses, puts, evictions atomic.Int64
}

// New returns an empty cache.
func New[T any](opts Options) *Cache[T] {
	if opts.TTL <= 0 {
		opts.TTL = SegmentTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = SegmentMaxEntries
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Cache[T]{
		name:    opts.Name,
		ttl:     opts.TTL,
		max:     opts.MaxEntries,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		entries: make(map[string]stored[T]),
	}
}

// NewManifestCache returns a cache with the manifest TTL and capacity.
func NewManifestCache(c clock.Clock, m *metrics.Metrics) *Cache[string] {
	return New[string](Options{Name: "manifest", TTL: ManifestTTL, MaxEntries: ManifestMaxEntries, Clock: c, Metrics: m})
}

// NewSegmentCache returns a cache with the segment TTL and capacity.
func NewSegmentCache(c clock.Clock, m *metrics.Metrics) *Cache[[]byte] {
	return New[[]byte](Options{Name: "segment", TTL: SegmentTTL, MaxEntries: SegmentMaxEntries, Clock: c, Metrics: m})
}

// Name returns the cache name used in metrics and logs.
func (c *Cache[T]) Name() string { return c.name }

// TTL returns the configured time-to-live.
func (c *Cache[T]) TTL() time.Duration { return c.ttl }

// Get returns the value for key. Entries older than the TTL are reported as
// missing even if they have not been purged yet.
func (c *Cache[T]) Get(key string) (T, bool) {
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.expired(e.Entry, now) {
		c.misses.Add(1)
		c.metrics.IncCacheMiss(c.name)
		var zero T
		return zero, false
	}
	c.hits.Add(1)
	c.metrics.IncCacheHit(c.name)
	return e.Value, true
}

// Put stores value under key with a fresh insertion time and runs the
// eviction sweep.
func (c *Cache[T]) Put(key string, value T) {
	c.PutAged(key, value, 0)
}

// PutAged stores a value that was inserted age ago elsewhere, so it expires
// when the original would have.
func (c *Cache[T]) PutAged(key string, value T, age time.Duration) {
	now := c.clock.Now()

	c.mu.Lock()
	evicted := c.purgeExpiredLocked(now)
	c.seq++
	c.entries[key] = stored[T]{Entry: Entry[T]{Value: value, InsertedAt: now.Add(-max(age, 0))}, seq: c.seq}
	evicted += c.evictOverflowLocked()
	size := len(c.entries)
	c.mu.Unlock()

	c.puts.Add(1)
	c.recordEvictions(evicted)
	c.metrics.SetCacheEntries(c.name, size)
}

// Delete removes key.
func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// PurgeExpired removes every expired entry and returns how many were removed.
func (c *Cache[T]) PurgeExpired() int {
	c.mu.Lock()
	n := c.purgeExpiredLocked(c.clock.Now())
	size := len(c.entries)
	c.mu.Unlock()

	c.recordEvictions(n)
	c.metrics.SetCacheEntries(c.name, size)
	return n
}

// Len returns the number of physically stored entries, expired or not.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[T]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Puts:      c.puts.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Len(),
	}
}

// RunJanitor purges expired entries every interval until ctx ends.
func (c *Cache[T]) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	for {
		if err := clock.Sleep(ctx, c.clock, interval); err != nil {
			return
		}
		c.PurgeExpired()
	}
}

func (c *Cache[T]) expired(e Entry[T], now time.Time) bool {
	return now.Sub(e.InsertedAt) > c.ttl
}

// purgeExpiredLocked removes expired entries. Caller must hold c.mu in write mode.
func (c *Cache[T]) purgeExpiredLocked(now time.Time) int {
	n := 0
	for k, e := range c.entries {
		if c.expired(e.Entry, now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// evictOverflowLocked drops entries in ascending insertion time until the
// cache is at capacity. Caller must hold c.mu in write mode.
func (c *Cache[T]) evictOverflowLocked() int {
	over := len(c.entries) - c.max
	if over <= 0 {
		return 0
	}
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := c.entries[keys[i]], c.entries[keys[j]]
		if a.InsertedAt.Equal(b.InsertedAt) {
			return a.seq < b.seq
		}
		return a.InsertedAt.Before(b.InsertedAt)
	})
	for _, k := range keys[:over] {
		delete(c.entries, k)
	}
	return over
}

func (c *Cache[T]) recordEvictions(n int) {
	if n == 0 {
		return
	}
	c.evictions.Add(int64(n))
	c.metrics.AddCacheEvictions(c.name, n)
}
