// Package cache provides a TTL-bounded in-memory key/value store with LRU
// eviction. It has no durability contract: a restart drops all entries.
package cache

import (
	"sort"
	"sync"
	"time"
)

// DefaultCleanupInterval bounds how often the opportunistic expired-entry
// sweep may run.
const DefaultCleanupInterval = time.Minute

type entry[V any] struct {
	value     V
	createdAt time.Time
	ttl       time.Duration
	hits      int
}

func (e *entry[V]) expired(now time.Time) bool {
	return e.ttl > 0 && now.After(e.createdAt.Add(e.ttl))
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits         int     `json:"hits"`
	Misses       int     `json:"misses"`
	Evictions    int     `json:"evictions"`
	TotalEntries int     `json:"total_entries"`
	HitRate      float64 `json:"hit_rate"`
}

// Cache is a mutex-guarded keyed store. The zero value is not usable; use New.
type Cache[K comparable, V any] struct {
	mu              sync.Mutex
	entries         map[K]*entry[V]
	maxEntries      int
	defaultTTL      time.Duration
	cleanupInterval time.Duration
	lastCleanup     time.Time

	hits      int
	misses    int
	evictions int

	now func() time.Time // test seam
}

// New creates a cache holding at most maxEntries entries, each living for
// defaultTTL unless Set overrides it. maxEntries <= 0 means unbounded.
func New[K comparable, V any](maxEntries int, defaultTTL time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		entries:         make(map[K]*entry[V]),
		maxEntries:      maxEntries,
		defaultTTL:      defaultTTL,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
	}
}

// Get returns the value for k. Expired entries read as absent and count as
// misses.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[k]
	if !ok {
		c.misses++
		return zero, false
	}
	if e.expired(c.now()) {
		delete(c.entries, k)
		c.misses++
		return zero, false
	}
	e.hits++
	c.hits++
	return e.value, true
}

// Set stores v under k. ttl <= 0 uses the cache default.
func (c *Cache[K, V]) Set(k K, v V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.entries[k] = &entry[V]{value: v, createdAt: c.now(), ttl: ttl}
	c.maybeCleanupLocked()
	c.evictLocked()
}

// GetOrSet returns the cached value for k, or invokes factory and caches its
// result. The factory runs outside the critical section so slow factories do
// not block unrelated keys; concurrent callers for the same missing key may
// race, last write wins.
func (c *Cache[K, V]) GetOrSet(k K, factory func() (V, error), ttl time.Duration) (V, error) {
	if v, ok := c.Get(k); ok {
		return v, nil
	}
	v, err := factory()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(k, v, ttl)
	return v, nil
}

// Delete removes k if present.
func (c *Cache[K, V]) Delete(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, k)
}

// Clear removes all entries. Counters are preserved.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]*entry[V])
}

// Stats returns current counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
		TotalEntries: len(c.entries),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// maybeCleanupLocked sweeps expired entries at most every cleanupInterval.
func (c *Cache[K, V]) maybeCleanupLocked() {
	now := c.now()
	if now.Sub(c.lastCleanup) < c.cleanupInterval {
		return
	}
	c.lastCleanup = now
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
		}
	}
}

// evictLocked applies LRU eviction when size exceeds maxEntries, removing by
// (hits asc, created_at desc) until at the limit.
func (c *Cache[K, V]) evictLocked() {
	if c.maxEntries <= 0 || len(c.entries) <= c.maxEntries {
		return
	}

	type candidate struct {
		key K
		e   *entry[V]
	}
	cands := make([]candidate, 0, len(c.entries))
	for k, e := range c.entries {
		cands = append(cands, candidate{k, e})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].e.hits != cands[j].e.hits {
			return cands[i].e.hits < cands[j].e.hits
		}
		return cands[i].e.createdAt.After(cands[j].e.createdAt)
	})

	for _, cand := range cands {
		if len(c.entries) <= c.maxEntries {
			break
		}
		delete(c.entries, cand.key)
		c.evictions++
	}
}
