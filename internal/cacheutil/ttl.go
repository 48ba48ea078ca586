package cacheutil

import (
	"sync"
	"time"
)

// CachedValue represents a cached value with its fetch timestamp.
type CachedValue[T any] struct {
	Value     T
	FetchedAt time.Time
}

// TTL is a small keyed read-through cache. Concurrent misses for the same
// cache collapse into one fetch because the fetch runs under the write lock.
type TTL[K comparable, V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[K]CachedValue[V]
	now     func() time.Time
}

// NewTTL creates a cache whose entries expire after ttl. A zero ttl disables caching.
func NewTTL[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	return &TTL[K, V]{
		ttl:     ttl,
		entries: make(map[K]CachedValue[V]),
		now:     time.Now,
	}
}

// Get returns the cached value for key or calls fetch and stores its result.
// Fetch errors are not cached.
func (c *TTL[K, V]) Get(key K, fetch func() (V, error)) (V, error) {
	if c.ttl <= 0 {
		return fetch()
	}
	return ReadThrough(
		&c.mu,
		c.now,
		func(now time.Time) (V, bool) {
			if entry, ok := c.entries[key]; ok && now.Sub(entry.FetchedAt) < c.ttl {
				return entry.Value, true
			}
			var zero V
			return zero, false
		},
		func(now time.Time) (V, error) {
			v, err := fetch()
			if err != nil {
				return v, err
			}
			c.entries[key] = CachedValue[V]{Value: v, FetchedAt: now}
			return v, nil
		},
	)
}

// Invalidate drops a single key.
func (c *TTL[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// ReadThrough implements double-checked read-through caching: a read-locked
// fast path, then a re-check under the write lock before fetching.
func ReadThrough[T any](
	mu *sync.RWMutex,
	clock func() time.Time,
	checkCache func(now time.Time) (T, bool),
	fetchAndCache func(now time.Time) (T, error),
) (T, error) {
	mu.RLock()
	if value, ok := checkCache(clock()); ok {
		mu.RUnlock()
		return value, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// Another goroutine may have populated the entry between RUnlock and Lock.
	now := clock()
	if value, ok := checkCache(now); ok {
		return value, nil
	}
	return fetchAndCache(now)
}
