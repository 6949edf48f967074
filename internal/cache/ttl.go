// Package cache provides a small in-process TTL cache used by
// providers that front rate-limited upstream APIs.
package cache

import (
	"sync"
	"time"
)

// TTL is a bounded map with per-entry expiry. Zero value is not usable;
// construct with New.
type TTL[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type entry[V any] struct {
	value   V
	expires time.Time
}

// New creates a cache holding at most maxSize entries for ttl each.
func New[V any](maxSize int, ttl time.Duration) *TTL[V] {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &TTL[V]{
		entries: make(map[string]entry[V]),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.now().After(e.expires) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key. When the cache is full, expired entries
// are purged first; if still full, an arbitrary entry is evicted.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		now := c.now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
		for k := range c.entries {
			if len(c.entries) < c.maxSize {
				break
			}
			delete(c.entries, k)
		}
	}

	c.entries[key] = entry[V]{value: value, expires: c.now().Add(c.ttl)}
}

// Len returns the number of entries, including any not yet purged
// expired ones.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
