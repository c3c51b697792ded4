// Package cache provides a small TTL-bounded LRU used for transaction details,
// balances, token metadata and prices.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Config sizes a cache. MaxEntries <= 0 disables caching entirely.
type Config struct {
	MaxEntries int
	TTL        time.Duration
}

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// TTL is a string-keyed LRU whose entries expire after a fixed age.
// A nil *TTL is valid and never stores anything.
type TTL[V any] struct {
	ttl   time.Duration
	mu    sync.RWMutex
	store *lru.Cache[string, entry[V]]
	now   func() time.Time
}

// New returns a cache for cfg, or nil when cfg disables caching.
func New[V any](cfg Config) *TTL[V] {
	if cfg.MaxEntries <= 0 {
		return nil
	}
	store, err := lru.New[string, entry[V]](cfg.MaxEntries)
	if err != nil {
		return nil
	}
	return &TTL[V]{
		ttl:   cfg.TTL,
		store: store,
		now:   time.Now,
	}
}

// Get returns a fresh value for key. Expired entries are reported as misses
// but kept for GetStale until evicted or purged.
func (c *TTL[V]) Get(key string) (V, bool) {
	value, storedAt, ok := c.peek(key)
	if !ok || c.expired(storedAt) {
		var zero V
		return zero, false
	}
	return value, true
}

// GetStale returns the value for key even if it has expired, together with
// its age. Used as a fallback when the upstream source is failing.
func (c *TTL[V]) GetStale(key string) (V, time.Duration, bool) {
	value, storedAt, ok := c.peek(key)
	if !ok {
		return value, 0, false
	}
	return value, c.now().Sub(storedAt), true
}

// Add stores value under key.
func (c *TTL[V]) Add(key string, value V) {
	if c == nil || key == "" {
		return
	}
	c.mu.Lock()
	c.store.Add(key, entry[V]{value: value, storedAt: c.now()})
	c.mu.Unlock()
}

// Remove drops key.
func (c *TTL[V]) Remove(key string) {
	if c == nil || key == "" {
		return
	}
	c.mu.Lock()
	c.store.Remove(key)
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included.
func (c *TTL[V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Len()
}

// PurgeExpired removes every entry older than the TTL.
func (c *TTL[V]) PurgeExpired() {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.store.Keys() {
		e, ok := c.store.Peek(key)
		if ok && c.expired(e.storedAt) {
			c.store.Remove(key)
		}
	}
}

func (c *TTL[V]) peek(key string) (V, time.Time, bool) {
	var zero V
	if c == nil || key == "" {
		return zero, time.Time{}, false
	}
	c.mu.RLock()
	e, ok := c.store.Get(key)
	c.mu.RUnlock()
	if !ok {
		return zero, time.Time{}, false
	}
	return e.value, e.storedAt, true
}

func (c *TTL[V]) expired(storedAt time.Time) bool {
	return c.ttl > 0 && c.now().Sub(storedAt) > c.ttl
}
