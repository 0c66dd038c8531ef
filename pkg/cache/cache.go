package cache

import (
	"context"
	"sync"
	"time"

	"eterlink/pkg/clock"
)

// item is a cached value with its expiry.
type item[V any] struct {
	value     V
	expiresAt time.Time
}

func (it item[V]) expired(now time.Time) bool {
	return now.After(it.expiresAt)
}

// Cache is a thread-safe in-memory cache with TTL support. Expired entries are
// never returned and are dropped by Prune.
type Cache[K comparable, V any] struct {
	mu         sync.RWMutex
	items      map[K]item[V]
	defaultTTL time.Duration
	clock      clock.Clock
}

// New creates a cache on the real clock.
func New[K comparable, V any](defaultTTL time.Duration) *Cache[K, V] {
	return NewWithClock[K, V](defaultTTL, clock.Real())
}

func NewWithClock[K comparable, V any](defaultTTL time.Duration, c clock.Clock) *Cache[K, V] {
	return &Cache[K, V]{
		items:      make(map[K]item[V]),
		defaultTTL: defaultTTL,
		clock:      c,
	}
}

// Get retrieves a value from cache
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[key]
	if !ok || it.expired(c.clock.Now()) {
		var zero V
		return zero, false
	}
	return it.value, true
}

// Set stores a value with the default TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = item[V]{
		value:     value,
		expiresAt: c.clock.Now().Add(ttl),
	}
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Prune removes expired entries and returns how many were dropped.
func (c *Cache[K, V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	n := 0
	for key, it := range c.items {
		if it.expired(now) {
			delete(c.items, key)
			n++
		}
	}
	return n
}

// Len counts stored entries, expired ones included until pruned.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// GetOrLoad returns the cached value for key or calls load and caches its
// result for the default TTL. Errors are not cached.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err := load(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}

// RunPruner prunes every interval until ctx is done.
func (c *Cache[K, V]) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Prune()
		case <-ctx.Done():
			return
		}
	}
}
