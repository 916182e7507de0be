package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CacheKey builds the cache key for one plugin query. Entries are keyed by
// plugin, query kind, and query argument so that different plugins never
// share entries.
func CacheKey(plugin, kind, key string) string {
	return fmt.Sprintf("%s/%s/%s", plugin, kind, key)
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

type cacheFill struct {
	done  chan struct{}
	value interface{}
	err   error
}

// TTLCache is the read-through cache in front of information plugins. Each
// entry carries its own TTL, and at most one fill per key is in flight at a
// time; concurrent callers for the same key wait for the winner's result
// instead of stampeding the backend.
type TTLCache struct {
	mu       sync.Mutex
	entries  map[string]cacheEntry
	inflight map[string]*cacheFill

	// now is swappable for tests.
	now func() time.Time
}

// NewTTLCache creates an empty cache.
func NewTTLCache() *TTLCache {
	return &TTLCache{
		entries:  make(map[string]cacheEntry),
		inflight: make(map[string]*cacheFill),
		now:      time.Now,
	}
}

// Get returns the cached value for key if present and not expired.
func (c *TTLCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

// Set stores value under key with the given TTL. A non-positive TTL stores
// nothing.
func (c *TTLCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: c.now().Add(ttl)}
}

// Invalidate removes the entry for key, if any.
func (c *TTLCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// GetOrFill returns the cached value for key, or runs fill to produce it.
// When several goroutines miss on the same key at once, exactly one fill runs
// and the rest wait for its result. Fill errors are returned to every waiter
// and never cached. The hit return reports whether the value came from the
// cache without running fill.
func (c *TTLCache) GetOrFill(ctx context.Context, key string, ttl time.Duration, fill func() (interface{}, error)) (interface{}, bool, error) {
	c.mu.Lock()

	if entry, ok := c.entries[key]; ok && !c.now().After(entry.expiresAt) {
		c.mu.Unlock()
		return entry.value, true, nil
	}

	if f, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.value, false, f.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	f := &cacheFill{done: make(chan struct{})}
	c.inflight[key] = f
	c.mu.Unlock()

	f.value, f.err = fill()

	c.mu.Lock()
	delete(c.inflight, key)
	if f.err == nil && ttl > 0 {
		c.entries[key] = cacheEntry{value: f.value, expiresAt: c.now().Add(ttl)}
	}
	c.mu.Unlock()

	close(f.done)
	return f.value, false, f.err
}

// Len returns the number of entries currently stored, expired or not.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep drops expired entries. The serve loop calls this periodically so the
// map does not grow without bound on churning key sets.
func (c *TTLCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
