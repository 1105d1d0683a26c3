package engine

import (
	"sync"
	"time"
)

// cacheEntry is one cached value with its own expiry.
type cacheEntry struct {
	value   any
	expires time.Time
}

// Cache is the engine's short-TTL read-through cache, keyed by "spaces",
// "closed_spaces", or "space:<id>". Every mutation path invalidates the
// relevant keys explicitly rather than waiting out the TTL.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

// NewCache creates a Cache with the given default TTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key using the cache's default TTL.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expires: time.Now().Add(c.ttl)}
}

// Invalidate drops one or more keys.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}

func spaceCacheKey(permanentID string) string { return "space:" + permanentID }

const (
	cacheKeySpaces       = "spaces"
	cacheKeyClosedSpaces = "closed_spaces"
)
