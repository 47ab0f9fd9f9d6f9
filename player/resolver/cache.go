package resolver

import (
	"sync"
	"time"

	"github.com/vibetune/OpenTune-Go/player"
)

// ttlCache is a small in-process cache for successful network resolutions,
// keyed by logical request path and shared across instances. Many upstream
// URLs are short-lived signed URLs, so the TTL stays short.
type ttlCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	source    player.ResolvedSource
	expiresAt time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *ttlCache) get(key string) (*player.ResolvedSource, bool) {
	if c == nil || c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	now := time.Now()
	if now.After(entry.expiresAt) || entry.source.Expired(now) {
		delete(c.entries, key)
		return nil, false
	}
	source := entry.source
	return &source, true
}

func (c *ttlCache) put(key string, source *player.ResolvedSource) {
	if c == nil || c.ttl <= 0 || source == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// Lazy eviction keeps the map from growing unbounded between hits.
	now := time.Now()
	for k, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{source: *source, expiresAt: now.Add(c.ttl)}
}

func (c *ttlCache) invalidate(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
