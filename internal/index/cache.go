package index

import (
	"sync"
	"time"
)

// versionCache caches live index version labels with a short TTL.
// Invalidation is hooked to version swaps, so a stale entry can only be
// observed for at most the TTL on instances that did not perform the swap.
// This replaces the module-level maps the CRM cached index state in, which
// had no lifetime or invalidation story at all.
type versionCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]versionEntry
}

type versionEntry struct {
	version   string
	expiresAt time.Time
}

func newVersionCache(ttl time.Duration) *versionCache {
	return &versionCache{
		ttl:     ttl,
		entries: make(map[string]versionEntry),
	}
}

func (c *versionCache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.version, true
}

func (c *versionCache) put(key, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = versionEntry{version: version, expiresAt: time.Now().Add(c.ttl)}
}

func (c *versionCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
