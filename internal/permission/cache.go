package permission

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a cached decision stays valid absent eager
// invalidation.
const DefaultCacheTTL = 5 * time.Minute

// CacheKey identifies one cached decision.
type CacheKey struct {
	OrgID      string
	UserDID    string
	Permission string
}

// Cache stores permission decisions. Implementations must support concurrent
// invalidation from multiple mutation sites.
type Cache interface {
	Get(ctx context.Context, key CacheKey) (granted, ok bool)
	Set(ctx context.Context, key CacheKey, granted bool, ttl time.Duration)
	// InvalidateOrg drops every entry for the organization; a non-empty
	// userDID narrows the drop to that member.
	InvalidateOrg(ctx context.Context, orgID, userDID string)
}

type cacheEntry struct {
	granted   bool
	expiresAt time.Time
}

// MemoryCache is the default in-process cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[CacheKey]cacheEntry
	now     func() time.Time
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[CacheKey]cacheEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, key CacheKey) (bool, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return false, false
	}
	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return false, false
	}
	return e.granted, true
}

func (c *MemoryCache) Set(ctx context.Context, key CacheKey, granted bool, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{granted: granted, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) InvalidateOrg(ctx context.Context, orgID, userDID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.OrgID != orgID {
			continue
		}
		if userDID != "" && key.UserDID != userDID {
			continue
		}
		delete(c.entries, key)
	}
}

func cacheKeyString(prefix string, key CacheKey) string {
	return strings.Join([]string{prefix, key.OrgID, key.UserDID, key.Permission}, ":")
}
