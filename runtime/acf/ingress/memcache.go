package ingress

import (
	"context"
	"sync"
	"time"

	"github.com/ruche-ai/fabric/runtime/acf"
)

type (
	// MemCache is a process-local idempotency cache for tests and
	// single-node deployments.
	MemCache struct {
		mu      sync.Mutex
		entries map[memCacheKey]memCacheEntry
		// now is injectable for window-boundary tests.
		now func() time.Time
	}

	memCacheKey struct {
		tenant acf.TenantID
		key    string
	}

	memCacheEntry struct {
		turnID    string
		expiresAt time.Time
	}
)

// NewMemCache returns an empty cache.
func NewMemCache() *MemCache {
	return &MemCache{
		entries: make(map[memCacheKey]memCacheEntry),
		now:     time.Now,
	}
}

// Get implements Cache.
func (c *MemCache) Get(_ context.Context, tenant acf.TenantID, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := memCacheKey{tenant, key}
	e, ok := c.entries[k]
	if !ok {
		return "", false, nil
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, k)
		return "", false, nil
	}
	return e.turnID, true, nil
}

// Set implements Cache.
func (c *MemCache) Set(_ context.Context, tenant acf.TenantID, key, turnID string, window time.Duration) error {
	c.mu.Lock()
	c.entries[memCacheKey{tenant, key}] = memCacheEntry{
		turnID:    turnID,
		expiresAt: c.now().Add(window),
	}
	c.mu.Unlock()
	return nil
}
