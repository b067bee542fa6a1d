package sched

import (
	"context"
	"sync"
	"time"

	"chat-insights-batch/internal/domain/ports/repository"
	"chat-insights-batch/internal/infra/metrics"
)

const tenantCacheName = "active_tenants"

// TenantCache is a read-through cache of active tenant ids. A stale entry only
// delays a tenant change by one TTL; the store stays authoritative.
type TenantCache struct {
	tenants repository.TenantRepository
	ttl     time.Duration
	now     func() time.Time

	mu       sync.Mutex
	ids      []string
	loadedAt time.Time
	valid    bool
}

func NewTenantCache(tenants repository.TenantRepository, ttl time.Duration, now func() time.Time) *TenantCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &TenantCache{tenants: tenants, ttl: ttl, now: now}
}

// ActiveIDs returns a copy of the cached list, loading it when empty or expired.
func (c *TenantCache) ActiveIDs(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && c.now().Sub(c.loadedAt) < c.ttl {
		metrics.IncCacheRequest(tenantCacheName, "hit")
		return append([]string(nil), c.ids...), nil
	}
	metrics.IncCacheRequest(tenantCacheName, "miss")

	ids, err := c.tenants.ListActiveIDs(ctx, repository.NoTX)
	if err != nil {
		return nil, err
	}
	c.ids = ids
	c.loadedAt = c.now()
	c.valid = true
	return append([]string(nil), ids...), nil
}

// Invalidate drops the cached list; source is "local" or "remote".
func (c *TenantCache) Invalidate(source string) {
	c.mu.Lock()
	c.valid = false
	c.ids = nil
	c.mu.Unlock()
	metrics.IncCacheInvalidation(tenantCacheName, source)
}
