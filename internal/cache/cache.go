// Package cache provides the TTL-bounded tenant projection cache. The cache
// is owned by the service instance and invalidated synchronously by the
// webhook ingestor and the reconciliation job after any billing state write;
// there is no ambient global state.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tallyhq/tally/internal/registry"
)

const defaultSize = 4096

// TenantCache caches read-mostly tenant billing records keyed by tenant id.
type TenantCache struct {
	lru *expirable.LRU[string, *registry.Tenant]
}

// New creates a TenantCache with the given TTL. A non-positive TTL disables
// expiry-by-time but entries are still bounded by the LRU size.
func New(ttl time.Duration) *TenantCache {
	return &TenantCache{
		lru: expirable.NewLRU[string, *registry.Tenant](defaultSize, nil, ttl),
	}
}

// Get returns the cached tenant record, if present and unexpired.
func (c *TenantCache) Get(tenantID string) (*registry.Tenant, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(tenantID)
}

// Set stores a tenant record.
func (c *TenantCache) Set(t *registry.Tenant) {
	if c == nil || t == nil {
		return
	}
	c.lru.Add(t.ID, t)
}

// Invalidate drops the cached record for a tenant. Called after any billing
// state mutation so subsequent reads see fresh state.
func (c *TenantCache) Invalidate(tenantID string) {
	if c == nil {
		return
	}
	c.lru.Remove(tenantID)
}

// Len returns the number of cached entries.
func (c *TenantCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
