package billing

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/tallyhq/tally/internal/cache"
	"github.com/tallyhq/tally/internal/registry"
)

// ItemGuard authorizes usage-reporting calls: a caller may only report usage
// against a subscription item that is actually bound to their tenant.
type ItemGuard struct {
	store   *registry.Store
	tenants *cache.TenantCache
}

// NewItemGuard creates an ItemGuard. cache may be nil.
func NewItemGuard(store *registry.Store, tenants *cache.TenantCache) *ItemGuard {
	return &ItemGuard{store: store, tenants: tenants}
}

// BelongsToTenant reports whether the subscription item is bound to the
// tenant. Fails closed: a missing tenant record, a lookup error or an empty
// item set all deny.
func (g *ItemGuard) BelongsToTenant(ctx context.Context, tenantID, subscriptionItemID string) bool {
	tenant, ok := g.tenants.Get(tenantID)
	if !ok {
		var err error
		tenant, err = g.store.GetTenant(ctx, tenantID)
		if err != nil {
			log.Warn().Err(err).Str("tenant_id", tenantID).Msg("item guard lookup failed, denying")
			return false
		}
		if tenant == nil {
			return false
		}
		g.tenants.Set(tenant)
	}
	return tenant.HasSubItem(subscriptionItemID)
}
