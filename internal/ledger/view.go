package ledger

import (
	"context"
	"time"

	"github.com/tallyhq/tally/internal/cache"
	"github.com/tallyhq/tally/internal/plan"
)

// PeriodSource reports where a credits view's renewal date came from.
type PeriodSource string

const (
	PeriodSourceExternal PeriodSource = "external"
	PeriodSourceFallback PeriodSource = "fallback"
)

// CreditsView is a read-only projection of a tenant's credit account with
// derived renewal fields.
type CreditsView struct {
	TenantID     string       `json:"tenant_id"`
	Available    int64        `json:"available"`
	Reserved     int64        `json:"reserved"`
	MonthlyQuota int64        `json:"monthly_quota"`
	Used         int64        `json:"used"`
	RenewsAt     time.Time    `json:"renews_at"`
	PeriodSource PeriodSource `json:"period_source"`
	LastResetAt  time.Time    `json:"last_reset_at"`
}

// SetTenantCache attaches a TTL cache consulted for the tenant billing
// record on view reads. Balance fields are never cached.
func (l *Ledger) SetTenantCache(c *cache.TenantCache) {
	l.tenants = c
}

// GetCreditsView returns the tenant's credit balance with derived fields:
// used, renewal date (external period end when known, 30-day fallback
// otherwise), and the renewal date's source. Does not mutate state; a tenant
// whose account has not been initialized yet is projected at full quota.
func (l *Ledger) GetCreditsView(ctx context.Context, tenantID, planID string) (*CreditsView, error) {
	tenant, ok := l.tenants.Get(tenantID)
	if !ok {
		var err error
		tenant, err = l.store.GetTenant(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if tenant == nil {
			return nil, ErrTenantNotFound
		}
		l.tenants.Set(tenant)
	}
	if planID == "" {
		planID = tenant.PlanID
	}

	account, err := l.store.GetCreditAccount(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	view := &CreditsView{TenantID: tenantID}
	if account == nil {
		quota := plan.QuotaFor(planID)
		view.Available = quota
		view.MonthlyQuota = quota
		view.LastResetAt = l.now().UTC()
	} else {
		view.Available = account.Available
		view.Reserved = account.Reserved
		view.MonthlyQuota = account.MonthlyQuota
		view.LastResetAt = account.LastResetAt
	}
	view.Used = view.MonthlyQuota - view.Available

	if tenant.CurrentPeriodEnd != nil {
		view.RenewsAt = tenant.CurrentPeriodEnd.UTC()
		view.PeriodSource = PeriodSourceExternal
	} else {
		view.RenewsAt = view.LastResetAt.Add(fallbackPeriod)
		view.PeriodSource = PeriodSourceFallback
	}
	return view, nil
}
