// Package reconcile implements the scheduled sweep that compares internal
// plan/billing state against the external provider and repairs drift. The
// provider wins on conflict; the sweep is a convergent repair pass, not a
// two-phase commit.
package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/tallyhq/tally/internal/billing"
	"github.com/tallyhq/tally/internal/cache"
	tallyerrors "github.com/tallyhq/tally/internal/errors"
	"github.com/tallyhq/tally/internal/lmetrics"
	"github.com/tallyhq/tally/internal/registry"
)

// DefaultSchedule runs the sweep nightly at 03:00.
const DefaultSchedule = "0 3 * * *"

const perTenantTimeout = 30 * time.Second

// Job reconciles tenant billing state against the external provider.
type Job struct {
	store    *registry.Store
	provider billing.Provider
	tenants  *cache.TenantCache
	cron     *cron.Cron
}

// New creates a Job. cache may be nil.
func New(store *registry.Store, provider billing.Provider, tenants *cache.TenantCache) *Job {
	return &Job{store: store, provider: provider, tenants: tenants}
}

// Start schedules the sweep with the given cron spec and runs it until ctx
// is cancelled. Returns an error only for an invalid spec.
func (j *Job) Start(ctx context.Context, spec string) error {
	if spec == "" {
		spec = DefaultSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { j.RunOnce(ctx) }); err != nil {
		return err
	}
	j.cron = c
	c.Start()
	log.Info().Str("schedule", spec).Msg("reconciliation job scheduled")

	go func() {
		<-ctx.Done()
		stopCtx := c.Stop()
		<-stopCtx.Done()
		log.Info().Msg("reconciliation job stopped")
	}()
	return nil
}

// RunOnce sweeps all tenants that have an external customer id. Per-tenant
// failures are logged and skipped; the sweep continues.
func (j *Job) RunOnce(ctx context.Context) {
	tenants, err := j.store.ListBilledTenants(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reconcile: failed to list tenants")
		lmetrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
		return
	}

	var corrected, skipped int
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			lmetrics.ReconcileRunsTotal.WithLabelValues("canceled").Inc()
			return
		}
		changed, err := j.reconcileTenant(ctx, tenant)
		if err != nil {
			skipped++
			log.Warn().Err(err).
				Str("tenant_id", tenant.ID).
				Str("customer_id", tenant.StripeCustomerID).
				Bool("retryable", tallyerrors.IsRetryable(err)).
				Msg("reconcile: tenant skipped")
			continue
		}
		if changed {
			corrected++
		}
	}

	log.Info().
		Int("tenants", len(tenants)).
		Int("corrected", corrected).
		Int("skipped", skipped).
		Msg("reconciliation sweep complete")
	lmetrics.ReconcileRunsTotal.WithLabelValues("ok").Inc()

	if counts, err := j.store.CountByBillingStatus(ctx); err == nil {
		for status, n := range counts {
			lmetrics.TenantsByBillingStatus.WithLabelValues(string(status)).Set(float64(n))
		}
	}
}

func (j *Job) reconcileTenant(ctx context.Context, tenant *registry.Tenant) (bool, error) {
	tctx, cancel := context.WithTimeout(ctx, perTenantTimeout)
	defer cancel()

	subs, err := j.provider.ListSubscriptions(tctx, tenant.StripeCustomerID)
	if err != nil {
		return false, err
	}

	winner, ok := pickSubscription(subs)
	if !ok {
		log.Info().
			Str("tenant_id", tenant.ID).
			Str("customer_id", tenant.StripeCustomerID).
			Msg("reconcile: no active subscription, leaving tenant untouched")
		return false, nil
	}

	planID := billing.DerivePlanID(winner.PriceMetadata, winner.PriceID)
	status := billing.MapSubscriptionStatus(winner.Status)

	changed := false
	err = j.store.WithTx(tctx, func(tx *registry.Tx) error {
		// Re-read inside the tx: a concurrent webhook may have already
		// converged the record.
		current, err := tx.GetTenant(tenant.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return nil
		}
		if current.PlanID == planID && current.BillingStatus == status &&
			current.StripeSubscriptionID == winner.ID && samePeriod(current, winner) {
			return nil
		}

		log.Info().
			Str("tenant_id", current.ID).
			Str("internal_plan", current.PlanID).
			Str("external_plan", planID).
			Str("internal_status", string(current.BillingStatus)).
			Str("external_status", string(status)).
			Msg("reconcile: drift detected, external provider wins")

		current.PlanID = planID
		current.BillingStatus = status
		current.StripeSubscriptionID = winner.ID
		current.StripePriceID = winner.PriceID
		if len(winner.ItemIDs) > 0 {
			current.StripeSubItemIDs = winner.ItemIDs
		}
		if !winner.CurrentPeriodEnd.IsZero() {
			start, end := winner.CurrentPeriodStart, winner.CurrentPeriodEnd
			current.CurrentPeriodStart = &start
			current.CurrentPeriodEnd = &end
		}
		changed = true
		return tx.UpdateTenantBilling(current)
	})
	if err != nil {
		return false, err
	}

	if changed {
		j.tenants.Invalidate(tenant.ID)
		lmetrics.ReconcileCorrections.Inc()
	}
	return changed, nil
}

// pickSubscription selects the winning subscription among active/trialing
// ones. Most recently created wins; the provider's list order is not a
// policy.
func pickSubscription(subs []billing.Subscription) (billing.Subscription, bool) {
	candidates := make([]billing.Subscription, 0, len(subs))
	for _, s := range subs {
		if s.Active() {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return billing.Subscription{}, false
	}
	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].CreatedAt.After(candidates[b].CreatedAt)
	})
	return candidates[0], true
}

func samePeriod(t *registry.Tenant, s billing.Subscription) bool {
	if s.CurrentPeriodEnd.IsZero() {
		return true
	}
	return t.CurrentPeriodEnd != nil && t.CurrentPeriodEnd.Equal(s.CurrentPeriodEnd)
}
