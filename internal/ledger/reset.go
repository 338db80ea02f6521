package ledger

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/tallyhq/tally/internal/lmetrics"
	"github.com/tallyhq/tally/internal/plan"
	"github.com/tallyhq/tally/internal/registry"
)

// MaybeReset renews the tenant's quota when due and returns the resulting
// account. The renewal boundary follows the external billing period when the
// provider has reported one, and falls back to a rolling 30-day window
// otherwise. A reset also fires when the plan's quota no longer matches the
// stored one (plan changed since the last reset).
func (l *Ledger) MaybeReset(ctx context.Context, tenantID, planID string) (*registry.CreditAccount, error) {
	var out *registry.CreditAccount
	err := l.store.WithTx(ctx, func(tx *registry.Tx) error {
		tenant, err := tx.GetTenant(tenantID)
		if err != nil {
			return err
		}
		if tenant == nil {
			return ErrTenantNotFound
		}
		if planID == "" {
			planID = tenant.PlanID
		}
		quota := plan.QuotaFor(planID)
		now := l.now().UTC()

		account, err := tx.GetCreditAccount(tenantID)
		if err != nil {
			return err
		}
		if account == nil {
			account = &registry.CreditAccount{
				TenantID:     tenantID,
				Available:    quota,
				MonthlyQuota: quota,
				LastResetAt:  now,
			}
			out = account
			return tx.PutCreditAccount(account)
		}

		renewsAt := account.LastResetAt.Add(fallbackPeriod)
		externalPeriod := tenant.CurrentPeriodEnd != nil
		if externalPeriod {
			renewsAt = *tenant.CurrentPeriodEnd
		}

		periodExpired := !now.Before(renewsAt)
		planChanged := quota != account.MonthlyQuota
		if !periodExpired && !planChanged {
			// Not due. Return the account normalized: clamp to a shrunken
			// quota without granting fresh credits.
			changed := false
			if account.LastResetAt.IsZero() {
				account.LastResetAt = now
				changed = true
			}
			if account.Available > account.MonthlyQuota {
				account.Available = account.MonthlyQuota
				changed = true
			}
			out = account
			if !changed {
				return nil
			}
			return tx.PutCreditAccount(account)
		}

		// Outstanding reservations stay earmarked across the reset so a later
		// release lands the balance at exactly the quota, never above.
		account.Available = quota - account.Reserved
		if account.Available < 0 {
			account.Available = 0
		}
		account.MonthlyQuota = quota
		if periodExpired && externalPeriod && tenant.CurrentPeriodStart != nil {
			account.LastResetAt = tenant.CurrentPeriodStart.UTC()
		} else {
			account.LastResetAt = now
		}

		trigger := "period"
		if !periodExpired {
			trigger = "plan_change"
		}
		lmetrics.QuotaResets.WithLabelValues(trigger).Inc()

		log.Info().
			Str("tenant_id", tenantID).
			Str("plan", string(plan.Normalize(planID))).
			Int64("quota", quota).
			Bool("period_expired", periodExpired).
			Bool("plan_changed", planChanged).
			Time("last_reset_at", account.LastResetAt).
			Msg("credit quota reset")

		out = account
		return tx.PutCreditAccount(account)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
