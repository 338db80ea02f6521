// Package ledger owns per-tenant credit accounting: lazy account
// initialization, atomic idempotent consumption, reservations, and
// policy-driven quota renewal. All mutations run as single store
// transactions; safety comes from the store's transaction isolation, not
// from application locks.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/tallyhq/tally/internal/cache"
	"github.com/tallyhq/tally/internal/lmetrics"
	"github.com/tallyhq/tally/internal/plan"
	"github.com/tallyhq/tally/internal/registry"
)

var (
	// ErrInsufficientCredits is returned when a debit or reservation exceeds
	// the tenant's available balance. Callers surface it distinctly so the
	// user can be prompted to upgrade rather than retry.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrTenantNotFound is returned when an operation addresses a tenant
	// with no record. Fatal to that call, not retried.
	ErrTenantNotFound = errors.New("tenant not found")
)

// fallbackPeriod is the rolling renewal window used when no external billing
// period is known (trial tenants, provider outage).
const fallbackPeriod = 30 * 24 * time.Hour

// Meta carries descriptive fields for a usage log entry.
type Meta struct {
	Type   string
	Source string
}

// Ledger provides credit accounting on top of the tenant store.
type Ledger struct {
	store   *registry.Store
	tenants *cache.TenantCache // optional, view reads only
	now     func() time.Time
}

// New creates a Ledger.
func New(store *registry.Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// SetClock overrides the ledger's clock. Tests only.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// InitOrNormalize ensures the tenant's credit account exists and is
// consistent with the current plan. A missing account is created with a full
// quota grant; an existing account has its available balance clamped when
// the plan's quota has shrunk. Writes back only when something changed.
func (l *Ledger) InitOrNormalize(ctx context.Context, tenantID, planID string) (*registry.CreditAccount, error) {
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

		account, err := tx.GetCreditAccount(tenantID)
		if err != nil {
			return err
		}
		now := l.now().UTC()
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

		changed := false
		if account.LastResetAt.IsZero() {
			account.LastResetAt = now
			changed = true
		}
		if quota < account.MonthlyQuota {
			account.MonthlyQuota = quota
			if account.Available > quota {
				account.Available = quota
			}
			changed = true
		}
		out = account
		if !changed {
			return nil
		}
		return tx.PutCreditAccount(account)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Consume atomically debits amount credits from the tenant's balance and
// appends the matching usage log entry in the same transaction. A non-empty
// idemKey makes the debit at-most-once: if a usage log with that id already
// exists the call succeeds without changing the balance. amount <= 0 is a
// no-op success.
func (l *Ledger) Consume(ctx context.Context, tenantID string, amount int64, idemKey string, meta Meta) error {
	if amount <= 0 {
		return nil
	}
	var insufficient, debited bool
	err := l.store.WithTx(ctx, func(tx *registry.Tx) error {
		if idemKey != "" {
			exists, err := tx.UsageLogExists(idemKey)
			if err != nil {
				return err
			}
			if exists {
				log.Debug().
					Str("tenant_id", tenantID).
					Str("idempotency_key", idemKey).
					Msg("consume skipped, already applied")
				return nil
			}
		}

		account, created, err := l.accountForUpdate(tx, tenantID)
		if err != nil {
			return err
		}
		if account.Available < amount {
			// The lazy account creation commits even though the debit is
			// refused.
			insufficient = true
			if created {
				return tx.PutCreditAccount(account)
			}
			return nil
		}
		account.Available -= amount
		if err := tx.PutCreditAccount(account); err != nil {
			return err
		}
		debited = true

		id := idemKey
		if id == "" {
			id = ulid.Make().String()
		}
		return tx.InsertUsageLog(&registry.UsageLog{
			ID:              id,
			TenantID:        tenantID,
			Type:            meta.Type,
			Source:          meta.Source,
			CreditsConsumed: amount,
		})
	})
	if err != nil {
		return err
	}
	if insufficient {
		return ErrInsufficientCredits
	}
	if debited {
		lmetrics.CreditsConsumed.WithLabelValues(meta.Type).Add(float64(amount))
	}
	return nil
}

// accountForUpdate loads the tenant's credit account inside tx, lazily
// creating it with the quota of the tenant's current plan. created reports
// whether the account was built fresh and still needs persisting.
func (l *Ledger) accountForUpdate(tx *registry.Tx, tenantID string) (account *registry.CreditAccount, created bool, err error) {
	account, err = tx.GetCreditAccount(tenantID)
	if err != nil {
		return nil, false, err
	}
	if account != nil {
		return account, false, nil
	}

	tenant, err := tx.GetTenant(tenantID)
	if err != nil {
		return nil, false, err
	}
	if tenant == nil {
		return nil, false, ErrTenantNotFound
	}
	quota := plan.QuotaFor(tenant.PlanID)
	return &registry.CreditAccount{
		TenantID:     tenantID,
		Available:    quota,
		MonthlyQuota: quota,
		LastResetAt:  l.now().UTC(),
	}, true, nil
}
