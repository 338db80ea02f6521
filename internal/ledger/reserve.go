package ledger

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/tallyhq/tally/internal/lmetrics"
	"github.com/tallyhq/tally/internal/registry"
)

// Reserve atomically moves amount credits from available to reserved,
// closing the window between a balance pre-check and a slow external
// operation. Returns reserved=false without touching the balance when a
// usage log with idemKey already exists (the debit already happened) or
// when amount <= 0.
func (l *Ledger) Reserve(ctx context.Context, tenantID string, amount int64, idemKey string) (reserved bool, err error) {
	if amount <= 0 {
		return false, nil
	}
	var insufficient bool
	err = l.store.WithTx(ctx, func(tx *registry.Tx) error {
		if idemKey != "" {
			exists, err := tx.UsageLogExists(idemKey)
			if err != nil {
				return err
			}
			if exists {
				return nil
			}
		}

		account, created, err := l.accountForUpdate(tx, tenantID)
		if err != nil {
			return err
		}
		if account.Available < amount {
			// The lazy account creation commits even though the hold is
			// refused.
			insufficient = true
			if created {
				return tx.PutCreditAccount(account)
			}
			return nil
		}
		account.Available -= amount
		account.Reserved += amount
		reserved = true
		return tx.PutCreditAccount(account)
	})
	if err != nil {
		return false, err
	}
	if insufficient {
		return false, ErrInsufficientCredits
	}
	return reserved, nil
}

// CommitReservation converts a held reservation into a terminal debit and
// writes the usage log entry in the same transaction. If the idempotency
// tombstone already exists (a concurrent commit with the same key won), the
// held amount is released back to available instead of being debited twice.
func (l *Ledger) CommitReservation(ctx context.Context, tenantID string, amount int64, idemKey string, meta Meta) error {
	if amount <= 0 {
		return nil
	}
	var debited bool
	err := l.store.WithTx(ctx, func(tx *registry.Tx) error {
		account, err := tx.GetCreditAccount(tenantID)
		if err != nil {
			return err
		}
		if account == nil {
			return ErrTenantNotFound
		}
		if account.Reserved < amount {
			return fmt.Errorf("commit %d exceeds reserved %d for tenant %s", amount, account.Reserved, tenantID)
		}

		if idemKey != "" {
			exists, err := tx.UsageLogExists(idemKey)
			if err != nil {
				return err
			}
			if exists {
				release(account, amount)
				log.Warn().
					Str("tenant_id", tenantID).
					Str("idempotency_key", idemKey).
					Msg("reservation commit raced an identical key, released instead")
				return tx.PutCreditAccount(account)
			}
		}

		account.Reserved -= amount
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
	if debited {
		lmetrics.CreditsConsumed.WithLabelValues(meta.Type).Add(float64(amount))
	}
	return nil
}

// release moves a held amount back to available, clamped at the monthly
// quota. The clamp matters when a quota reset landed while the hold was
// outstanding: the reset refills available and an unclamped release would
// then push the balance above the quota.
func release(account *registry.CreditAccount, amount int64) {
	account.Reserved -= amount
	account.Available += amount
	if account.Available > account.MonthlyQuota {
		account.Available = account.MonthlyQuota
	}
}

// ReleaseReservation returns a held reservation to the available balance.
// Used when the externally-costed operation fails after funds were reserved.
func (l *Ledger) ReleaseReservation(ctx context.Context, tenantID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	return l.store.WithTx(ctx, func(tx *registry.Tx) error {
		account, err := tx.GetCreditAccount(tenantID)
		if err != nil {
			return err
		}
		if account == nil {
			return ErrTenantNotFound
		}
		if account.Reserved < amount {
			return fmt.Errorf("release %d exceeds reserved %d for tenant %s", amount, account.Reserved, tenantID)
		}
		release(account, amount)
		return tx.PutCreditAccount(account)
	})
}
