package registry

import (
	"database/sql"
	"fmt"
	"time"
)

// Tx exposes the tenant store operations that are only meaningful inside a
// transaction: balance mutations, idempotency tombstone checks, and billing
// state updates that must land atomically with them.
type Tx struct {
	tx *sql.Tx
}

// GetTenant retrieves a tenant by ID within the transaction.
func (t *Tx) GetTenant(id string) (*Tenant, error) {
	row := t.tx.QueryRow(`SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

// GetTenantByCustomerID retrieves a tenant by Stripe customer ID within the
// transaction.
func (t *Tx) GetTenantByCustomerID(customerID string) (*Tenant, error) {
	row := t.tx.QueryRow(`SELECT `+tenantColumns+` FROM tenants WHERE stripe_customer_id = ?`, customerID)
	return scanTenant(row)
}

// UpdateTenantBilling writes the billing state fields of an existing tenant.
func (t *Tx) UpdateTenantBilling(tn *Tenant) error {
	if tn == nil {
		return fmt.Errorf("tenant is nil")
	}
	tn.UpdatedAt = time.Now().UTC()

	itemIDs, err := marshalItemIDs(tn.StripeSubItemIDs)
	if err != nil {
		return err
	}
	res, err := t.tx.Exec(`
		UPDATE tenants SET
			plan_id = ?, billing_status = ?,
			stripe_customer_id = ?, stripe_subscription_id = ?, stripe_price_id = ?,
			stripe_sub_item_ids = ?, current_period_start = ?, current_period_end = ?,
			updated_at = ?
		WHERE id = ?`,
		tn.PlanID, string(tn.BillingStatus),
		tn.StripeCustomerID, tn.StripeSubscriptionID, tn.StripePriceID,
		itemIDs, nullableTimeUnix(tn.CurrentPeriodStart), nullableTimeUnix(tn.CurrentPeriodEnd),
		tn.UpdatedAt.Unix(), tn.ID,
	)
	if err != nil {
		return fmt.Errorf("update tenant billing: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("tenant %q not found", tn.ID)
	}
	return nil
}

// GetCreditAccount retrieves a tenant's credit account within the
// transaction. Returns (nil, nil) when absent.
func (t *Tx) GetCreditAccount(tenantID string) (*CreditAccount, error) {
	row := t.tx.QueryRow(`SELECT tenant_id, available, reserved, monthly_quota, last_reset_at, updated_at
		FROM credit_accounts WHERE tenant_id = ?`, tenantID)
	return scanCreditAccount(row)
}

// PutCreditAccount inserts or replaces a credit account record.
func (t *Tx) PutCreditAccount(a *CreditAccount) error {
	if a == nil {
		return fmt.Errorf("credit account is nil")
	}
	a.UpdatedAt = time.Now().UTC()
	if a.LastResetAt.IsZero() {
		a.LastResetAt = a.UpdatedAt
	}

	_, err := t.tx.Exec(`
		INSERT INTO credit_accounts (tenant_id, available, reserved, monthly_quota, last_reset_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			available = excluded.available,
			reserved = excluded.reserved,
			monthly_quota = excluded.monthly_quota,
			last_reset_at = excluded.last_reset_at,
			updated_at = excluded.updated_at`,
		a.TenantID, a.Available, a.Reserved, a.MonthlyQuota,
		a.LastResetAt.Unix(), a.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("put credit account: %w", err)
	}
	return nil
}

// UsageLogExists reports whether a usage log entry with the given id already
// exists. Existence is the ground truth that the debit already happened.
func (t *Tx) UsageLogExists(id string) (bool, error) {
	var n int
	if err := t.tx.QueryRow(`SELECT COUNT(1) FROM usage_logs WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check usage log: %w", err)
	}
	return n > 0, nil
}

// InsertUsageLog appends a usage log entry. Fails on duplicate id; callers
// check UsageLogExists first within the same transaction.
func (t *Tx) InsertUsageLog(l *UsageLog) error {
	if l == nil {
		return fmt.Errorf("usage log is nil")
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(`
		INSERT INTO usage_logs (id, tenant_id, type, source, credits_consumed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.TenantID, l.Type, l.Source, l.CreditsConsumed, l.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

// WebhookEventExists reports whether an event id has already been ingested.
func (t *Tx) WebhookEventExists(id string) (bool, error) {
	var n int
	if err := t.tx.QueryRow(`SELECT COUNT(1) FROM webhook_events WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return n > 0, nil
}

// InsertWebhookEvent records the dedup tombstone for an event id.
func (t *Tx) InsertWebhookEvent(e *WebhookEvent) error {
	if e == nil {
		return fmt.Errorf("webhook event is nil")
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(`
		INSERT INTO webhook_events (id, type, received_at)
		VALUES (?, ?, ?)`,
		e.ID, e.Type, e.ReceivedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}
