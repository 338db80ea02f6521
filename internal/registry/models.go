package registry

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// BillingStatus represents the subscription lifecycle state of a tenant as
// mirrored from the external billing provider.
type BillingStatus string

const (
	BillingStatusNone      BillingStatus = "none"
	BillingStatusTrial     BillingStatus = "trial"
	BillingStatusActive    BillingStatus = "active"
	BillingStatusGrace     BillingStatus = "grace"
	BillingStatusSuspended BillingStatus = "suspended"
	BillingStatusCanceled  BillingStatus = "canceled"
	BillingStatusExpired   BillingStatus = "expired"
)

// Tenant represents a tenant record, including the billing state mirrored
// from the external provider. The provider is the source of truth for
// PlanID/Status; reconciliation overwrites them on drift.
type Tenant struct {
	ID                   string        `json:"id"`
	Email                string        `json:"email"`
	DisplayName          string        `json:"display_name"`
	PlanID               string        `json:"plan_id"`
	BillingStatus        BillingStatus `json:"billing_status"`
	StripeCustomerID     string        `json:"stripe_customer_id"`
	StripeSubscriptionID string        `json:"stripe_subscription_id"`
	StripePriceID        string        `json:"stripe_price_id"`
	StripeSubItemIDs     []string      `json:"stripe_sub_item_ids"`
	CurrentPeriodStart   *time.Time    `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time    `json:"current_period_end,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// HasSubItem reports whether the given subscription item id is bound to this
// tenant. Empty ids never match.
func (t *Tenant) HasSubItem(itemID string) bool {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return false
	}
	for _, id := range t.StripeSubItemIDs {
		if id == itemID {
			return true
		}
	}
	return false
}

// CreditAccount is the per-tenant credit balance record. Available only
// decreases outside of a quota reset; Reserved holds funds set aside for
// in-flight charges.
type CreditAccount struct {
	TenantID     string    `json:"tenant_id"`
	Available    int64     `json:"available"`
	Reserved     int64     `json:"reserved"`
	MonthlyQuota int64     `json:"monthly_quota"`
	LastResetAt  time.Time `json:"last_reset_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UsageLog is an append-only consumption record. Its ID doubles as the
// idempotency key: existence means the debit for that operation already
// happened and must not be applied again.
type UsageLog struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	Type            string    `json:"type"`
	Source          string    `json:"source"`
	CreditsConsumed int64     `json:"credits_consumed"`
	CreatedAt       time.Time `json:"created_at"`
}

// WebhookEvent is the dedup tombstone for an ingested billing event.
type WebhookEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	ReceivedAt time.Time `json:"received_at"`
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// GenerateTenantID returns a tenant ID of the form "t-" followed by 10 random
// Crockford base32 characters (50 bits of entropy).
func GenerateTenantID() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate tenant id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("t-")
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}
