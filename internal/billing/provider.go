// Package billing integrates the external subscription-billing provider:
// webhook event ingestion, scheduled-reconciliation queries, usage
// reporting, and the subscription-item ownership guard. The provider is the
// source of truth for plan and subscription status; this package mirrors it
// into the tenant store.
package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tallyhq/tally/internal/registry"
)

var (
	// ErrProviderUnavailable wraps any failure talking to the external
	// billing provider. Reconciliation logs and skips the tenant; the next
	// scheduled run retries.
	ErrProviderUnavailable = errors.New("billing provider unavailable")

	// ErrAuthorizationDenied is returned when a usage report targets a
	// subscription item that is not bound to the calling tenant.
	ErrAuthorizationDenied = errors.New("subscription item not owned by tenant")
)

// Subscription is the provider-neutral view of an external subscription
// used by reconciliation.
type Subscription struct {
	ID                 string
	Status             string
	PriceID            string
	PriceMetadata      map[string]string
	ItemIDs            []string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CreatedAt          time.Time
}

// Active reports whether the subscription grants a paid plan.
func (s Subscription) Active() bool {
	switch strings.ToLower(strings.TrimSpace(s.Status)) {
	case "active", "trialing":
		return true
	default:
		return false
	}
}

// Provider is the external billing provider surface the engine depends on.
// Implementations must be safe for concurrent use.
type Provider interface {
	// ListSubscriptions returns all subscriptions for an external customer.
	ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error)
	// ReportUsage forwards a consumption quantity for a subscription item.
	ReportUsage(ctx context.Context, customerID, subscriptionItemID string, quantity int64) error
}

// MapSubscriptionStatus converts a provider subscription status string to
// the internal billing status. Unknown statuses fail closed (expired).
func MapSubscriptionStatus(status string) registry.BillingStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return registry.BillingStatusActive
	case "trialing":
		return registry.BillingStatusTrial
	case "past_due", "unpaid":
		return registry.BillingStatusGrace
	case "canceled":
		return registry.BillingStatusCanceled
	case "paused":
		return registry.BillingStatusSuspended
	case "incomplete", "incomplete_expired":
		return registry.BillingStatusExpired
	default:
		return registry.BillingStatusExpired
	}
}

// DerivePlanID extracts the internal plan identifier implied by a
// subscription's price. Price metadata wins; a bare price ID is passed
// through for the plan normalizer to resolve (unrecognized values resolve
// to the starter tier).
func DerivePlanID(metadata map[string]string, priceID string) string {
	if metadata != nil {
		if v := strings.TrimSpace(metadata["plan_id"]); v != "" {
			return v
		}
		if v := strings.TrimSpace(metadata["plan"]); v != "" {
			return v
		}
	}
	return strings.TrimSpace(priceID)
}
