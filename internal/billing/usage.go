package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	tallyerrors "github.com/tallyhq/tally/internal/errors"
	"github.com/tallyhq/tally/internal/lmetrics"
	"github.com/tallyhq/tally/internal/registry"
)

// UsageReporter pushes consumption numbers back to the billing provider,
// gated by the subscription-item ownership guard.
type UsageReporter struct {
	store    *registry.Store
	guard    *ItemGuard
	provider Provider
}

// NewUsageReporter creates a UsageReporter.
func NewUsageReporter(store *registry.Store, guard *ItemGuard, provider Provider) *UsageReporter {
	return &UsageReporter{store: store, guard: guard, provider: provider}
}

// Report forwards quantity units of usage for the given subscription item.
// Returns ErrAuthorizationDenied when the item is not bound to the tenant;
// the call never reaches the provider in that case.
func (r *UsageReporter) Report(ctx context.Context, tenantID, subscriptionItemID string, quantity int64) error {
	if quantity <= 0 {
		return nil
	}
	if !r.guard.BelongsToTenant(ctx, tenantID, subscriptionItemID) {
		lmetrics.UsageReportsTotal.WithLabelValues("denied").Inc()
		log.Warn().
			Str("tenant_id", tenantID).
			Str("subscription_item_id", subscriptionItemID).
			Msg("usage report denied, item not bound to tenant")
		return ErrAuthorizationDenied
	}

	tenant, err := r.store.GetTenant(ctx, tenantID)
	if err != nil {
		lmetrics.UsageReportsTotal.WithLabelValues("error").Inc()
		return err
	}
	if tenant == nil || strings.TrimSpace(tenant.StripeCustomerID) == "" {
		lmetrics.UsageReportsTotal.WithLabelValues("denied").Inc()
		return ErrAuthorizationDenied
	}

	if err := r.provider.ReportUsage(ctx, tenant.StripeCustomerID, subscriptionItemID, quantity); err != nil {
		lmetrics.UsageReportsTotal.WithLabelValues("error").Inc()
		if tallyerrors.IsAuth(err) {
			// Retrying won't help; the API key itself is bad.
			log.Error().
				Err(err).
				Str("tenant_id", tenantID).
				Msg("usage report rejected, provider credentials invalid")
		}
		return fmt.Errorf("forward usage report: %w", err)
	}

	lmetrics.UsageReportsTotal.WithLabelValues("ok").Inc()
	log.Debug().
		Str("tenant_id", tenantID).
		Str("subscription_item_id", subscriptionItemID).
		Int64("quantity", quantity).
		Msg("usage reported to provider")
	return nil
}
