package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tallyhq/tally/internal/cache"
	"github.com/tallyhq/tally/internal/registry"
)

// Ingestor applies asynchronous billing events to tenant billing state.
// Events arrive already authenticated (signature verification happens in the
// webhook handler); the ingestor's job is idempotent state application: the
// dedup tombstone and the state mutation land in the same transaction, so a
// redelivered event is a no-op and a crash mid-event cannot double-apply.
type Ingestor struct {
	store   *registry.Store
	tenants *cache.TenantCache
}

// NewIngestor creates an Ingestor. cache may be nil.
func NewIngestor(store *registry.Store, tenants *cache.TenantCache) *Ingestor {
	return &Ingestor{store: store, tenants: tenants}
}

// SubscriptionEvent is a minimal representation of a provider subscription
// event payload.
type SubscriptionEvent struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	Items             struct {
		Data []struct {
			ID                 string `json:"id"`
			CurrentPeriodStart int64  `json:"current_period_start"`
			CurrentPeriodEnd   int64  `json:"current_period_end"`
			Price              struct {
				ID       string            `json:"id"`
				Metadata map[string]string `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// FirstPrice returns the price id and price metadata from the first
// subscription item that carries a price. The plan mapping lives in the
// price's metadata, not the subscription's.
func (s *SubscriptionEvent) FirstPrice() (priceID string, metadata map[string]string) {
	for _, item := range s.Items.Data {
		if id := strings.TrimSpace(item.Price.ID); id != "" {
			return id, item.Price.Metadata
		}
	}
	return "", nil
}

// ItemIDs returns all subscription item ids carried by the event.
func (s *SubscriptionEvent) ItemIDs() []string {
	ids := make([]string, 0, len(s.Items.Data))
	for _, item := range s.Items.Data {
		if id := strings.TrimSpace(item.ID); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// PeriodBounds returns the billing period from the first item that carries
// one. ok is false when no item reports a period.
func (s *SubscriptionEvent) PeriodBounds() (start, end time.Time, ok bool) {
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > 0 {
			return time.Unix(item.CurrentPeriodStart, 0).UTC(), time.Unix(item.CurrentPeriodEnd, 0).UTC(), true
		}
	}
	return time.Time{}, time.Time{}, false
}

// InvoiceEvent is a minimal representation of a provider invoice event
// payload.
type InvoiceEvent struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

// Ingest applies one billing event. A replayed event id is acknowledged
// without reprocessing; unrecognized event types are tombstoned, logged and
// ignored.
func (i *Ingestor) Ingest(ctx context.Context, eventID, eventType string, payload json.RawMessage) error {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return fmt.Errorf("event missing id")
	}

	var touchedTenant string
	err := i.store.WithTx(ctx, func(tx *registry.Tx) error {
		exists, err := tx.WebhookEventExists(eventID)
		if err != nil {
			return err
		}
		if exists {
			log.Debug().
				Str("event_id", eventID).
				Str("type", eventType).
				Msg("billing event replayed, skipping")
			return nil
		}
		if err := tx.InsertWebhookEvent(&registry.WebhookEvent{ID: eventID, Type: eventType}); err != nil {
			return err
		}

		tenantID, err := i.applyEvent(tx, eventID, eventType, payload)
		if err != nil {
			return err
		}
		touchedTenant = tenantID
		return nil
	})
	if err != nil {
		return err
	}

	if touchedTenant != "" {
		i.tenants.Invalidate(touchedTenant)
	}
	return nil
}

// applyEvent dispatches the event to its handler inside the dedup
// transaction and returns the mutated tenant id, if any.
func (i *Ingestor) applyEvent(tx *registry.Tx, eventID, eventType string, payload json.RawMessage) (string, error) {
	switch eventType {
	case "customer.subscription.created", "customer.subscription.updated":
		var sub SubscriptionEvent
		if err := json.Unmarshal(payload, &sub); err != nil {
			return "", fmt.Errorf("decode subscription event: %w", err)
		}
		return i.applySubscription(tx, sub, MapSubscriptionStatus(sub.Status))

	case "customer.subscription.deleted":
		var sub SubscriptionEvent
		if err := json.Unmarshal(payload, &sub); err != nil {
			return "", fmt.Errorf("decode subscription event: %w", err)
		}
		return i.applyCancellation(tx, sub)

	case "invoice.payment_failed":
		var inv InvoiceEvent
		if err := json.Unmarshal(payload, &inv); err != nil {
			return "", fmt.Errorf("decode invoice event: %w", err)
		}
		sub := SubscriptionEvent{ID: inv.Subscription, Customer: inv.Customer, Status: "past_due"}
		return i.applySubscription(tx, sub, registry.BillingStatusGrace)

	default:
		log.Info().
			Str("event_id", eventID).
			Str("type", eventType).
			Msg("billing event ignored (unhandled type)")
		return "", nil
	}
}

func (i *Ingestor) applySubscription(tx *registry.Tx, sub SubscriptionEvent, status registry.BillingStatus) (string, error) {
	tenant, err := i.tenantForEvent(tx, sub.Customer)
	if err != nil || tenant == nil {
		return "", err
	}

	tenant.BillingStatus = status
	if id := strings.TrimSpace(sub.ID); id != "" {
		tenant.StripeSubscriptionID = id
	}
	if priceID, priceMeta := sub.FirstPrice(); priceID != "" {
		tenant.StripePriceID = priceID
		tenant.PlanID = DerivePlanID(priceMeta, priceID)
	}
	if ids := sub.ItemIDs(); len(ids) > 0 {
		tenant.StripeSubItemIDs = ids
	}
	if start, end, ok := sub.PeriodBounds(); ok {
		tenant.CurrentPeriodStart = &start
		tenant.CurrentPeriodEnd = &end
	}
	if err := tx.UpdateTenantBilling(tenant); err != nil {
		return "", err
	}

	log.Info().
		Str("tenant_id", tenant.ID).
		Str("customer_id", tenant.StripeCustomerID).
		Str("billing_status", string(status)).
		Str("plan_id", tenant.PlanID).
		Msg("subscription state applied")
	return tenant.ID, nil
}

func (i *Ingestor) applyCancellation(tx *registry.Tx, sub SubscriptionEvent) (string, error) {
	tenant, err := i.tenantForEvent(tx, sub.Customer)
	if err != nil || tenant == nil {
		return "", err
	}

	tenant.BillingStatus = registry.BillingStatusCanceled
	if id := strings.TrimSpace(sub.ID); id != "" {
		tenant.StripeSubscriptionID = id
	}
	tenant.CurrentPeriodEnd = nil
	if err := tx.UpdateTenantBilling(tenant); err != nil {
		return "", err
	}

	log.Info().
		Str("tenant_id", tenant.ID).
		Str("customer_id", tenant.StripeCustomerID).
		Msg("subscription canceled")
	return tenant.ID, nil
}

// tenantForEvent resolves the tenant an event belongs to. An unknown
// customer is logged and skipped rather than failing the event: the
// tombstone still lands, matching provider redelivery semantics.
func (i *Ingestor) tenantForEvent(tx *registry.Tx, customerID string) (*registry.Tenant, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("event missing customer")
	}
	tenant, err := tx.GetTenantByCustomerID(customerID)
	if err != nil {
		return nil, fmt.Errorf("lookup tenant by customer: %w", err)
	}
	if tenant == nil {
		log.Warn().Str("customer_id", customerID).Msg("billing event for unknown customer")
		return nil, nil
	}
	return tenant, nil
}
