package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	stripeclient "github.com/stripe/stripe-go/v82/client"

	tallyerrors "github.com/tallyhq/tally/internal/errors"
)

// meterEventName is the billing meter the provider aggregates credit usage
// under.
const meterEventName = "tally_credits"

// StripeProvider implements Provider against the Stripe API. The client is
// constructor-injected; no package-global key is set.
type StripeProvider struct {
	api *stripeclient.API
}

// NewStripeProvider creates a StripeProvider with its own API client.
func NewStripeProvider(apiKey string) *StripeProvider {
	api := &stripeclient.API{}
	api.Init(apiKey, nil)
	return &StripeProvider{api: api}
}

// ListSubscriptions returns the customer's subscriptions mapped to the
// provider-neutral form. Period bounds are taken from the first item, where
// current API versions report them.
func (p *StripeProvider) ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	params := &stripelib.SubscriptionListParams{
		Customer: stripelib.String(customerID),
	}
	params.Context = ctx

	var subs []Subscription
	iter := p.api.Subscriptions.List(params)
	for iter.Next() {
		subs = append(subs, fromStripeSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeError("list_subscriptions", customerID, err)
	}
	return subs, nil
}

// ReportUsage forwards a consumption quantity as a billing meter event.
func (p *StripeProvider) ReportUsage(ctx context.Context, customerID, subscriptionItemID string, quantity int64) error {
	params := &stripelib.BillingMeterEventParams{
		EventName: stripelib.String(meterEventName),
		Payload: map[string]string{
			"stripe_customer_id":   customerID,
			"subscription_item_id": subscriptionItemID,
			"value":                strconv.FormatInt(quantity, 10),
		},
	}
	params.Context = ctx

	if _, err := p.api.BillingMeterEvents.New(params); err != nil {
		return wrapStripeError("report_usage", customerID, err)
	}
	return nil
}

// wrapStripeError classifies a Stripe failure and chains it to the
// ErrProviderUnavailable sentinel callers match on.
func wrapStripeError(op, customerID string, err error) error {
	kind := tallyerrors.KindConnection
	statusCode := 0
	var sErr *stripelib.Error
	if errors.As(err, &sErr) {
		statusCode = sErr.HTTPStatusCode
		switch {
		case statusCode == 401 || statusCode == 403:
			kind = tallyerrors.KindAuth
		case statusCode == 429:
			kind = tallyerrors.KindRateLimit
		case statusCode == 404:
			kind = tallyerrors.KindNotFound
		case statusCode >= 400 && statusCode < 500:
			kind = tallyerrors.KindValidation
		default:
			kind = tallyerrors.KindAPI
		}
	}
	pe := tallyerrors.NewProviderError(kind, op, customerID, err)
	if statusCode != 0 {
		pe = pe.WithStatusCode(statusCode)
	}
	return fmt.Errorf("%w: %w", ErrProviderUnavailable, pe)
}

func fromStripeSubscription(sub *stripelib.Subscription) Subscription {
	out := Subscription{
		ID:        sub.ID,
		Status:    string(sub.Status),
		CreatedAt: time.Unix(sub.Created, 0).UTC(),
	}
	if sub.Items == nil {
		return out
	}
	for _, item := range sub.Items.Data {
		if item == nil {
			continue
		}
		out.ItemIDs = append(out.ItemIDs, item.ID)
		if out.PriceID == "" && item.Price != nil {
			out.PriceID = item.Price.ID
			out.PriceMetadata = item.Price.Metadata
		}
		if out.CurrentPeriodEnd.IsZero() && item.CurrentPeriodEnd > 0 {
			out.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
			out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return out
}
