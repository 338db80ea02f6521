// Package charge implements the "spend credits to do X" workflow: reserve
// funds, run the externally-costed operation, then commit or release the
// reservation. The reservation closes the window where two concurrent
// charges could both pass a bare balance pre-check and both incur the
// external cost with funds for only one.
package charge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/lmetrics"
	"github.com/tallyhq/tally/internal/plan"
)

// Operation is the externally-costed unit of work (e.g. a generative AI
// call). It carries its own timeout; a timeout is treated as failure and no
// debit occurs.
type Operation func(ctx context.Context) (any, error)

// Params describes one charge request.
type Params struct {
	TenantID       string
	Plan           string
	FeatureKey     string
	Cost           int64 // 0 means: resolve from the feature cost table
	IdempotencyKey string
	TraceID        string
}

// Orchestrator coordinates the reserve / execute / settle workflow.
type Orchestrator struct {
	ledger *ledger.Ledger
}

// New creates an Orchestrator.
func New(l *ledger.Ledger) *Orchestrator {
	return &Orchestrator{ledger: l}
}

// Charge renews the tenant's quota if due, reserves the feature cost, runs
// op, and settles the reservation. Insufficient funds fail before op runs;
// an op failure releases the reservation and propagates unchanged.
func (o *Orchestrator) Charge(ctx context.Context, p Params, op Operation) (any, error) {
	cost := p.Cost
	if cost <= 0 {
		tableCost, ok := plan.FeatureCost(p.FeatureKey)
		if !ok {
			lmetrics.ChargesTotal.WithLabelValues(p.FeatureKey, "error").Inc()
			return nil, fmt.Errorf("unknown feature %q and no explicit cost", p.FeatureKey)
		}
		cost = tableCost
	}
	idemKey := o.idempotencyKey(p)

	if _, err := o.ledger.MaybeReset(ctx, p.TenantID, p.Plan); err != nil {
		lmetrics.ChargesTotal.WithLabelValues(p.FeatureKey, "error").Inc()
		return nil, err
	}

	reserved, err := o.ledger.Reserve(ctx, p.TenantID, cost, idemKey)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			lmetrics.ChargesTotal.WithLabelValues(p.FeatureKey, "insufficient").Inc()
		} else {
			lmetrics.ChargesTotal.WithLabelValues(p.FeatureKey, "error").Inc()
		}
		return nil, err
	}

	// The only long-blocking step, deliberately outside any ledger
	// transaction.
	result, opErr := op(ctx)
	if opErr != nil {
		if reserved {
			if relErr := o.ledger.ReleaseReservation(ctx, p.TenantID, cost); relErr != nil {
				log.Error().Err(relErr).
					Str("tenant_id", p.TenantID).
					Str("feature", p.FeatureKey).
					Int64("cost", cost).
					Msg("failed to release reservation after operation failure")
			}
		}
		lmetrics.ChargesTotal.WithLabelValues(p.FeatureKey, "operation_failed").Inc()
		return nil, opErr
	}

	if reserved {
		meta := ledger.Meta{Type: p.FeatureKey, Source: "charge"}
		if err := o.ledger.CommitReservation(ctx, p.TenantID, cost, idemKey, meta); err != nil {
			// The reservation tombstone check makes a retry safe.
			log.Warn().Err(err).
				Str("tenant_id", p.TenantID).
				Str("feature", p.FeatureKey).
				Msg("reservation commit failed, retrying once")
			if err := o.ledger.CommitReservation(ctx, p.TenantID, cost, idemKey, meta); err != nil {
				log.Error().Err(err).
					Str("tenant_id", p.TenantID).
					Str("feature", p.FeatureKey).
					Str("idempotency_key", idemKey).
					Int64("cost", cost).
					Msg("reservation commit failed after retry, balance drift possible")
				lmetrics.ChargesTotal.WithLabelValues(p.FeatureKey, "error").Inc()
				return result, err
			}
		}
	}

	lmetrics.ChargesTotal.WithLabelValues(p.FeatureKey, "ok").Inc()
	return result, nil
}

/// idempotencyKey derives the debit key: the caller-supplied key when given,
// else trace id + feature key, so a retried request bills at most once.
func (o *Orchestrator) idempotencyKey(p Params) string {
	if k := strings.TrimSpace(p.IdempotencyKey); k != "" {
		return k
	}
	if strings.TrimSpace(p.TraceID) == "" {
		return ""
	}
	return p.TraceID + ":" + p.FeatureKey
}
