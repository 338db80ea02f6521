// Package lmetrics defines the Prometheus metrics exported by the ledger
// service.
package lmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChargesTotal counts charge attempts by feature and outcome
	// (ok, insufficient, operation_failed, error).
	ChargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "ledger",
		Name:      "charges_total",
		Help:      "Total charge attempts by feature key and outcome.",
	}, []string{"feature", "outcome"})

	// CreditsConsumed counts credits debited per feature.
	CreditsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "ledger",
		Name:      "credits_consumed_total",
		Help:      "Total credits debited by feature key.",
	}, []string{"feature"})

	// QuotaResets counts quota renewals by trigger (period, plan_change).
	QuotaResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "ledger",
		Name:      "quota_resets_total",
		Help:      "Total quota resets by trigger.",
	}, []string{"trigger"})

	// WebhookRequestsTotal counts billing webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total billing webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks billing webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tally",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Billing webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ReconcileRunsTotal counts reconciliation sweeps by outcome.
	ReconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "reconcile",
		Name:      "runs_total",
		Help:      "Total reconciliation sweeps by outcome.",
	}, []string{"outcome"})

	// ReconcileCorrections counts plan/status corrections applied by the
	// reconciliation job.
	ReconcileCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "reconcile",
		Name:      "corrections_total",
		Help:      "Total drift corrections applied against provider state.",
	})

	// TenantsByBillingStatus tracks the number of tenants per billing status.
	TenantsByBillingStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tally",
		Subsystem: "billing",
		Name:      "tenants_by_status",
		Help:      "Number of tenants by billing status.",
	}, []string{"status"})

	// UsageReportsTotal counts usage reports forwarded to the provider by outcome
	// (ok, denied, error).
	UsageReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "billing",
		Name:      "usage_reports_total",
		Help:      "Total usage reports forwarded to the billing provider by outcome.",
	}, []string{"outcome"})
)
