// Package api exposes the service HTTP surface: tenant credit views,
// consumption, usage reporting, the billing webhook, and health. Tenant
// identity arrives resolved (path parameter); authentication sits in front of
// this service.
package api

import (
	"net/http"

	"github.com/tallyhq/tally/internal/billing"
	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/registry"
)

// Router wires the HTTP routes to their handlers.
type Router struct {
	mux      *http.ServeMux
	store    *registry.Store
	ledger   *ledger.Ledger
	reporter *billing.UsageReporter
	webhook  http.Handler
}

// NewRouter creates the service router. reporter and webhook may be nil when
// the billing provider is not configured; their routes then answer 503.
func NewRouter(store *registry.Store, l *ledger.Ledger, reporter *billing.UsageReporter, webhook http.Handler) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		store:    store,
		ledger:   l,
		reporter: reporter,
		webhook:  webhook,
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("GET /healthz", r.handleHealth)
	r.mux.HandleFunc("POST /v1/tenants", r.handleCreateTenant)
	r.mux.HandleFunc("GET /v1/tenants/{id}/credits", r.handleCreditsView)
	r.mux.HandleFunc("POST /v1/tenants/{id}/credits/consume", r.handleConsume)
	r.mux.HandleFunc("POST /v1/tenants/{id}/usage-reports", r.handleUsageReport)
	if r.webhook != nil {
		r.mux.Handle("POST /webhooks/stripe", r.webhook)
	}
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}
