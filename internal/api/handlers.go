package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tallyhq/tally/internal/billing"
	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/plan"
	"github.com/tallyhq/tally/internal/registry"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createTenantRequest struct {
	Email            string `json:"email"`
	DisplayName      string `json:"display_name"`
	PlanID           string `json:"plan_id"`
	StripeCustomerID string `json:"stripe_customer_id"`
}

func (r *Router) handleCreateTenant(w http.ResponseWriter, req *http.Request) {
	var body createTenantRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	id, err := registry.GenerateTenantID()
	if err != nil {
		log.Error().Err(err).Msg("tenant id generation failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	tenant := &registry.Tenant{
		ID:               id,
		Email:            strings.TrimSpace(body.Email),
		DisplayName:      strings.TrimSpace(body.DisplayName),
		PlanID:           string(plan.Normalize(body.PlanID)),
		StripeCustomerID: strings.TrimSpace(body.StripeCustomerID),
	}
	ctx := req.Context()
	if err := r.store.CreateTenant(ctx, tenant); err != nil {
		log.Error().Err(err).Str("tenant_id", id).Msg("tenant creation failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	// Seed the credit account so the first consume doesn't pay the lazy
	// initialization path.
	if _, err := r.ledger.InitOrNormalize(ctx, id, tenant.PlanID); err != nil {
		log.Error().Err(err).Str("tenant_id", id).Msg("credit account init failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusCreated, tenant)
}

func (r *Router) handleCreditsView(w http.ResponseWriter, req *http.Request) {
	tenantID := req.PathValue("id")
	view, err := r.ledger.GetCreditsView(req.Context(), tenantID, req.URL.Query().Get("plan"))
	if err != nil {
		if errors.Is(err, ledger.ErrTenantNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "tenant not found"})
			return
		}
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("credits view failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type consumeRequest struct {
	FeatureKey     string `json:"feature_key"`
	Amount         int64  `json:"amount"`
	Plan           string `json:"plan"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (r *Router) handleConsume(w http.ResponseWriter, req *http.Request) {
	tenantID := req.PathValue("id")

	var body consumeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	amount := body.Amount
	if amount <= 0 {
		cost, ok := plan.FeatureCost(body.FeatureKey)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown feature and no explicit amount"})
			return
		}
		amount = cost
	}
	idemKey := strings.TrimSpace(body.IdempotencyKey)
	if idemKey == "" {
		idemKey = strings.TrimSpace(req.Header.Get("Idempotency-Key"))
	}

	ctx := req.Context()
	if _, err := r.ledger.MaybeReset(ctx, tenantID, body.Plan); err != nil {
		if errors.Is(err, ledger.ErrTenantNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "tenant not found"})
			return
		}
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("quota renewal failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	meta := ledger.Meta{Type: body.FeatureKey, Source: "api"}
	if err := r.ledger.Consume(ctx, tenantID, amount, idemKey, meta); err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientCredits):
			writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: "insufficient credits"})
		case errors.Is(err, ledger.ErrTenantNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "tenant not found"})
		default:
			log.Error().Err(err).Str("tenant_id", tenantID).Msg("consume failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		}
		return
	}

	view, err := r.ledger.GetCreditsView(ctx, tenantID, body.Plan)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("post-consume view failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type usageReportRequest struct {
	SubscriptionItemID string `json:"subscription_item_id"`
	Quantity           int64  `json:"quantity"`
}

func (r *Router) handleUsageReport(w http.ResponseWriter, req *http.Request) {
	if r.reporter == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "billing provider not configured"})
		return
	}
	tenantID := req.PathValue("id")

	var body usageReportRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(body.SubscriptionItemID) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "subscription_item_id is required"})
		return
	}

	err := r.reporter.Report(req.Context(), tenantID, body.SubscriptionItemID, body.Quantity)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
	case errors.Is(err, billing.ErrAuthorizationDenied):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "subscription item not owned by tenant"})
	case errors.Is(err, billing.ErrProviderUnavailable):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "billing provider unavailable"})
	default:
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("usage report failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("api: encode response")
	}
}
