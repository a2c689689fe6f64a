// Package handlers contains the HTTP handler implementations for the
// FinCoach billing API: the plan catalog, subscription management,
// feature access queries, and the Stripe webhook endpoint.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fincoach/internal/core"
	"fincoach/internal/types"
)

// SubscriptionService drives subscription state transitions. The
// billing.Manager implements it; tests inject mocks.
type SubscriptionService interface {
	LiveSubscription(ctx context.Context, userID string) (*types.Subscription, error)
	PlanForUser(ctx context.Context, userID string) (*types.Plan, error)
	StartCheckout(ctx context.Context, userID, planName string, cycle types.BillingCycle) (string, error)
	Cancel(ctx context.Context, userID string) (*types.Subscription, error)
	StartTrial(ctx context.Context, userID, planName string) (*types.Subscription, error)
}

// PlanCatalog lists the purchasable plans.
type PlanCatalog interface {
	ActivePlans(ctx context.Context) ([]*types.Plan, error)
}

// EntitlementChecker answers feature access queries.
type EntitlementChecker interface {
	Check(ctx context.Context, userID, feature string) (types.FeatureDecision, error)
}

// SubscriptionHandler serves the plan catalog and subscription
// endpoints.
type SubscriptionHandler struct {
	svc       SubscriptionService
	catalog   PlanCatalog
	checker   EntitlementChecker
	validator *core.Validator
	logger    *slog.Logger
}

func NewSubscriptionHandler(
	svc SubscriptionService,
	catalog PlanCatalog,
	checker EntitlementChecker,
	validator *core.Validator,
	logger *slog.Logger,
) *SubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionHandler{
		svc:       svc,
		catalog:   catalog,
		checker:   checker,
		validator: validator,
		logger:    logger,
	}
}

// RegisterRoutes mounts the subscription endpoints under /v1.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/plans", h.ListPlans)
	r.Get("/subscriptions/current", h.GetCurrent)
	r.Post("/subscriptions/checkout", h.StartCheckout)
	r.Post("/subscriptions/cancel", h.Cancel)
	r.Post("/subscriptions/trial", h.StartTrial)
	r.Get("/features/{name}/access", h.GetFeatureAccess)
}

// ListPlans returns the purchasable plan catalog. Public: pricing pages
// render from it before login.
func (h *SubscriptionHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.catalog.ActivePlans(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: plans})
}

// currentSubscriptionResponse is the body for GET /v1/subscriptions/current.
type currentSubscriptionResponse struct {
	Plan         *types.Plan         `json:"plan"`
	Subscription *types.Subscription `json:"subscription,omitempty"`
}

// GetCurrent returns the caller's live subscription and effective plan.
// Users without a subscription get the free plan and a null
// subscription.
func (h *SubscriptionHandler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	sub, err := h.svc.LiveSubscription(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	plan, err := h.svc.PlanForUser(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: currentSubscriptionResponse{Plan: plan, Subscription: sub},
	})
}

// checkoutRequest is the body for POST /v1/subscriptions/checkout.
type checkoutRequest struct {
	PlanName     string `json:"plan_name" validate:"required"`
	BillingCycle string `json:"billing_cycle" validate:"required,billing_cycle"`
}

type checkoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
}

// StartCheckout creates a provider checkout session for a paid plan.
func (h *SubscriptionHandler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	var req checkoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	url, err := h.svc.StartCheckout(r.Context(), userID, req.PlanName, types.BillingCycle(req.BillingCycle))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: checkoutResponse{CheckoutURL: url}})
}

// Cancel ends the caller's live subscription.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	sub, err := h.svc.Cancel(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

// trialRequest is the body for POST /v1/subscriptions/trial.
type trialRequest struct {
	PlanName string `json:"plan_name" validate:"required"`
}

// StartTrial begins a time-boxed trial of a paid plan.
func (h *SubscriptionHandler) StartTrial(w http.ResponseWriter, r *http.Request) {
	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	var req trialRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.svc.StartTrial(r.Context(), userID, req.PlanName)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: sub})
}

// GetFeatureAccess reports whether the caller can use a feature and how
// much quota remains this period.
func (h *SubscriptionHandler) GetFeatureAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	feature := chi.URLParam(r, "name")
	if feature == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "feature name is required", nil))
		return
	}

	decision, err := h.checker.Check(r.Context(), userID, feature)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: decision})
}
