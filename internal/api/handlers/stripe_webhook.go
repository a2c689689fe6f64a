package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fincoach/internal/billing"
	"fincoach/internal/core"
	"fincoach/internal/external"
	"fincoach/internal/types"
)

// maxWebhookBodySize caps Stripe webhook payloads at 64 KB. Real
// payloads are far smaller; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// WebhookVerifier checks a webhook payload signature.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// EventApplier applies a verified billing event to local state.
// The billing.Reconciler implements it.
type EventApplier interface {
	Apply(ctx context.Context, event types.BillingEvent) error
}

// SubscriptionFetcher reads a subscription's current state from the
// provider. Checkout sessions carry no price, so activation fetches the
// created subscription to learn its price and period.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, stripeSubID string) (*external.RemoteSubscription, error)
}

// StripeWebhookHandler receives asynchronous events from Stripe. It is
// not behind auth middleware; the Stripe-Signature header authenticates
// each delivery instead.
type StripeWebhookHandler struct {
	verifier WebhookVerifier
	applier  EventApplier
	fetcher  SubscriptionFetcher
	secret   string
	logger   *slog.Logger
}

func NewStripeWebhookHandler(
	verifier WebhookVerifier,
	applier EventApplier,
	fetcher SubscriptionFetcher,
	secret string,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		applier:  applier,
		fetcher:  fetcher,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoint at the router root, kept
// separate from the authenticated /v1 tree.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle verifies, parses, and applies one webhook delivery.
//
// Signature and payload failures return 400 so misconfigured senders
// surface quickly. Internal processing failures still return 200: the
// error is logged for investigation, and acknowledging receipt keeps
// Stripe from retrying into the same failure indefinitely.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeWebhookPayloadInvalid,
			"failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(types.ErrCodeWebhookSignatureInvalid,
			"missing Stripe-Signature header", nil))
		return
	}
	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeWebhookSignatureInvalid,
			"webhook signature verification failed", err))
		return
	}

	var raw stripeWebhookEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeWebhookPayloadInvalid,
			"invalid webhook event JSON", err))
		return
	}
	if raw.ID == "" || raw.Type == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeWebhookPayloadInvalid,
			"webhook event missing id or type", nil))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", raw.ID, "event_type", raw.Type)

	event, err := h.normalize(r.Context(), &raw)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeWebhookPayloadInvalid {
			// A malformed nested object is the sender's fault, same as
			// a malformed envelope.
			core.Error(w, r, err)
			return
		}
		h.logger.ErrorContext(r.Context(), "webhook event normalization failed",
			"event_id", raw.ID, "event_type", raw.Type, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.applier.Apply(r.Context(), event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", raw.ID, "event_type", raw.Type, "error", err)
	}

	w.WriteHeader(http.StatusOK)
}

// normalize flattens the provider payload into a types.BillingEvent.
// For completed checkouts it also fetches the created subscription,
// since the session object carries neither price nor period.
func (h *StripeWebhookHandler) normalize(ctx context.Context, raw *stripeWebhookEvent) (types.BillingEvent, error) {
	event := types.BillingEvent{
		ID:      raw.ID,
		Type:    raw.Type,
		Created: time.Unix(raw.Created, 0).UTC(),
	}

	switch raw.Type {
	case billing.EventCheckoutCompleted:
		var session stripeCheckoutSessionObject
		if err := json.Unmarshal(raw.Data.Object, &session); err != nil {
			return event, types.NewAppError(types.ErrCodeWebhookPayloadInvalid,
				"invalid checkout session object", err)
		}
		event.CustomerID = session.Customer
		event.SubscriptionID = session.Subscription
		if session.Subscription != "" {
			remote, err := h.fetcher.GetSubscription(ctx, session.Subscription)
			if err != nil {
				return event, err
			}
			event.PriceID = remote.PriceID
			if !remote.CurrentPeriodEnd.IsZero() {
				periodEnd := remote.CurrentPeriodEnd
				event.PeriodEnd = &periodEnd
			}
		}

	case billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		var sub stripeSubscriptionObject
		if err := json.Unmarshal(raw.Data.Object, &sub); err != nil {
			return event, types.NewAppError(types.ErrCodeWebhookPayloadInvalid,
				"invalid subscription object", err)
		}
		event.CustomerID = sub.Customer
		event.SubscriptionID = sub.ID
		event.RemoteStatus = sub.Status
		if len(sub.Items.Data) > 0 {
			event.PriceID = sub.Items.Data[0].Price.ID
		}
		if sub.CurrentPeriodEnd > 0 {
			periodEnd := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			event.PeriodEnd = &periodEnd
		}

	case billing.EventInvoicePaid, billing.EventInvoicePaymentSucceeded, billing.EventInvoicePaymentFailed:
		var inv stripeInvoiceObject
		if err := json.Unmarshal(raw.Data.Object, &inv); err != nil {
			return event, types.NewAppError(types.ErrCodeWebhookPayloadInvalid,
				"invalid invoice object", err)
		}
		event.CustomerID = inv.Customer
		event.SubscriptionID = inv.Subscription
		periodEnd := inv.PeriodEnd
		if len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Period.End > 0 {
			periodEnd = inv.Lines.Data[0].Period.End
		}
		if periodEnd > 0 {
			t := time.Unix(periodEnd, 0).UTC()
			event.PeriodEnd = &t
		}
	}

	return event, nil
}

// Local payload shapes, trimmed to the fields this handler reads.
// data.object stays raw until the event type picks its shape.

type stripeWebhookEvent struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Created int64                  `json:"created"`
	Data    stripeWebhookEventData `json:"data"`
}

type stripeWebhookEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSessionObject struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

type stripeSubscriptionObject struct {
	ID               string `json:"id"`
	Customer         string `json:"customer"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
	Items            struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoiceObject struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	PeriodEnd    int64  `json:"period_end"`
	Lines        struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}
