package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fincoach/internal/billing"
	"fincoach/internal/external"
	"fincoach/internal/types"
)

type mockVerifier struct {
	err error
}

func (v *mockVerifier) Verify(_ []byte, _ string, _ string) error { return v.err }

type mockApplier struct {
	events []types.BillingEvent
	err    error
}

func (a *mockApplier) Apply(_ context.Context, event types.BillingEvent) error {
	a.events = append(a.events, event)
	return a.err
}

type mockFetcher struct {
	remote *external.RemoteSubscription
	err    error
}

func (f *mockFetcher) GetSubscription(_ context.Context, _ string) (*external.RemoteSubscription, error) {
	return f.remote, f.err
}

func postWebhook(h *StripeWebhookHandler, body string, signed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
	if signed {
		req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	}
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

func TestStripeWebhook_MissingSignature(t *testing.T) {
	applier := &mockApplier{}
	h := NewStripeWebhookHandler(&mockVerifier{}, applier, &mockFetcher{}, "whsec_test", nil)

	rec := postWebhook(h, `{"id":"evt_1","type":"invoice.paid"}`, false)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, applier.events, "unverified payloads must never reach the reconciler")
}

func TestStripeWebhook_BadSignature(t *testing.T) {
	applier := &mockApplier{}
	h := NewStripeWebhookHandler(&mockVerifier{err: errors.New("bad signature")}, applier, &mockFetcher{}, "whsec_test", nil)

	rec := postWebhook(h, `{"id":"evt_1","type":"invoice.paid"}`, true)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeWebhookSignatureInvalid))
	assert.Empty(t, applier.events)
}

func TestStripeWebhook_MalformedPayload(t *testing.T) {
	applier := &mockApplier{}
	h := NewStripeWebhookHandler(&mockVerifier{}, applier, &mockFetcher{}, "whsec_test", nil)

	for name, body := range map[string]string{
		"not json":     `{{{`,
		"missing id":   `{"type":"invoice.paid"}`,
		"missing type": `{"id":"evt_1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := postWebhook(h, body, true)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, applier.events)
}

func TestStripeWebhook_MalformedNestedObjectIsRejected(t *testing.T) {
	// A syntactically valid envelope around a garbage data.object is
	// still the sender's fault and gets the same 400 as a garbage
	// envelope.
	applier := &mockApplier{}
	h := NewStripeWebhookHandler(&mockVerifier{}, applier, &mockFetcher{}, "whsec_test", nil)

	body := `{
		"id": "evt_1",
		"type": "customer.subscription.updated",
		"data": {"object": "not an object"}
	}`
	rec := postWebhook(h, body, true)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeWebhookPayloadInvalid))
	assert.Empty(t, applier.events, "a malformed event must not reach the reconciler")
}

func TestStripeWebhook_ProviderFetchFailureStillAcknowledged(t *testing.T) {
	// Normalizing a checkout needs a provider round trip; an upstream
	// failure there is ours to retry, not the sender's, so the delivery
	// is acknowledged and the error only logged.
	applier := &mockApplier{}
	fetcher := &mockFetcher{err: types.NewAppError(types.ErrCodeUpstreamBilling, "stripe unavailable", nil)}
	h := NewStripeWebhookHandler(&mockVerifier{}, applier, fetcher, "whsec_test", nil)

	body := `{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_1", "customer": "cus_1", "subscription": "sub_1"}}
	}`
	rec := postWebhook(h, body, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, applier.events)
}

func TestStripeWebhook_CheckoutCompletedFillsPriceFromProvider(t *testing.T) {
	periodEnd := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	applier := &mockApplier{}
	fetcher := &mockFetcher{remote: &external.RemoteSubscription{
		ID:               "sub_1",
		Status:           "active",
		PriceID:          "price_premium_m",
		CurrentPeriodEnd: periodEnd,
	}}
	h := NewStripeWebhookHandler(&mockVerifier{}, applier, fetcher, "whsec_test", nil)

	body := `{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"created": 1767225600,
		"data": {"object": {"id": "cs_1", "customer": "cus_1", "subscription": "sub_1"}}
	}`
	rec := postWebhook(h, body, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, applier.events, 1)
	event := applier.events[0]
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, billing.EventCheckoutCompleted, event.Type)
	assert.Equal(t, "cus_1", event.CustomerID)
	assert.Equal(t, "sub_1", event.SubscriptionID)
	assert.Equal(t, "price_premium_m", event.PriceID, "the session object has no price; it comes from the fetched subscription")
	require.NotNil(t, event.PeriodEnd)
	assert.Equal(t, periodEnd, *event.PeriodEnd)
}

func TestStripeWebhook_SubscriptionUpdatedNormalization(t *testing.T) {
	applier := &mockApplier{}
	h := NewStripeWebhookHandler(&mockVerifier{}, applier, &mockFetcher{}, "whsec_test", nil)

	body := `{
		"id": "evt_2",
		"type": "customer.subscription.updated",
		"created": 1767225600,
		"data": {"object": {
			"id": "sub_1",
			"customer": "cus_1",
			"status": "past_due",
			"current_period_end": 1769904000,
			"items": {"data": [{"price": {"id": "price_pro_y"}}]}
		}}
	}`
	rec := postWebhook(h, body, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, applier.events, 1)
	event := applier.events[0]
	assert.Equal(t, "sub_1", event.SubscriptionID)
	assert.Equal(t, "past_due", event.RemoteStatus)
	assert.Equal(t, "price_pro_y", event.PriceID)
	require.NotNil(t, event.PeriodEnd)
	assert.Equal(t, time.Unix(1769904000, 0).UTC(), *event.PeriodEnd)
}

func TestStripeWebhook_InvoicePeriodFallsBackToLineItems(t *testing.T) {
	applier := &mockApplier{}
	h := NewStripeWebhookHandler(&mockVerifier{}, applier, &mockFetcher{}, "whsec_test", nil)

	body := `{
		"id": "evt_3",
		"type": "invoice.paid",
		"created": 1767225600,
		"data": {"object": {
			"id": "in_1",
			"customer": "cus_1",
			"subscription": "sub_1",
			"period_end": 0,
			"lines": {"data": [{"period": {"end": 1769904000}}]}
		}}
	}`
	rec := postWebhook(h, body, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, applier.events, 1)
	require.NotNil(t, applier.events[0].PeriodEnd)
	assert.Equal(t, time.Unix(1769904000, 0).UTC(), *applier.events[0].PeriodEnd)
}

func TestStripeWebhook_ProcessingFailureStillAcknowledges(t *testing.T) {
	applier := &mockApplier{err: types.NewAppError(types.ErrCodeInternalDB, "db down", nil)}
	h := NewStripeWebhookHandler(&mockVerifier{}, applier, &mockFetcher{}, "whsec_test", nil)

	rec := postWebhook(h, `{"id":"evt_4","type":"customer.subscription.deleted","data":{"object":{"id":"sub_1","customer":"cus_1","status":"canceled"}}}`, true)

	assert.Equal(t, http.StatusOK, rec.Code, "a 400/500 here would make Stripe retry into the same failure")
	assert.Len(t, applier.events, 1)
}

func TestStripeWebhook_UnknownEventTypeForwarded(t *testing.T) {
	applier := &mockApplier{}
	h := NewStripeWebhookHandler(&mockVerifier{}, applier, &mockFetcher{}, "whsec_test", nil)

	rec := postWebhook(h, `{"id":"evt_5","type":"customer.created","data":{"object":{}}}`, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, applier.events, 1, "unknown types still reach the reconciler for dedup and logging")
	assert.Equal(t, "customer.created", applier.events[0].Type)
}
