package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fincoach/internal/types"
)

func newTestStripeClient(t *testing.T, handler http.HandlerFunc) (*StripeClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	base := NewBaseClient(server.Client(), "stripe-test", DefaultRetryPolicy(), "FinCoach/1.0",
		WithSleepFunc(func(time.Duration) {}))
	client := NewStripeClientWithBase(base, StripeClientConfig{
		SecretKey: "sk_test_123",
		BaseURL:   server.URL,
	})
	return client, server
}

func TestStripeClient_CreateCustomer(t *testing.T) {
	var gotAuth, gotVersion, gotEmail string
	client, _ := newTestStripeClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/customers", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("Stripe-Version")
		require.NoError(t, r.ParseForm())
		gotEmail = r.PostForm.Get("email")
		w.Write([]byte(`{"id":"cus_123","email":"jo@example.test"}`))
	})

	id, err := client.CreateCustomer(context.Background(), "jo@example.test", "Jo")
	require.NoError(t, err)
	assert.Equal(t, "cus_123", id)
	assert.Equal(t, "Bearer sk_test_123", gotAuth)
	assert.NotEmpty(t, gotVersion)
	assert.Equal(t, "jo@example.test", gotEmail)
}

func TestStripeClient_CreateCheckoutSession(t *testing.T) {
	client, _ := newTestStripeClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "subscription", r.PostForm.Get("mode"))
		assert.Equal(t, "cus_123", r.PostForm.Get("customer"))
		assert.Equal(t, "price_premium_m", r.PostForm.Get("line_items[0][price]"))
		assert.Equal(t, "1", r.PostForm.Get("line_items[0][quantity]"))
		w.Write([]byte(`{"id":"cs_123","url":"https://checkout.stripe.com/c/pay/cs_123"}`))
	})

	url, err := client.CreateCheckoutSession(context.Background(), "cus_123", "price_premium_m",
		"https://app.example.test/billing/success", "https://app.example.test/billing/cancelled")
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_123", url)
}

func TestStripeClient_CardDeclined(t *testing.T) {
	client, _ := newTestStripeClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}`))
	})

	_, err := client.CreateCheckoutSession(context.Background(), "cus_123", "price_premium_m", "s", "c")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodePaymentDeclined, appErr.Code)
	assert.Equal(t, "insufficient_funds", appErr.Details["decline_code"])
}

func TestStripeClient_CancelSubscription(t *testing.T) {
	var gotPath string
	client, _ := newTestStripeClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		gotPath = r.URL.Path
		w.Write([]byte(`{"id":"sub_123","status":"canceled"}`))
	})

	require.NoError(t, client.CancelSubscription(context.Background(), "sub_123"))
	assert.Equal(t, "/v1/subscriptions/sub_123", gotPath)
}

func TestStripeClient_CancelUnknownSubscriptionIsSuccess(t *testing.T) {
	client, _ := newTestStripeClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such subscription"}}`))
	})

	assert.NoError(t, client.CancelSubscription(context.Background(), "sub_gone"),
		"cancelling a subscription the provider already dropped is done, not an error")
}

func TestStripeClient_GetSubscription(t *testing.T) {
	client, _ := newTestStripeClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/subscriptions/sub_123", r.URL.Path)
		w.Write([]byte(`{
			"id": "sub_123",
			"status": "active",
			"cancel_at_period_end": false,
			"current_period_end": 1769904000,
			"items": {"data": [{"price": {"id": "price_premium_m", "recurring": {"interval": "month"}}}]}
		}`))
	})

	sub, err := client.GetSubscription(context.Background(), "sub_123")
	require.NoError(t, err)
	assert.Equal(t, "sub_123", sub.ID)
	assert.Equal(t, "active", sub.Status)
	assert.Equal(t, "price_premium_m", sub.PriceID)
	assert.Equal(t, "month", sub.Interval)
	assert.Equal(t, time.Unix(1769904000, 0).UTC(), sub.CurrentPeriodEnd)
}

func TestStripeClient_RetriesTransientServerErrors(t *testing.T) {
	attempts := 0
	client, _ := newTestStripeClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"message":"please retry"}}`))
			return
		}
		w.Write([]byte(`{"id":"cus_123"}`))
	})

	id, err := client.CreateCustomer(context.Background(), "jo@example.test", "")
	require.NoError(t, err)
	assert.Equal(t, "cus_123", id)
	assert.Equal(t, 3, attempts)
}

func TestStripeClient_RateLimitExhaustsRetries(t *testing.T) {
	attempts := 0
	client, _ := newTestStripeClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	})

	_, err := client.CreateCustomer(context.Background(), "jo@example.test", "")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamRateLimited, appErr.Code)
	assert.Equal(t, 3, attempts, "one initial attempt plus two retries")
}
