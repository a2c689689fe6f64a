package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"fincoach/internal/types"
)

// stripeAPIBase is the default Stripe API base URL, overridable in
// tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig configures a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string
	Logger    *slog.Logger
}

// StripeClient talks to the Stripe REST API directly through BaseClient
// so every call inherits the resilience stack and stays trivially
// testable with httptest. It implements billing.Gateway.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), "FinCoach/1.0")
	return newStripeClient(base, cfg)
}

// NewStripeClientWithBase injects a pre-built BaseClient, for tests
// that need control over retry timing or the breaker.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	return newStripeClient(base, cfg)
}

func newStripeClient(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// CreateCustomer creates a Stripe customer and returns its ID.
func (s *StripeClient) CreateCustomer(ctx context.Context, email, name string) (string, error) {
	params := url.Values{}
	params.Set("email", email)
	if name != "" {
		params.Set("name", name)
	}

	resp, err := s.doPost(ctx, "/v1/customers", params)
	if err != nil {
		return "", s.wrapTransportError("CreateCustomer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreateCustomer")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer response", err)
	}
	return customer.ID, nil
}

// CreateCheckoutSession creates a subscription-mode checkout session
// for the given customer and price and returns its hosted URL.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (string, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("mode", "subscription")
	params.Set("success_url", successURL)
	params.Set("cancel_url", cancelURL)
	params.Set("line_items[0][price]", priceID)
	params.Set("line_items[0][quantity]", "1")

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return "", s.wrapTransportError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response", err)
	}
	return session.URL, nil
}

// CancelSubscription cancels a subscription immediately. Cancelling a
// subscription Stripe no longer knows is treated as success.
func (s *StripeClient) CancelSubscription(ctx context.Context, stripeSubID string) error {
	resp, err := s.doDelete(ctx, "/v1/subscriptions/"+stripeSubID)
	if err != nil {
		return s.wrapTransportError("CancelSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		s.logger.Info("cancel of unknown stripe subscription treated as done",
			"stripe_subscription_id", stripeSubID)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "CancelSubscription")
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// GetSubscription fetches a subscription's current state, used by
// support tooling to reconcile disputes against provider truth.
func (s *StripeClient) GetSubscription(ctx context.Context, stripeSubID string) (*RemoteSubscription, error) {
	resp, err := s.doGet(ctx, "/v1/subscriptions/"+stripeSubID, nil)
	if err != nil {
		return nil, s.wrapTransportError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription,
			"stripe subscription not found: "+stripeSubID, nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription response", err)
	}
	return mapRemoteSubscription(&sub), nil
}

// RemoteSubscription is the provider-side view of a subscription.
type RemoteSubscription struct {
	ID                string
	Status            string
	PriceID           string
	Interval          string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time
}

func mapRemoteSubscription(sub *stripeSubscription) *RemoteSubscription {
	out := &RemoteSubscription{
		ID:                sub.ID,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:  time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}
	if len(sub.Items.Data) > 0 {
		out.PriceID = sub.Items.Data[0].Price.ID
		out.Interval = sub.Items.Data[0].Price.Recurring.Interval
	}
	return out
}

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

func (s *StripeClient) doDelete(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// stripeErrorResponse is the JSON error envelope Stripe returns.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamBilling,
			fmt.Sprintf("%s: Stripe returned status %d with unreadable body", operation, resp.StatusCode), readErr)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamBilling,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode), jsonErr)
	}
	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Message),
			nil,
			map[string]any{
				"decline_code": stripeErr.DeclineCode,
				"stripe_code":  stripeErr.Code,
			},
		)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation), nil)
	case statusCode >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message), nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamBilling,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message), nil)
	}
}

// wrapTransportError keeps AppErrors produced by BaseClient as-is and
// wraps raw transport failures.
func (s *StripeClient) wrapTransportError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamBilling,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err), err)
}

// Response shapes, trimmed to the fields this service reads.

type stripeCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeSubscription struct {
	ID                string                  `json:"id"`
	Status            string                  `json:"status"`
	CancelAtPeriodEnd bool                    `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64                   `json:"current_period_end"`
	Items             stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID        string          `json:"id"`
	Recurring stripeRecurring `json:"recurring"`
}

type stripeRecurring struct {
	Interval string `json:"interval"`
}

// StripeVerifier checks webhook signatures with stripe-go's HMAC and
// timestamp-tolerance validation.
type StripeVerifier struct{}

func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}
