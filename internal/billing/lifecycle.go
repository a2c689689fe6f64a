package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"fincoach/internal/db"
	"fincoach/internal/types"
)

// Gateway is the billing provider surface the lifecycle manager needs.
// The Stripe client in internal/external implements it.
type Gateway interface {
	CreateCustomer(ctx context.Context, email, name string) (string, error)
	CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (string, error)
	CancelSubscription(ctx context.Context, stripeSubID string) error
}

// TxStore is a database handle that can run statements directly and
// open transactions. *pgxpool.Pool satisfies it.
type TxStore interface {
	db.DBTX
	db.TxBeginner
}

// ManagerConfig carries the tunables of the lifecycle manager.
type ManagerConfig struct {
	TrialDays   int
	FrontendURL string
}

// Manager drives subscription state transitions. All transitions for a
// user run inside a transaction holding an advisory lock on the user
// ID (plus a row lock on any live subscription), so concurrent
// upgrades, cancels and webhook deliveries serialize instead of racing
// even when the user has no row yet.
//
// Provider calls never run inside those transactions. Checkout sessions
// are created before any local write (the webhook creates the local
// row), and remote cancels of displaced subscriptions run best-effort
// after commit.
type Manager struct {
	store   TxStore
	catalog *Catalog
	gateway Gateway
	cfg     ManagerConfig
	logger  *slog.Logger
	now     func() time.Time
}

func NewManager(store TxStore, catalog *Catalog, gateway Gateway, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		catalog: catalog,
		gateway: gateway,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// LiveSubscription returns the user's current ACTIVE or TRIAL
// subscription, or nil when the user is on the implicit free tier. A
// stored row whose end date has passed reads as nil; expiry is derived
// at read time, the background sweep only catches the status column up.
func (m *Manager) LiveSubscription(ctx context.Context, userID string) (*types.Subscription, error) {
	sub, err := db.NewSubscriptionRepo(m.store, m.logger).GetLiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil || !sub.IsLive(m.now()) {
		return nil, nil
	}
	return sub, nil
}

// PlanForUser resolves the plan a user is entitled to. Users without a
// live subscription are on the free plan.
func (m *Manager) PlanForUser(ctx context.Context, userID string) (*types.Plan, error) {
	sub, err := m.LiveSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return m.catalog.FreePlan(ctx)
	}
	plan, err := m.catalog.PlanByName(ctx, sub.PlanName)
	if err != nil {
		// The subscription references a plan the catalog no longer
		// serves. Degrade to free rather than failing every request.
		m.logger.Warn("live subscription references unknown plan",
			"user_id", userID, "plan", sub.PlanName)
		return m.catalog.FreePlan(ctx)
	}
	return plan, nil
}

// StartCheckout creates a provider checkout session for the given plan
// and cycle and returns its URL. No local subscription is written here;
// the checkout.session.completed webhook creates it once payment
// settles.
func (m *Manager) StartCheckout(ctx context.Context, userID, planName string, cycle types.BillingCycle) (string, error) {
	plan, err := m.catalog.PlanByName(ctx, planName)
	if err != nil {
		return "", err
	}
	priceID := plan.StripePriceID(cycle)
	if priceID == "" {
		return "", types.NewAppError(types.ErrCodeBillingPriceNotConfigured,
			"plan "+plan.Name+" has no price configured for cycle "+string(cycle), nil)
	}

	users := db.NewUserRepo(m.store)
	info, err := users.GetBillingInfo(ctx, userID)
	if err != nil {
		return "", err
	}
	customerID := info.StripeCustomerID
	if customerID == "" {
		customerID, err = m.gateway.CreateCustomer(ctx, info.Email, info.Name)
		if err != nil {
			return "", err
		}
		if err := users.SetStripeCustomerID(ctx, userID, customerID); err != nil {
			return "", err
		}
	}

	successURL := m.cfg.FrontendURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}"
	cancelURL := m.cfg.FrontendURL + "/billing/cancelled"
	return m.gateway.CreateCheckoutSession(ctx, customerID, priceID, successURL, cancelURL)
}

// Activate records a paid subscription for the user, displacing any
// prior live subscription. Called by the reconciler when a checkout
// completes; tx is the reconciler's transaction, which already holds
// the event dedup marker.
//
// The displaced subscription's remote counterpart is cancelled
// best-effort after the caller commits, via the returned cleanup
// function (nil when nothing was displaced).
func (m *Manager) Activate(
	ctx context.Context,
	tx pgx.Tx,
	userID string,
	plan *types.Plan,
	cycle types.BillingCycle,
	stripeCustomerID, stripeSubID string,
	periodEnd *time.Time,
) (func(), error) {
	subs := db.NewSubscriptionRepo(tx, m.logger)

	if err := subs.LockUser(ctx, userID); err != nil {
		return nil, err
	}
	prior, err := subs.LockLiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var displacedRemoteID string
	if prior != nil {
		if prior.StripeSubscriptionID == stripeSubID {
			// Replayed or out-of-order delivery for a subscription we
			// already activated.
			return nil, nil
		}
		if err := subs.MarkCancelled(ctx, prior.ID, now); err != nil {
			return nil, err
		}
		displacedRemoteID = prior.StripeSubscriptionID
	}

	sub := &types.Subscription{
		ID:                   uuid.NewString(),
		UserID:               userID,
		PlanID:               plan.ID,
		Status:               types.SubStatusActive,
		BillingCycle:         cycle,
		StartDate:            now,
		EndDate:              periodEnd,
		StripeCustomerID:     stripeCustomerID,
		StripeSubscriptionID: stripeSubID,
		AutoRenew:            true,
	}
	if err := subs.Insert(ctx, sub); err != nil {
		return nil, err
	}

	if displacedRemoteID == "" {
		return nil, nil
	}
	return func() { m.cancelRemote(displacedRemoteID) }, nil
}

// Cancel cancels the user's live subscription locally, then cancels the
// provider side best-effort. The local row is the source of truth for
// entitlements; a failed remote cancel is logged and retried by support
// tooling, it never blocks the user's cancellation.
func (m *Manager) Cancel(ctx context.Context, userID string) (*types.Subscription, error) {
	var cancelled *types.Subscription

	tx, err := m.store.Begin(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	subs := db.NewSubscriptionRepo(tx, m.logger)
	if err := subs.LockUser(ctx, userID); err != nil {
		return nil, err
	}
	sub, err := subs.LockLiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil || !sub.IsLive(m.now()) {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no active subscription to cancel", nil)
	}
	now := m.now()
	if err := subs.MarkCancelled(ctx, sub.ID, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to commit cancellation", err)
	}

	sub.Status = types.SubStatusCancelled
	sub.CancelledAt = &now
	sub.AutoRenew = false
	cancelled = sub

	if sub.StripeSubscriptionID != "" {
		m.cancelRemote(sub.StripeSubscriptionID)
	}
	return cancelled, nil
}

// StartTrial begins a trial of the given plan for a user with no live
// subscription. Users already on a live subscription get a conflict;
// trials never displace paid plans.
func (m *Manager) StartTrial(ctx context.Context, userID, planName string) (*types.Subscription, error) {
	plan, err := m.catalog.PlanByName(ctx, planName)
	if err != nil {
		return nil, err
	}

	tx, err := m.store.Begin(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	subs := db.NewSubscriptionRepo(tx, m.logger)
	if err := subs.LockUser(ctx, userID); err != nil {
		return nil, err
	}
	prior, err := subs.LockLiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		if prior.IsLive(m.now()) {
			return nil, types.NewAppError(types.ErrCodeConflictConcurrent,
				"user already has an active subscription", nil)
		}
		// A live-status row whose dates already elapsed: the sweeper
		// has not caught it up yet. Close it out so the user never
		// carries two live-status rows.
		if err := subs.MarkExpired(ctx, prior.ID); err != nil {
			return nil, err
		}
	}

	now := m.now()
	trialEnd := now.AddDate(0, 0, m.cfg.TrialDays)
	sub := &types.Subscription{
		ID:            uuid.NewString(),
		UserID:        userID,
		PlanID:        plan.ID,
		PlanName:      plan.Name,
		PlanTierLevel: plan.TierLevel,
		Status:        types.SubStatusTrial,
		BillingCycle:  types.CycleMonthly,
		StartDate:     now,
		TrialEndDate:  &trialEnd,
		AutoRenew:     false,
	}
	if err := subs.Insert(ctx, sub); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to commit trial", err)
	}
	return sub, nil
}

// cancelRemote cancels a provider subscription, logging failures.
// Uses a fresh context: the request that triggered the cancel may
// already be finishing.
func (m *Manager) cancelRemote(stripeSubID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := m.gateway.CancelSubscription(ctx, stripeSubID); err != nil {
		m.logger.Error("failed to cancel provider subscription",
			"stripe_subscription_id", stripeSubID, "error", err)
	}
}
