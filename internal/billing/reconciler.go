package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"fincoach/internal/db"
	"fincoach/internal/types"
)

// Event types the reconciler acts on. Anything else is acknowledged
// and dropped so the provider stops retrying it.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"

	// Older Stripe API versions emit this instead of invoice.paid.
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
)

// Reconciler applies provider webhook events to local subscription
// state. Each event runs in one transaction together with its dedup
// marker: a replayed delivery finds the marker and becomes a no-op, a
// crashed delivery leaves no marker and replays cleanly.
type Reconciler struct {
	store   TxStore
	catalog *Catalog
	manager *Manager
	logger  *slog.Logger
	now     func() time.Time
}

func NewReconciler(store TxStore, catalog *Catalog, manager *Manager, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:   store,
		catalog: catalog,
		manager: manager,
		logger:  logger,
		now:     time.Now,
	}
}

// Apply processes one verified event. It returns nil both for applied
// events and for events it deliberately ignores (duplicates, unknown
// types, events for unknown customers); the webhook handler translates
// nil into a 200 so the provider stops redelivering.
func (r *Reconciler) Apply(ctx context.Context, event types.BillingEvent) error {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	claimed, err := db.NewBillingEventRepo(tx).MarkProcessed(ctx, event.ID, event.Type)
	if err != nil {
		return err
	}
	if !claimed {
		r.logger.Info("skipping duplicate billing event", "event_id", event.ID, "type", event.Type)
		return nil
	}

	var after func()
	switch event.Type {
	case EventCheckoutCompleted:
		after, err = r.applyCheckoutCompleted(ctx, tx, event)
	case EventSubscriptionUpdated:
		err = r.applySubscriptionUpdated(ctx, tx, event)
	case EventSubscriptionDeleted:
		err = r.applySubscriptionDeleted(ctx, tx, event)
	case EventInvoicePaid, EventInvoicePaymentSucceeded:
		err = r.applyInvoicePaid(ctx, tx, event)
	case EventInvoicePaymentFailed:
		err = r.applyInvoicePaymentFailed(ctx, tx, event)
	default:
		r.logger.Info("ignoring unhandled billing event type", "event_id", event.ID, "type", event.Type)
	}
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit billing event", err)
	}
	if after != nil {
		after()
	}
	return nil
}

func (r *Reconciler) applyCheckoutCompleted(ctx context.Context, tx pgx.Tx, event types.BillingEvent) (func(), error) {
	userID, err := db.NewUserRepo(tx).GetIDByStripeCustomerID(ctx, event.CustomerID)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		r.logger.Warn("checkout completed for unknown customer",
			"event_id", event.ID, "stripe_customer_id", event.CustomerID)
		return nil, nil
	}

	plan, err := r.catalog.PlanByStripePriceID(ctx, event.PriceID)
	if err != nil {
		return nil, err
	}

	cycle := types.CycleMonthly
	if plan.StripePriceIDYearly != "" && event.PriceID == plan.StripePriceIDYearly {
		cycle = types.CycleYearly
	}

	return r.manager.Activate(ctx, tx, userID, plan, cycle,
		event.CustomerID, event.SubscriptionID, event.PeriodEnd)
}

func (r *Reconciler) applySubscriptionUpdated(ctx context.Context, tx pgx.Tx, event types.BillingEvent) error {
	status := mapRemoteStatus(event.RemoteStatus)

	var planID string
	if event.PriceID != "" {
		plan, err := r.catalog.PlanByStripePriceID(ctx, event.PriceID)
		if err == nil {
			planID = plan.ID
		} else {
			r.logger.Warn("subscription updated with unknown price",
				"event_id", event.ID, "price_id", event.PriceID)
		}
	}

	updated, err := db.NewSubscriptionRepo(tx, r.logger).UpdateStatus(ctx, event.SubscriptionID, status, planID, event.PeriodEnd)
	if err != nil {
		return err
	}
	if !updated {
		r.logger.Warn("subscription update for unknown subscription",
			"event_id", event.ID, "stripe_subscription_id", event.SubscriptionID)
	}
	return nil
}

func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, tx pgx.Tx, event types.BillingEvent) error {
	updated, err := db.NewSubscriptionRepo(tx, r.logger).UpdateStatus(ctx, event.SubscriptionID, types.SubStatusCancelled, "", nil)
	if err != nil {
		return err
	}
	if !updated {
		r.logger.Warn("subscription deletion for unknown subscription",
			"event_id", event.ID, "stripe_subscription_id", event.SubscriptionID)
	}
	return nil
}

func (r *Reconciler) applyInvoicePaid(ctx context.Context, tx pgx.Tx, event types.BillingEvent) error {
	if event.SubscriptionID == "" || event.PeriodEnd == nil {
		// One-off invoices carry no subscription period.
		return nil
	}
	updated, err := db.NewSubscriptionRepo(tx, r.logger).ExtendPeriod(ctx, event.SubscriptionID, *event.PeriodEnd)
	if err != nil {
		return err
	}
	if !updated {
		r.logger.Info("invoice paid for inactive or unknown subscription",
			"event_id", event.ID, "stripe_subscription_id", event.SubscriptionID)
	}
	return nil
}

func (r *Reconciler) applyInvoicePaymentFailed(ctx context.Context, tx pgx.Tx, event types.BillingEvent) error {
	if event.SubscriptionID == "" {
		return nil
	}
	failedAt := event.Created
	if failedAt.IsZero() {
		failedAt = r.now()
	}
	_, err := db.NewSubscriptionRepo(tx, r.logger).MarkPaymentFailed(ctx, event.SubscriptionID, failedAt)
	return err
}

// mapRemoteStatus translates provider subscription statuses into local
// ones. Dunning states (past_due, unpaid) keep the subscription ACTIVE
// locally; entitlement loss comes from the eventual deletion event.
func mapRemoteStatus(remote string) types.SubscriptionStatus {
	switch remote {
	case "canceled", "incomplete_expired":
		return types.SubStatusCancelled
	case "trialing":
		return types.SubStatusTrial
	default:
		return types.SubStatusActive
	}
}
