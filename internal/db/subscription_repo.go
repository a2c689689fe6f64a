package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"fincoach/internal/types"
)

// subColumns is the shared select list for subscription queries. The
// plan name and tier level are joined in so entitlement checks never
// need a second round trip.
const subColumns = `s.id, s.user_id, s.plan_id, p.name, p.tier_level,
	s.status, s.billing_cycle, s.start_date, s.end_date, s.trial_end_date,
	s.cancelled_at, s.payment_failed_at,
	s.stripe_customer_id, s.stripe_subscription_id,
	s.auto_renew, s.created_at, s.updated_at`

// SubscriptionRepo manages the subscriptions table.
//
// Key invariants:
//   - At most one row per user may be ACTIVE or TRIAL; transitions for a
//     single user serialize via LockLiveByUser (SELECT ... FOR UPDATE)
//     inside the lifecycle manager's transaction.
//   - Rows are never deleted; cancelled subscriptions remain as history.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

// GetLiveByUser returns the user's ACTIVE or TRIAL subscription, or
// (nil, nil) when the user has none. A user with no live row is
// implicitly on the free plan; the caller handles that default.
func (r *SubscriptionRepo) GetLiveByUser(ctx context.Context, userID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subColumns+`
		 FROM subscriptions s
		 JOIN plans p ON p.id = s.plan_id
		 WHERE s.user_id = $1
		   AND s.status IN ('ACTIVE', 'TRIAL')
		 ORDER BY s.created_at DESC
		 LIMIT 1`,
		userID)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get live subscription", err)
	}
	return sub, nil
}

// LockLiveByUser is GetLiveByUser with a row lock. It must run inside a
// transaction; the lock serializes subscription transitions for one user
// so a checkout webhook racing a user-initiated cancel cannot produce
// two simultaneously ACTIVE rows.
func (r *SubscriptionRepo) LockLiveByUser(ctx context.Context, userID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subColumns+`
		 FROM subscriptions s
		 JOIN plans p ON p.id = s.plan_id
		 WHERE s.user_id = $1
		   AND s.status IN ('ACTIVE', 'TRIAL')
		 ORDER BY s.created_at DESC
		 LIMIT 1
		 FOR UPDATE OF s`,
		userID)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to lock live subscription", err)
	}
	return sub, nil
}

// LockUser serializes subscription transitions for one user within the
// calling transaction. A row lock alone cannot do this: a first-time
// subscriber has no row for FOR UPDATE to grab, so two concurrent
// activations would each read nothing and each insert a live row. The
// advisory lock is transaction-scoped and releases on commit or
// rollback. Must run inside a transaction, before the live-row read.
func (r *SubscriptionRepo) LockUser(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to serialize subscription transitions", err)
	}
	return nil
}

// GetByStripeSubscriptionID returns the subscription carrying the given
// remote identifier, or (nil, nil) if none does.
func (r *SubscriptionRepo) GetByStripeSubscriptionID(ctx context.Context, stripeSubID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subColumns+`
		 FROM subscriptions s
		 JOIN plans p ON p.id = s.plan_id
		 WHERE s.stripe_subscription_id = $1
		 ORDER BY s.created_at DESC
		 LIMIT 1`,
		stripeSubID)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get subscription by remote id", err)
	}
	return sub, nil
}

// Insert persists a new subscription row.
func (r *SubscriptionRepo) Insert(ctx context.Context, sub *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions
		 (id, user_id, plan_id, status, billing_cycle, start_date, end_date,
		  trial_end_date, cancelled_at, stripe_customer_id,
		  stripe_subscription_id, auto_renew, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())`,
		sub.ID,
		sub.UserID,
		sub.PlanID,
		sub.Status,
		sub.BillingCycle,
		sub.StartDate,
		sub.EndDate,
		sub.TrialEndDate,
		sub.CancelledAt,
		sub.StripeCustomerID,
		sub.StripeSubscriptionID,
		sub.AutoRenew,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert subscription", err)
	}
	return nil
}

// MarkCancelled transitions a subscription to CANCELLED with the given
// timestamp and turns auto-renew off.
func (r *SubscriptionRepo) MarkCancelled(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'CANCELLED',
		     cancelled_at = $1,
		     auto_renew = FALSE,
		     updated_at = NOW()
		 WHERE id = $2`,
		at, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to cancel subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// MarkExpired transitions a subscription to EXPIRED. Used when a
// transition finds a live-status row whose dates have already elapsed
// and closes it out instead of leaving a second live-status row behind.
func (r *SubscriptionRepo) MarkExpired(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'EXPIRED',
		     updated_at = NOW()
		 WHERE id = $1`,
		id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to expire subscription", err)
	}
	return nil
}

// UpdateStatus applies a remote-driven status/plan/end-date change to
// the row carrying the given Stripe subscription ID. Fields with zero
// values are left untouched via COALESCE/NULLIF so the reconciler can
// apply partial updates. Returns (false, nil) when no local row carries
// the remote ID; the webhook handler logs and drops that case.
func (r *SubscriptionRepo) UpdateStatus(
	ctx context.Context,
	stripeSubID string,
	status types.SubscriptionStatus,
	planID string,
	endDate *time.Time,
) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $1,
		     plan_id = COALESCE(NULLIF($2, ''), plan_id),
		     end_date = COALESCE($3, end_date),
		     cancelled_at = CASE WHEN $1 = 'CANCELLED' AND cancelled_at IS NULL
		                         THEN NOW() ELSE cancelled_at END,
		     auto_renew = CASE WHEN $1 = 'CANCELLED' THEN FALSE ELSE auto_renew END,
		     updated_at = NOW()
		 WHERE stripe_subscription_id = $4`,
		status, planID, endDate, stripeSubID)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription status", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ExtendPeriod advances the end date of a renewed subscription and
// clears any dunning marker. Called when an invoice is paid.
func (r *SubscriptionRepo) ExtendPeriod(ctx context.Context, stripeSubID string, periodEnd time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET end_date = $1,
		     payment_failed_at = NULL,
		     updated_at = NOW()
		 WHERE stripe_subscription_id = $2
		   AND status = 'ACTIVE'`,
		periodEnd, stripeSubID)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to extend subscription period", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkPaymentFailed records the dunning state for a subscription. The
// subscription stays ACTIVE; downgrade decisions happen against the
// provider's subsequent subscription.updated/deleted events.
func (r *SubscriptionRepo) MarkPaymentFailed(ctx context.Context, stripeSubID string, failedAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET payment_failed_at = $1,
		     updated_at = NOW()
		 WHERE stripe_subscription_id = $2`,
		failedAt, stripeSubID)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record payment failure", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ExpireStale flips live-status rows whose dates have passed to
// EXPIRED, in batches: ACTIVE rows past their end date and TRIAL rows
// past their trial end. This is a reporting convenience: IsLive already
// derives expiry at read time, so correctness never depends on this
// sweep.
func (r *SubscriptionRepo) ExpireStale(ctx context.Context, now time.Time, limit int) (int, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'EXPIRED',
		     updated_at = NOW()
		 WHERE id IN (
		   SELECT id FROM subscriptions
		   WHERE (status = 'ACTIVE' AND end_date IS NOT NULL AND end_date < $1)
		      OR (status = 'TRIAL' AND trial_end_date IS NOT NULL AND trial_end_date < $1)
		   LIMIT $2
		 )`,
		now, limit)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to expire stale subscriptions", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.PlanID,
		&s.PlanName,
		&s.PlanTierLevel,
		&s.Status,
		&s.BillingCycle,
		&s.StartDate,
		&s.EndDate,
		&s.TrialEndDate,
		&s.CancelledAt,
		&s.PaymentFailedAt,
		&s.StripeCustomerID,
		&s.StripeSubscriptionID,
		&s.AutoRenew,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
