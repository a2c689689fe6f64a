package db

import (
	"context"
	"time"

	"fincoach/internal/types"
)

// BillingEventRepo records which provider webhook events have already
// been applied. The marker insert runs inside the same transaction as
// the event's state changes, so a replayed event either finds the
// marker and does nothing, or re-runs the whole transaction.
type BillingEventRepo struct {
	db DBTX
}

func NewBillingEventRepo(db DBTX) *BillingEventRepo {
	return &BillingEventRepo{db: db}
}

// MarkProcessed claims the event ID. Returns true when this call claimed
// it, false when a previous delivery already did.
func (r *BillingEventRepo) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO billing_events (event_id, event_type, processed_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark billing event", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteOlderThan prunes event markers processed before the cutoff.
// Stripe retries deliveries for days, not months, so old markers are
// safe to drop.
func (r *BillingEventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM billing_events
		 WHERE event_id IN (
		   SELECT event_id FROM billing_events
		   WHERE processed_at < $1
		   LIMIT $2
		 )`,
		cutoff, limit)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune billing events", err)
	}
	return int(tag.RowsAffected()), nil
}
