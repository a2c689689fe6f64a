package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"fincoach/internal/types"
)

// UsageRepo manages per-user, per-feature usage counters. Each row
// covers one reset period; increments are atomic upserts so concurrent
// recordings never lose counts.
type UsageRepo struct {
	db DBTX
}

func NewUsageRepo(db DBTX) *UsageRepo {
	return &UsageRepo{db: db}
}

// Increment bumps the counter for (user, feature) in the period starting
// at periodStart and returns the count after the increment. The upsert
// keyed on (user_id, feature, period_start) makes the read-modify-write
// a single atomic statement.
func (r *UsageRepo) Increment(ctx context.Context, userID, feature string, periodStart, periodEnd time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`INSERT INTO usage_records (user_id, feature, count, period_start, period_end, created_at)
		 VALUES ($1, $2, 1, $3, $4, NOW())
		 ON CONFLICT (user_id, feature, period_start)
		 DO UPDATE SET count = usage_records.count + 1
		 RETURNING count`,
		userID, feature, periodStart, periodEnd).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to increment usage", err)
	}
	return count, nil
}

// CurrentCount returns the counter for (user, feature) in the period
// starting at periodStart. A missing row means no usage yet and reads
// as zero.
func (r *UsageRepo) CurrentCount(ctx context.Context, userID, feature string, periodStart time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT count FROM usage_records
		 WHERE user_id = $1 AND feature = $2 AND period_start = $3`,
		userID, feature, periodStart).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to read usage count", err)
	}
	return count, nil
}

// DeleteElapsedBefore removes usage rows whose period ended before the
// cutoff, in batches. Returns the number of rows removed.
func (r *UsageRepo) DeleteElapsedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM usage_records
		 WHERE id IN (
		   SELECT id FROM usage_records
		   WHERE period_end < $1
		   LIMIT $2
		 )`,
		cutoff, limit)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune usage records", err)
	}
	return int(tag.RowsAffected()), nil
}
