package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"fincoach/internal/types"
)

// planColumns is the shared select list for plan queries.
const planColumns = `id, name, display_name, description, tier_level,
	price_monthly_cents, price_yearly_cents,
	stripe_price_id_monthly, stripe_price_id_yearly,
	feature_limits, is_active, created_at, updated_at`

// PlanRepo provides read access to the plans table. Plans are reference
// data from the engine's perspective: administrative updates happen
// elsewhere, and plans are deactivated rather than deleted.
type PlanRepo struct {
	db DBTX
}

// NewPlanRepo creates a PlanRepo backed by the given database connection
// (pool or transaction).
func NewPlanRepo(db DBTX) *PlanRepo {
	return &PlanRepo{db: db}
}

// ListActive returns all active plans ordered by tier level ascending.
func (r *PlanRepo) ListActive(ctx context.Context) ([]*types.Plan, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+planColumns+`
		 FROM plans
		 WHERE is_active = TRUE
		 ORDER BY tier_level ASC`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list active plans", err)
	}
	defer rows.Close()

	var plans []*types.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan plan row", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating plan rows", err)
	}

	return plans, nil
}

// GetByStripePriceID resolves a billing-provider price ID to the local
// plan carrying it for either cycle. Used by the webhook reconciler to
// map a remote subscription back onto the catalog.
func (r *PlanRepo) GetByStripePriceID(ctx context.Context, priceID string) (*types.Plan, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+planColumns+`
		 FROM plans
		 WHERE stripe_price_id_monthly = $1 OR stripe_price_id_yearly = $1`,
		priceID)

	p, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "no plan configured for price "+priceID, nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve plan by price", err)
	}
	return p, nil
}

// scanPlan reads one plan row from either a pgx.Row or pgx.Rows.
func scanPlan(row pgx.Row) (*types.Plan, error) {
	var p types.Plan
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.DisplayName,
		&p.Description,
		&p.TierLevel,
		&p.PriceMonthlyCents,
		&p.PriceYearlyCents,
		&p.StripePriceIDMonthly,
		&p.StripePriceIDYearly,
		&p.FeatureLimits,
		&p.IsActive,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
