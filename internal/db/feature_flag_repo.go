package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"fincoach/internal/types"
)

const flagColumns = `id, name, enabled, required_plan, rollout_percentage,
	description, created_at, updated_at`

// FeatureFlagRepo provides read access to the feature_flags table.
// Flags are read on every entitlement evaluation; the catalog layer
// caches them with a bounded TTL so changes still take effect quickly.
type FeatureFlagRepo struct {
	db DBTX
}

// NewFeatureFlagRepo creates a FeatureFlagRepo backed by the given
// database connection (pool or transaction).
func NewFeatureFlagRepo(db DBTX) *FeatureFlagRepo {
	return &FeatureFlagRepo{db: db}
}

// List returns all feature flags. Used by the catalog cache refresh.
func (r *FeatureFlagRepo) List(ctx context.Context) ([]*types.FeatureFlag, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+flagColumns+`
		 FROM feature_flags
		 ORDER BY name ASC`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list feature flags", err)
	}
	defer rows.Close()

	var flags []*types.FeatureFlag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan feature flag row", err)
		}
		flags = append(flags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating feature flag rows", err)
	}

	return flags, nil
}

func scanFlag(row pgx.Row) (*types.FeatureFlag, error) {
	var f types.FeatureFlag
	err := row.Scan(
		&f.ID,
		&f.Name,
		&f.Enabled,
		&f.RequiredPlan,
		&f.RolloutPercentage,
		&f.Description,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
