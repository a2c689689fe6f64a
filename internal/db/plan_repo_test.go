package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"fincoach/internal/types"
)

// mockRows serves a fixed sequence of scan callbacks through the
// pgx.Rows interface.
type mockRows struct {
	scans  []func(dest ...any) error
	idx    int
	rowErr error
}

func (r *mockRows) Close()                                       {}
func (r *mockRows) Err() error                                   { return r.rowErr }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) Next() bool                                   { return r.idx < len(r.scans) }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

func (r *mockRows) Scan(dest ...any) error {
	fn := r.scans[r.idx]
	r.idx++
	return fn(dest...)
}

func planScan(p types.Plan) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = p.ID
		*(dest[1].(*string)) = p.Name
		*(dest[2].(*string)) = p.DisplayName
		*(dest[3].(*string)) = p.Description
		*(dest[4].(*int)) = p.TierLevel
		*(dest[5].(*int64)) = p.PriceMonthlyCents
		*(dest[6].(*int64)) = p.PriceYearlyCents
		*(dest[7].(*string)) = p.StripePriceIDMonthly
		*(dest[8].(*string)) = p.StripePriceIDYearly
		*(dest[9].(*types.FeatureLimits)) = p.FeatureLimits
		*(dest[10].(*bool)) = p.IsActive
		*(dest[11].(*time.Time)) = p.CreatedAt
		*(dest[12].(*time.Time)) = p.UpdatedAt
		return nil
	}
}

func TestPlanRepo_ListActive(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewPlanRepo(dbtx)

	rows := &mockRows{scans: []func(dest ...any) error{
		planScan(types.Plan{ID: "plan_free", Name: "FREE", TierLevel: 1, IsActive: true}),
		planScan(types.Plan{
			ID: "plan_premium", Name: "PREMIUM", TierLevel: 2, IsActive: true,
			FeatureLimits: types.FeatureLimits{"ai_coach_message": 100},
		}),
	}}
	var capturedSQL string
	dbtx.On("Query", mock.Anything, mock.MatchedBy(func(sql string) bool {
		capturedSQL = sql
		return true
	}), mock.Anything).Return(rows, nil)

	plans, err := repo.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "FREE", plans[0].Name)
	assert.Equal(t, 100, plans[1].FeatureLimits["ai_coach_message"])
	assert.Contains(t, capturedSQL, "is_active = TRUE")
	assert.Contains(t, capturedSQL, "ORDER BY tier_level")
}

func TestPlanRepo_GetByStripePriceID_NotFound(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewPlanRepo(dbtx)

	dbtx.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByStripePriceID(context.Background(), "price_unknown")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundPlan, appErr.Code)
}

func TestPlanRepo_GetByStripePriceID_MatchesEitherCycle(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewPlanRepo(dbtx)

	var capturedSQL string
	var capturedArgs []any
	dbtx.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		capturedSQL = sql
		return true
	}), mock.MatchedBy(func(args []any) bool {
		capturedArgs = args
		return true
	})).Return(&mockRow{scanFn: planScan(types.Plan{
		ID: "plan_premium", Name: "PREMIUM", StripePriceIDYearly: "price_premium_y", IsActive: true,
	})})

	plan, err := repo.GetByStripePriceID(context.Background(), "price_premium_y")
	require.NoError(t, err)
	assert.Equal(t, "PREMIUM", plan.Name)
	assert.Contains(t, capturedSQL, "stripe_price_id_monthly = $1 OR stripe_price_id_yearly = $1")
	require.Len(t, capturedArgs, 1)
	assert.Equal(t, "price_premium_y", capturedArgs[0])
}
