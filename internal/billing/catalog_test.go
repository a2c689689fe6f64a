package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fincoach/internal/types"
)

type countingPlanStore struct {
	fakePlanStore
	listCalls  int
	priceCalls int
}

func (s *countingPlanStore) ListActive(ctx context.Context) ([]*types.Plan, error) {
	s.listCalls++
	return s.fakePlanStore.ListActive(ctx)
}

func (s *countingPlanStore) GetByStripePriceID(ctx context.Context, priceID string) (*types.Plan, error) {
	s.priceCalls++
	return s.fakePlanStore.GetByStripePriceID(ctx, priceID)
}

func newTestCatalog(ttl time.Duration) (*Catalog, *countingPlanStore) {
	store := &countingPlanStore{fakePlanStore: fakePlanStore{plans: []*types.Plan{testFreePlan, testPremiumPlan, testProPlan}}}
	return NewCatalog(store, &fakeFlagStore{flags: []*types.FeatureFlag{enabledFlag("budget_create")}}, ttl), store
}

func TestCatalog_CachesWithinTTL(t *testing.T) {
	catalog, store := newTestCatalog(5 * time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		plans, err := catalog.ActivePlans(ctx)
		require.NoError(t, err)
		assert.Len(t, plans, 3)
	}
	assert.Equal(t, 1, store.listCalls, "repeated reads within the TTL must hit the snapshot")
}

func TestCatalog_RefreshesAfterTTL(t *testing.T) {
	catalog, store := newTestCatalog(time.Minute)
	ctx := context.Background()

	clock := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	catalog.now = func() time.Time { return clock }

	_, err := catalog.ActivePlans(ctx)
	require.NoError(t, err)
	_, err = catalog.ActivePlans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, store.listCalls)

	clock = clock.Add(2 * time.Minute)
	_, err = catalog.ActivePlans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, store.listCalls)
}

func TestCatalog_InvalidateForcesRefresh(t *testing.T) {
	catalog, store := newTestCatalog(time.Hour)
	ctx := context.Background()

	_, err := catalog.ActivePlans(ctx)
	require.NoError(t, err)
	catalog.Invalidate()
	_, err = catalog.ActivePlans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, store.listCalls)
}

func TestCatalog_PlanByNameIsCaseInsensitive(t *testing.T) {
	catalog, _ := newTestCatalog(time.Minute)
	ctx := context.Background()

	for _, name := range []string{"premium", "PREMIUM", "Premium"} {
		plan, err := catalog.PlanByName(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, "PREMIUM", plan.Name)
	}
}

func TestCatalog_UnknownPlanName(t *testing.T) {
	catalog, _ := newTestCatalog(time.Minute)

	_, err := catalog.PlanByName(context.Background(), "PLATINUM")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundPlan, appErr.Code)
}

func TestCatalog_FreePlan(t *testing.T) {
	catalog, _ := newTestCatalog(time.Minute)

	plan, err := catalog.FreePlan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FreePlanName, plan.Name)
}

func TestCatalog_UnknownFlagIsNilNotError(t *testing.T) {
	catalog, _ := newTestCatalog(time.Minute)

	flag, err := catalog.FlagByName(context.Background(), "no_such_flag")
	require.NoError(t, err)
	assert.Nil(t, flag)
}

func TestCatalog_PlanByStripePriceIDBypassesCache(t *testing.T) {
	catalog, store := newTestCatalog(time.Hour)
	ctx := context.Background()

	plan, err := catalog.PlanByStripePriceID(ctx, "price_premium_m")
	require.NoError(t, err)
	assert.Equal(t, "PREMIUM", plan.Name)
	_, err = catalog.PlanByStripePriceID(ctx, "price_premium_m")
	require.NoError(t, err)
	assert.Equal(t, 2, store.priceCalls)
	assert.Zero(t, store.listCalls, "price lookups must not warm the snapshot")
}
