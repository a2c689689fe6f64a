// Package billing implements the entitlement engine: the plan catalog,
// usage metering, feature access evaluation, and the subscription
// lifecycle state machine.
package billing

import (
	"context"
	"strings"
	"sync"
	"time"

	"fincoach/internal/types"
)

// PlanStore is the slice of the plan repository the catalog needs.
type PlanStore interface {
	ListActive(ctx context.Context) ([]*types.Plan, error)
	GetByStripePriceID(ctx context.Context, priceID string) (*types.Plan, error)
}

// FlagStore is the slice of the feature flag repository the catalog needs.
type FlagStore interface {
	List(ctx context.Context) ([]*types.FeatureFlag, error)
}

// FreePlanName is the catalog entry every user without a live
// subscription resolves to.
const FreePlanName = "FREE"

// Catalog serves plan and feature flag definitions from a TTL cache.
// Plans change rarely; a short TTL keeps the hot entitlement path off
// the database while letting catalog edits land within seconds.
type Catalog struct {
	plans PlanStore
	flags FlagStore
	ttl   time.Duration
	now   func() time.Time

	mu        sync.RWMutex
	snapshot  *catalogSnapshot
	expiresAt time.Time
}

type catalogSnapshot struct {
	plans       []*types.Plan
	plansByName map[string]*types.Plan
	flagsByName map[string]*types.FeatureFlag
}

func NewCatalog(plans PlanStore, flags FlagStore, ttl time.Duration) *Catalog {
	return &Catalog{
		plans: plans,
		flags: flags,
		ttl:   ttl,
		now:   time.Now,
	}
}

// ActivePlans returns all active plans ordered by tier level.
func (c *Catalog) ActivePlans(ctx context.Context) ([]*types.Plan, error) {
	snap, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.plans, nil
}

// PlanByName resolves a plan by its canonical name (case-insensitive).
func (c *Catalog) PlanByName(ctx context.Context, name string) (*types.Plan, error) {
	snap, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	plan, ok := snap.plansByName[strings.ToUpper(name)]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "unknown plan: "+name, nil)
	}
	return plan, nil
}

// FreePlan returns the free tier, which must exist in the catalog.
func (c *Catalog) FreePlan(ctx context.Context) (*types.Plan, error) {
	return c.PlanByName(ctx, FreePlanName)
}

// FlagByName resolves a feature flag, or (nil, nil) when no flag with
// that name exists. The evaluator fails closed on the nil case.
func (c *Catalog) FlagByName(ctx context.Context, name string) (*types.FeatureFlag, error) {
	snap, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.flagsByName[name], nil
}

// PlanByStripePriceID maps a provider price back to a catalog plan. This
// bypasses the cache: it only runs on webhook deliveries, and a plan
// whose price was just configured must resolve immediately.
func (c *Catalog) PlanByStripePriceID(ctx context.Context, priceID string) (*types.Plan, error) {
	return c.plans.GetByStripePriceID(ctx, priceID)
}

// Invalidate drops the cached snapshot so the next read refreshes.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.snapshot = nil
	c.mu.Unlock()
}

func (c *Catalog) load(ctx context.Context) (*catalogSnapshot, error) {
	c.mu.RLock()
	if c.snapshot != nil && c.now().Before(c.expiresAt) {
		snap := c.snapshot
		c.mu.RUnlock()
		return snap, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot != nil && c.now().Before(c.expiresAt) {
		return c.snapshot, nil
	}

	plans, err := c.plans.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	flags, err := c.flags.List(ctx)
	if err != nil {
		return nil, err
	}

	snap := &catalogSnapshot{
		plans:       plans,
		plansByName: make(map[string]*types.Plan, len(plans)),
		flagsByName: make(map[string]*types.FeatureFlag, len(flags)),
	}
	for _, p := range plans {
		snap.plansByName[strings.ToUpper(p.Name)] = p
	}
	for _, f := range flags {
		snap.flagsByName[f.Name] = f
	}

	c.snapshot = snap
	c.expiresAt = c.now().Add(c.ttl)
	return snap, nil
}
