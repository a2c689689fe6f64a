package billing

import (
	"context"
	"fmt"
	"hash/fnv"

	"fincoach/internal/types"
)

// PlanResolver resolves the plan a user is currently entitled to. The
// lifecycle manager implements it; users without a live subscription
// resolve to the free plan.
type PlanResolver interface {
	PlanForUser(ctx context.Context, userID string) (*types.Plan, error)
}

// Evaluator answers feature access questions. Every decision combines
// three gates, in order: the feature flag (kill switch, tier
// requirement, rollout percentage), the plan's usage limit, and the
// current period's counter.
//
// Unknown features and lookup failures fail closed: an entitlement
// engine that cannot prove access must deny it.
type Evaluator struct {
	catalog  *Catalog
	meter    *Meter
	resolver PlanResolver
}

func NewEvaluator(catalog *Catalog, meter *Meter, resolver PlanResolver) *Evaluator {
	return &Evaluator{catalog: catalog, meter: meter, resolver: resolver}
}

// HasFeatureAccess reports whether the user's plan tier and the feature
// flag grant the feature at all, independent of usage limits.
func (e *Evaluator) HasFeatureAccess(ctx context.Context, userID, feature string) (bool, error) {
	d, err := e.checkFlag(ctx, userID, feature)
	if err != nil {
		return false, err
	}
	return d.HasAccess, nil
}

// CanUseFeature reports whether the user can use the feature right now,
// including the usage limit for the current period.
func (e *Evaluator) CanUseFeature(ctx context.Context, userID, feature string) (bool, error) {
	d, err := e.Check(ctx, userID, feature)
	if err != nil {
		return false, err
	}
	return d.CanUse, nil
}

// RemainingUsage returns how many uses the user has left this period.
// types.LimitUnlimited means no cap; zero means exhausted or disabled.
func (e *Evaluator) RemainingUsage(ctx context.Context, userID, feature string) (int, error) {
	d, err := e.Check(ctx, userID, feature)
	if err != nil {
		return 0, err
	}
	if d.Remaining == nil {
		return types.LimitUnlimited, nil
	}
	return *d.Remaining, nil
}

// Check produces the full access decision for a user and feature.
func (e *Evaluator) Check(ctx context.Context, userID, feature string) (types.FeatureDecision, error) {
	d, err := e.checkFlag(ctx, userID, feature)
	if err != nil || !d.HasAccess {
		return d, err
	}

	plan, err := e.resolver.PlanForUser(ctx, userID)
	if err != nil {
		return types.FeatureDecision{}, err
	}

	limit := plan.FeatureLimits.Limit(feature)
	switch {
	case limit == types.LimitUnlimited:
		return types.GrantedDecision(types.LimitUnlimited), nil
	case limit == types.LimitDisabled:
		return types.DeniedDecision(types.ErrCodePlanTooLow,
			fmt.Sprintf("feature %q is not included in the %s plan", feature, plan.Name)), nil
	}

	used, err := e.meter.Count(ctx, userID, feature)
	if err != nil {
		return types.FeatureDecision{}, err
	}
	remaining := limit - used
	if remaining <= 0 {
		return types.LimitExceededDecision(fmt.Sprintf("usage limit of %d reached for feature %q this period", limit, feature)), nil
	}
	return types.GrantedDecision(remaining), nil
}

// checkFlag applies the feature flag gates: existence, kill switch,
// required plan tier, and percentage rollout.
func (e *Evaluator) checkFlag(ctx context.Context, userID, feature string) (types.FeatureDecision, error) {
	flag, err := e.catalog.FlagByName(ctx, feature)
	if err != nil {
		return types.FeatureDecision{}, err
	}
	if flag == nil || !flag.Enabled {
		return types.DeniedDecision(types.ErrCodeFeatureDisabled,
			fmt.Sprintf("feature %q is not available", feature)), nil
	}

	if flag.RequiredPlan != nil {
		required, err := e.catalog.PlanByName(ctx, *flag.RequiredPlan)
		if err != nil {
			// A flag pointing at a plan the catalog no longer carries
			// denies rather than erroring out the request.
			return types.DeniedDecision(types.ErrCodeFeatureDisabled,
				fmt.Sprintf("feature %q is not available", feature)), nil
		}
		plan, err := e.resolver.PlanForUser(ctx, userID)
		if err != nil {
			return types.FeatureDecision{}, err
		}
		if !types.HasRequiredTier(plan.TierLevel, required.TierLevel) {
			return types.DeniedDecision(types.ErrCodePlanTooLow,
				fmt.Sprintf("feature %q requires the %s plan or higher", feature, required.Name)), nil
		}
	}

	if flag.RolloutPercentage < 100 && !inRollout(userID, feature, flag.RolloutPercentage) {
		return types.DeniedDecision(types.ErrCodeFeatureDisabled,
			fmt.Sprintf("feature %q is not available", feature)), nil
	}

	return types.FeatureDecision{HasAccess: true, CanUse: true}, nil
}

// inRollout buckets a user into [0,100) with a stable hash of the user
// and feature name, so the same user sees a consistent answer across
// requests and each feature rolls out to an independent cohort.
func inRollout(userID, feature string, percentage int) bool {
	if percentage <= 0 {
		return false
	}
	h := fnv.New32a()
	h.Write([]byte(feature))
	h.Write([]byte{':'})
	h.Write([]byte(userID))
	return int(h.Sum32()%100) < percentage
}
