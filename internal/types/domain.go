// Package types defines the shared domain model for the FinCoach
// entitlement service: plans, feature flags, subscriptions, usage
// records, and the structured error type used across all layers.
package types

import (
	"time"
)

// SubscriptionStatus is the lifecycle state of a user's subscription.
type SubscriptionStatus string

const (
	SubStatusTrial     SubscriptionStatus = "TRIAL"
	SubStatusActive    SubscriptionStatus = "ACTIVE"
	SubStatusCancelled SubscriptionStatus = "CANCELLED"
	SubStatusExpired   SubscriptionStatus = "EXPIRED"
)

// BillingCycle is the renewal interval of a subscription.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "MONTHLY"
	CycleYearly  BillingCycle = "YEARLY"
)

// Feature limit sentinel values used in Plan.FeatureLimits.
const (
	// LimitUnlimited marks a feature with no quota on this plan.
	LimitUnlimited = -1
	// LimitDisabled marks a feature this plan may not use at all.
	LimitDisabled = 0
)

// FeatureLimits maps a feature name to its per-period quota for a plan.
// -1 means unlimited, 0 means disabled, N > 0 is the quota. The column
// is stored as jsonb; pgx marshals map[string]int transparently.
type FeatureLimits map[string]int

// Limit returns the quota for the given feature. Features absent from
// the map are unlimited: a plan only lists the features it restricts.
func (l FeatureLimits) Limit(feature string) int {
	if l == nil {
		return LimitUnlimited
	}
	if v, ok := l[feature]; ok {
		return v
	}
	return LimitUnlimited
}

// Plan is a subscription tier. Tier ordering comes exclusively from
// TierLevel; plan names are opaque keys, never compared for ordering.
// Plans are soft-retired via IsActive, never deleted, because historical
// subscriptions keep referencing them.
type Plan struct {
	ID                   string        `json:"id"`
	Name                 string        `json:"name"` // e.g. FREE, PREMIUM, PRO
	DisplayName          string        `json:"display_name"`
	Description          string        `json:"description,omitempty"`
	TierLevel            int           `json:"tier_level"`
	PriceMonthlyCents    int64         `json:"price_monthly_cents"`
	PriceYearlyCents     int64         `json:"price_yearly_cents"`
	StripePriceIDMonthly string        `json:"-"`
	StripePriceIDYearly  string        `json:"-"`
	FeatureLimits        FeatureLimits `json:"feature_limits"`
	IsActive             bool          `json:"is_active"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// StripePriceID returns the billing-provider price for the given cycle,
// or empty string if none is configured.
func (p *Plan) StripePriceID(cycle BillingCycle) string {
	if cycle == CycleYearly {
		return p.StripePriceIDYearly
	}
	return p.StripePriceIDMonthly
}

// HasRequiredTier reports whether a plan at level userTier satisfies a
// requirement at level requiredTier. Equal tier is sufficient.
func HasRequiredTier(userTier, requiredTier int) bool {
	return userTier >= requiredTier
}

// FeatureFlag gates a named capability. A flag can be globally disabled,
// restricted to a minimum plan, or rolled out to a percentage of users.
// Flags are read-mostly; the catalog caches them with a short TTL.
type FeatureFlag struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Enabled           bool      `json:"enabled"`
	RequiredPlan      *string   `json:"required_plan,omitempty"` // plan name; nil = no tier requirement
	RolloutPercentage int       `json:"rollout_percentage"`      // 0-100; 100 = everyone
	Description       string    `json:"description,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Subscription ties a user to a plan. At most one subscription per user
// may be ACTIVE or TRIAL at a time; cancelled rows are kept as history.
type Subscription struct {
	ID                   string             `json:"id"`
	UserID               string             `json:"user_id"`
	PlanID               string             `json:"plan_id"`
	PlanName             string             `json:"plan_name"`
	PlanTierLevel        int                `json:"plan_tier_level"`
	Status               SubscriptionStatus `json:"status"`
	BillingCycle         BillingCycle       `json:"billing_cycle"`
	StartDate            time.Time          `json:"start_date"`
	EndDate              *time.Time         `json:"end_date,omitempty"`
	TrialEndDate         *time.Time         `json:"trial_end_date,omitempty"`
	CancelledAt          *time.Time         `json:"cancelled_at,omitempty"`
	PaymentFailedAt      *time.Time         `json:"-"`
	StripeCustomerID     string             `json:"-"`
	StripeSubscriptionID string             `json:"-"`
	AutoRenew            bool               `json:"auto_renew"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// IsLive reports whether the subscription grants entitlements at the
// given instant. Expiry is derived at read time; correctness never
// depends on the background sweep having flipped the row to EXPIRED.
func (s *Subscription) IsLive(now time.Time) bool {
	switch s.Status {
	case SubStatusActive:
		return s.EndDate == nil || s.EndDate.After(now)
	case SubStatusTrial:
		return s.TrialEndDate != nil && s.TrialEndDate.After(now)
	default:
		return false
	}
}

// UsageRecord counts invocations of a metered feature by one user within
// one reset period. (user, feature, period_start) is unique; increments
// are atomic at the storage layer.
type UsageRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Feature     string    `json:"feature"`
	Count       int       `json:"count"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	CreatedAt   time.Time `json:"created_at"`
}

// FeatureDecision is the combined access+quota verdict for a
// (user, feature) pair, returned by the feature-access endpoint. The two
// booleans are distinct so callers can tell "upgrade your plan" apart
// from "quota exhausted".
type FeatureDecision struct {
	HasAccess bool `json:"has_access"`
	CanUse    bool `json:"can_use"`
	// Remaining is nil when usage is unlimited.
	Remaining *int   `json:"remaining_usage,omitempty"`
	Message   string `json:"message,omitempty"`
	// Reason carries the denial's error code (feature_disabled,
	// plan_too_low, usage_limit_exceeded) so enforcement can answer
	// with the matching status. Empty on granted decisions.
	Reason ErrorCode `json:"reason,omitempty"`
}

// GrantedDecision builds the verdict for an allowed feature.
// remaining < 0 means unlimited.
func GrantedDecision(remaining int) FeatureDecision {
	d := FeatureDecision{HasAccess: true, CanUse: true}
	if remaining >= 0 {
		d.Remaining = &remaining
	}
	return d
}

// DeniedDecision builds the verdict for a feature the user has no
// access to. reason distinguishes a disabled or unknown feature from an
// insufficient plan tier.
func DeniedDecision(reason ErrorCode, message string) FeatureDecision {
	return FeatureDecision{Message: message, Reason: reason}
}

// LimitExceededDecision builds the verdict for an entitled feature whose
// quota is used up for the current period.
func LimitExceededDecision(message string) FeatureDecision {
	zero := 0
	return FeatureDecision{HasAccess: true, Remaining: &zero, Message: message, Reason: ErrCodeUsageLimitExceeded}
}

// BillingEvent is the normalized view of an inbound billing-provider
// notification, extracted from the raw payload after signature
// verification. Only a dedup marker is persisted.
type BillingEvent struct {
	ID             string
	Type           string
	Created        time.Time
	CustomerID     string
	SubscriptionID string
	PriceID        string
	RemoteStatus   string
	PeriodEnd      *time.Time
}
