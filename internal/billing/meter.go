package billing

import (
	"context"
	"fmt"
	"time"
)

// ResetRule names a usage period boundary scheme. All boundaries are
// computed in UTC so a counter never resets at a different wall-clock
// moment depending on server locale.
type ResetRule string

const (
	ResetCalendarMonth ResetRule = "calendar_month"
	ResetCalendarWeek  ResetRule = "calendar_week"
	ResetCalendarDay   ResetRule = "calendar_day"
)

// Period is a half-open [Start, End) usage window.
type Period struct {
	Start time.Time
	End   time.Time
}

// PeriodFor returns the window containing t under the given rule.
// Weeks start on Monday, following ISO 8601.
func PeriodFor(rule ResetRule, t time.Time) (Period, error) {
	t = t.UTC()
	switch rule {
	case ResetCalendarMonth:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Period{Start: start, End: start.AddDate(0, 1, 0)}, nil
	case ResetCalendarWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		return Period{Start: start, End: start.AddDate(0, 0, 7)}, nil
	case ResetCalendarDay:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return Period{Start: start, End: start.AddDate(0, 0, 1)}, nil
	default:
		return Period{}, fmt.Errorf("unknown reset rule %q", rule)
	}
}

// UsageStore is the slice of the usage repository the meter needs.
type UsageStore interface {
	Increment(ctx context.Context, userID, feature string, periodStart, periodEnd time.Time) (int, error)
	CurrentCount(ctx context.Context, userID, feature string, periodStart time.Time) (int, error)
}

// Meter counts feature usage per user within reset periods. It is a
// thin layer over the usage store: the store's atomic upsert carries
// the concurrency guarantee, the meter carries the period arithmetic.
type Meter struct {
	store UsageStore
	rule  ResetRule
	now   func() time.Time
}

func NewMeter(store UsageStore, rule ResetRule) *Meter {
	return &Meter{store: store, rule: rule, now: time.Now}
}

// Record increments the user's counter for the feature in the current
// period and returns the new count.
func (m *Meter) Record(ctx context.Context, userID, feature string) (int, error) {
	p, err := PeriodFor(m.rule, m.now())
	if err != nil {
		return 0, err
	}
	return m.store.Increment(ctx, userID, feature, p.Start, p.End)
}

// Count returns the user's counter for the feature in the current
// period. Never-used features read as zero.
func (m *Meter) Count(ctx context.Context, userID, feature string) (int, error) {
	p, err := PeriodFor(m.rule, m.now())
	if err != nil {
		return 0, err
	}
	return m.store.CurrentCount(ctx, userID, feature, p.Start)
}
