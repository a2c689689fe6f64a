package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestPeriodFor_CalendarMonth(t *testing.T) {
	tests := []struct {
		name      string
		at        time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "mid month",
			at:        time.Date(2026, 3, 15, 13, 45, 0, 0, time.UTC),
			wantStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "first instant of month",
			at:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			wantStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "last instant of month",
			at:        time.Date(2026, 2, 28, 23, 59, 59, 0, time.UTC),
			wantStart: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "december rolls into next year",
			at:        time.Date(2026, 12, 31, 12, 0, 0, 0, time.UTC),
			wantStart: time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "non-UTC input normalizes to UTC boundaries",
			at:        time.Date(2026, 3, 1, 1, 0, 0, 0, time.FixedZone("CEST", 2*3600)),
			wantStart: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := PeriodFor(ResetCalendarMonth, tt.at)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, p.Start)
			assert.Equal(t, tt.wantEnd, p.End)
		})
	}
}

func TestPeriodFor_CalendarWeek_StartsMonday(t *testing.T) {
	// 2026-03-11 is a Wednesday; its week runs Mon 03-09 to Mon 03-16.
	p, err := PeriodFor(ResetCalendarWeek, time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), p.End)

	// Sunday belongs to the week that started the previous Monday.
	p, err = PeriodFor(ResetCalendarWeek, time.Date(2026, 3, 15, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), p.Start)

	// Monday starts a fresh week.
	p, err = PeriodFor(ResetCalendarWeek, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), p.Start)
}

func TestPeriodFor_CalendarDay(t *testing.T) {
	p, err := PeriodFor(ResetCalendarDay, time.Date(2026, 3, 15, 23, 59, 59, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), p.End)
}

func TestPeriodFor_UnknownRule(t *testing.T) {
	_, err := PeriodFor(ResetRule("fiscal_quarter"), time.Now())
	require.Error(t, err)
}

// memoryUsageStore is an in-memory UsageStore with the same atomicity
// contract as the SQL upsert.
type memoryUsageStore struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMemoryUsageStore() *memoryUsageStore {
	return &memoryUsageStore{counts: make(map[string]int)}
}

func (s *memoryUsageStore) key(userID, feature string, periodStart time.Time) string {
	return userID + "|" + feature + "|" + periodStart.Format(time.RFC3339)
}

func (s *memoryUsageStore) Increment(_ context.Context, userID, feature string, periodStart, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(userID, feature, periodStart)
	s.counts[k]++
	return s.counts[k], nil
}

func (s *memoryUsageStore) CurrentCount(_ context.Context, userID, feature string, periodStart time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[s.key(userID, feature, periodStart)], nil
}

func TestMeter_RecordAndCountShareOnePeriod(t *testing.T) {
	store := newMemoryUsageStore()
	meter := NewMeter(store, ResetCalendarMonth)
	meter.now = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		n, err := meter.Record(ctx, "user_1", "budget_create")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	count, err := meter.Count(ctx, "user_1", "budget_create")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// A different feature and a different user stay independent.
	count, err = meter.Count(ctx, "user_1", "report_export")
	require.NoError(t, err)
	assert.Zero(t, count)
	count, err = meter.Count(ctx, "user_2", "budget_create")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMeter_NewPeriodStartsAtZero(t *testing.T) {
	store := newMemoryUsageStore()
	meter := NewMeter(store, ResetCalendarMonth)

	march := time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)
	meter.now = func() time.Time { return march }
	_, err := meter.Record(context.Background(), "user_1", "ai_coach_message")
	require.NoError(t, err)

	meter.now = func() time.Time { return march.Add(2 * time.Hour) } // April
	count, err := meter.Count(context.Background(), "user_1", "ai_coach_message")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMeter_ConcurrentRecordsLoseNothing(t *testing.T) {
	store := newMemoryUsageStore()
	meter := NewMeter(store, ResetCalendarMonth)
	meter.now = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }

	const goroutines = 50
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < goroutines; i++ {
		g.Go(func() error {
			_, err := meter.Record(ctx, "user_1", "ai_coach_message")
			return err
		})
	}
	require.NoError(t, g.Wait())

	count, err := meter.Count(context.Background(), "user_1", "ai_coach_message")
	require.NoError(t, err)
	assert.Equal(t, goroutines, count)
}
