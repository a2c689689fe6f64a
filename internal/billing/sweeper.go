package billing

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"fincoach/internal/db"
)

// SweeperConfig carries the tunables of the maintenance sweeper.
type SweeperConfig struct {
	Interval       time.Duration
	UsageRetention time.Duration
	BatchSize      int
}

// Sweeper runs periodic maintenance: catching expired subscription
// status columns up with reality and pruning elapsed usage counters and
// old webhook dedup markers. Correctness never depends on it running;
// reads derive expiry themselves.
type Sweeper struct {
	store  db.DBTX
	cfg    SweeperConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewSweeper(store db.DBTX, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// Run sweeps immediately, then on every interval tick until the context
// is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes all sweep jobs concurrently. Job failures are logged
// and swallowed; the next tick retries.
func (s *Sweeper) RunOnce(ctx context.Context) {
	now := s.now()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.expireSubscriptions(ctx, now); return nil })
	g.Go(func() error { s.pruneUsage(ctx, now); return nil })
	g.Go(func() error { s.pruneEventMarkers(ctx, now); return nil })
	g.Wait()
}

func (s *Sweeper) expireSubscriptions(ctx context.Context, now time.Time) {
	repo := db.NewSubscriptionRepo(s.store, s.logger)
	total := 0
	for {
		n, err := repo.ExpireStale(ctx, now, s.cfg.BatchSize)
		if err != nil {
			s.logger.Error("subscription expiry sweep failed", "error", err)
			return
		}
		total += n
		if n < s.cfg.BatchSize {
			break
		}
	}
	if total > 0 {
		s.logger.Info("expired stale subscriptions", "count", total)
	}
}

func (s *Sweeper) pruneUsage(ctx context.Context, now time.Time) {
	repo := db.NewUsageRepo(s.store)
	cutoff := now.Add(-s.cfg.UsageRetention)
	total := 0
	for {
		n, err := repo.DeleteElapsedBefore(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			s.logger.Error("usage prune sweep failed", "error", err)
			return
		}
		total += n
		if n < s.cfg.BatchSize {
			break
		}
	}
	if total > 0 {
		s.logger.Info("pruned elapsed usage records", "count", total)
	}
}

func (s *Sweeper) pruneEventMarkers(ctx context.Context, now time.Time) {
	repo := db.NewBillingEventRepo(s.store)
	cutoff := now.Add(-s.cfg.UsageRetention)
	total := 0
	for {
		n, err := repo.DeleteOlderThan(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			s.logger.Error("billing event prune sweep failed", "error", err)
			return
		}
		total += n
		if n < s.cfg.BatchSize {
			break
		}
	}
	if total > 0 {
		s.logger.Info("pruned processed billing events", "count", total)
	}
}
