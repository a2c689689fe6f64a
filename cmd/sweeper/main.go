// Package main runs the maintenance sweeper: expiring stale
// subscriptions, pruning elapsed usage counters, and dropping old
// webhook dedup markers. It runs as a long-lived sidecar; pass -once
// for a single sweep (cron or manual runs).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fincoach/internal/billing"
	"fincoach/internal/config"
	"fincoach/internal/db"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	once := flag.Bool("once", false, "run a single sweep and exit")
	interval := flag.Duration("interval", time.Hour, "time between sweeps")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("fincoach sweeper starting",
		"environment", cfg.Environment,
		"once", *once,
		"interval", interval.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	sweeper := billing.NewSweeper(pool, billing.SweeperConfig{
		Interval:       *interval,
		UsageRetention: cfg.Sweeper.UsageRetention,
		BatchSize:      cfg.Sweeper.BatchSize,
	}, logger)

	if *once {
		sweeper.RunOnce(ctx)
		logger.Info("sweep complete")
		return nil
	}

	if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("sweeper stopped cleanly")
	return nil
}
