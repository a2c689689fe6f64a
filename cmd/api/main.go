// Package main is the entry point for the FinCoach billing API server.
//
// It loads configuration, connects the Postgres pool, wires the
// entitlement engine (catalog, meter, evaluator, lifecycle manager,
// reconciler) onto the core chassis, and serves HTTP with graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"fincoach/internal/api/handlers"
	"fincoach/internal/billing"
	"fincoach/internal/config"
	"fincoach/internal/core"
	"fincoach/internal/db"
	"fincoach/internal/external"
	"fincoach/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("fincoach billing API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	// Domain wiring.
	catalog := billing.NewCatalog(
		db.NewPlanRepo(pool),
		db.NewFeatureFlagRepo(pool),
		cfg.Entitlement.CatalogTTL,
	)
	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: cfg.Stripe.Timeout},
		external.StripeClientConfig{
			SecretKey: cfg.Stripe.SecretKey,
			BaseURL:   cfg.Stripe.BaseURL,
			Logger:    logger,
		},
	)
	manager := billing.NewManager(pool, catalog, stripeClient, billing.ManagerConfig{
		TrialDays:   cfg.Entitlement.TrialDays,
		FrontendURL: cfg.Server.FrontendURL,
	}, logger)
	meter := billing.NewMeter(db.NewUsageRepo(pool), billing.ResetRule(cfg.Entitlement.UsageResetRule))
	evaluator := billing.NewEvaluator(catalog, meter, manager)
	reconciler := billing.NewReconciler(pool, catalog, manager, logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	// The identity service client plugs in here in deployed
	// environments; local development resolves tokens directly.
	srv.Authenticator = newAuthenticator(cfg)

	enforcer := billing.NewEnforcer(evaluator, meter, core.Error, logger)

	subHandler := handlers.NewSubscriptionHandler(manager, catalog, evaluator, srv.Validator, logger)
	coachHandler := handlers.NewCoachHandler(&cannedCoachService{}, srv.Validator, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		reconciler,
		stripeClient,
		cfg.Stripe.WebhookSecret,
		logger,
	)

	srv.V1Routes = append(srv.V1Routes,
		subHandler.RegisterRoutes,
		func(r chi.Router) {
			coachHandler.RegisterRoutes(r, enforcer.RequireFeature(handlers.FeatureAiCoachMessage))
		},
	)
	srv.PublicRoutes = append(srv.PublicRoutes, webhookHandler.RegisterRoutes)
	srv.MountRoutes()

	return serve(ctx, srv, cfg, logger)
}

func serve(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("server stopped cleanly")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// newAuthenticator returns the local development authenticator outside
// prod. Deployed environments replace it with the identity service
// client; startup refuses to fall back silently.
func newAuthenticator(cfg *config.Config) core.Authenticator {
	if cfg.Environment == "prod" {
		return &rejectAllAuthenticator{}
	}
	return &devAuthenticator{}
}

// devAuthenticator accepts tokens of the form "dev:<user-id>". Local
// and staging use it for API exploration without the identity service.
type devAuthenticator struct{}

func (a *devAuthenticator) ResolveToken(_ context.Context, token string) (string, error) {
	userID, ok := strings.CutPrefix(token, "dev:")
	if !ok || userID == "" {
		return "", types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid authentication token", nil)
	}
	return userID, nil
}

// rejectAllAuthenticator denies every token. It is the prod default
// until the identity service client is configured, so a misdeployed
// instance fails requests instead of trusting dev tokens.
type rejectAllAuthenticator struct{}

func (a *rejectAllAuthenticator) ResolveToken(_ context.Context, _ string) (string, error) {
	return "", types.NewAppError(types.ErrCodeAuthTokenInvalid, "identity service not configured", nil)
}

// cannedCoachService returns a fixed acknowledgement. The model-backed
// coach runs in a separate service; this endpoint exists to exercise
// metered enforcement end to end.
type cannedCoachService struct{}

func (s *cannedCoachService) Reply(_ context.Context, _ string, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "message must not be empty", nil)
	}
	return "Thanks! Your coach will factor this into your next budget review.", nil
}

var (
	_ core.Authenticator    = (*devAuthenticator)(nil)
	_ core.Authenticator    = (*rejectAllAuthenticator)(nil)
	_ handlers.CoachService = (*cannedCoachService)(nil)
)
