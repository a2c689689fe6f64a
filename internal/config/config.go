// Package config defines the global configuration for the FinCoach
// entitlement service. Configuration is loaded once at process startup
// and is immutable thereafter, following 12-Factor principles: values
// come from the OS environment, with a local .env file as a fallback
// for development. Any missing required value or invalid format fails
// the process immediately on startup.
package config

import (
	"time"
)

// Config is the top-level configuration struct. It is populated once
// during process initialization and never modified. Sub-components
// receive only the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server      ServerConfig
	Database    DatabaseConfig
	Stripe      StripeConfig
	Entitlement EntitlementConfig
	Sweeper     SweeperConfig
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// FrontendURL is used to build checkout success/cancel redirects
	// server-side; redirect targets are never accepted from clients.
	FrontendURL string `envconfig:"FRONTEND_URL" validate:"required,url"`
	// RequestTimeout is the soft deadline applied to request contexts.
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL             string        `envconfig:"DATABASE_URL" validate:"required"`
	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// StripeConfig holds billing-provider credentials and tuning.
type StripeConfig struct {
	SecretKey     string `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	WebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	// BaseURL overrides the Stripe API endpoint; used by tests.
	BaseURL string `envconfig:"STRIPE_BASE_URL" default:""`
	// Timeout bounds every outbound billing call, since checkout and
	// cancel happen inline in user-facing requests.
	Timeout time.Duration `envconfig:"STRIPE_TIMEOUT" default:"20s"`
}

// EntitlementConfig tunes the entitlement engine.
type EntitlementConfig struct {
	// UsageResetRule selects the usage-period boundary: periods reset on
	// calendar-month, calendar-week (Monday), or calendar-day edges.
	UsageResetRule string `envconfig:"USAGE_RESET_RULE" default:"calendar_month" validate:"oneof=calendar_month calendar_week calendar_day"`
	// CatalogTTL bounds staleness of cached plans and feature flags.
	CatalogTTL time.Duration `envconfig:"CATALOG_CACHE_TTL" default:"30s"`
	// TrialDays is the default trial length for POST /subscriptions/trial.
	TrialDays int `envconfig:"TRIAL_DAYS" default:"14" validate:"min=1,max=90"`
}

// SweeperConfig tunes the maintenance binary.
type SweeperConfig struct {
	// UsageRetention is how long elapsed usage periods are kept for
	// audit before cleanup.
	UsageRetention time.Duration `envconfig:"USAGE_RETENTION" default:"2160h"` // 90 days
	BatchSize      int           `envconfig:"SWEEP_BATCH_SIZE" default:"500" validate:"min=1"`
}
