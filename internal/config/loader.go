package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Load reads, populates, and validates the service configuration.
//
// The loading sequence is:
//  1. Enforce UTC for the process, so usage-period arithmetic never
//     drifts with the host timezone.
//  2. Load a .env file via godotenv (non-fatal if absent; existing
//     environment variables are never overridden).
//  3. Populate the Config struct from envconfig tags.
//  4. Validate the struct with go-playground/validator.
func Load() (*Config, error) {
	time.Local = time.UTC

	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing environment config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
