// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the credit ledger service.
type Config struct {
	DataDir             string
	BindAddress         string
	Port                int
	MetricsPort         int
	StripeAPIKey        string
	StripeWebhookSecret string
	ReconcileSchedule   string // cron spec
	TenantCacheTTL      time.Duration
	LogLevel            string
	LogFormat           string
}

// StoreDir returns the directory holding the tenant store database.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "store")
}

// Load reads configuration from environment variables. A .env file is loaded
// if present but not required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("TALLY_PORT", 8480)
	if err != nil {
		return nil, err
	}
	metricsPort, err := envOrDefaultInt("TALLY_METRICS_PORT", 9480)
	if err != nil {
		return nil, err
	}
	cacheTTL, err := envOrDefaultDuration("TALLY_TENANT_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             envOrDefault("TALLY_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("TALLY_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		MetricsPort:         metricsPort,
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		ReconcileSchedule:   envOrDefault("TALLY_RECONCILE_SCHEDULE", "0 3 * * *"),
		TenantCacheTTL:      cacheTTL,
		LogLevel:            envOrDefault("TALLY_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("TALLY_LOG_FORMAT", "auto"),
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
