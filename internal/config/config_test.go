package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8480 || cfg.MetricsPort != 9480 {
		t.Errorf("ports = %d/%d, want 8480/9480", cfg.Port, cfg.MetricsPort)
	}
	if cfg.ReconcileSchedule != "0 3 * * *" {
		t.Errorf("schedule = %q", cfg.ReconcileSchedule)
	}
	if cfg.TenantCacheTTL != 5*time.Minute {
		t.Errorf("cache ttl = %v", cfg.TenantCacheTTL)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "auto" {
		t.Errorf("log config = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TALLY_PORT", "9000")
	t.Setenv("TALLY_DATA_DIR", "/tmp/tally-test")
	t.Setenv("TALLY_TENANT_CACHE_TTL", "90s")
	t.Setenv("TALLY_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Port)
	}
	if cfg.StoreDir() != "/tmp/tally-test/store" {
		t.Errorf("store dir = %q", cfg.StoreDir())
	}
	if cfg.TenantCacheTTL != 90*time.Second {
		t.Errorf("cache ttl = %v", cfg.TenantCacheTTL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("TALLY_PORT", "not-a-number")
	if _, err := Load(); err == nil {
		t.Error("expected error for invalid port")
	}

	t.Setenv("TALLY_PORT", "8480")
	t.Setenv("TALLY_TENANT_CACHE_TTL", "bogus")
	if _, err := Load(); err == nil {
		t.Error("expected error for invalid duration")
	}
}
