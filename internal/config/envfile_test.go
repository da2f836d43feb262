package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDotEnv_SetsMissingVariables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "OG_FOO=bar\nOG_QUOTED=\"hello world\"\nOG_SINGLE='x y'\nexport OG_EXPORTED=1\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	for _, k := range []string{"OG_FOO", "OG_QUOTED", "OG_SINGLE", "OG_EXPORTED"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}

	if got := os.Getenv("OG_FOO"); got != "bar" {
		t.Fatalf("OG_FOO = %q, want %q", got, "bar")
	}
	if got := os.Getenv("OG_QUOTED"); got != "hello world" {
		t.Fatalf("OG_QUOTED = %q, want %q", got, "hello world")
	}
	if got := os.Getenv("OG_SINGLE"); got != "x y" {
		t.Fatalf("OG_SINGLE = %q, want %q", got, "x y")
	}
	if got := os.Getenv("OG_EXPORTED"); got != "1" {
		t.Fatalf("OG_EXPORTED = %q, want %q", got, "1")
	}
}

func TestLoadDotEnv_DoesNotOverrideExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("OG_FOO=from_file\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("OG_FOO", "from_env")
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}
	if got := os.Getenv("OG_FOO"); got != "from_env" {
		t.Fatalf("OG_FOO = %q, want %q", got, "from_env")
	}
}

func TestLoadDotEnv_MissingFileIsNotAnError(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("expected nil for missing file, got %v", err)
	}
}

func TestLoad_ReadsTypedValues(t *testing.T) {
	t.Setenv("RISK_MAX_DAILY_LOSS", "250000.5")
	t.Setenv("RISK_MAX_OPEN_ORDERS", "7")
	t.Setenv("SIGNAL_DUPLICATE_WINDOW", "30s")
	t.Setenv("BROKER_RATE_PER_SEC", "not-a-number")

	cfg := Load()
	if !cfg.MaxDailyLoss.Equal(decimal.RequireFromString("250000.5")) {
		t.Fatalf("MaxDailyLoss = %s", cfg.MaxDailyLoss)
	}
	if cfg.MaxOpenOrders != 7 {
		t.Fatalf("MaxOpenOrders = %d", cfg.MaxOpenOrders)
	}
	if cfg.SignalDuplicateWindow != 30*time.Second {
		t.Fatalf("SignalDuplicateWindow = %s", cfg.SignalDuplicateWindow)
	}
	if cfg.BrokerRatePerSec != 10 {
		t.Fatalf("expected fallback rate 10, got %v", cfg.BrokerRatePerSec)
	}
}
