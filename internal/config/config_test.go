package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: "9090"
engine:
  max_commit_retries: 10
  fees:
    proportional: 0.05
  loans:
    enabled: false
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("port = %s", cfg.Server.Port)
	}
	if cfg.Engine.MaxCommitRetries != 10 {
		t.Errorf("max_commit_retries = %d", cfg.Engine.MaxCommitRetries)
	}
	if cfg.Engine.Fees.Proportional != 0.05 {
		t.Errorf("proportional fee = %v", cfg.Engine.Fees.Proportional)
	}
	if cfg.Engine.Loans.Enabled {
		t.Error("loans should be disabled by the file")
	}
	// Untouched fields keep their defaults.
	if cfg.Engine.QueueTimeout != 10*time.Second {
		t.Errorf("queue_timeout = %v", cfg.Engine.QueueTimeout)
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7777")
	t.Setenv("DATABASE_URL", "postgres://test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "7777" {
		t.Errorf("env PORT not applied: %s", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://test" {
		t.Errorf("env DATABASE_URL not applied: %s", cfg.Database.URL)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero retries", func(c *Config) { c.Engine.MaxCommitRetries = 0 }},
		{"zero queue timeout", func(c *Config) { c.Engine.QueueTimeout = 0 }},
		{"negative fee", func(c *Config) { c.Engine.Fees.Proportional = -0.1 }},
		{"negative loan cap", func(c *Config) { c.Engine.Loans.MaxPerMarket = -1 }},
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"zero rate limit", func(c *Config) { c.Server.RateLimitRPS = 0 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestFeeSchedule_Taker(t *testing.T) {
	f := FeeSchedule{Flat: 0, Proportional: 0.07}

	// fee = 0.07 * p * (1-p) * shares, maximized at p = 0.5.
	fee := f.Taker(decimal.NewFromInt(100), decimal.NewFromFloat(0.5))
	want := decimal.NewFromFloat(1.75)
	if !fee.Equal(want) {
		t.Errorf("fee at p=0.5 = %s, want %s", fee, want)
	}

	edge := f.Taker(decimal.NewFromInt(100), decimal.NewFromFloat(0.9))
	if !edge.LessThan(fee) {
		t.Errorf("fee should shrink toward the extremes: %s vs %s", edge, fee)
	}

	flat := FeeSchedule{Flat: 0.25, Proportional: 0}
	if got := flat.Taker(decimal.NewFromInt(10), decimal.NewFromFloat(0.5)); !got.Equal(decimal.NewFromFloat(0.25)) {
		t.Errorf("flat fee = %s", got)
	}
}

func TestLoanPolicy_Interest(t *testing.T) {
	l := LoanPolicy{DailyInterest: 0.0001}

	// 100 principal held one day = 8640000 principal-seconds.
	ps := decimal.NewFromInt(100 * 86400)
	got := l.Interest(ps)
	want := decimal.NewFromFloat(0.01)
	if !got.Equal(want) {
		t.Errorf("interest = %s, want %s", got, want)
	}

	if !l.Interest(decimal.Zero).IsZero() {
		t.Error("zero principal-seconds should accrue nothing")
	}
}
