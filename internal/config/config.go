// Package config holds the engine's injected policy table and runtime
// settings. Fee schedules, loan thresholds, probability bounds, and retry
// policy are configuration — never hardcoded at call sites.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the full runtime configuration, loadable from YAML with
// environment overrides (see Load).
//
// Policy scalars (rates, caps) are plain numbers in the file; they are
// converted to decimal exactly once at the call sites that do money math.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   EngineConfig   `yaml:"engine"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
}

// DatabaseConfig holds PostgreSQL settings. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the optional read-through cache settings.
type RedisConfig struct {
	URL string        `yaml:"url"`
	TTL time.Duration `yaml:"ttl"`
}

// EngineConfig is the trade engine policy table.
type EngineConfig struct {
	Fees   FeeSchedule   `yaml:"fees"`
	Loans  LoanPolicy    `yaml:"loans"`
	Limits ExposureLimit `yaml:"limits"`

	// Commit retry policy for serialization conflicts.
	MaxCommitRetries int           `yaml:"max_commit_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`

	// Maximum time a trade may wait in the serialization queue.
	QueueTimeout time.Duration `yaml:"queue_timeout"`

	// LockShards sizes the serialization queue's shard map.
	LockShards int `yaml:"lock_shards"`
}

// FeeSchedule is the deterministic taker fee:
//
//	fee = Flat + Proportional * prob * (1 - prob) * shares
//
// Maker fills and redemptions are fee-free.
type FeeSchedule struct {
	Flat         float64 `yaml:"flat"`
	Proportional float64 `yaml:"proportional"`
}

// Taker computes the fee for a fill of the given size at the given
// probability.
func (f FeeSchedule) Taker(shares, prob decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	rate := decimal.NewFromFloat(f.Proportional)
	variable := rate.Mul(prob).Mul(one.Sub(prob)).Mul(shares)
	return decimal.NewFromFloat(f.Flat).Add(variable).Round(8)
}

// LoanPolicy governs automatic loan issuance when a buy overdraws an
// eligible user's balance.
type LoanPolicy struct {
	Enabled       bool    `yaml:"enabled"`
	MaxPerMarket  float64 `yaml:"max_per_market"`
	DailyInterest float64 `yaml:"daily_interest"` // rate applied to principal-days
}

// MaxPrincipal returns the per-market loan cap as a decimal.
func (l LoanPolicy) MaxPrincipal() decimal.Decimal {
	return decimal.NewFromFloat(l.MaxPerMarket)
}

// Interest converts an accumulated principal-seconds integral into an
// interest charge.
func (l LoanPolicy) Interest(principalSeconds decimal.Decimal) decimal.Decimal {
	secondsPerDay := decimal.NewFromInt(86400)
	rate := decimal.NewFromFloat(l.DailyInterest)
	return principalSeconds.Div(secondsPerDay).Mul(rate).Round(8)
}

// ExposureLimit bounds positions, checked during trade validation.
type ExposureLimit struct {
	MaxPerContract float64 `yaml:"max_per_contract"` // |net shares| in one contract
	MaxTotal       float64 `yaml:"max_total"`        // Σ |net shares| across contracts
}

// Default returns the built-in configuration. Operators override via YAML
// and environment variables.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
		},
		Redis: RedisConfig{TTL: 30 * time.Second},
		Engine: EngineConfig{
			Fees: FeeSchedule{
				Flat:         0,
				Proportional: 0.07,
			},
			Loans: LoanPolicy{
				Enabled:       true,
				MaxPerMarket:  100,
				DailyInterest: 0.0001,
			},
			Limits: ExposureLimit{
				MaxPerContract: 100000,
				MaxTotal:       1000000,
			},
			MaxCommitRetries: 5,
			RetryBackoff:     25 * time.Millisecond,
			QueueTimeout:     10 * time.Second,
			LockShards:       64,
		},
	}
}

// Validate checks invariants the engine relies on.
func (c *Config) Validate() error {
	if c.Engine.MaxCommitRetries < 1 {
		return errors.New("config: max_commit_retries must be >= 1")
	}
	if c.Engine.QueueTimeout <= 0 {
		return errors.New("config: queue_timeout must be positive")
	}
	if c.Engine.Fees.Proportional < 0 || c.Engine.Fees.Flat < 0 {
		return errors.New("config: fee schedule must be non-negative")
	}
	if c.Engine.Loans.Enabled && c.Engine.Loans.MaxPerMarket < 0 {
		return errors.New("config: loan max_per_market must be non-negative")
	}
	if c.Server.Port == "" {
		return errors.New("config: server port must be set")
	}
	if c.Server.RateLimitRPS <= 0 {
		return fmt.Errorf("config: rate_limit_rps must be positive, got %v", c.Server.RateLimitRPS)
	}
	return nil
}
