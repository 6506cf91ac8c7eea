/*
Package config loads runtime configuration from the environment.

PURPOSE:
  One struct, populated once at startup via envconfig with the COMMISSION
  prefix. Components never read the environment themselves; they receive
  values (or a commission.Policy) by injection.

EXAMPLES:
  COMMISSION_PORT=8080
  COMMISSION_DB_PATH=./data/commission.db
  COMMISSION_TIER1_RATE=0.65
  COMMISSION_TIER2_RATE=0.05
  COMMISSION_ROUNDING=half_up
  COMMISSION_HOLD_DAYS=14
  COMMISSION_RECONCILE_CRON=@hourly
  COMMISSION_LOG_LEVEL=info
*/
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// Config is the full runtime configuration.
type Config struct {
	Port   int    `envconfig:"PORT" default:"8080"`
	DBPath string `envconfig:"DB_PATH" default:"./data/commission.db"`

	Tier1Rate float64 `envconfig:"TIER1_RATE" default:"0.65"`
	Tier2Rate float64 `envconfig:"TIER2_RATE" default:"0.05"`
	Rounding  string  `envconfig:"ROUNDING" default:"half_up"`

	// HoldDays is the commission maturity window in days. 0 disables holding.
	HoldDays int `envconfig:"HOLD_DAYS" default:"14"`

	// ReconcileCron schedules the background reconciliation pass.
	// Empty disables the scheduler.
	ReconcileCron string `envconfig:"RECONCILE_CRON" default:"@hourly"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("commission", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Tier1Rate <= 0 || c.Tier1Rate >= 1 {
		return fmt.Errorf("tier1 rate must be in (0, 1), got %v", c.Tier1Rate)
	}
	if c.Tier2Rate <= 0 || c.Tier2Rate >= 1 {
		return fmt.Errorf("tier2 rate must be in (0, 1), got %v", c.Tier2Rate)
	}
	if c.HoldDays < 0 {
		return fmt.Errorf("hold days must be non-negative, got %d", c.HoldDays)
	}
	switch commission.Rounding(c.Rounding) {
	case commission.RoundHalfUp, commission.RoundFloor:
	default:
		return fmt.Errorf("unknown rounding mode %q", c.Rounding)
	}
	return nil
}

// Policy builds the commission policy from the configured rates.
func (c Config) Policy() commission.Policy {
	return commission.Policy{
		Tier1Rate:  decimal.NewFromFloat(c.Tier1Rate),
		Tier2Rate:  decimal.NewFromFloat(c.Tier2Rate),
		Rounding:   commission.Rounding(c.Rounding),
		HoldPeriod: time.Duration(c.HoldDays) * 24 * time.Hour,
	}
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
