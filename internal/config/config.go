// Package config loads server configuration from environment variables,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable of the digital-twin server. Tags:
//
//	env: environment variable name
//	envDefault: value used when the variable is unset
type Config struct {
	// Transport
	ListenAddr  string `env:"DT_LISTEN_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"DT_METRICS_ADDR" envDefault:":9090"`

	// Physics engine. RPMMin, RPMMax and RPMTauSeconds are parsed and
	// validated only; the engine clamps and smooths rpm with its own
	// physics.RPMMin, physics.RPMMax and physics.Tau constants.
	TickHz           float64 `env:"DT_TICK_HZ" envDefault:"100"`
	RPMDefaultTarget float64 `env:"DT_RPM_DEFAULT_TARGET" envDefault:"1200"`
	RPMMin           float64 `env:"DT_RPM_MIN" envDefault:"0"`
	RPMMax           float64 `env:"DT_RPM_MAX" envDefault:"8000"`
	RPMTauSeconds    float64 `env:"DT_RPM_TAU_SECONDS" envDefault:"0.35"`
	HistoryCapacity  int     `env:"DT_HISTORY_CAPACITY" envDefault:"6000"`

	// Broadcast pool
	PoolSlots       int `env:"DT_POOL_SLOTS" envDefault:"64"`
	PoolSlotBytes   int `env:"DT_POOL_SLOT_BYTES" envDefault:"512"`

	// Session
	SessionOutboundQueue int           `env:"DT_SESSION_OUTBOUND_QUEUE" envDefault:"32"`
	SessionInboundRateHz float64       `env:"DT_SESSION_INBOUND_RATE_HZ" envDefault:"50"`
	SessionInboundBurst  int           `env:"DT_SESSION_INBOUND_BURST" envDefault:"10"`
	SessionWriteTimeout  time.Duration `env:"DT_SESSION_WRITE_TIMEOUT" envDefault:"2s"`

	// Logging
	LogLevel  string `env:"DT_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"DT_LOG_FORMAT" envDefault:"json"`

	// Metrics
	MetricsSampleInterval time.Duration `env:"DT_METRICS_SAMPLE_INTERVAL" envDefault:"2s"`
}

// Load reads configuration from a .env file (if present) and the process
// environment, then validates it. The .env file is entirely optional —
// its absence is not an error.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Debug().Msg("no .env file found, using process environment only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that would put the physics engine,
// pool, or sessions into an inconsistent state.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("DT_LISTEN_ADDR must not be empty")
	}
	if c.TickHz <= 0 {
		return fmt.Errorf("DT_TICK_HZ must be > 0, got %v", c.TickHz)
	}
	if c.RPMMin < 0 {
		return fmt.Errorf("DT_RPM_MIN must be >= 0, got %v", c.RPMMin)
	}
	if c.RPMMax <= c.RPMMin {
		return fmt.Errorf("DT_RPM_MAX (%v) must be > DT_RPM_MIN (%v)", c.RPMMax, c.RPMMin)
	}
	if c.RPMDefaultTarget < c.RPMMin || c.RPMDefaultTarget > c.RPMMax {
		return fmt.Errorf("DT_RPM_DEFAULT_TARGET (%v) must be within [%v, %v]", c.RPMDefaultTarget, c.RPMMin, c.RPMMax)
	}
	if c.RPMTauSeconds <= 0 {
		return fmt.Errorf("DT_RPM_TAU_SECONDS must be > 0, got %v", c.RPMTauSeconds)
	}
	if c.HistoryCapacity < 1 {
		return fmt.Errorf("DT_HISTORY_CAPACITY must be >= 1, got %d", c.HistoryCapacity)
	}
	if c.PoolSlots < 2 {
		return fmt.Errorf("DT_POOL_SLOTS must be >= 2, got %d", c.PoolSlots)
	}
	if c.PoolSlotBytes < 64 {
		return fmt.Errorf("DT_POOL_SLOT_BYTES must be >= 64, got %d", c.PoolSlotBytes)
	}
	if c.SessionOutboundQueue < 1 {
		return fmt.Errorf("DT_SESSION_OUTBOUND_QUEUE must be >= 1, got %d", c.SessionOutboundQueue)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("DT_LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("DT_LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}
	return nil
}

// TickPeriod returns the fixed physics step interval implied by TickHz.
func (c *Config) TickPeriod() time.Duration {
	return time.Duration(float64(time.Second) / c.TickHz)
}
