// Package config loads adapter configuration from the environment,
// with an optional local .env file for development convenience.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every recognized option from spec.md §6.
//
// Tags:
//
//	env:        environment variable name
//	envDefault: default value if not set
type Config struct {
	// Upstream OneBot gateway.
	UpstreamURL         string `env:"UPSTREAM_URL" envDefault:"ws://127.0.0.1:6700"`
	AccessToken         string `env:"ACCESS_TOKEN"`
	Reconnect           bool   `env:"RECONNECT" envDefault:"true"`
	ReconnectMinMs      int    `env:"RECONNECT_MIN_MS" envDefault:"1000"`
	ReconnectMaxMs      int    `env:"RECONNECT_MAX_MS" envDefault:"15000"`
	RequestTimeoutMs    int    `env:"REQUEST_TIMEOUT_MS" envDefault:"15000"`
	AutoWaitOpen        bool   `env:"AUTO_WAIT_OPEN" envDefault:"true"`

	// RateLimiter.
	RateMaxConcurrency int `env:"RATE_MAX_CONCURRENCY" envDefault:"5"`
	RateMinIntervalMs  int `env:"RATE_MIN_INTERVAL_MS" envDefault:"200"`

	// Downstream StreamServer.
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"3210"`

	// Debug / policy toggles.
	IncludeRaw       bool `env:"INCLUDE_RAW" envDefault:"false"`
	SkipAnimatedEmoji bool `env:"SKIP_ANIMATED_EMOJI" envDefault:"false"`
	SkipVoice        bool `env:"SKIP_VOICE" envDefault:"true"`
	LogFiltered      bool `env:"LOG_FILTERED" envDefault:"false"`

	// RPC retry.
	RPCRetryEnabled     bool `env:"RPC_RETRY_ENABLED" envDefault:"true"`
	RPCRetryIntervalMs  int  `env:"RPC_RETRY_INTERVAL_MS" envDefault:"10000"`
	RPCRetryMaxAttempts int  `env:"RPC_RETRY_MAX_ATTEMPTS" envDefault:"60"`

	// Whitelists, comma-separated lists of integer IDs; empty means
	// allow-all for that kind.
	WhitelistGroups []int64 `env:"WHITELIST_GROUPS" envSeparator:","`
	WhitelistUsers  []int64 `env:"WHITELIST_USERS" envSeparator:","`

	// Downstream auth.
	AuthSecret     string `env:"AUTH_SECRET" envDefault:"change-me-in-production"`
	AuthRequired   bool   `env:"AUTH_REQUIRED" envDefault:"false"`
	TokenTTLSec    int    `env:"TOKEN_TTL_SEC" envDefault:"3600"`

	// Optional NATS relay.
	RelayEnabled bool   `env:"RELAY_ENABLED" envDefault:"false"`
	RelayURL     string `env:"RELAY_URL" envDefault:"nats://localhost:4222"`
	RelaySubject string `env:"RELAY_SUBJECT" envDefault:"qqadapter.events.message"`

	// Logging.
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from environment variables, falling back to
// an optional .env file. Priority: ENV vars > .env file > defaults,
// matching the teacher pack's config loader.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration overrides from .env file")
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

// Validate checks configuration for out-of-range or missing required
// values.
func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("UPSTREAM_URL is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.RateMaxConcurrency < 1 {
		return fmt.Errorf("RATE_MAX_CONCURRENCY must be > 0, got %d", c.RateMaxConcurrency)
	}
	if c.RateMinIntervalMs < 0 {
		return fmt.Errorf("RATE_MIN_INTERVAL_MS must be >= 0, got %d", c.RateMinIntervalMs)
	}
	if c.ReconnectMinMs <= 0 || c.ReconnectMaxMs < c.ReconnectMinMs {
		return fmt.Errorf("RECONNECT_MIN_MS/RECONNECT_MAX_MS must satisfy 0 < min <= max")
	}
	if c.RequestTimeoutMs <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_MS must be > 0, got %d", c.RequestTimeoutMs)
	}
	if c.RPCRetryMaxAttempts < 1 {
		return fmt.Errorf("RPC_RETRY_MAX_ATTEMPTS must be > 0, got %d", c.RPCRetryMaxAttempts)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json, console (got %s)", c.LogFormat)
	}

	return nil
}

// WhitelistGroupSet / WhitelistUserSet materialize the configured
// slices into lookup sets for the StreamServer.
func (c *Config) WhitelistGroupSet() map[int64]bool { return toSet(c.WhitelistGroups) }
func (c *Config) WhitelistUserSet() map[int64]bool  { return toSet(c.WhitelistUsers) }

func toSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
