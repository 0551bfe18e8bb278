// Package configuration holds the configuration surface for the rategate
// transport: rate limiting (local and global layers), retry behavior, and
// HTTP client settings. Defaults are production-ready; validation catches
// misconfigurations before any limiter state is built.
package configuration

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Configuration validation errors.
var (
	ErrNegativeTokensPerSecond   = errors.New("invalid local rate limit: TokensPerSecond cannot be negative")
	ErrNegativeBurstSize         = errors.New("invalid local rate limit: BurstSize cannot be negative")
	ErrBurstWithoutRate          = errors.New("invalid local rate limit: BurstSize must be 0 when TokensPerSecond is 0")
	ErrNegativeRequestsPerSecond = errors.New("invalid global rate limit: RequestsPerSecond cannot be negative")
	ErrNoLimiterEnabled          = errors.New("invalid rate limit config: at least one limiter layer must be enabled")
)

// Config holds the complete configuration for a rategate transport.
// Includes rate limiting, retry, and HTTP client settings.
type Config struct {
	// HTTPTimeout bounds each upstream request. Zero means no transport-level
	// timeout beyond what the caller's context imposes.
	HTTPTimeout time.Duration `json:"http_timeout" yaml:"http_timeout"`

	// RateLimit configures the local and global limiter layers.
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`

	// Retry configures the backoff middleware.
	Retry RetryConfig `json:"retry" yaml:"retry"`
}

// RateLimitConfig controls local and global rate limiting strategies.
// Combines in-memory token buckets with a Redis-based fixed window algorithm
// for distributed rate limiting with graceful degradation.
type RateLimitConfig struct {
	// Local token bucket configuration.
	Local LocalRateLimitConfig `json:"local" yaml:"local"`

	// Global Redis-based configuration.
	Global GlobalRateLimitConfig `json:"global" yaml:"global"`
}

// LocalRateLimitConfig for in-memory per-key token buckets.
type LocalRateLimitConfig struct {
	TokensPerSecond float64 `json:"tokens_per_second" yaml:"tokens_per_second"`
	BurstSize       int     `json:"burst_size" yaml:"burst_size"`
	Enabled         bool    `json:"enabled" yaml:"enabled"`
}

// GlobalRateLimitConfig for Redis-based fixed window rate limiting.
type GlobalRateLimitConfig struct {
	Enabled           bool          `json:"enabled" yaml:"enabled"`
	RequestsPerSecond int           `json:"requests_per_second" yaml:"requests_per_second"`
	RedisAddr         string        `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword     string        `json:"-" yaml:"-"` // Sensitive
	RedisDB           int           `json:"redis_db" yaml:"redis_db"`
	ConnectTimeout    time.Duration `json:"connect_timeout" yaml:"connect_timeout"`

	// DegradedMode is runtime state, not serialized. Set when Redis becomes
	// unreachable and the limiter falls back to local-only operation.
	DegradedMode atomic.Bool `json:"-" yaml:"-"`
}

// RetryConfig controls retry behavior for failed requests.
// Implements exponential backoff with jitter for optimal retry timing.
type RetryConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts"`         // Total attempts including the first
	MaxElapsedTime  time.Duration `json:"max_elapsed_time" yaml:"max_elapsed_time"` // Total time budget for all attempts
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"` // Starting backoff duration
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval"`         // Maximum backoff duration
	Multiplier      float64       `json:"multiplier" yaml:"multiplier"`             // Exponential backoff multiplier
	UseJitter       bool          `json:"use_jitter" yaml:"use_jitter"`             // Enable full jitter randomization
}

// ValidateRateLimit performs comprehensive validation of the rate limiting
// configuration to prevent fail-open setups and nonsensical limiter state.
func (c *Config) ValidateRateLimit() error {
	if err := validateLocal(c.RateLimit.Local); err != nil {
		return err
	}
	if err := validateGlobal(&c.RateLimit.Global); err != nil {
		return err
	}
	if !c.RateLimit.Local.Enabled && !c.RateLimit.Global.Enabled {
		return ErrNoLimiterEnabled
	}
	return nil
}

// validateLocal ensures local rate limiting parameters are non-negative and
// enforces that BurstSize must be 0 when TokensPerSecond is 0.
func validateLocal(cfg LocalRateLimitConfig) error {
	if !cfg.Enabled {
		return nil // Skip validation when local limiting is disabled
	}

	if cfg.TokensPerSecond < 0 {
		return fmt.Errorf("%w (got %f)", ErrNegativeTokensPerSecond, cfg.TokensPerSecond)
	}
	if cfg.BurstSize < 0 {
		return fmt.Errorf("%w (got %d)", ErrNegativeBurstSize, cfg.BurstSize)
	}
	if cfg.TokensPerSecond == 0 && cfg.BurstSize > 0 {
		return ErrBurstWithoutRate
	}

	return nil
}

// validateGlobal ensures global rate limiting parameters are non-negative.
func validateGlobal(cfg *GlobalRateLimitConfig) error {
	if !cfg.Enabled {
		return nil // Skip validation when global limiting is disabled
	}

	if cfg.RequestsPerSecond < 0 {
		return fmt.Errorf("%w (got %d)", ErrNegativeRequestsPerSecond, cfg.RequestsPerSecond)
	}

	return nil
}
