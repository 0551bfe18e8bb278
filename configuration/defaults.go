package configuration

import (
	"time"
)

// HTTP and connection constants.
const (
	DefaultHTTPTimeout = 30 * time.Second
)

// Rate limiting constants.
const (
	DefaultTokensPerSecond = 10
	DefaultBurstSize       = 20
	DefaultConnectTimeout  = 5 * time.Second
)

// Retry constants.
const (
	DefaultMaxAttempts       = 3
	DefaultMaxElapsedTime    = 45 * time.Second
	DefaultInitialInterval   = 250 * time.Millisecond
	DefaultMaxInterval       = 5 * time.Second
	DefaultBackoffMultiplier = 2.0
)

// DefaultConfig returns a production-ready configuration with sensible
// defaults: local token-bucket limiting enabled, global Redis limiting
// disabled (opt-in, since it needs infrastructure), retries disabled
// (opt-in, since replaying requests is a caller-visible behavior change).
func DefaultConfig() *Config {
	return &Config{
		HTTPTimeout: DefaultHTTPTimeout,
		RateLimit: RateLimitConfig{
			Local: LocalRateLimitConfig{
				TokensPerSecond: DefaultTokensPerSecond,
				BurstSize:       DefaultBurstSize,
				Enabled:         true,
			},
			Global: GlobalRateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: DefaultTokensPerSecond,
				ConnectTimeout:    DefaultConnectTimeout,
			},
		},
		Retry: RetryConfig{
			Enabled:         false,
			MaxAttempts:     DefaultMaxAttempts,
			MaxElapsedTime:  DefaultMaxElapsedTime,
			InitialInterval: DefaultInitialInterval,
			MaxInterval:     DefaultMaxInterval,
			Multiplier:      DefaultBackoffMultiplier,
			UseJitter:       true,
		},
	}
}
