package ratelimit

import (
	"math"
	"sync/atomic"

	"golang.org/x/time/rate"

	rgerrors "github.com/rategate/rategate/errors"
)

// timedLimiter wraps a rate limiter with an atomic timestamp and exhaustion
// state. This enables TTL-based cleanup of stale limiters without locks
// while preserving rate limit state across cleanup cycles.
type timedLimiter struct {
	limiter *rate.Limiter
	// lastUsed stores the last access time as a Unix nanosecond timestamp,
	// updated atomically for thread-safe, lock-free reads.
	lastUsed atomic.Int64
	// exhausted records that this limiter was rate-limited at some point,
	// so cleanup never grants it fresh burst capacity.
	exhausted atomic.Bool
}

// checkLocalLimit enforces the local token-bucket rate limit.
//
// This is the fast-path check. If the limit is exceeded it calculates an
// optimal retry delay without consuming a token (reserve then cancel),
// preventing bucket capacity leaks, and marks the limiter exhausted for
// cleanup bookkeeping.
func (m *Middleware) checkLocalLimit(key string) error {
	limiter := m.getOrCreateLimiter(key)

	if !limiter.Allow() {
		m.localMu.RLock()
		if tl, ok := m.localLimiters[key]; ok {
			tl.exhausted.Store(true)
		}
		m.localMu.RUnlock()

		// Calculate retry delay without consuming tokens.
		reservation := limiter.Reserve()
		delay := reservation.Delay()
		reservation.Cancel()

		// Minimum 1-second retry to prevent tight client retry loops.
		retryAfter := int(math.Ceil(delay.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}

		return &rgerrors.RateLimitError{
			Scope:      "local",
			Key:        key,
			Limit:      m.localConfig.TokensPerSecond,
			RetryAfter: retryAfter,
		}
	}

	return nil
}
