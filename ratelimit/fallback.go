package ratelimit

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	rgerrors "github.com/rategate/rategate/errors"
)

// checkFallbackLimit enforces a conservative default rate limit when Redis
// is unavailable and local limiting is disabled. Without it the middleware
// would fail open during degraded operation. Fallback limiters share the
// local limiter map (under a "fallback:" prefix) so they participate in the
// same TTL cleanup.
func (m *Middleware) checkFallbackLimit(key string) error {
	fallbackKey := fmt.Sprintf("fallback:%s", key)

	lim := m.getOrCreateFallbackLimiter(fallbackKey)

	if !lim.Allow() {
		reservation := lim.Reserve()
		delay := reservation.Delay()
		reservation.Cancel()

		retryAfter := int(math.Ceil(delay.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}

		return &rgerrors.RateLimitError{
			Scope:      "fallback",
			Key:        key,
			Limit:      DefaultFallbackRate,
			RetryAfter: retryAfter,
		}
	}

	return nil
}

// getOrCreateFallbackLimiter mirrors getOrCreateLimiter but builds limiters
// with the conservative fallback rate instead of the configured local rate.
func (m *Middleware) getOrCreateFallbackLimiter(fallbackKey string) *rate.Limiter {
	now := time.Now().UnixNano()

	m.localMu.RLock()
	if tl, ok := m.localLimiters[fallbackKey]; ok {
		tl.lastUsed.Store(now)
		lim := tl.limiter
		m.localMu.RUnlock()
		return lim
	}
	m.localMu.RUnlock()

	m.localMu.Lock()
	if tl, ok := m.localLimiters[fallbackKey]; ok {
		tl.lastUsed.Store(now)
		lim := tl.limiter
		m.localMu.Unlock()
		return lim
	}

	lim := rate.NewLimiter(rate.Limit(DefaultFallbackRate), DefaultFallbackRate)
	tl := &timedLimiter{limiter: lim}
	tl.lastUsed.Store(now)
	m.localLimiters[fallbackKey] = tl
	m.localMu.Unlock()
	return lim
}
