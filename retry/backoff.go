package retry

import (
	"errors"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/rategate/rategate/configuration"
	rgerrors "github.com/rategate/rategate/errors"
)

// calculateBackoff computes the retry delay using exponential backoff with
// full jitter, preferring Retry-After guidance from the error when present.
// Thread-safe via math/rand/v2.
func (r *Middleware) calculateBackoff(attempt int, err error) time.Duration {
	// Exponential backoff as the baseline. Enforce a minimum interval to
	// prevent hot looping on misconfigured intervals.
	baseBackoff := r.config.InitialInterval
	if baseBackoff <= 0 {
		baseBackoff = time.Millisecond
	}

	for i := 1; i < attempt; i++ {
		multiplier := r.config.Multiplier
		if multiplier < 1.0 {
			multiplier = 1.0
		}
		baseBackoff = time.Duration(float64(baseBackoff) * multiplier)
		if baseBackoff > r.config.MaxInterval {
			baseBackoff = r.config.MaxInterval
			break
		}
	}

	exponentialBackoff := baseBackoff
	if r.config.UseJitter {
		// Full jitter: random between 0 and the calculated backoff.
		jitterMs := rand.Int64N(baseBackoff.Milliseconds() + 1) // #nosec G404 -- non-cryptographic jitter is appropriate here
		exponentialBackoff = time.Duration(jitterMs) * time.Millisecond
	}

	// Server-specified retry delay takes precedence.
	if retryAfter := r.extractRetryAfter(err); retryAfter > 0 {
		return retryAfter
	}

	return exponentialBackoff
}

// calculatePureExponentialBackoff computes exponential backoff ignoring
// Retry-After guidance. Used when the server's retry-after conflicts with
// the overall time budget.
func (r *Middleware) calculatePureExponentialBackoff(attempt int) time.Duration {
	backoff := r.config.InitialInterval
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * r.config.Multiplier)
		if backoff > r.config.MaxInterval {
			backoff = r.config.MaxInterval
			break
		}
	}

	if r.config.UseJitter {
		jitterMs := rand.Int64N(backoff.Milliseconds() + 1) // #nosec G404 -- non-cryptographic jitter is appropriate here
		return time.Duration(jitterMs) * time.Millisecond
	}

	return backoff
}

// extractRetryAfter determines server-specified retry delays from error
// values, supporting the RetryAfterProvider interface and the structured
// error types directly.
func (r *Middleware) extractRetryAfter(err error) time.Duration {
	var provider rgerrors.RetryAfterProvider
	if errors.As(err, &provider) {
		return provider.GetRetryAfter()
	}

	var rlErr *rgerrors.RateLimitError
	if errors.As(err, &rlErr) && rlErr.RetryAfter > 0 {
		return time.Duration(rlErr.RetryAfter) * time.Second
	}

	var trErr *rgerrors.TransportError
	if errors.As(err, &trErr) && trErr.RetryAfter > 0 {
		return time.Duration(trErr.RetryAfter) * time.Second
	}

	return 0
}

// ParseRetryAfter converts a Retry-After header value to a duration.
// Handles numeric seconds and the HTTP-date forms; returns 0 when the value
// is absent, malformed, or already in the past.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	formats := []string{
		time.RFC1123, time.RFC1123Z,
		time.RFC822, time.RFC822Z,
		time.RFC850, time.ANSIC,
	}
	for _, format := range formats {
		if t, err := time.Parse(format, value); err == nil {
			duration := time.Until(t)
			if duration < 0 {
				return 0
			}
			return duration
		}
	}

	return 0
}

// ExponentialBackoff calculates retry delays using exponential backoff with
// optional full jitter. Standalone utility for callers implementing their
// own retry loops. Returns zero for non-positive attempt numbers.
func ExponentialBackoff(attempt int, config configuration.RetryConfig) time.Duration {
	if attempt <= 0 {
		return 0
	}

	backoff := config.InitialInterval
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if backoff > config.MaxInterval {
			backoff = config.MaxInterval
			break
		}
	}

	if config.UseJitter {
		jitterMs := rand.Int64N(backoff.Milliseconds() + 1) // #nosec G404 -- non-cryptographic jitter is appropriate here
		return time.Duration(jitterMs) * time.Millisecond
	}

	return backoff
}

// CalculateJitter adds proportional jitter to a base duration.
// Factor should be between 0 and 1; values outside the range are clamped.
func CalculateJitter(base time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return base
	}
	if factor > 1 {
		factor = 1
	}

	jitterRange := float64(base) * factor
	jitter := rand.Float64() * jitterRange // #nosec G404 -- non-cryptographic jitter is appropriate here

	return base + time.Duration(jitter)
}
