package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	rgerrors "github.com/rategate/rategate/errors"
)

// Redis configuration constants.
const (
	// redisReadTimeout balances responsiveness with network latency tolerance.
	redisReadTimeout = 5 * time.Second

	// redisWriteTimeout matches the read timeout for consistent behavior.
	redisWriteTimeout = 5 * time.Second

	// redisPoolSize is sized for moderate concurrent load per instance.
	redisPoolSize = 10

	millisPerSecond = 1000

	// Retry-after bounds: a 1-second floor prevents tight loops, a 1-hour
	// ceiling caps stale TTL values.
	minRetryAfterSeconds = 1
	maxRetryAfterSeconds = 3600

	// fallbackRetryInterval stands in when Redis reports an invalid TTL.
	fallbackRetryInterval = 1 * time.Second
)

// globalWindowScript is the atomic Lua script for distributed rate limiting
// with fixed 1-second windows. Counter initialization, incrementing, and TTL
// management happen in a single Redis operation, eliminating race conditions
// and extra round-trips.
var globalWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local window = tonumber(ARGV[1])    -- Window duration in milliseconds
	local limit = tonumber(ARGV[2])     -- Request limit per window

	-- Get current request count for this window
	local current = redis.call('GET', key)
	if current == false then
		-- First request in new window, initialize counter with TTL
		redis.call('SET', key, 1, 'PX', window)
		return {1, limit - 1}  -- Allow request, return remaining capacity
	end

	local count = tonumber(current)
	if count < limit then
		-- Within limit, increment counter and preserve TTL
		local newCount = redis.call('INCR', key)
		local ttl = redis.call('PTTL', key)
		if ttl == -1 then
			-- Key exists without TTL (edge case), restore window expiration
			redis.call('PEXPIRE', key, window)
		end
		return {1, limit - newCount}  -- Allow request, return remaining capacity
	else
		-- Rate limit exceeded, return retry timing
		local ttl = redis.call('PTTL', key)
		return {0, ttl}  -- Deny request, return milliseconds until window reset
	end
`)

// checkGlobalLimit enforces the distributed rate limit using a Redis fixed
// window. If the limit is exceeded it returns a RateLimitError with retry
// timing derived from the window's remaining TTL. Malformed Redis responses
// switch the middleware into degraded mode instead of failing the request.
func (m *Middleware) checkGlobalLimit(ctx context.Context, key string) error {
	if m.globalClient == nil {
		return nil // No global client configured, skip global limiting.
	}

	limit := int64(m.globalRPS)

	// Validation rejects negative limits at construction; re-check at
	// runtime so a future config mutation cannot open the window.
	if limit < 0 {
		m.logger.Error("negative global rate limit detected at runtime", "limit", limit)
		return fmt.Errorf("invalid global rate limit: RequestsPerSecond cannot be negative (got %d)", limit)
	}

	// RequestsPerSecond == 0 disables the global layer.
	if limit == 0 {
		return nil
	}

	globalKey := fmt.Sprintf("rl:global:%s", key)
	windowMs := int64(millisPerSecond)

	result, err := globalWindowScript.Run(ctx, m.globalClient, []string{globalKey},
		windowMs, limit).Result()
	if err != nil {
		return fmt.Errorf("global rate limit check failed: %w", err)
	}

	// Parse Redis response: [allowed, remaining_or_ttl].
	res, ok := result.([]any)
	if !ok || len(res) < 2 {
		m.logger.Warn("invalid Redis response format, switching to degraded mode", "response", result)
		m.degraded.Store(true)
		return nil
	}

	allowed, ok := res[0].(int64)
	if !ok {
		m.logger.Warn("invalid Redis allowed value format, switching to degraded mode", "allowed", res[0])
		m.degraded.Store(true)
		return nil
	}

	if allowed == 0 {
		retryAfterMs, ok := res[1].(int64)
		if !ok || retryAfterMs <= 0 {
			retryAfterMs = int64(fallbackRetryInterval / time.Millisecond)
		}

		retryAfterSecs := int(retryAfterMs / millisPerSecond)
		if retryAfterSecs < minRetryAfterSeconds {
			retryAfterSecs = minRetryAfterSeconds
		}
		if retryAfterSecs > maxRetryAfterSeconds {
			retryAfterSecs = maxRetryAfterSeconds
		}

		return &rgerrors.RateLimitError{
			Scope:      "global",
			Key:        key,
			Limit:      float64(limit),
			RetryAfter: retryAfterSecs,
		}
	}

	return nil
}
