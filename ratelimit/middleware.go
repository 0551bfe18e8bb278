// Package ratelimit provides dual-layer rate limiting for outbound HTTP
// requests.
//
// The middleware combines a local token-bucket algorithm with an optional
// Redis-based distributed rate limiter, throttling requests per key (by
// default the target host) across multiple process instances. The system
// gracefully degrades to local-only limiting when Redis is unavailable and
// never fails open: when both Redis and local limiting are unavailable a
// conservative fallback limiter takes over.
//
// Stale per-key limiters are cleaned up in the background to prevent memory
// leaks in long-running clients that talk to many hosts.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/rategate/rategate/configuration"
	"github.com/rategate/rategate/transport"
)

// Cleanup and lifecycle constants.
const (
	// CleanupInterval determines the frequency of stale limiter cleanup.
	// A 1-hour interval balances memory usage with cleanup overhead.
	CleanupInterval = 1 * time.Hour

	// LimiterTTL defines the time-to-live for unused local limiters.
	// It matches the CleanupInterval to ensure deterministic cleanup behavior.
	LimiterTTL = 1 * time.Hour

	// LimiterTTLMultiplier scales the bucket refill time into a minimum TTL
	// so limiters stay alive long enough to be effective.
	LimiterTTLMultiplier = 10

	// DefaultFallbackRate is the conservative requests-per-second limit
	// enforced when Redis is down and local limiting is disabled.
	DefaultFallbackRate = 10
)

// Middleware implements dual-layer rate limiting for outbound requests.
//
// It operates in two phases: a fast local token-bucket check followed by an
// optional Redis-backed global check. Redis connectivity problems switch the
// middleware into degraded mode, where only local (or fallback) limiting
// applies. All operations are thread-safe.
type Middleware struct {
	// localMu protects access to the localLimiters map.
	localMu sync.RWMutex
	// localLimiters stores the per-key rate limiters with TTL tracking.
	localLimiters map[string]*timedLimiter
	// localConfig holds the configuration for the token bucket algorithm.
	localConfig configuration.LocalRateLimitConfig
	// limiterMinTTL is the minimum time-to-live for local limiters before
	// cleanup. Pre-calculated during initialization.
	limiterMinTTL time.Duration

	// globalClient is the Redis client for distributed rate limiting.
	globalClient *redis.Client
	// globalEnabled mirrors the global layer's Enabled flag.
	globalEnabled bool
	// globalRPS is the fixed-window request limit per second.
	globalRPS int
	// degraded flags local-only operation after Redis failures.
	degraded atomic.Bool

	// cleanupMu protects Start/Stop operations to prevent race conditions.
	cleanupMu sync.Mutex
	// cleanupTicker triggers periodic cleanup of stale local limiters.
	cleanupTicker *time.Ticker
	// cleanupStop signals the cleanup goroutine to terminate.
	cleanupStop chan struct{}
	// cleanupDone synchronizes the completion of the cleanup goroutine.
	cleanupDone sync.WaitGroup

	logger *slog.Logger
}

// NewMiddlewareWithRedis creates a rate limiting Middleware.
//
// It implements a dual-layer system with a local token-bucket limiter and an
// optional Redis-based global limiter, automatically falling back to
// local-only mode if Redis is unreachable. If the provided Redis client is
// nil and global limiting is enabled, a new client is created from the
// configuration.
//
// The constructor starts a background cleanup goroutine that removes stale
// local limiters every CleanupInterval; call Stop during shutdown to
// terminate it.
func NewMiddlewareWithRedis(cfg *configuration.Config, client *redis.Client) (*Middleware, error) {
	if err := cfg.ValidateRateLimit(); err != nil {
		return nil, err
	}

	local := cfg.RateLimit.Local
	global := &cfg.RateLimit.Global

	// Pre-calculate the minimum TTL for local limiters based on refill time.
	// Protects against division by zero when the rate is 0.
	var limiterMinTTL time.Duration
	if local.TokensPerSecond > 0 {
		refillTime := time.Duration(float64(local.BurstSize)/local.TokensPerSecond) * time.Second
		limiterMinTTL = refillTime * LimiterTTLMultiplier
	}
	if limiterMinTTL < time.Hour {
		limiterMinTTL = time.Hour
	}

	m := &Middleware{
		localLimiters: make(map[string]*timedLimiter),
		localConfig:   local,
		limiterMinTTL: limiterMinTTL,
		globalEnabled: global.Enabled,
		globalRPS:     global.RequestsPerSecond,
		logger:        slog.Default().With("component", "ratelimit"),
	}

	if global.Enabled {
		if client == nil {
			client = redis.NewClient(&redis.Options{
				Addr:         global.RedisAddr,
				Password:     global.RedisPassword,
				DB:           global.RedisDB,
				DialTimeout:  global.ConnectTimeout,
				ReadTimeout:  redisReadTimeout,
				WriteTimeout: redisWriteTimeout,
				PoolSize:     redisPoolSize,
			})

			ctx, cancel := context.WithTimeout(context.Background(), global.ConnectTimeout)
			defer cancel()

			if err := client.Ping(ctx).Err(); err != nil {
				m.logger.Warn("Redis connection failed, using local-only rate limiting", "error", err)
				m.degraded.Store(true)
				global.DegradedMode.Store(true)
			}
		}
		m.globalClient = client
	}

	m.Start()

	return m, nil
}

// Wrap returns the rate limiting middleware function for pipeline chaining.
//
// The returned middleware checks the local token-bucket limit first, then
// the global Redis limit. Redis errors switch the middleware into degraded
// mode rather than failing the request. Rate limit errors carry retry-after
// timing to guide client backoff.
func (m *Middleware) Wrap() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			key := m.buildKey(req)

			// Phase 1: local token bucket limiting (fast path).
			if m.localConfig.Enabled {
				if err := m.checkLocalLimit(key); err != nil {
					return nil, err
				}
			}

			// Phase 2: global Redis-based limiting with graceful degradation.
			if m.globalEnabled && !m.degraded.Load() {
				if err := m.handleGlobalLimit(ctx, key); err != nil {
					return nil, err
				}
			}

			// Phase 3: fallback limiting when degraded with local disabled.
			// Ensures we never fail open when both Redis and local limiting
			// are unavailable.
			if m.globalEnabled && m.degraded.Load() && !m.localConfig.Enabled {
				if err := m.checkFallbackLimit(key); err != nil {
					return nil, err
				}
			}

			return next.Handle(ctx, req)
		})
	}
}

// buildKey constructs the rate limiting key from request metadata.
// Per-tenant isolation prefixes the tenant onto the request key.
func (m *Middleware) buildKey(req *transport.Request) string {
	key := req.Key
	if key == "" {
		key = req.Host
	}
	if req.TenantID != "" {
		return fmt.Sprintf("%s:%s", req.TenantID, key)
	}
	return key
}

// handleGlobalLimit runs the global limit check and downgrades to degraded
// mode on Redis connectivity errors instead of failing the request.
func (m *Middleware) handleGlobalLimit(ctx context.Context, key string) error {
	err := m.checkGlobalLimit(ctx, key)
	if err == nil {
		return nil
	}

	if !m.isRedisError(err) {
		return err
	}

	m.logger.Warn("Redis error, switching to degraded mode", "error", err)
	m.degraded.Store(true)

	// If local limiting is disabled, enforce fallback rate limiting to
	// prevent a fail-open window while Redis is unavailable.
	if !m.localConfig.Enabled {
		return m.checkFallbackLimit(key)
	}

	return nil
}

// getOrCreateLimiter retrieves an existing token-bucket limiter or creates
// one, using double-checked locking to keep the read path cheap. Timestamps
// are updated atomically to enable lock-free TTL tracking for cleanup.
func (m *Middleware) getOrCreateLimiter(key string) *rate.Limiter {
	now := time.Now().UnixNano()

	m.localMu.RLock()
	if tl, ok := m.localLimiters[key]; ok {
		// Touch while holding RLock so CleanupStale (writer) can't delete
		// before we update.
		tl.lastUsed.Store(now)
		lim := tl.limiter
		m.localMu.RUnlock()
		return lim
	}
	m.localMu.RUnlock()

	m.localMu.Lock()
	if tl, ok := m.localLimiters[key]; ok {
		tl.lastUsed.Store(now)
		lim := tl.limiter
		m.localMu.Unlock()
		return lim
	}

	lim := rate.NewLimiter(rate.Limit(m.localConfig.TokensPerSecond), m.localConfig.BurstSize)
	tl := &timedLimiter{limiter: lim}
	tl.lastUsed.Store(now)
	m.localLimiters[key] = tl
	m.localMu.Unlock()
	return lim
}

// isRedisError determines if an error indicates a Redis connectivity issue,
// distinguishing infrastructure problems (network failures, timeouts) from
// application errors when deciding whether to enter degraded mode.
func (m *Middleware) isRedisError(err error) bool {
	if err == nil {
		return false
	}

	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

// Degraded reports whether the middleware has fallen back to local-only
// limiting after a Redis failure.
func (m *Middleware) Degraded() bool { return m.degraded.Load() }

// CleanupStale removes or resets local rate limiters unused since `before`.
//
// Limiters with full capacity that were never exhausted are deleted
// outright. Limiters that were rate-limited at some point are reset to an
// empty bucket and kept, so a key cannot dodge its limit by going idle long
// enough to be deleted and recreated with fresh burst capacity.
func (m *Middleware) CleanupStale(before time.Time) {
	m.localMu.Lock()
	defer m.localMu.Unlock()

	cutoff := before.Add(-m.limiterMinTTL).UnixNano()

	for key, tl := range m.localLimiters {
		if tl.lastUsed.Load() < cutoff {
			reservation := tl.limiter.Reserve()
			hasFullCapacity := reservation.OK() && reservation.Delay() == 0
			reservation.Cancel()

			if hasFullCapacity && !tl.exhausted.Load() {
				delete(m.localLimiters, key)
			} else {
				tl.exhausted.Store(true)
				tl.limiter = rate.NewLimiter(rate.Limit(m.localConfig.TokensPerSecond), 0)
			}
		}
	}
}

// Start initiates the background cleanup process for stale local limiters.
// Idempotent and thread-safe.
func (m *Middleware) Start() {
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()

	if m.cleanupTicker != nil {
		return // Already started.
	}

	m.cleanupStop = make(chan struct{})
	m.cleanupTicker = time.NewTicker(CleanupInterval)

	m.cleanupDone.Add(1)
	go m.cleanupLoop()

	m.logger.Info("rate limit cleanup started", "interval", CleanupInterval)
}

// Stop gracefully terminates the background cleanup goroutine, waiting for
// it to finish. Idempotent and thread-safe.
func (m *Middleware) Stop() {
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()

	if m.cleanupTicker == nil {
		return // Not started or already stopped.
	}

	close(m.cleanupStop)
	m.cleanupTicker.Stop()
	m.cleanupDone.Wait()

	m.cleanupTicker = nil
	m.logger.Info("rate limit cleanup stopped")
}

// cleanupLoop runs until signaled to stop, removing limiters not accessed
// within the configured TTL on each tick.
func (m *Middleware) cleanupLoop() {
	defer m.cleanupDone.Done()

	for {
		select {
		case <-m.cleanupTicker.C:
			cutoff := time.Now().Add(-LimiterTTL)
			m.CleanupStale(cutoff)
		case <-m.cleanupStop:
			return
		}
	}
}
