package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/rategate/rategate/configuration"
	rgerrors "github.com/rategate/rategate/errors"
	"github.com/rategate/rategate/transport"
)

// createTestMiddleware builds a Middleware directly without Redis or the
// background cleanup goroutine, for deterministic unit tests.
func createTestMiddleware(local configuration.LocalRateLimitConfig) *Middleware {
	return &Middleware{
		localLimiters: make(map[string]*timedLimiter),
		localConfig:   local,
		limiterMinTTL: time.Hour,
		logger:        slog.Default().With("component", "ratelimit"),
	}
}

func testRequest(key string) *transport.Request {
	return &transport.Request{
		Key:    key,
		Host:   key,
		Method: http.MethodGet,
	}
}

func TestNewMiddlewareWithRedis_InvalidConfig(t *testing.T) {
	cfg := configuration.DefaultConfig()
	cfg.RateLimit.Local.TokensPerSecond = -1

	_, err := NewMiddlewareWithRedis(cfg, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, configuration.ErrNegativeTokensPerSecond)
}

func TestNewMiddlewareWithRedis_LocalOnly(t *testing.T) {
	cfg := configuration.DefaultConfig()

	m, err := NewMiddlewareWithRedis(cfg, nil)
	require.NoError(t, err)
	defer m.Stop()

	assert.False(t, m.Degraded())
	assert.Nil(t, m.globalClient)
}

func TestCheckLocalLimit_AllowsWithinBurst(t *testing.T) {
	m := createTestMiddleware(configuration.LocalRateLimitConfig{
		TokensPerSecond: 1,
		BurstSize:       3,
		Enabled:         true,
	})

	for i := 0; i < 3; i++ {
		assert.NoError(t, m.checkLocalLimit("api.example.com"), "request %d within burst", i+1)
	}
}

func TestCheckLocalLimit_DeniesWhenExhausted(t *testing.T) {
	m := createTestMiddleware(configuration.LocalRateLimitConfig{
		TokensPerSecond: 1,
		BurstSize:       1,
		Enabled:         true,
	})

	require.NoError(t, m.checkLocalLimit("api.example.com"))

	err := m.checkLocalLimit("api.example.com")
	require.Error(t, err)

	var rlErr *rgerrors.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, "local", rlErr.Scope)
	assert.Equal(t, "api.example.com", rlErr.Key)
	assert.GreaterOrEqual(t, rlErr.RetryAfter, 1)
	assert.True(t, errors.Is(err, rgerrors.ErrRateLimitExceeded))
}

func TestCheckLocalLimit_DenialDoesNotConsumeTokens(t *testing.T) {
	m := createTestMiddleware(configuration.LocalRateLimitConfig{
		TokensPerSecond: 100,
		BurstSize:       1,
		Enabled:         true,
	})

	require.NoError(t, m.checkLocalLimit("k"))
	require.Error(t, m.checkLocalLimit("k"))

	// A denied check must not push the refill further out: one token refills
	// in 10ms at 100 tokens/sec regardless of how many denials happened.
	for i := 0; i < 5; i++ {
		_ = m.checkLocalLimit("k")
	}
	time.Sleep(15 * time.Millisecond)
	assert.NoError(t, m.checkLocalLimit("k"))
}

func TestCheckLocalLimit_IsolatesKeys(t *testing.T) {
	m := createTestMiddleware(configuration.LocalRateLimitConfig{
		TokensPerSecond: 1,
		BurstSize:       1,
		Enabled:         true,
	})

	require.NoError(t, m.checkLocalLimit("a.example.com"))
	require.Error(t, m.checkLocalLimit("a.example.com"))

	// Exhausting one key's bucket must not affect another key.
	assert.NoError(t, m.checkLocalLimit("b.example.com"))
}

func TestCheckLocalLimit_MarksExhausted(t *testing.T) {
	m := createTestMiddleware(configuration.LocalRateLimitConfig{
		TokensPerSecond: 1,
		BurstSize:       1,
		Enabled:         true,
	})

	require.NoError(t, m.checkLocalLimit("k"))
	require.Error(t, m.checkLocalLimit("k"))

	m.localMu.RLock()
	tl := m.localLimiters["k"]
	m.localMu.RUnlock()

	require.NotNil(t, tl)
	assert.True(t, tl.exhausted.Load())
}

func TestGetOrCreateLimiter_Concurrent(t *testing.T) {
	m := createTestMiddleware(configuration.LocalRateLimitConfig{
		TokensPerSecond: 10,
		BurstSize:       10,
		Enabled:         true,
	})

	const goroutines = 50
	limiters := make([]*rate.Limiter, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			limiters[idx] = m.getOrCreateLimiter("shared")
		}(i)
	}
	wg.Wait()

	// Every goroutine must observe the same limiter instance.
	for i := 1; i < goroutines; i++ {
		assert.Same(t, limiters[0], limiters[i])
	}

	m.localMu.RLock()
	assert.Len(t, m.localLimiters, 1)
	m.localMu.RUnlock()
}

func TestBuildKey(t *testing.T) {
	m := createTestMiddleware(configuration.LocalRateLimitConfig{Enabled: true})

	tests := []struct {
		name string
		req  *transport.Request
		want string
	}{
		{
			name: "explicit key",
			req:  &transport.Request{Key: "api.example.com", Host: "api.example.com"},
			want: "api.example.com",
		},
		{
			name: "falls back to host",
			req:  &transport.Request{Host: "api.example.com"},
			want: "api.example.com",
		},
		{
			name: "tenant prefix",
			req:  &transport.Request{Key: "api.example.com", TenantID: "tenant-1"},
			want: "tenant-1:api.example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.buildKey(tt.req))
		})
	}
}

func TestWrap_AllowsAndDenies(t *testing.T) {
	m := createTestMiddleware(configuration.LocalRateLimitConfig{
		TokensPerSecond: 1,
		BurstSize:       2,
		Enabled:         true,
	})

	var coreCalls int
	core := transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		coreCalls++
		return &transport.Response{StatusCode: http.StatusOK}, nil
	})

	h := m.Wrap()(core)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.Handle(ctx, testRequest("api.example.com"))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, coreCalls)

	_, err := h.Handle(ctx, testRequest("api.example.com"))
	require.Error(t, err)

	var rlErr *rgerrors.RateLimitError
	assert.ErrorAs(t, err, &rlErr)
	assert.Equal(t, 2, coreCalls, "denied request must not reach the core handler")
}

func TestWrap_LocalDisabledSkipsLocalCheck(t *testing.T) {
	m := createTestMiddleware(configuration.LocalRateLimitConfig{Enabled: false})

	core := transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusOK}, nil
	})

	h := m.Wrap()(core)
	for i := 0; i < 20; i++ {
		_, err := h.Handle(context.Background(), testRequest("api.example.com"))
		require.NoError(t, err)
	}
}

func TestCheckFallbackLimit(t *testing.T) {
	m := createTestMiddleware(configuration.LocalRateLimitConfig{Enabled: false})

	for i := 0; i < DefaultFallbackRate; i++ {
		require.NoError(t, m.checkFallbackLimit("api.example.com"), "request %d within fallback burst", i+1)
	}

	err := m.checkFallbackLimit("api.example.com")
	require.Error(t, err)

	var rlErr *rgerrors.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, "fallback", rlErr.Scope)
	assert.Equal(t, "api.example.com", rlErr.Key)
	assert.GreaterOrEqual(t, rlErr.RetryAfter, 1)

	// Fallback limiters live under a prefixed key in the shared map so they
	// participate in TTL cleanup.
	m.localMu.RLock()
	_, ok := m.localLimiters["fallback:api.example.com"]
	m.localMu.RUnlock()
	assert.True(t, ok)
}

func TestDegradedFallback_NeverFailsOpen(t *testing.T) {
	m := createTestMiddleware(configuration.LocalRateLimitConfig{Enabled: false})
	m.globalEnabled = true
	m.degraded.Store(true)

	core := transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusOK}, nil
	})

	h := m.Wrap()(core)

	denied := 0
	for i := 0; i < DefaultFallbackRate*2; i++ {
		if _, err := h.Handle(context.Background(), testRequest("api.example.com")); err != nil {
			denied++
		}
	}
	assert.Positive(t, denied, "degraded mode with local limiting disabled must still limit")
}

func TestIsRedisError(t *testing.T) {
	m := createTestMiddleware(configuration.LocalRateLimitConfig{Enabled: true})

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, true},
		{"plain error", errors.New("boom"), false},
		{"rate limit error", &rgerrors.RateLimitError{Scope: "global", Key: "k"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.isRedisError(tt.err))
		})
	}
}

func TestCleanupStale_DeletesIdleFullCapacityLimiters(t *testing.T) {
	m := createTestMiddleware(configuration.LocalRateLimitConfig{
		TokensPerSecond: 10,
		BurstSize:       10,
		Enabled:         true,
	})

	require.NoError(t, m.checkLocalLimit("idle.example.com"))

	// Backdate the limiter past the TTL and let the bucket refill.
	m.localMu.Lock()
	m.localLimiters["idle.example.com"].lastUsed.Store(
		time.Now().Add(-2 * m.limiterMinTTL).UnixNano())
	m.localMu.Unlock()
	time.Sleep(150 * time.Millisecond)

	m.CleanupStale(time.Now())

	m.localMu.RLock()
	_, ok := m.localLimiters["idle.example.com"]
	m.localMu.RUnlock()
	assert.False(t, ok, "never-exhausted idle limiter should be deleted")
}

func TestCleanupStale_PreservesExhaustedLimiters(t *testing.T) {
	m := createTestMiddleware(configuration.LocalRateLimitConfig{
		TokensPerSecond: 1,
		BurstSize:       1,
		Enabled:         true,
	})

	require.NoError(t, m.checkLocalLimit("busy.example.com"))
	require.Error(t, m.checkLocalLimit("busy.example.com"))

	m.localMu.Lock()
	m.localLimiters["busy.example.com"].lastUsed.Store(
		time.Now().Add(-2 * m.limiterMinTTL).UnixNano())
	m.localMu.Unlock()

	m.CleanupStale(time.Now())

	// The exhausted limiter is kept with zero burst so going idle never
	// resets a key's rate limit state.
	m.localMu.RLock()
	tl, ok := m.localLimiters["busy.example.com"]
	m.localMu.RUnlock()
	require.True(t, ok, "exhausted limiter must survive cleanup")
	assert.True(t, tl.exhausted.Load())
	assert.Equal(t, 0, tl.limiter.Burst())
}

func TestCleanupStale_KeepsRecentlyUsedLimiters(t *testing.T) {
	m := createTestMiddleware(configuration.LocalRateLimitConfig{
		TokensPerSecond: 10,
		BurstSize:       10,
		Enabled:         true,
	})

	require.NoError(t, m.checkLocalLimit("fresh.example.com"))

	m.CleanupStale(time.Now())

	m.localMu.RLock()
	_, ok := m.localLimiters["fresh.example.com"]
	m.localMu.RUnlock()
	assert.True(t, ok)
}

func TestStartStop_Idempotent(t *testing.T) {
	m := createTestMiddleware(configuration.LocalRateLimitConfig{
		TokensPerSecond: 10,
		BurstSize:       10,
		Enabled:         true,
	})

	m.Start()
	m.Start() // Second Start is a no-op.
	m.Stop()
	m.Stop() // Second Stop is a no-op.
}

func TestGetStats(t *testing.T) {
	m := createTestMiddleware(configuration.LocalRateLimitConfig{
		TokensPerSecond: 10,
		BurstSize:       10,
		Enabled:         true,
	})

	require.NoError(t, m.checkLocalLimit("a.example.com"))
	require.NoError(t, m.checkLocalLimit("b.example.com"))

	stats := m.GetStats()
	assert.Equal(t, 2, stats.LocalLimiters)
	assert.False(t, stats.GlobalEnabled)
	assert.False(t, stats.DegradedMode)
}

func TestCheckGlobalLimit_NilClientSkips(t *testing.T) {
	m := createTestMiddleware(configuration.LocalRateLimitConfig{Enabled: true})
	m.globalRPS = 100

	assert.NoError(t, m.checkGlobalLimit(context.Background(), "api.example.com"))
}
