// Package rategate wraps any http.RoundTripper with client-side rate
// limiting. Requests are throttled per key (by default the target host)
// through a local token bucket and, optionally, a Redis-backed fixed-window
// limiter shared across process instances. Once a limit is exhausted the
// transport answers with a synthesized 429 response carrying a Retry-After
// header instead of contacting the upstream.
//
// The quick constructors mirror common quota shapes:
//
//	rt, err := rategate.PerSecond(30)
//	client := &http.Client{Transport: rt}
//
// while New accepts a full configuration for dual-layer limiting and
// optional retries.
package rategate

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rategate/rategate/configuration"
	rgerrors "github.com/rategate/rategate/errors"
	"github.com/rategate/rategate/ratelimit"
	"github.com/rategate/rategate/retry"
	"github.com/rategate/rategate/transport"
)

// Construction errors.
var (
	// ErrNonPositivePeriod indicates WithPeriod was given a zero or negative interval.
	ErrNonPositivePeriod = errors.New("rate limit period must be positive")

	// ErrNonPositiveRate indicates a Per* constructor was given a zero or negative count.
	ErrNonPositiveRate = errors.New("rate limit count must be positive")
)

// KeyFunc derives the rate limiting key for a request. The default keys by
// target host, giving each upstream its own bucket.
type KeyFunc func(*http.Request) string

// Option customizes a Transport.
type Option func(*options)

type options struct {
	base    http.RoundTripper
	keyFunc KeyFunc
	redis   *redis.Client
	tenant  string
}

// WithBase sets the round tripper that executes requests which pass the
// limiter. Defaults to http.DefaultTransport.
func WithBase(rt http.RoundTripper) Option {
	return func(o *options) { o.base = rt }
}

// WithKeyFunc overrides per-host keying with a custom key derivation,
// e.g. keying by host and path, or by an API token header.
func WithKeyFunc(f KeyFunc) Option {
	return func(o *options) { o.keyFunc = f }
}

// WithRedis supplies an existing Redis client for global limiting instead of
// letting the transport dial one from configuration.
func WithRedis(client *redis.Client) Option {
	return func(o *options) { o.redis = client }
}

// WithTenant namespaces all limiter keys under a tenant identifier. Keys
// become "<tenant>:<key>", which keeps tenants isolated when instances share
// a Redis-backed global window.
func WithTenant(tenant string) Option {
	return func(o *options) { o.tenant = tenant }
}

// Transport is an http.RoundTripper that enforces rate limits before
// delegating to a base transport.
type Transport struct {
	handler transport.Handler
	limiter *ratelimit.Middleware
	retrier *retry.Middleware
	keyFunc KeyFunc
	tenant  string
	timeout time.Duration
}

// Stats aggregates the limiter and retry statistics of a Transport.
type Stats struct {
	RateLimit *ratelimit.Stats
	Retry     *retry.Stats
}

// New builds a Transport from a full configuration. The middleware pipeline
// is assembled with rate limiting at the attempt level, wrapped by retry
// when enabled, so every retry attempt is itself subject to the limiter.
func New(cfg *configuration.Config, opts ...Option) (*Transport, error) {
	if cfg == nil {
		cfg = configuration.DefaultConfig()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	limiter, err := ratelimit.NewMiddlewareWithRedis(cfg, o.redis)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
	}

	core := transport.NewRoundTripHandler(o.base)
	attemptHandler := transport.Chain(core, limiter.Wrap())

	handler := attemptHandler
	var retrier *retry.Middleware
	if cfg.Retry.Enabled {
		retrier, err = retry.NewMiddleware(cfg.Retry)
		if err != nil {
			limiter.Stop()
			return nil, fmt.Errorf("failed to initialize retry middleware: %w", err)
		}
		handler = retrier.Wrap()(attemptHandler)
	}

	return &Transport{
		handler: handler,
		limiter: limiter,
		retrier: retrier,
		keyFunc: o.keyFunc,
		tenant:  o.tenant,
		timeout: cfg.HTTPTimeout,
	}, nil
}

// WithPeriod builds a Transport that allows one request per key in the
// given interval. Returns ErrNonPositivePeriod if the interval is zero or
// negative.
func WithPeriod(period time.Duration, opts ...Option) (*Transport, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w (got %v)", ErrNonPositivePeriod, period)
	}
	return newLocalOnly(1/period.Seconds(), 1, opts...)
}

// PerSecond builds a Transport that allows n requests per key every second.
func PerSecond(n int, opts ...Option) (*Transport, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrNonPositiveRate, n)
	}
	return newLocalOnly(float64(n), n, opts...)
}

// PerMinute builds a Transport that allows n requests per key every minute.
func PerMinute(n int, opts ...Option) (*Transport, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrNonPositiveRate, n)
	}
	return newLocalOnly(float64(n)/60, n, opts...)
}

// PerHour builds a Transport that allows n requests per key every hour.
func PerHour(n int, opts ...Option) (*Transport, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrNonPositiveRate, n)
	}
	return newLocalOnly(float64(n)/3600, n, opts...)
}

// newLocalOnly builds a local-only limiting config around a token rate and
// burst, leaving global limiting and retries off.
func newLocalOnly(tokensPerSecond float64, burst int, opts ...Option) (*Transport, error) {
	cfg := configuration.DefaultConfig()
	cfg.RateLimit.Local = configuration.LocalRateLimitConfig{
		TokensPerSecond: tokensPerSecond,
		BurstSize:       burst,
		Enabled:         true,
	}
	cfg.RateLimit.Global.Enabled = false
	cfg.Retry.Enabled = false
	return New(cfg, opts...)
}

// Client returns an http.Client using this Transport.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip implements http.RoundTripper. Requests denied by the limiter
// yield a synthesized 429 response with a Retry-After header; all other
// pipeline failures surface as errors.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	treq := transport.FromHTTPRequest(req)
	treq.Timeout = t.timeout
	treq.TenantID = t.tenant
	if t.keyFunc != nil {
		treq.Key = t.keyFunc(req)
	}

	resp, err := t.handler.Handle(req.Context(), treq)
	if err != nil {
		// RoundTrip must always close the request body, even on paths that
		// never reach the base transport.
		closeRequestBody(req)

		var rlErr *rgerrors.RateLimitError
		if errors.As(err, &rlErr) {
			return limitedResponse(req, rlErr), nil
		}
		return nil, err
	}

	return resp.HTTPResponse, nil
}

// Stats returns a snapshot of limiter and retry statistics.
func (t *Transport) Stats() *Stats {
	s := &Stats{RateLimit: t.limiter.GetStats()}
	if t.retrier != nil {
		s.Retry = t.retrier.GetStats()
	}
	return s
}

// Close stops the limiter's background cleanup goroutine. The Transport
// must not be used after Close.
func (t *Transport) Close() {
	t.limiter.Stop()
}

// closeRequestBody releases the caller's request body when the base
// transport never ran and therefore never closed it.
func closeRequestBody(req *http.Request) {
	if req.Body != nil && req.Body != http.NoBody {
		_ = req.Body.Close()
	}
}

// limitedResponse synthesizes the 429 answer for a denied request. The
// Retry-After header carries whole seconds until another request will be
// allowed; X-RateLimit-Limit exposes the denying layer's limit.
func limitedResponse(req *http.Request, rlErr *rgerrors.RateLimitError) *http.Response {
	header := make(http.Header)
	header.Set("Retry-After", strconv.Itoa(rlErr.RetryAfter))
	header.Set("X-RateLimit-Limit", strconv.FormatFloat(rlErr.Limit, 'f', -1, 64))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests)),
		StatusCode:    http.StatusTooManyRequests,
		Proto:         req.Proto,
		ProtoMajor:    req.ProtoMajor,
		ProtoMinor:    req.ProtoMinor,
		Header:        header,
		Body:          http.NoBody,
		ContentLength: 0,
		Request:       req,
	}
}
