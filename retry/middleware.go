// Package retry provides a backoff middleware for the rategate pipeline.
// It retries transient failures with exponential backoff and full jitter,
// respecting Retry-After guidance from rate limiters and upstream servers,
// and never replays a request whose body cannot be rewound.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/rategate/rategate/configuration"
	rgerrors "github.com/rategate/rategate/errors"
	"github.com/rategate/rategate/transport"
)

var (
	// Configuration validation errors.
	errMaxAttemptsInvalid     = errors.New("maxAttempts must be greater than 0")
	errInitialIntervalInvalid = errors.New("initialInterval must be greater than 0")
	errMaxIntervalInvalid     = errors.New("maxInterval must be >= initialInterval")
	errMultiplierInvalid      = errors.New("multiplier must be >= 1.0")
	errMaxElapsedTimeInvalid  = errors.New("maxElapsedTime must be >= 0")

	// Runtime errors.
	errContextCancelledBeforeRetry = errors.New("context cancelled before retry")
	errContextCancelledDuringRetry = errors.New("context cancelled during retry")
	errAllRetriesExhausted         = errors.New("all retries exhausted")
)

// Middleware implements retry logic with exponential backoff for transient
// failures, honoring provider retry guidance such as Retry-After values
// carried by rate limit errors.
type Middleware struct {
	config configuration.RetryConfig
	logger *slog.Logger
	stats  *retryStats
}

// NewMiddleware creates retry middleware with the given configuration.
// Exponential backoff with full jitter gives optimal retry distribution
// across concurrent clients.
func NewMiddleware(cfg configuration.RetryConfig) (*Middleware, error) {
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("%w, got %d", errMaxAttemptsInvalid, cfg.MaxAttempts)
	}
	if cfg.InitialInterval <= 0 {
		return nil, fmt.Errorf("%w, got %v", errInitialIntervalInvalid, cfg.InitialInterval)
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		return nil, fmt.Errorf("%w, MaxInterval: %v, InitialInterval: %v",
			errMaxIntervalInvalid, cfg.MaxInterval, cfg.InitialInterval)
	}
	if cfg.Multiplier < 1.0 {
		return nil, fmt.Errorf("%w, got %f", errMultiplierInvalid, cfg.Multiplier)
	}
	if cfg.MaxElapsedTime < 0 {
		return nil, fmt.Errorf("%w, got %v", errMaxElapsedTimeInvalid, cfg.MaxElapsedTime)
	}

	return &Middleware{
		config: cfg,
		logger: slog.Default().With("component", "retry"),
		stats:  &retryStats{},
	}, nil
}

// Wrap returns the retry middleware function for pipeline chaining.
func (r *Middleware) Wrap() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			var lastErr error
			startTime := time.Now()

			// Fail fast if the context is already cancelled.
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", errContextCancelledBeforeRetry, ctx.Err())
			default:
			}

			maxAttempts := r.config.MaxAttempts

			for attempt := 1; attempt <= maxAttempts; attempt++ {
				// Respect the overall time budget.
				if r.config.MaxElapsedTime > 0 && time.Since(startTime) > r.config.MaxElapsedTime {
					r.logger.Warn("max elapsed time exceeded",
						"elapsed", time.Since(startTime),
						"attempts", attempt-1,
						"last_error", lastErr)
					break
				}

				if attempt > 1 {
					if err := rewindBody(req.HTTPRequest); err != nil {
						// Cannot safely replay; surface the previous failure.
						return nil, fmt.Errorf("%w: %w", err, lastErr)
					}
				}

				resp, err := next.Handle(ctx, req)
				r.stats.totalAttempts.Add(1)

				if err == nil {
					statusErr := r.classifyResponse(resp, req)
					if statusErr == nil || attempt == maxAttempts || !bodyReplayable(req.HTTPRequest) {
						if attempt > 1 {
							r.stats.successfulRetries.Add(1)
							r.logger.Info("request succeeded after retry",
								"attempt", attempt,
								"host", req.Host,
								"method", req.Method)
						} else {
							r.stats.successfulFirstAttempts.Add(1)
						}
						return resp, nil
					}

					backoff, ok := r.nextBackoff(attempt, statusErr, startTime)
					if !ok {
						// No room left in the budget; hand the upstream
						// response back rather than swallowing it.
						return resp, nil
					}

					// The response is being replaced by a retry; drain its
					// body so the connection can be reused.
					drainResponse(resp)
					lastErr = statusErr
					r.recordBackoffMetrics(backoff)

					r.logger.Debug("retrying upstream status",
						"attempt", attempt,
						"status", resp.StatusCode,
						"backoff", backoff,
						"host", req.Host)

					select {
					case <-time.After(backoff):
					case <-ctx.Done():
						return nil, fmt.Errorf("%w: %w", errContextCancelledDuringRetry, ctx.Err())
					}
					continue
				}

				if !r.isRetryable(err, req) {
					r.logger.Debug("non-retryable error",
						"error", err,
						"attempt", attempt,
						"host", req.Host)
					return nil, err
				}

				lastErr = err

				if attempt == maxAttempts {
					break
				}

				backoff, ok := r.nextBackoff(attempt, err, startTime)
				if !ok {
					r.logger.Warn("max elapsed time exceeded",
						"elapsed", time.Since(startTime),
						"attempts", attempt,
						"last_error", err)
					break
				}
				r.recordBackoffMetrics(backoff)

				r.logger.Debug("retrying after backoff",
					"attempt", attempt,
					"backoff", backoff,
					"error", err,
					"host", req.Host)

				select {
				case <-time.After(backoff):
					// Continue to next attempt.
				case <-ctx.Done():
					return nil, fmt.Errorf("%w: %w", errContextCancelledDuringRetry, ctx.Err())
				}
			}

			r.stats.failedRetries.Add(1)
			return nil, fmt.Errorf("%w after %d attempts: %w",
				errAllRetriesExhausted, maxAttempts, lastErr)
		})
	}
}

// classifyResponse maps a retryable upstream status (429, 408/504, 5xx) to a
// TransportError carrying any Retry-After guidance, so the backoff machinery
// treats it like a transient failure. Returns nil for responses that should
// be handed back to the caller as-is.
func (r *Middleware) classifyResponse(resp *transport.Response, req *transport.Request) error {
	errType := rgerrors.ClassifyStatus(resp.StatusCode)
	switch errType {
	case rgerrors.ErrorTypeRateLimit, rgerrors.ErrorTypeTimeout, rgerrors.ErrorTypeServer:
	default:
		return nil
	}

	retryAfter := 0
	if resp.HTTPResponse != nil {
		if d := ParseRetryAfter(resp.HTTPResponse.Header.Get("Retry-After")); d > 0 {
			retryAfter = int(math.Ceil(d.Seconds()))
		}
	}

	return &rgerrors.TransportError{
		Host:       req.Host,
		Method:     req.Method,
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
		Type:       errType,
		RetryAfter: retryAfter,
	}
}

// responseDrainLimit caps how much of a discarded body is read before closing,
// enough to let the connection be reused without slurping huge error pages.
const responseDrainLimit = 4 << 10

// drainResponse discards and closes the body of a response that is being
// replaced by a retry.
func drainResponse(resp *transport.Response) {
	if resp == nil || resp.HTTPResponse == nil || resp.HTTPResponse.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.HTTPResponse.Body, responseDrainLimit))
	_ = resp.HTTPResponse.Body.Close()
}

// nextBackoff computes the delay before the next attempt. A Retry-After that
// would blow the elapsed budget falls back to pure exponential timing; ok is
// false when nothing fits within the budget.
func (r *Middleware) nextBackoff(attempt int, err error, startTime time.Time) (time.Duration, bool) {
	backoff := r.calculateBackoff(attempt, err)
	if r.config.MaxElapsedTime > 0 {
		elapsed := time.Since(startTime)
		if elapsed+backoff > r.config.MaxElapsedTime {
			exponential := r.calculatePureExponentialBackoff(attempt)
			if r.extractRetryAfter(err) <= 0 || elapsed+exponential > r.config.MaxElapsedTime {
				return 0, false
			}
			backoff = exponential
		}
	}
	return backoff, true
}

// isRetryable evaluates error types and request replayability to determine
// retry eligibility. Rate limits, timeouts, network failures, and retryable
// upstream statuses qualify; everything else fails immediately.
func (r *Middleware) isRetryable(err error, req *transport.Request) bool {
	if err == nil {
		return false
	}

	if !bodyReplayable(req.HTTPRequest) {
		return false
	}

	var rlErr *rgerrors.RateLimitError
	if errors.As(err, &rlErr) {
		return true // Always retry rate limits.
	}

	var trErr *rgerrors.TransportError
	if errors.As(err, &trErr) {
		return trErr.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if rgerrors.IsNetworkError(err) {
		return true
	}

	// Check the RetryAfterProvider interface last to handle custom error
	// types that carry explicit retry guidance.
	var provider rgerrors.RetryAfterProvider
	if errors.As(err, &provider) {
		return true
	}

	return false
}

// bodyReplayable reports whether a request can safely be sent again.
// Bodyless requests always qualify; requests with a body need GetBody.
func bodyReplayable(req *http.Request) bool {
	if req.Body == nil || req.Body == http.NoBody {
		return true
	}
	return req.GetBody != nil
}

// rewindBody restores the request body from GetBody before a replay.
func rewindBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	if req.GetBody == nil {
		return rgerrors.ErrBodyNotReplayable
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("rewind request body: %w", err)
	}
	req.Body = body
	return nil
}
