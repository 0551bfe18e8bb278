// Package errors defines the structured error types shared across the
// rategate middleware pipeline. Types carry enough context (scope, key,
// retry timing) for the retry middleware to compute backoff and for the
// transport boundary to synthesize 429 responses.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ErrorType categorizes pipeline failures for retry classification.
// Types determine whether a request should be retried and with what
// backoff strategy.
type ErrorType string

const (
	// ErrorTypeTimeout indicates request timeout or deadline exceeded (retryable).
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeRateLimit indicates a rate limit was exceeded, retry with backoff (retryable).
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeNetwork indicates network connectivity issues (retryable).
	ErrorTypeNetwork ErrorType = "network"

	// ErrorTypeServer indicates an upstream 5xx failure (retryable).
	ErrorTypeServer ErrorType = "server_error"

	// ErrorTypeClient indicates a non-retryable 4xx failure.
	ErrorTypeClient ErrorType = "client_error"

	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = "unknown"
)

// Common pipeline errors for consistent error handling.
var (
	// ErrRateLimitExceeded indicates a rate limit has been exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrMaxRetriesExceeded indicates maximum retry attempts were exhausted.
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// ErrBodyNotReplayable indicates a request body cannot be rewound for retry.
	ErrBodyNotReplayable = errors.New("request body not replayable")
)

// RetryAfterProvider is implemented by error types that can recommend a
// wait duration before the next attempt.
type RetryAfterProvider interface {
	// GetRetryAfter returns the recommended duration to wait before the
	// next attempt, or zero when no guidance is available.
	GetRetryAfter() time.Duration
}

// RateLimitError provides detailed rate limit context for backoff calculation
// and 429 response synthesis. Scope distinguishes which limiter layer denied
// the request.
type RateLimitError struct {
	Scope      string  `json:"scope"`       // "local", "global", or "fallback"
	Key        string  `json:"key"`         // Rate limiting key that was denied
	Limit      float64 `json:"limit"`       // Configured limit for the denying layer
	Remaining  int     `json:"remaining"`   // Remaining requests in the window, if known
	RetryAfter int     `json:"retry_after"` // Seconds to wait before retry
	ResetAt    int64   `json:"reset_at"`    // Unix timestamp when the limit resets, if known
}

// Error returns a formatted rate limit error with retry guidance.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded for %s (%s), retry after %d seconds",
			e.Key, e.Scope, e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded for %s (%s)", e.Key, e.Scope)
}

// Unwrap allows errors.Is(err, ErrRateLimitExceeded) to match.
func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// GetRetryAfter implements RetryAfterProvider.
func (e *RateLimitError) GetRetryAfter() time.Duration {
	if e.RetryAfter > 0 {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}

// TransportError captures upstream HTTP failures with status context so the
// retry middleware can classify them without re-parsing responses.
type TransportError struct {
	Host       string    `json:"host"`
	Method     string    `json:"method"`
	StatusCode int       `json:"status_code"`
	Message    string    `json:"message"`
	Type       ErrorType `json:"type"`
	RetryAfter int       `json:"retry_after"` // Retry-After header value in seconds
}

// Error returns a formatted transport error with status code context.
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s failed (status %d): %s", e.Method, e.Host, e.StatusCode, e.Message)
}

// StatusCode reports the upstream HTTP status for status-based classification.
func (e *TransportError) Status() int { return e.StatusCode }

// IsRetryable determines if the transport error warrants a retry attempt.
func (e *TransportError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeNetwork, ErrorTypeServer:
		return true
	default:
		return false
	}
}

// GetRetryAfter implements RetryAfterProvider.
func (e *TransportError) GetRetryAfter() time.Duration {
	if e.RetryAfter > 0 {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}

// ClassifyStatus maps an HTTP status code to an ErrorType.
func ClassifyStatus(code int) ErrorType {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case code >= 500:
		return ErrorTypeServer
	case code >= 400:
		return ErrorTypeClient
	default:
		return ErrorTypeUnknown
	}
}

// IsRetryableError determines if an error warrants a retry attempt.
// Examines error types, HTTP status codes, and network conditions to provide
// consistent retry decisions across the pipeline.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return true
	}

	var trErr *TransportError
	if errors.As(err, &trErr) {
		return trErr.IsRetryable()
	}

	if errors.Is(err, ErrRateLimitExceeded) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if IsNetworkError(err) {
		return true
	}

	// Conservative default - avoid retry loops for unknown errors.
	return false
}

// IsRateLimitError identifies rate limiting errors for backoff handling.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return true
	}

	var trErr *TransportError
	if errors.As(err, &trErr) {
		return trErr.Type == ErrorTypeRateLimit
	}

	return errors.Is(err, ErrRateLimitExceeded)
}

// GetRetryAfter extracts a retry-after duration in seconds from an error,
// or 0 if no specific retry guidance is available.
func GetRetryAfter(err error) int {
	if err == nil {
		return 0
	}

	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return rlErr.RetryAfter
	}

	var trErr *TransportError
	if errors.As(err, &trErr) {
		return trErr.RetryAfter
	}

	return 0
}

// IsNetworkError checks if an error is network-related using type assertions
// rather than fragile string matching.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var netErr net.Error
		if errors.As(urlErr.Err, &netErr) {
			return true
		}
		return errors.Is(urlErr.Err, context.DeadlineExceeded)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}
