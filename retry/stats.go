package retry

import (
	"sync/atomic"
	"time"
)

// retryStats provides thread-safe retry metrics using atomic operations,
// avoiding mutex overhead on the request path.
type retryStats struct {
	totalAttempts           atomic.Int64 // Total attempts across all requests
	successfulRetries       atomic.Int64 // Requests that succeeded after retry
	failedRetries           atomic.Int64 // Requests that failed after all retries
	successfulFirstAttempts atomic.Int64 // Requests that succeeded on first attempt
	maxBackoff              atomic.Int64 // Maximum backoff duration in nanoseconds
}

// Stats holds aggregated metrics for retry middleware activity.
type Stats struct {
	// TotalAttempts counts every request sent, including retries.
	TotalAttempts int64 `json:"total_attempts"`
	// SuccessfulRetries counts requests that succeeded only after retrying.
	SuccessfulRetries int64 `json:"successful_retries"`
	// FailedRetries counts requests that exhausted all attempts.
	FailedRetries int64 `json:"failed_retries"`
	// AverageAttempts is the average number of attempts per request.
	AverageAttempts float64 `json:"average_attempts"`
	// MaxBackoff is the longest backoff applied during retries.
	MaxBackoff time.Duration `json:"max_backoff"`
}

// recordBackoffMetrics updates the max backoff atomically.
func (r *Middleware) recordBackoffMetrics(backoff time.Duration) {
	backoffNanos := backoff.Nanoseconds()
	for {
		current := r.stats.maxBackoff.Load()
		if backoffNanos <= current {
			break
		}
		if r.stats.maxBackoff.CompareAndSwap(current, backoffNanos) {
			break
		}
	}
}

// GetStats returns a snapshot of the retry statistics for this middleware.
func (r *Middleware) GetStats() *Stats {
	totalAttempts := r.stats.totalAttempts.Load()
	successfulRetries := r.stats.successfulRetries.Load()
	failedRetries := r.stats.failedRetries.Load()
	successfulFirstAttempts := r.stats.successfulFirstAttempts.Load()
	maxBackoffNanos := r.stats.maxBackoff.Load()

	averageAttempts := 1.0
	if totalRequests := successfulFirstAttempts + successfulRetries + failedRetries; totalRequests > 0 {
		averageAttempts = float64(totalAttempts) / float64(totalRequests)
	}

	return &Stats{
		TotalAttempts:     totalAttempts,
		SuccessfulRetries: successfulRetries,
		FailedRetries:     failedRetries,
		AverageAttempts:   averageAttempts,
		MaxBackoff:        time.Duration(maxBackoffNanos),
	}
}
