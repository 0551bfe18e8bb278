package ratelimit

// Stats provides metrics for rate limiting performance.
//
// These statistics expose the state of the local limiter map and the Redis
// connection pool for monitoring and capacity planning: degraded mode, pool
// exhaustion, or limiter accumulation all show up here.
type Stats struct {
	// LocalLimiters is the number of active per-key token-bucket limiters.
	LocalLimiters int
	// GlobalEnabled indicates whether Redis-based limiting is configured.
	GlobalEnabled bool
	// DegradedMode indicates a fallback to local-only limiting.
	DegradedMode bool

	// PoolHits is the number of connections reused from the Redis pool.
	PoolHits uint32
	// PoolMisses is the number of new connections created by the pool.
	PoolMisses uint32
	// PoolTimeouts is the number of connection acquisition timeouts.
	PoolTimeouts uint32
	// PoolTotalConns is the total number of pooled connections.
	PoolTotalConns uint32
	// PoolIdleConns is the number of idle connections available for reuse.
	PoolIdleConns uint32
	// PoolStaleConns is the number of connections pending cleanup.
	PoolStaleConns uint32
}

// GetStats returns a snapshot of the rate limiting statistics.
func (m *Middleware) GetStats() *Stats {
	m.localMu.RLock()
	localCount := len(m.localLimiters)
	m.localMu.RUnlock()

	stats := &Stats{
		LocalLimiters: localCount,
		GlobalEnabled: m.globalEnabled,
		DegradedMode:  m.degraded.Load(),
	}

	if m.globalClient != nil {
		poolStats := m.globalClient.PoolStats()
		stats.PoolHits = poolStats.Hits
		stats.PoolMisses = poolStats.Misses
		stats.PoolTimeouts = poolStats.Timeouts
		stats.PoolTotalConns = poolStats.TotalConns
		stats.PoolIdleConns = poolStats.IdleConns
		stats.PoolStaleConns = poolStats.StaleConns
	}

	return stats
}
