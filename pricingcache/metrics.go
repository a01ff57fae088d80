package pricingcache

import "sync/atomic"

// Metrics tracks coalescing-cache performance counters with plain
// sync/atomic typed counters rather than a third-party metrics client.
type Metrics struct {
	Hits             atomic.Int64
	Misses           atomic.Int64
	StaleServed      atomic.Int64
	LeaderFetches    atomic.Int64
	LeaderErrors     atomic.Int64
	FollowerWaits    atomic.Int64
	FollowerTimeouts atomic.Int64
	BreakerRejects   atomic.Int64
}

// Snapshot is a point-in-time read of the counters above, used by the
// GetMetrics endpoint and by the adapted monitoring service.
type Snapshot struct {
	Hits             int64   `json:"hits"`
	Misses           int64   `json:"misses"`
	StaleServed      int64   `json:"stale_served"`
	LeaderFetches    int64   `json:"leader_fetches"`
	LeaderErrors     int64   `json:"leader_errors"`
	FollowerWaits    int64   `json:"follower_waits"`
	FollowerTimeouts int64   `json:"follower_timeouts"`
	BreakerRejects   int64   `json:"breaker_rejects"`
	HitRate          float64 `json:"hit_rate"`
}

func (m *Metrics) snapshot() Snapshot {
	hits := m.Hits.Load()
	misses := m.Misses.Load()
	total := hits + misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Snapshot{
		Hits:             hits,
		Misses:           misses,
		StaleServed:      m.StaleServed.Load(),
		LeaderFetches:    m.LeaderFetches.Load(),
		LeaderErrors:     m.LeaderErrors.Load(),
		FollowerWaits:    m.FollowerWaits.Load(),
		FollowerTimeouts: m.FollowerTimeouts.Load(),
		BreakerRejects:   m.BreakerRejects.Load(),
		HitRate:          hitRate,
	}
}
