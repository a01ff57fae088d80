package pricingcache

import "time"

// Config holds runtime tuning for the coalescing cache.
type Config struct {
	FreshTTL time.Duration // how long a fresh value is served without refetch
	StaleTTL time.Duration // how long a stale fallback value is kept around

	LeaseTTL            time.Duration // distributed leader lease duration
	LeaseExtendInterval time.Duration // how often the leader auto-extends its lease

	FollowerTimeout time.Duration // how long a follower waits on rendezvous before retrying
	FollowerRetries int           // max follower retries after a rendezvous timeout

	FetchBudget time.Duration // total time budget for the leader's upstream fetch

	BreakerThreshold int           // consecutive failures before the breaker trips
	BreakerCooldown  time.Duration // how long the breaker stays open
}

// DefaultConfig returns the timing from the spec: 5m fresh / 15m stale, 60s
// lease with 2s extension, 15s follower wait, 30s fetch budget, breaker
// threshold 5 with a 60s cooldown.
func DefaultConfig() Config {
	return Config{
		FreshTTL:            5 * time.Minute,
		StaleTTL:            15 * time.Minute,
		LeaseTTL:            60 * time.Second,
		LeaseExtendInterval: 2 * time.Second,
		FollowerTimeout:     15 * time.Second,
		FollowerRetries:     2,
		FetchBudget:         30 * time.Second,
		BreakerThreshold:    5,
		BreakerCooldown:     60 * time.Second,
	}
}
