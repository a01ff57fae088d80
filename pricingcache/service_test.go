package pricingcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/singleflight"

	"encore.app/breaker"
	"encore.app/lease"
	"encore.app/rendezvous"
	"encore.app/store"
)

func newTestService(cfg Config) *Service {
	return &Service{
		store:     store.NewMemStore(),
		breaker:   breaker.New(breaker.Config{Threshold: cfg.BreakerThreshold, Cooldown: cfg.BreakerCooldown}),
		coalescer: new(singleflight.Group),
		metrics:   &Metrics{},
		config:    cfg,
	}
}

func acquireTestLease(ctx context.Context, s *Service, key string) (*lease.Lease, error) {
	return lease.TryAcquire(ctx, s.store, lockKeyFor(key), s.config.LeaseTTL)
}

func drainTestWaiters(ctx context.Context, s *Service, key string) ([]string, error) {
	return rendezvous.DrainWaiters(ctx, s.store, key)
}

// countingFetcher simulates an upstream pricing oracle, counting calls so
// tests can assert single-flight and leader-election coalescing actually
// suppressed duplicate upstream hits.
type countingFetcher struct {
	calls atomic.Int64
	delay time.Duration
	value string
	err   error
}

func (f *countingFetcher) fetch(ctx context.Context) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.value, nil
}

func TestFetchSingleCallerPopulatesCache(t *testing.T) {
	s := newTestService(DefaultConfig())
	ctx := context.Background()
	f := &countingFetcher{value: `{"price":42}`}

	v, err := s.Fetch(ctx, "pricing:abc", f.fetch)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if v != `{"price":42}` {
		t.Fatalf("unexpected value: %q", v)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", f.calls.Load())
	}

	// Second call is a cache hit and must not call upstream again.
	v2, err := s.Fetch(ctx, "pricing:abc", f.fetch)
	if err != nil || v2 != v {
		t.Fatalf("expected cache hit to return same value, got v=%q err=%v", v2, err)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("expected cache hit to avoid upstream call, got %d calls", f.calls.Load())
	}
}

func TestFetchCoalescesConcurrentCallersInProcess(t *testing.T) {
	s := newTestService(DefaultConfig())
	ctx := context.Background()
	f := &countingFetcher{value: `{"price":1}`, delay: 50 * time.Millisecond}

	const n = 20
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Fetch(ctx, "pricing:concurrent", f.fetch)
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i] != `{"price":1}` {
			t.Fatalf("caller %d got unexpected value %q", i, results[i])
		}
	}
	if f.calls.Load() != 1 {
		t.Fatalf("expected exactly one upstream call for %d concurrent callers, got %d", n, f.calls.Load())
	}
}

func TestFetchServesStaleOnBreakerOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakerThreshold = 1
	cfg.BreakerCooldown = time.Hour
	s := newTestService(cfg)
	ctx := context.Background()

	// Seed a stale value directly, as if an earlier successful fetch had
	// populated it.
	_ = s.store.Set(ctx, staleKeyFor("pricing:abc"), `{"price":"old"}`, cfg.StaleTTL)

	failing := &countingFetcher{err: errors.New("upstream down")}
	_, err := s.Fetch(ctx, "pricing:abc", failing.fetch)
	if err == nil {
		t.Fatalf("expected first failing fetch to return an error")
	}
	if s.BreakerState() != breaker.Open {
		t.Fatalf("expected breaker to trip after one failure with threshold=1")
	}

	v, err := s.Fetch(ctx, "pricing:abc", failing.fetch)
	if err != nil {
		t.Fatalf("expected stale fallback to succeed while breaker open, got %v", err)
	}
	if v != `{"price":"old"}` {
		t.Fatalf("expected stale value, got %q", v)
	}
	if failing.calls.Load() != 1 {
		t.Fatalf("expected breaker-open path to skip upstream entirely, got %d calls", failing.calls.Load())
	}
}

func TestFetchBreakerOpenNoStaleReturnsError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakerThreshold = 1
	cfg.BreakerCooldown = time.Hour
	s := newTestService(cfg)
	ctx := context.Background()

	failing := &countingFetcher{err: errors.New("upstream down")}
	_, _ = s.Fetch(ctx, "pricing:abc", failing.fetch)

	_, err := s.Fetch(ctx, "pricing:abc", failing.fetch)
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
}

func TestFollowerReceivesLeaderResult(t *testing.T) {
	s := newTestService(DefaultConfig())
	ctx := context.Background()
	key := "pricing:shared"

	l, err := acquireTestLease(ctx, s, key)
	if err != nil {
		t.Fatalf("seed lease failed: %v", err)
	}

	done := make(chan struct{})
	var followErr error
	var followVal string
	go func() {
		defer close(done)
		followVal, followErr = s.followPricing(ctx, key)
	}()

	time.Sleep(30 * time.Millisecond) // let follower register on waiters
	waiters, err := drainTestWaiters(ctx, s, key)
	if err != nil || len(waiters) != 1 {
		t.Fatalf("expected exactly one waiter, got %v err=%v", waiters, err)
	}
	s.publishSuccess(waiters, `{"price":7}`)
	_ = l.Release(ctx)

	<-done
	if followErr != nil {
		t.Fatalf("expected follower to succeed, got %v", followErr)
	}
	if followVal != `{"price":7}` {
		t.Fatalf("unexpected follower value: %q", followVal)
	}
}

// TestFollowerNeverBecomesLeaderOnTimeout pins down property #6's bound:
// a follower that never gets a rendezvous payload must give up with
// ErrWaitTimeout within roughly FollowerTimeout*(FollowerRetries+1), never
// by falling into the leader's FetchBudget itself.
func TestFollowerNeverBecomesLeaderOnTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FollowerTimeout = 20 * time.Millisecond
	cfg.FollowerRetries = 1
	cfg.FetchBudget = 5 * time.Second // would blow the bound if ever entered
	s := newTestService(cfg)
	ctx := context.Background()
	key := "pricing:never-leads"

	// Hold the lease for the whole test so followPricing can never win
	// TryAcquire, and never publish so every rendezvous wait times out.
	l, err := acquireTestLease(ctx, s, key)
	if err != nil {
		t.Fatalf("seed lease failed: %v", err)
	}
	defer l.Release(ctx)

	start := time.Now()
	_, err = s.followPricing(ctx, key)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
	bound := cfg.FollowerTimeout*time.Duration(cfg.FollowerRetries+1) + time.Second
	if elapsed > bound {
		t.Fatalf("follower took %v, exceeding bound %v — it must never run a leader fetch", elapsed, bound)
	}
}

// TestFetchTreatsCorruptCacheEntryAsMiss asserts a non-JSON payload sitting
// in the fresh key is treated as absent, not handed back to the caller nor
// surfaced as a decode error.
func TestFetchTreatsCorruptCacheEntryAsMiss(t *testing.T) {
	s := newTestService(DefaultConfig())
	ctx := context.Background()
	key := "pricing:corrupt"

	if err := s.store.Set(ctx, key, "not-json{{{", DefaultConfig().FreshTTL); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	f := &countingFetcher{value: `{"price":9}`}
	v, err := s.Fetch(ctx, key, f.fetch)
	if err != nil {
		t.Fatalf("expected corrupt entry to fall through to a fetch, got %v", err)
	}
	if v != `{"price":9}` {
		t.Fatalf("unexpected value: %q", v)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", f.calls.Load())
	}
}
