// Package pricingcache implements the coalescing cache that sits in front
// of the pricing oracle: single-flight + cross-instance leader election
// prevent a cache miss from fanning out into N identical upstream calls,
// stale fallback absorbs short upstream outages, and a circuit breaker
// stops hammering a dependency that is already down.
//
// Design Choices:
// - In-process duplicate suppression via golang.org/x/sync/singleflight
//   runs before the distributed lease is even attempted, collapsing
//   concurrent local callers before any of them touches the shared store.
// - Leader election is a distributed lease (encore.app/lease), not a
//   local mutex: any instance in the fleet may become leader for a key.
// - Followers rendezvous on a per-attempt mailbox (encore.app/rendezvous)
//   instead of polling the value key directly, so a follower is woken as
//   soon as the leader publishes rather than on the next fresh-TTL tick.
package pricingcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	epubsub "encore.dev/pubsub"
	"golang.org/x/sync/singleflight"

	"encore.app/breaker"
	"encore.app/lease"
	"encore.app/obs"
	"encore.app/pkg/pubsub"
	"encore.app/rendezvous"
	"encore.app/store"
)

// pricingEventsTopic carries hit/miss/leader/follower/breaker lifecycle
// events out to the monitoring service. Publishing is best-effort: a
// topic error never affects the Fetch path itself.
var pricingEventsTopic = epubsub.NewTopic[*pubsub.PricingEvent](
	pubsub.TopicPricingEvents,
	epubsub.TopicConfig{
		DeliveryGuarantee: epubsub.AtLeastOnce,
	},
)

func (s *Service) publishEvent(kind pubsub.PricingEventKind, key string, latency time.Duration) {
	_, _ = pricingEventsTopic.Publish(context.Background(), &pubsub.PricingEvent{
		Kind:      kind,
		Key:       key,
		LatencyMs: float64(latency) / float64(time.Millisecond),
		Timestamp: time.Now(),
	})
}

// cacheInvalidateTopic mirrors invalidation.CacheInvalidateTopic: this
// service owns the subscription side while invalidation owns the publish
// side, each declaring its own handle to the same named topic.
var cacheInvalidateTopic = epubsub.NewTopic[*pubsub.InvalidationEvent](
	pubsub.TopicCacheInvalidate,
	epubsub.TopicConfig{
		DeliveryGuarantee: epubsub.AtLeastOnce,
	},
)

var _ = epubsub.NewSubscription(
	cacheInvalidateTopic,
	"pricingcache-invalidate",
	epubsub.SubscriptionConfig[*pubsub.InvalidationEvent]{
		Handler: handleInvalidation,
	},
)

// handleInvalidation forgets every key named in an invalidation broadcast
// on this instance, so the next Fetch re-contends for the lease instead of
// returning an in-flight singleflight call made under stale assumptions.
func handleInvalidation(ctx context.Context, event *pubsub.InvalidationEvent) error {
	s, err := initService()
	if err != nil {
		return err
	}
	for _, key := range event.Keys {
		if err := s.Invalidate(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// ErrWaitTimeout is returned to a follower that exhausted its rendezvous
// retries without the leader publishing a result and without a usable
// stale fallback.
var ErrWaitTimeout = errors.New("pricingcache: timed out waiting for leader")

// ErrBreakerOpen is returned when the breaker is open and no stale
// fallback is available.
var ErrBreakerOpen = breaker.ErrOpen

// Fetcher performs the actual upstream call for a cache miss. It returns
// the value to cache, already serialized (the pricing adapter JSON-encodes
// its priced attributes before handing them here).
type Fetcher func(ctx context.Context) (string, error)

// Service implements the coalescing cache with multi-instance coordination.
//
//encore:service
type Service struct {
	store   store.Store
	breaker *breaker.Breaker
	coalescer *singleflight.Group
	metrics *Metrics
	config  Config
}

var (
	svc  *Service
	once sync.Once
)

func initService() (*Service, error) {
	var err error
	once.Do(func() {
		config := DefaultConfig()
		svc = &Service{
			store:     store.NewEncoreStore(),
			breaker:   breaker.New(breaker.Config{Threshold: config.BreakerThreshold, Cooldown: config.BreakerCooldown}),
			coalescer: new(singleflight.Group),
			metrics:   &Metrics{},
			config:    config,
		}
	})
	return svc, err
}

// SetStore allows injecting a fake store for tests.
func (s *Service) SetStore(st store.Store) {
	s.store = st
}

// NewService constructs a coalescing cache service over an arbitrary
// Store, for use by other services (e.g. pricing) that need to wire the
// cache without going through Encore's package-level singleton.
func NewService(cfg Config, st store.Store) *Service {
	return &Service{
		store:     st,
		breaker:   breaker.New(breaker.Config{Threshold: cfg.BreakerThreshold, Cooldown: cfg.BreakerCooldown}),
		coalescer: new(singleflight.Group),
		metrics:   &Metrics{},
		config:    cfg,
	}
}

// Keys

func staleKeyFor(key string) string {
	return "pricing:stale:" + trimNamespace(key)
}

func lockKeyFor(key string) string {
	return "lock:" + key
}

// readValid reads key and treats a non-JSON payload as absent rather than
// returning it to a caller: corrupt serialized data is treated as a miss
// and logged, never surfaced as a decode error further up the stack.
func (s *Service) readValid(ctx context.Context, key string) (string, bool) {
	v, err := s.store.Get(ctx, key)
	if err != nil {
		return "", false
	}
	if !json.Valid([]byte(v)) {
		obs.Error("corrupt cache entry treated as miss", nil, map[string]interface{}{"key": key})
		return "", false
	}
	return v, true
}

func trimNamespace(key string) string {
	const ns = "pricing:"
	if len(key) > len(ns) && key[:len(ns)] == ns {
		return key[len(ns):]
	}
	return key
}

// Fetch returns the cached value for key, populating it via fetch on a
// miss. Exactly one instance in the fleet performs the upstream call per
// miss; every other caller either reads the leader's published result or
// falls back to a stale value.
func (s *Service) Fetch(ctx context.Context, key string, fetch Fetcher) (string, error) {
	start := time.Now()
	if v, err := s.store.Get(ctx, key); err == nil {
		if !json.Valid([]byte(v)) {
			obs.Error("corrupt cache entry treated as miss", nil, map[string]interface{}{"key": key})
		} else {
			s.metrics.Hits.Add(1)
			s.publishEvent(pubsub.PricingEventHit, key, time.Since(start))
			return v, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	// Breaker gate: an open breaker means the upstream is known-bad, so
	// don't even contend for the leader lease — serve stale or fail fast.
	if s.breaker.State() == breaker.Open {
		s.metrics.BreakerRejects.Add(1)
		s.publishEvent(pubsub.PricingEventBreakerRejected, key, time.Since(start))
		if v, ok := s.readValid(ctx, staleKeyFor(key)); ok {
			s.metrics.StaleServed.Add(1)
			s.publishEvent(pubsub.PricingEventStaleServed, key, time.Since(start))
			return v, nil
		}
		return "", ErrBreakerOpen
	}

	s.metrics.Misses.Add(1)
	s.publishEvent(pubsub.PricingEventMiss, key, time.Since(start))

	// In-process fast path: collapse duplicate callers in this instance
	// before any of them touches the distributed lease.
	v, err, _ := s.coalescer.Do(key, func() (interface{}, error) {
		return s.fetchDistributed(ctx, key, fetch)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Service) fetchDistributed(ctx context.Context, key string, fetch Fetcher) (string, error) {
	l, err := lease.TryAcquire(ctx, s.store, lockKeyFor(key), s.config.LeaseTTL)
	if errors.Is(err, lease.ErrUnavailable) {
		return s.followPricing(ctx, key)
	}
	if err != nil {
		return "", err
	}
	return s.leadPricing(ctx, key, fetch, l)
}

// leadPricing runs the leader's fetch: double-check the cache (another
// leader may have raced ahead before this lease was granted), call the
// upstream under the breaker and a fetch budget, publish to every
// registered follower, and populate both the fresh and stale entries.
func (s *Service) leadPricing(ctx context.Context, key string, fetch Fetcher, l *lease.Lease) (string, error) {
	extendCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runExtender(extendCtx, l)
	}()
	defer func() {
		cancel()
		wg.Wait()
		_ = l.Release(context.Background())
	}()

	if v, ok := s.readValid(ctx, key); ok {
		waiters, _ := rendezvous.DrainWaiters(context.Background(), s.store, key)
		s.publishSuccess(waiters, v)
		return v, nil
	}

	fetchCtx, fetchCancel := context.WithTimeout(ctx, s.config.FetchBudget)
	defer fetchCancel()

	s.metrics.LeaderFetches.Add(1)
	fetchStart := time.Now()
	breakerBefore := s.breaker.State()
	var value string
	callErr := s.breaker.Call(fetchCtx, func(ctx context.Context) error {
		v, err := fetch(ctx)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	s.publishEvent(pubsub.PricingEventLeaderFetch, key, time.Since(fetchStart))
	if after := s.breaker.State(); after != breakerBefore {
		if after == breaker.Open {
			s.publishEvent(pubsub.PricingEventBreakerOpened, key, 0)
		} else if after == breaker.Closed {
			s.publishEvent(pubsub.PricingEventBreakerClosed, key, 0)
		}
	}

	waiters, _ := rendezvous.DrainWaiters(context.Background(), s.store, key)

	if callErr != nil {
		s.metrics.LeaderErrors.Add(1)
		s.publishEvent(pubsub.PricingEventLeaderError, key, time.Since(fetchStart))
		s.publishFailure(waiters, callErr)
		if v, ok := s.readValid(ctx, staleKeyFor(key)); ok {
			s.metrics.StaleServed.Add(1)
			s.publishEvent(pubsub.PricingEventStaleServed, key, time.Since(fetchStart))
			return v, nil
		}
		return "", fmt.Errorf("pricingcache: fetch failed: %w", callErr)
	}

	if err := s.store.Set(context.Background(), key, value, s.config.FreshTTL); err != nil {
		return "", err
	}
	if err := s.store.Set(context.Background(), staleKeyFor(key), value, s.config.StaleTTL); err != nil {
		return "", err
	}

	s.publishSuccess(waiters, value)
	return value, nil
}

func (s *Service) runExtender(ctx context.Context, l *lease.Lease) {
	ticker := time.NewTicker(s.config.LeaseExtendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.Extend(ctx)
			if err != nil {
				obs.Error("lease extend failed, retrying next interval", err, map[string]interface{}{
					"key": l.Key(),
				})
				continue
			}
			if !ok {
				// Lost ownership; nothing left to extend.
				return
			}
		}
	}
}

type waiterMessage struct {
	OK    bool   `json:"ok"`
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *Service) publishSuccess(waiterIDs []string, value string) {
	msg, err := json.Marshal(waiterMessage{OK: true, Value: value})
	if err != nil {
		return
	}
	for _, id := range waiterIDs {
		_ = rendezvous.Publish(context.Background(), s.store, id, string(msg), s.config.FollowerTimeout)
	}
}

func (s *Service) publishFailure(waiterIDs []string, cause error) {
	msg, err := json.Marshal(waiterMessage{OK: false, Error: cause.Error()})
	if err != nil {
		return
	}
	for _, id := range waiterIDs {
		_ = rendezvous.Publish(context.Background(), s.store, id, string(msg), s.config.FollowerTimeout)
	}
}

// followPricing waits on the rendezvous mailbox for the current leader's
// result. On a timeout it re-checks the fresh and stale cache (the leader
// may have finished and cleared its lease right as the wait expired), then
// retries the wait itself — re-registering on the waiters list and blocking
// again — up to FollowerRetries times. A follower never contends for the
// lease itself; it only ever waits, falls back to stale, or times out, so
// total time spent here is bounded by FollowerTimeout * (FollowerRetries+1)
// plus backoff, regardless of what the current or a future leader does.
func (s *Service) followPricing(ctx context.Context, key string) (string, error) {
	s.metrics.FollowerWaits.Add(1)
	waitStart := time.Now()
	s.publishEvent(pubsub.PricingEventFollowerWait, key, 0)

	for attempt := 0; attempt <= s.config.FollowerRetries; attempt++ {
		h, err := rendezvous.Create(ctx, s.store, key, s.config.FollowerTimeout)
		if err != nil {
			return "", err
		}

		raw, err := h.Wait(ctx)
		if err == nil {
			var msg waiterMessage
			if jsonErr := json.Unmarshal([]byte(raw), &msg); jsonErr == nil {
				if msg.OK {
					s.publishEvent(pubsub.PricingEventHit, key, time.Since(waitStart))
					return msg.Value, nil
				}
				// Leader reported failure; fall through to stale check.
			} else {
				obs.Error("corrupt rendezvous payload treated as miss", jsonErr, map[string]interface{}{"key": key})
			}
		} else if !errors.Is(err, rendezvous.ErrTimeout) {
			return "", err
		}

		s.metrics.FollowerTimeouts.Add(1)
		s.publishEvent(pubsub.PricingEventFollowerTimeout, key, time.Since(waitStart))

		if v, ok := s.readValid(ctx, key); ok {
			return v, nil
		}
		if v, ok := s.readValid(ctx, staleKeyFor(key)); ok {
			s.metrics.StaleServed.Add(1)
			s.publishEvent(pubsub.PricingEventStaleServed, key, time.Since(waitStart))
			return v, nil
		}

		if attempt == s.config.FollowerRetries {
			break
		}

		backoff := retryBackoff(attempt)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}

	return "", ErrWaitTimeout
}

// retryBackoff computes the follower retry delay: 200ms * 2^attempt,
// jittered by ±20% so a thundering herd of followers doesn't retry in lockstep.
func retryBackoff(attempt int) time.Duration {
	base := 200 * time.Millisecond
	d := base << attempt
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	return d + time.Duration(jitter)
}

// GetMetrics returns current coalescing-cache counters.
//
//encore:api public method=GET path=/pricingcache/metrics
func GetMetrics(ctx context.Context) (*Snapshot, error) {
	s, err := initService()
	if err != nil {
		return nil, err
	}
	snap := s.metrics.snapshot()
	return &snap, nil
}

// BreakerState reports the coalescing cache's current breaker state, for
// operational dashboards and alerting.
func (s *Service) BreakerState() breaker.State {
	return s.breaker.State()
}

// Invalidate removes a fingerprint's fresh and stale entries from the
// shared store and forgets any in-flight singleflight call for it on this
// instance, so a subsequent Fetch always re-contends for the lease rather
// than returning a call already in progress against stale assumptions.
func (s *Service) Invalidate(ctx context.Context, key string) error {
	s.coalescer.Forget(key)
	if err := s.store.Del(ctx, key); err != nil {
		return err
	}
	return s.store.Del(ctx, staleKeyFor(key))
}
