package warming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"encore.app/fingerprint"
	"encore.app/pricing"
)

// HotAttributeSet names a period/hotel/room combination an operator wants
// kept warm, e.g. a popular room that every instance would otherwise
// coalesce a cold leader/follower round for on the first request of the
// day. Its fingerprint becomes the opaque warming key the predictor,
// strategies and worker pool already operate on.
type HotAttributeSet struct {
	Period string
	Hotel  string
	Room   string
}

// pricingOriginFetcher adapts the warming service's OriginFetcher contract
// to pricing.FetchPricing: a warm key is a pricing fingerprint, resolved
// back to its attribute record through a small in-process registry
// populated by RegisterHotSets. Warming the key re-runs the same
// leader-election fetch path a real client request would, so the resulting
// fresh+stale cache entries are indistinguishable from ones a customer
// request produced.
type pricingOriginFetcher struct {
	defaultTTL time.Duration

	mu       sync.RWMutex
	registry map[string][]pricing.AttributeRequest
}

func newPricingOriginFetcher(defaultTTL time.Duration) *pricingOriginFetcher {
	return &pricingOriginFetcher{
		defaultTTL: defaultTTL,
		registry:   make(map[string][]pricing.AttributeRequest),
	}
}

// register fingerprints attrs and records the mapping so a later Fetch(key)
// can reconstruct the request. Returns the fingerprint key, or "" if attrs
// was empty (fingerprint.Fingerprint's own short-circuit).
func (f *pricingOriginFetcher) register(attrs []HotAttributeSet) string {
	records := make([]fingerprint.AttributeRecord, len(attrs))
	reqs := make([]pricing.AttributeRequest, len(attrs))
	for i, a := range attrs {
		records[i] = fingerprint.AttributeRecord{Period: a.Period, Hotel: a.Hotel, Room: a.Room}
		reqs[i] = pricing.AttributeRequest{Period: a.Period, Hotel: a.Hotel, Room: a.Room}
	}
	key, ok := fingerprint.Fingerprint(records)
	if !ok {
		return ""
	}

	f.mu.Lock()
	f.registry[key] = reqs
	f.mu.Unlock()
	return key
}

// Fetch implements OriginFetcher by delegating to pricing.FetchPricing.
// That call itself goes through the coalescing cache, so warming a key
// that's already fresh is a cheap cache hit rather than a redundant
// upstream round trip.
func (f *pricingOriginFetcher) Fetch(ctx context.Context, key string) ([]byte, time.Duration, error) {
	f.mu.RLock()
	attrs, ok := f.registry[key]
	f.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("warming: no attribute set registered for key %s", key)
	}

	resp, err := pricing.FetchPricing(ctx, &pricing.QuoteRequest{Attributes: attrs})
	if err != nil {
		return nil, 0, err
	}

	data, err := json.Marshal(resp.Prices)
	if err != nil {
		return nil, 0, err
	}
	return data, f.defaultTTL, nil
}

// noopCacheClient satisfies CacheClient: pricing.FetchPricing already wrote
// the fresh and stale entries through the coalescing cache as a side
// effect of the fetch, so there is nothing left here to persist.
type noopCacheClient struct{}

func (noopCacheClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}

// RegisterHotSets wires the given attribute sets into the warming
// service's origin fetcher and seeds the predictor with a synthetic access
// history, so the scheduled cron jobs (DailyWarmup, HourlyRefresh,
// PeakHoursWarmup) have real pricing fingerprints to warm from their first
// run instead of an empty predictor with nothing to rank.
func RegisterHotSets(sets ...[]HotAttributeSet) {
	if svc == nil {
		return
	}
	fetcher, ok := svc.originFetcher.(*pricingOriginFetcher)
	if !ok {
		return
	}
	predictor, ok := svc.predictor.(*DefaultPredictor)
	if !ok {
		return
	}
	for _, attrs := range sets {
		key := fetcher.register(attrs)
		if key == "" {
			continue
		}
		predictor.RecordAccess(key)
	}
}
