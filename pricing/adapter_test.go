package pricing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"encore.app/breaker"
	"encore.app/fingerprint"
	"encore.app/pkg/middleware"
	"encore.app/pricingcache"
	"encore.app/store"
)

type fakeOracle struct {
	calls atomic.Int64
	rate  float64
	err   error
}

func (f *fakeOracle) Quote(ctx context.Context, attrs []fingerprint.AttributeRecord) ([]PricedAttribute, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]PricedAttribute, len(attrs))
	for i, a := range attrs {
		out[i] = PricedAttribute{Period: a.Period, Hotel: a.Hotel, Room: a.Room, Rate: f.rate, Currency: "USD"}
	}
	return out, nil
}

func newTestCache() *pricingcache.Service {
	return pricingcache.NewService(pricingcache.DefaultConfig(), store.NewMemStore())
}

func TestFetchPricingEmptyAttributesShortCircuits(t *testing.T) {
	s := &Service{cache: newTestCache(), oracle: &fakeOracle{}}
	resp, err := s.FetchPricing(context.Background(), &QuoteRequest{})
	if err != nil {
		t.Fatalf("expected no error for empty request, got %v", err)
	}
	if len(resp.Prices) != 0 {
		t.Fatalf("expected no prices for empty request")
	}
}

func TestFetchPricingCallsOracleOnceThenCaches(t *testing.T) {
	oracle := &fakeOracle{rate: 199.0}
	s := &Service{cache: newTestCache(), oracle: oracle}
	ctx := context.Background()
	req := &QuoteRequest{Attributes: []AttributeRequest{{Period: "2026-09", Hotel: "grand-plaza", Room: "deluxe"}}}

	resp, err := s.FetchPricing(ctx, req)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(resp.Prices) != 1 || resp.Prices[0].Rate != 199.0 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	resp2, err := s.FetchPricing(ctx, req)
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if resp2.Prices[0].Rate != 199.0 {
		t.Fatalf("expected cached rate on second fetch")
	}
	if oracle.calls.Load() != 1 {
		t.Fatalf("expected one oracle call across two identical requests, got %d", oracle.calls.Load())
	}
}

func TestHealthReflectsOracleFailures(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("oracle unavailable")}
	s := &Service{cache: newTestCache(), oracle: oracle, health: ProviderHealth{Provider: "rate-oracle"}}
	ctx := context.Background()
	req := &QuoteRequest{Attributes: []AttributeRequest{{Period: "2026-09", Hotel: "grand-plaza", Room: "deluxe"}}}

	if _, err := s.FetchPricing(ctx, req); err == nil {
		t.Fatalf("expected fetch to fail when oracle errors")
	}

	h := s.Health()
	if h.ConsecutiveFailures != 1 {
		t.Fatalf("expected 1 consecutive failure, got %d", h.ConsecutiveFailures)
	}
	if h.LastError == "" {
		t.Fatalf("expected last error to be recorded")
	}
}

func TestHealthReportsBreakerState(t *testing.T) {
	s := &Service{cache: newTestCache()}
	if got := s.Health().CircuitState; got != string(breaker.Closed) {
		t.Fatalf("expected closed breaker state, got %q", got)
	}
}

func TestFetchPricingRateLimitsPerFingerprint(t *testing.T) {
	oracle := &fakeOracle{rate: 150.0}
	s := &Service{
		cache:     newTestCache(),
		oracle:    oracle,
		rateLimit: middleware.NewTokenBucket(1, 1), // 1 request burst, refills slowly
	}
	ctx := context.Background()
	req := &QuoteRequest{Attributes: []AttributeRequest{{Period: "2026-09", Hotel: "grand-plaza", Room: "deluxe"}}}

	if _, err := s.FetchPricing(ctx, req); err != nil {
		t.Fatalf("first fetch should pass the rate limit: %v", err)
	}

	// Same fingerprint again immediately: burst is exhausted.
	if _, err := s.FetchPricing(ctx, req); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on second immediate fetch, got %v", err)
	}

	// A different fingerprint has its own bucket and isn't affected.
	other := &QuoteRequest{Attributes: []AttributeRequest{{Period: "2026-09", Hotel: "grand-plaza", Room: "suite"}}}
	if _, err := s.FetchPricing(ctx, other); err != nil {
		t.Fatalf("distinct fingerprint should not be rate limited: %v", err)
	}
}
