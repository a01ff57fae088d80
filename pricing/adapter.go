// Package pricing adapts the coalescing cache to a single upstream rate
// oracle, the way the reference arbitrage bot's BinanceAdapter/UniswapAdapter
// wrap a raw provider behind one GetPrice-shaped call — here FetchPricing
// wraps fingerprinting, cache lookup, and the HTTP call to the oracle.
package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"encore.app/fingerprint"
	"encore.app/pkg/middleware"
	"encore.app/pkg/utils"
	"encore.app/pricingcache"
	"encore.app/store"
)

// ErrRateLimited is returned when a single fingerprint is being requested
// faster than the per-key token bucket allows.
var ErrRateLimited = errors.New("pricing: rate limit exceeded for this attribute set")

// OracleClient performs the actual upstream rate lookup. The default
// implementation below POSTs to a configured rate oracle; tests inject a
// fake.
type OracleClient interface {
	Quote(ctx context.Context, attrs []fingerprint.AttributeRecord) ([]PricedAttribute, error)
}

// Config holds the adapter's upstream wiring.
type Config struct {
	OracleBaseURL string
	OracleToken   string
	HTTPTimeout   time.Duration

	// PerKeyRPS and PerKeyBurst bound how often a single fingerprint may
	// re-enter the coalescing cache from this instance, independent of
	// whether the request would have been a cache hit. This catches a
	// misbehaving caller retrying the same quote in a tight loop before it
	// ever reaches the lease/breaker layer.
	PerKeyRPS   float64
	PerKeyBurst int64
}

func DefaultConfig() Config {
	return Config{
		OracleBaseURL: "https://rates.internal.example.com",
		HTTPTimeout:   10 * time.Second,
		PerKeyRPS:     20,
		PerKeyBurst:   40,
	}
}

// Service exposes pricing lookups backed by the coalescing cache.
//
//encore:service
type Service struct {
	cache     *pricingcache.Service
	oracle    OracleClient
	config    Config
	rateLimit *middleware.TokenBucket

	mu     sync.Mutex
	health ProviderHealth
}

var (
	svc  *Service
	once sync.Once
)

func initService() (*Service, error) {
	var err error
	once.Do(func() {
		cfg := DefaultConfig()
		svc = &Service{
			cache:     pricingcache.NewService(pricingcache.DefaultConfig(), store.NewEncoreStore()),
			config:    cfg,
			oracle:    newHTTPOracleClient(cfg),
			rateLimit: middleware.NewTokenBucket(cfg.PerKeyRPS, cfg.PerKeyBurst),
			health:    ProviderHealth{Provider: "rate-oracle", CircuitState: "closed"},
		}
	})
	return svc, err
}

// SetCache allows injecting the coalescing cache service, used by tests
// and by Encore's dependency wiring at startup.
func (s *Service) SetCache(c *pricingcache.Service) {
	s.cache = c
}

// SetOracle allows injecting a fake upstream client for tests.
func (s *Service) SetOracle(o OracleClient) {
	s.oracle = o
}

// FetchPricing is the public endpoint: compute the fingerprint for the
// requested attributes, and let the coalescing cache decide whether to
// serve a cached rate or elect a leader to fetch a fresh one.
//
//encore:api public method=POST path=/pricing/quote
func FetchPricing(ctx context.Context, req *QuoteRequest) (*QuoteResponse, error) {
	s, err := initService()
	if err != nil {
		return nil, err
	}
	return s.FetchPricing(ctx, req)
}

func (s *Service) FetchPricing(ctx context.Context, req *QuoteRequest) (*QuoteResponse, error) {
	if req == nil || len(req.Attributes) == 0 {
		return &QuoteResponse{}, nil
	}

	records := make([]fingerprint.AttributeRecord, len(req.Attributes))
	for i, a := range req.Attributes {
		records[i] = fingerprint.AttributeRecord{Period: a.Period, Hotel: a.Hotel, Room: a.Room}
	}

	key, ok := fingerprint.Fingerprint(records)
	if !ok {
		return &QuoteResponse{}, nil
	}

	if s.rateLimit != nil && !s.rateLimit.Allow(key) {
		return nil, ErrRateLimited
	}

	if s.cache == nil {
		return nil, errors.New("pricing: coalescing cache not configured")
	}

	raw, err := s.cache.Fetch(ctx, key, func(ctx context.Context) (string, error) {
		return s.callOracle(ctx, records)
	})
	if err != nil {
		return nil, err
	}

	var prices []PricedAttribute
	if err := utils.UnmarshalJSON([]byte(raw), &prices); err != nil {
		return nil, fmt.Errorf("pricing: decode cached quote: %w", err)
	}

	return &QuoteResponse{Prices: prices}, nil
}

func (s *Service) callOracle(ctx context.Context, records []fingerprint.AttributeRecord) (string, error) {
	start := time.Now()
	prices, err := s.oracle.Quote(ctx, records)
	s.recordHealth(prices, err, time.Since(start))
	if err != nil {
		return "", err
	}
	data, err := utils.MarshalJSON(prices)
	if err != nil {
		return "", fmt.Errorf("pricing: encode quote: %w", err)
	}
	return string(data), nil
}

func (s *Service) recordHealth(prices []PricedAttribute, err error, dur time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.health.LastFailure = time.Now()
		s.health.LastError = err.Error()
		s.health.ConsecutiveFailures++
		return
	}
	s.health.LastSuccess = time.Now()
	s.health.ConsecutiveFailures = 0
	_ = dur
	_ = prices
}

// Health reports the adapter's view of the upstream oracle's reliability,
// combined with the coalescing cache's breaker state.
//
//encore:api public method=GET path=/pricing/health
func Health(ctx context.Context) (*ProviderHealth, error) {
	s, err := initService()
	if err != nil {
		return nil, err
	}
	return s.Health(), nil
}

func (s *Service) Health() *ProviderHealth {
	s.mu.Lock()
	h := s.health
	s.mu.Unlock()
	if s.cache != nil {
		h.CircuitState = string(s.cache.BreakerState())
	}
	return &h
}

// httpOracleClient is the production OracleClient, a thin REST caller
// wrapping net/http directly rather than pulling in a generated client.
type httpOracleClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func newHTTPOracleClient(cfg Config) *httpOracleClient {
	return &httpOracleClient{
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		baseURL:    cfg.OracleBaseURL,
		token:      cfg.OracleToken,
	}
}

type oracleQuoteRequest struct {
	Attributes []fingerprint.AttributeRecord `json:"attributes"`
}

func (c *httpOracleClient) Quote(ctx context.Context, attrs []fingerprint.AttributeRecord) ([]PricedAttribute, error) {
	body, err := json.Marshal(oracleQuoteRequest{Attributes: attrs})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/quote", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("pricing: oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing: oracle returned status %d: %s", resp.StatusCode, string(data))
	}

	var prices []PricedAttribute
	if err := json.Unmarshal(data, &prices); err != nil {
		return nil, fmt.Errorf("pricing: decode oracle response: %w", err)
	}
	return prices, nil
}
