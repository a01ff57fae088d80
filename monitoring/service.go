// Package monitoring provides comprehensive observability for the pricing cache
// and its supporting invalidation and warming services.
//
// Design Philosophy:
// - Lock-free or minimal-lock metrics collection for high throughput
// - Sliding window aggregation for real-time statistics
// - Anomaly detection for proactive alerting
// - Low memory overhead with bounded buffers
//
// Performance Characteristics:
// - Metrics ingestion: >1M events/sec per core
// - Aggregation latency: <1ms for 1-second windows
// - Memory overhead: ~10MB for 1 hour of metrics at 10K events/sec
// - GC pressure: Minimal via object pooling and preallocated buffers
//
// Architecture:
// - Event-driven ingestion via Pub/Sub subscriptions
// - In-memory time-series store with circular buffers
// - Real-time aggregation with configurable windows
// - Anomaly detection using statistical methods
// - Alert engine with threshold-based and dynamic rules
package monitoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"encore.dev/pubsub"

	"encore.app/pkg/models"
	pubsubtypes "encore.app/pkg/pubsub"
)

//encore:service
type Service struct {
	collector  *MetricsCollector
	aggregator *Aggregator
	alertMgr   *AlertManager
	config     Config
	mu         sync.RWMutex
}

// Config holds monitoring service configuration.
type Config struct {
	MetricsRetention  time.Duration // How long to keep raw metrics
	AggregationWindow time.Duration // Aggregation window size
	AlertEvalInterval time.Duration // How often to evaluate alerts
	MaxMetricsPerSec  int           // Rate limit for metric ingestion
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MetricsRetention:  1 * time.Hour,
		AggregationWindow: 1 * time.Second,
		AlertEvalInterval: 10 * time.Second,
		MaxMetricsPerSec:  1000000, // 1M events/sec
	}
}

// MetricType represents the type of metric being recorded.
type MetricType string

const (
	MetricCacheHit       MetricType = "cache.hit"
	MetricCacheMiss      MetricType = "cache.miss"
	MetricCacheSet       MetricType = "cache.set"
	MetricCacheDelete    MetricType = "cache.delete"
	MetricCacheEviction  MetricType = "cache.eviction"
	MetricInvalidation   MetricType = "invalidation"
	MetricWarming        MetricType = "warming"
	MetricError          MetricType = "error"
	MetricLatency        MetricType = "latency"
	MetricLeaderFetch    MetricType = "pricing.leader_fetch"
	MetricFollowerWait   MetricType = "pricing.follower_wait"
	MetricFollowerTimeout MetricType = "pricing.follower_timeout"
	MetricStaleServed    MetricType = "pricing.stale_served"
	MetricBreakerReject  MetricType = "pricing.breaker_rejected"
	MetricBreakerOpened  MetricType = "pricing.breaker_opened"
	MetricBreakerClosed  MetricType = "pricing.breaker_closed"
)

// MetricEvent represents a single metric event from any service.
type MetricEvent struct {
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"` // "pricingcache", "warming", "invalidation"
	Labels    map[string]string `json:"labels,omitempty"`
}

// Request and response types

type GetMetricsRequest struct {
	Window time.Duration `json:"window"` // Time window (e.g., 1m, 5m, 1h)
}

type GetMetricsResponse struct {
	Timestamp      time.Time              `json:"timestamp"`
	Window         time.Duration          `json:"window"`
	TotalRequests  int64                  `json:"total_requests"`
	CacheHits      int64                  `json:"cache_hits"`
	CacheMisses    int64                  `json:"cache_misses"`
	HitRate        float64                `json:"hit_rate"`
	QPS            float64                `json:"qps"`
	AvgLatency     float64                `json:"avg_latency_ms"`
	P50Latency     float64                `json:"p50_latency_ms"`
	P90Latency     float64                `json:"p90_latency_ms"`
	P95Latency     float64                `json:"p95_latency_ms"`
	P99Latency     float64                `json:"p99_latency_ms"`
	ErrorRate      float64                `json:"error_rate"`
	Invalidations  int64                  `json:"invalidations"`
	Warmings       int64                  `json:"warmings"`
	Evictions      int64                  `json:"evictions"`
}

type GetAggregatedRequest struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Interval  time.Duration `json:"interval"` // Aggregation interval
}

type AggregatedDataPoint struct {
	Timestamp     time.Time `json:"timestamp"`
	Requests      int64     `json:"requests"`
	HitRate       float64   `json:"hit_rate"`
	AvgLatency    float64   `json:"avg_latency_ms"`
	P95Latency    float64   `json:"p95_latency_ms"`
	QPS           float64   `json:"qps"`
	ErrorRate     float64   `json:"error_rate"`
}

type GetAggregatedResponse struct {
	DataPoints []AggregatedDataPoint `json:"data_points"`
	Summary    GetMetricsResponse    `json:"summary"`
}

type GetAlertsResponse struct {
	ActiveAlerts   []Alert   `json:"active_alerts"`
	RecentAlerts   []Alert   `json:"recent_alerts"`   // Last 10 resolved alerts
	AlertStats     AlertStats `json:"alert_stats"`
}

type AlertStats struct {
	TotalTriggered int64   `json:"total_triggered"`
	TotalResolved  int64   `json:"total_resolved"`
	ActiveCount    int     `json:"active_count"`
	AvgDuration    float64 `json:"avg_duration_seconds"`
}

// Global service instance
var svc *Service

// initService initializes the monitoring service.
func initService() (*Service, error) {
	config := DefaultConfig()

	collector := NewMetricsCollector(config)
	aggregator := NewAggregator(collector, config)
	alertMgr := NewAlertManager(aggregator, config)

	s := &Service{
		collector:  collector,
		aggregator: aggregator,
		alertMgr:   alertMgr,
		config:     config,
	}

	// Start background workers
	go aggregator.Run()
	go alertMgr.Run()

	return s, nil
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(err)
	}
}

// GetMetrics returns current metrics snapshot for a time window.
//encore:api public method=GET path=/monitoring/metrics
func GetMetrics(ctx context.Context, req *GetMetricsRequest) (*GetMetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetMetrics(ctx, req)
}

func (s *Service) GetMetrics(ctx context.Context, req *GetMetricsRequest) (*GetMetricsResponse, error) {
	window := req.Window
	if window == 0 {
		window = 1 * time.Minute // Default window
	}

	// Get aggregated data for the window
	now := time.Now()
	startTime := now.Add(-window)

	stats := s.aggregator.GetStats(startTime, now)

	return &GetMetricsResponse{
		Timestamp:      now,
		Window:         window,
		TotalRequests:  stats.TotalRequests,
		CacheHits:      stats.CacheHits,
		CacheMisses:    stats.CacheMisses,
		HitRate:        stats.HitRate,
		QPS:            stats.QPS,
		AvgLatency:     stats.AvgLatency,
		P50Latency:     stats.P50Latency,
		P90Latency:     stats.P90Latency,
		P95Latency:     stats.P95Latency,
		P99Latency:     stats.P99Latency,
		ErrorRate:      stats.ErrorRate,
		Invalidations:  stats.Invalidations,
		Warmings:       stats.Warmings,
		Evictions:      stats.Evictions,
	}, nil
}

// GetPrometheusMetrics returns the current window's metrics as a flat
// name->value map, ready for a Prometheus scrape target.
//
//encore:api public method=GET path=/monitoring/metrics/prometheus
func GetPrometheusMetrics(ctx context.Context, req *GetMetricsRequest) (*GetPrometheusMetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetPrometheusMetrics(ctx, req)
}

type GetPrometheusMetricsResponse struct {
	Metrics map[string]float64 `json:"metrics"`
}

func (s *Service) GetPrometheusMetrics(ctx context.Context, req *GetMetricsRequest) (*GetPrometheusMetricsResponse, error) {
	window := req.Window
	if window == 0 {
		window = 1 * time.Minute
	}

	now := time.Now()
	stats := s.aggregator.GetStats(now.Add(-window), now)

	snapshot := models.MetricSnapshot{
		Timestamp:   now,
		CacheHits:   uint64(stats.CacheHits),
		CacheMisses: uint64(stats.CacheMisses),
		Evictions:   uint64(stats.Evictions),
		HitRate:     stats.HitRate,
		MissRate:    1 - stats.HitRate,
		Latency: models.LatencySummary{
			Min: time.Duration(stats.AvgLatency * float64(time.Millisecond)),
			Max: time.Duration(stats.P99Latency * float64(time.Millisecond)),
			P50: time.Duration(stats.P50Latency * float64(time.Millisecond)),
			P90: time.Duration(stats.P90Latency * float64(time.Millisecond)),
			P95: time.Duration(stats.P95Latency * float64(time.Millisecond)),
			P99: time.Duration(stats.P99Latency * float64(time.Millisecond)),
		},
	}

	metrics := models.SnapshotToPrometheusFormat(snapshot, "pricingcache")
	metrics["pricingcache_breaker_opens_total"] = float64(stats.BreakerOpens)
	metrics["pricingcache_follower_waits_total"] = float64(stats.FollowerWaits)
	metrics["pricingcache_follower_timeouts_total"] = float64(stats.FollowerTimeouts)
	metrics["pricingcache_qps"] = stats.QPS
	metrics["pricingcache_error_rate"] = stats.ErrorRate

	return &GetPrometheusMetricsResponse{Metrics: metrics}, nil
}

// GetAggregated returns time-series aggregated metrics.
//encore:api public method=POST path=/monitoring/aggregated
func GetAggregated(ctx context.Context, req *GetAggregatedRequest) (*GetAggregatedResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetAggregated(ctx, req)
}

func (s *Service) GetAggregated(ctx context.Context, req *GetAggregatedRequest) (*GetAggregatedResponse, error) {
	// Validate request
	if req.EndTime.Before(req.StartTime) {
		return nil, errors.New("end_time must be after start_time")
	}

	interval := req.Interval
	if interval == 0 {
		interval = 1 * time.Minute // Default interval
	}

	// Generate data points
	dataPoints := make([]AggregatedDataPoint, 0)
	currentTime := req.StartTime

	for currentTime.Before(req.EndTime) {
		nextTime := currentTime.Add(interval)
		if nextTime.After(req.EndTime) {
			nextTime = req.EndTime
		}

		stats := s.aggregator.GetStats(currentTime, nextTime)

		dataPoints = append(dataPoints, AggregatedDataPoint{
			Timestamp:  currentTime,
			Requests:   stats.TotalRequests,
			HitRate:    stats.HitRate,
			AvgLatency: stats.AvgLatency,
			P95Latency: stats.P95Latency,
			QPS:        stats.QPS,
			ErrorRate:  stats.ErrorRate,
		})

		currentTime = nextTime
	}

	// Calculate overall summary
	overallStats := s.aggregator.GetStats(req.StartTime, req.EndTime)
	summary := &GetMetricsResponse{
		Timestamp:      req.EndTime,
		Window:         req.EndTime.Sub(req.StartTime),
		TotalRequests:  overallStats.TotalRequests,
		CacheHits:      overallStats.CacheHits,
		CacheMisses:    overallStats.CacheMisses,
		HitRate:        overallStats.HitRate,
		QPS:            overallStats.QPS,
		AvgLatency:     overallStats.AvgLatency,
		P50Latency:     overallStats.P50Latency,
		P90Latency:     overallStats.P90Latency,
		P95Latency:     overallStats.P95Latency,
		P99Latency:     overallStats.P99Latency,
		ErrorRate:      overallStats.ErrorRate,
		Invalidations:  overallStats.Invalidations,
		Warmings:       overallStats.Warmings,
		Evictions:      overallStats.Evictions,
	}

	return &GetAggregatedResponse{
		DataPoints: dataPoints,
		Summary:    *summary,
	}, nil
}

// GetAlerts returns current active alerts and alert statistics.
//encore:api public method=GET path=/monitoring/alerts
func GetAlerts(ctx context.Context) (*GetAlertsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetAlerts(ctx)
}

func (s *Service) GetAlerts(ctx context.Context) (*GetAlertsResponse, error) {
	activeAlerts := s.alertMgr.GetActiveAlerts()
	recentAlerts := s.alertMgr.GetRecentResolvedAlerts(10)
	stats := s.alertMgr.GetStats()

	return &GetAlertsResponse{
		ActiveAlerts: activeAlerts,
		RecentAlerts: recentAlerts,
		AlertStats:   stats,
	}, nil
}

// Pub/Sub subscriptions for metric events

// Subscribe to pricingcache's own coalescing-cache lifecycle events.
var _ = pubsub.NewSubscription(
	PricingEventsTopic,
	"monitoring-pricing-events",
	pubsub.SubscriptionConfig[*pubsubtypes.PricingEvent]{
		Handler: HandlePricingEvent,
	},
)

// PricingEventsTopic mirrors pricingcache's publish-side handle to the
// same named topic: this service owns the subscription, pricingcache owns
// the publish.
var PricingEventsTopic = pubsub.NewTopic[*pubsubtypes.PricingEvent](
	pubsubtypes.TopicPricingEvents,
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

var pricingMetricTypes = map[pubsubtypes.PricingEventKind]MetricType{
	pubsubtypes.PricingEventHit:             MetricCacheHit,
	pubsubtypes.PricingEventMiss:            MetricCacheMiss,
	pubsubtypes.PricingEventLeaderFetch:     MetricLeaderFetch,
	pubsubtypes.PricingEventLeaderError:     MetricError,
	pubsubtypes.PricingEventFollowerWait:    MetricFollowerWait,
	pubsubtypes.PricingEventFollowerTimeout: MetricFollowerTimeout,
	pubsubtypes.PricingEventStaleServed:     MetricStaleServed,
	pubsubtypes.PricingEventBreakerRejected: MetricBreakerReject,
	pubsubtypes.PricingEventBreakerOpened:   MetricBreakerOpened,
	pubsubtypes.PricingEventBreakerClosed:   MetricBreakerClosed,
}

// HandlePricingEvent folds a pricingcache lifecycle event into the
// sliding-window aggregator, so hit rate, leader/follower activity and
// breaker transitions show up in GetMetrics/GetAggregated without
// pricingcache having to know anything about how metrics are stored.
func HandlePricingEvent(ctx context.Context, event *pubsubtypes.PricingEvent) error {
	if svc == nil {
		return nil
	}

	metricType, ok := pricingMetricTypes[event.Kind]
	if !ok {
		return nil
	}

	svc.collector.RecordMetric(MetricEvent{
		Type:      metricType,
		Value:     1,
		Timestamp: event.Timestamp,
		Source:    "pricingcache",
		Labels:    map[string]string{"key": event.Key},
	})

	// A follower timeout is both its own rate signal and a request that
	// ultimately failed to get a coalesced answer, so it also counts
	// against the generic error rate.
	if event.Kind == pubsubtypes.PricingEventFollowerTimeout {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricError,
			Value:     1,
			Timestamp: event.Timestamp,
			Source:    "pricingcache",
			Labels:    map[string]string{"key": event.Key},
		})
	}

	if event.LatencyMs > 0 {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricLatency,
			Value:     event.LatencyMs,
			Timestamp: event.Timestamp,
			Source:    "pricingcache",
			Labels:    map[string]string{"kind": string(event.Kind)},
		})
	}

	return nil
}

// Subscribe to warming completion events, published by the warming service
// against the canonical pkg/pubsub schema.
var _ = pubsub.NewSubscription(
	WarmCompletedTopic,
	"monitoring-warm-completed",
	pubsub.SubscriptionConfig[*pubsubtypes.WarmCompletedEvent]{
		Handler: HandleWarmCompleted,
	},
)

var WarmCompletedTopic = pubsub.NewTopic[*pubsubtypes.WarmCompletedEvent](
	"cache.warm.completed",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// HandleWarmCompleted processes warming completion events.
func HandleWarmCompleted(ctx context.Context, event *pubsubtypes.WarmCompletedEvent) error {
	if svc == nil {
		return nil
	}

	svc.collector.RecordMetric(MetricEvent{
		Type:      MetricWarming,
		Value:     float64(event.KeysWarmed),
		Timestamp: event.CompletedAt,
		Source:    "warming",
		Labels:    map[string]string{"status": event.Status},
	})

	// Record warming duration as latency
	svc.collector.RecordMetric(MetricEvent{
		Type:      MetricLatency,
		Value:     float64(event.Duration.Milliseconds()),
		Timestamp: event.CompletedAt,
		Source:    "warming",
		Labels:    map[string]string{"operation": "warm"},
	})

	if event.Status != "success" {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricError,
			Value:     float64(event.KeysFailed),
			Timestamp: event.CompletedAt,
			Source:    "warming",
		})
	}

	return nil
}

// Subscribe to invalidation broadcasts for metrics purposes. pricingcache
// subscribes to the same topic to actually act on the invalidation; this
// subscription only counts it.
var _ = pubsub.NewSubscription(
	InvalidationMetricsTopic,
	"monitoring-invalidation",
	pubsub.SubscriptionConfig[*pubsubtypes.InvalidationEvent]{
		Handler: HandleInvalidationMetric,
	},
)

var InvalidationMetricsTopic = pubsub.NewTopic[*pubsubtypes.InvalidationEvent](
	"cache.invalidate",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// HandleInvalidationMetric processes invalidation metrics.
func HandleInvalidationMetric(ctx context.Context, event *pubsubtypes.InvalidationEvent) error {
	if svc == nil {
		return nil
	}

	svc.collector.RecordMetric(MetricEvent{
		Type:      MetricInvalidation,
		Value:     float64(len(event.Keys)),
		Timestamp: event.TriggeredAt,
		Source:    "invalidation",
		Labels:    map[string]string{"triggered_by": event.Meta["triggered_by"], "pattern": event.Pattern},
	})

	return nil
}

// Shutdown gracefully stops the monitoring service.
func (s *Service) Shutdown() {
	s.aggregator.Stop()
	s.alertMgr.Stop()
}