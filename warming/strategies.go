package warming

import (
	"context"
	"sort"
	"strconv"
	"time"
)

// Strategy defines the interface for cache warming strategies over pricing
// fingerprints. Different strategies determine which keys to warm and in
// what order.
type Strategy interface {
	Name() string
	Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error)
}

// PlanOptions provides input parameters for warming strategy planning.
type PlanOptions struct {
	Keys     []string          // Keys to consider for warming
	Priority int               // Base priority level
	Limit    int               // Maximum number of tasks to generate
	Metadata map[string]string // Additional strategy-specific metadata
}

// WarmTask represents a single cache warming task.
type WarmTask struct {
	Key           string        // Cache key to warm
	Priority      int           // Task priority (higher = more important)
	EstimatedCost int           // Estimated cost in milliseconds
	TTL           time.Duration // Cache TTL for this key
	Strategy      string        // Strategy that created this task
	Metadata      map[string]interface{} // Additional task metadata
}

// SelectiveHotKeysStrategy warms only the hottest keys based on access frequency.
// This strategy is efficient for high-traffic scenarios where most requests
// target a small subset of keys (Pareto principle / 80-20 rule).
type SelectiveHotKeysStrategy struct {
	name string
}

// NewSelectiveHotKeysStrategy creates a new selective hot keys strategy.
func NewSelectiveHotKeysStrategy() Strategy {
	return &SelectiveHotKeysStrategy{
		name: "selective",
	}
}

func (s *SelectiveHotKeysStrategy) Name() string {
	return s.name
}

// Plan generates warming tasks for the hottest keys.
// Assumes keys are already sorted by hotness (most frequent first).
// Complexity: O(n) where n = min(len(keys), limit)
func (s *SelectiveHotKeysStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	limit := opts.Limit
	if limit <= 0 || limit > len(opts.Keys) {
		limit = len(opts.Keys)
	}

	// Apply a reasonable cap to prevent runaway warming
	if limit > 1000 {
		limit = 1000
	}

	tasks := make([]WarmTask, 0, limit)
	
	// Take top N hottest keys
	for i := 0; i < limit && i < len(opts.Keys); i++ {
		key := opts.Keys[i]
		
		// Priority decreases for less hot keys
		priority := opts.Priority
		if opts.Priority == 0 {
			priority = 100 - (i * 100 / limit) // Linear decrease from 100 to 0
		}

		tasks = append(tasks, WarmTask{
			Key:           key,
			Priority:      priority,
			EstimatedCost: estimateFetchCost(key, opts),
			TTL:           1 * time.Hour,
			Strategy:      s.name,
		})
	}

	return tasks, nil
}

// StaleFirstStrategy warms the keys closest to falling out of their stale
// window first, so a fingerprint that's about to lose even its stale
// fallback is refreshed before one that still has minutes of stale-serve
// headroom left. opts.Metadata carries the remaining stale TTL per key, in
// seconds, keyed by the fingerprint itself (e.g. populated by a caller that
// just scanned the store for keys about to expire); a key with no entry is
// treated as having no headroom and sorts first.
type StaleFirstStrategy struct {
	name string
}

// NewStaleFirstStrategy creates a new stale-deadline-first strategy.
func NewStaleFirstStrategy() Strategy {
	return &StaleFirstStrategy{
		name: "stale-first",
	}
}

func (s *StaleFirstStrategy) Name() string {
	return s.name
}

// Plan generates warming tasks ordered by ascending remaining stale TTL.
// Complexity: O(n log n) for sorting + O(n) for task generation
func (s *StaleFirstStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	if len(opts.Keys) == 0 {
		return []WarmTask{}, nil
	}

	remaining := func(key string) int {
		if opts.Metadata == nil {
			return 0
		}
		raw, ok := opts.Metadata[key]
		if !ok {
			return 0
		}
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			return 0
		}
		return secs
	}

	sortedKeys := make([]string, len(opts.Keys))
	copy(sortedKeys, opts.Keys)

	sort.Slice(sortedKeys, func(i, j int) bool {
		ri, rj := remaining(sortedKeys[i]), remaining(sortedKeys[j])
		if ri == rj {
			return sortedKeys[i] < sortedKeys[j]
		}
		return ri < rj // Least headroom first
	})

	limit := opts.Limit
	if limit <= 0 || limit > len(sortedKeys) {
		limit = len(sortedKeys)
	}

	tasks := make([]WarmTask, 0, limit)

	for i := 0; i < limit && i < len(sortedKeys); i++ {
		key := sortedKeys[i]
		secsLeft := remaining(key)

		// Higher priority for keys with less stale headroom left.
		priority := opts.Priority
		if priority == 0 {
			priority = 100 - (secsLeft / 60)
			if priority < 0 {
				priority = 0
			}
		}

		tasks = append(tasks, WarmTask{
			Key:           key,
			Priority:      priority,
			EstimatedCost: estimateFetchCost(key, opts),
			TTL:           1 * time.Hour,
			Strategy:      s.name,
			Metadata: map[string]interface{}{
				"stale_seconds_remaining": secsLeft,
			},
		})
	}

	return tasks, nil
}

// PriorityBasedStrategy warms keys based on a calculated priority score.
// Score = (importance * hotness) / cost
// This balances multiple factors to optimize warming efficiency.
type PriorityBasedStrategy struct {
	name string
}

// NewPriorityBasedStrategy creates a new priority-based strategy.
func NewPriorityBasedStrategy() Strategy {
	return &PriorityBasedStrategy{
		name: "priority",
	}
}

func (s *PriorityBasedStrategy) Name() string {
	return s.name
}

// Plan generates warming tasks sorted by calculated priority score.
// Complexity: O(n log n) for sorting
func (s *PriorityBasedStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	if len(opts.Keys) == 0 {
		return []WarmTask{}, nil
	}

	// Create tasks with calculated priorities
	tasks := make([]WarmTask, 0, len(opts.Keys))
	
	for i, key := range opts.Keys {
		cost := estimateFetchCost(key, opts)
		
		// Calculate importance (decreases with position in list)
		importance := float64(len(opts.Keys)-i) / float64(len(opts.Keys))
		
		// Calculate hotness (assume keys are ordered by access frequency)
		hotness := 1.0
		if i < len(opts.Keys)/10 {
			hotness = 2.0 // Top 10% get double weight
		}
		
		// Priority score: higher importance and hotness, lower cost = higher priority
		score := (importance * hotness * 100) / float64(cost)
		priority := int(score)
		
		// Clamp to 0-100 range
		if priority > 100 {
			priority = 100
		}
		if priority < 0 {
			priority = 0
		}

		tasks = append(tasks, WarmTask{
			Key:           key,
			Priority:      priority,
			EstimatedCost: cost,
			TTL:           1 * time.Hour,
			Strategy:      s.name,
			Metadata: map[string]interface{}{
				"importance": importance,
				"hotness":    hotness,
				"score":      score,
			},
		})
	}

	// Sort by priority (highest first)
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Priority > tasks[j].Priority
	})

	// Apply limit
	limit := opts.Limit
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}

	return tasks, nil
}

// defaultFetchCostMs is the fallback cost estimate (in milliseconds) for a
// pricing oracle fetch when no better signal is available, conservative
// enough to cover a typical leader fetch without padding toward the
// coalescing cache's much larger FetchBudget ceiling.
const defaultFetchCostMs = 150

// estimateFetchCost estimates the cost (in milliseconds) of warming key from
// origin. Every pricing fingerprint has the same fixed shape (a namespace
// prefix plus a sha256 digest), so nothing in the key string itself
// distinguishes an expensive fetch from a cheap one; the only real signal is
// the caller's own observed latency, passed through opts.Metadata under
// "avg_fetch_ms" (e.g. sourced from pricingcache's leader-fetch metrics).
// Falls back to defaultFetchCostMs when no hint is supplied.
func estimateFetchCost(key string, opts PlanOptions) int {
	if opts.Metadata == nil {
		return defaultFetchCostMs
	}
	raw, ok := opts.Metadata["avg_fetch_ms"]
	if !ok {
		return defaultFetchCostMs
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return defaultFetchCostMs
	}
	return ms
}