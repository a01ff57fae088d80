// Package breaker implements a process-local three-state circuit breaker
// (closed, open, half_open) guarding calls to an unreliable upstream.
package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrOpen is returned by Call when the breaker is open and rejecting calls
// without invoking the wrapped function.
var ErrOpen = errors.New("breaker: circuit open")

// State is one of the breaker's three states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config tunes trip threshold and cooldown.
type Config struct {
	// Threshold is the number of consecutive failures in Closed that trips
	// the breaker to Open.
	Threshold int
	// Cooldown is how long the breaker stays Open before allowing a single
	// probe call in HalfOpen.
	Cooldown time.Duration
}

// DefaultConfig matches the coalescing cache's breaker settings.
func DefaultConfig() Config {
	return Config{Threshold: 5, Cooldown: 60 * time.Second}
}

// Breaker guards calls to a single upstream dependency. Safe for concurrent
// use; all state transitions are serialized by a single mutex, since they
// must be observed and applied atomically as a group.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	halfOpenInFlight bool

	trips atomic.Int64
}

// New creates a breaker in the Closed state.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// State returns the breaker's current state, advancing Open to HalfOpen as
// a side effect if the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.Cooldown {
		b.state = HalfOpen
		b.halfOpenInFlight = false
	}
	return b.state
}

// Call invokes fn if the breaker currently admits calls: always in Closed,
// never in Open, and exactly one concurrent probe in HalfOpen. A success
// resets the breaker to Closed; a failure trips it to Open (from Closed,
// once the failure threshold is reached) or reopens it (from HalfOpen).
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.admit() {
		return ErrOpen
	}

	err := fn(ctx)

	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case Closed:
		return true
	case HalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default: // Open
		return false
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.halfOpenInFlight = false
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.trip()
		}
	}
	b.halfOpenInFlight = false
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = time.Now()
	b.failures = 0
	b.trips.Add(1)
}

// Trips returns the total number of times the breaker has tripped to Open,
// for monitoring.
func (b *Breaker) Trips() int64 {
	return b.trips.Load()
}
