// Package lease implements a distributed mutual-exclusion lease over a
// shared key/value store, with owner-token-based release and a background
// auto-extender for long-running critical sections.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"encore.app/obs"
	"encore.app/store"
)

// ErrUnavailable is returned by TryAcquire when another owner currently
// holds the lease.
var ErrUnavailable = errors.New("lease: unavailable")

// Default timing, matching the coalescing cache's leader election.
const (
	DefaultTTL           = 60 * time.Second
	DefaultExtendInterval = 2 * time.Second
)

// Lease represents a held distributed lock. The zero value is not valid;
// obtain one via TryAcquire or WithLease.
type Lease struct {
	store   store.Store
	key     string
	owner   string
	ttl     time.Duration
}

// TryAcquire attempts to acquire the lease for key with the given TTL using
// the store's atomic set-if-absent primitive. Returns ErrUnavailable if
// another owner currently holds it.
func TryAcquire(ctx context.Context, s store.Store, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	owner := uuid.NewString()
	ok, err := s.SetNX(ctx, key, owner, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnavailable
	}
	return &Lease{store: s, key: key, owner: owner, ttl: ttl}, nil
}

// Extend resets the lease's TTL, but only if this Lease still owns the key
// in the store (compare-and-extend). Returns false if ownership was lost,
// e.g. because the lease expired and another owner acquired it first.
func (l *Lease) Extend(ctx context.Context) (bool, error) {
	return l.store.CmpAndExpire(ctx, l.key, l.owner, l.ttl)
}

// Release deletes the lease's key, but only if this Lease still owns it
// (compare-and-delete). Releasing a lease that has already expired and been
// re-acquired by someone else is a no-op, never a forced takedown; that
// mismatch is logged at info and never raised, since the store's
// compare-and-delete already enforced the invariant that matters.
func (l *Lease) Release(ctx context.Context) error {
	ok, err := l.store.CmpAndDelete(ctx, l.key, l.owner)
	if err != nil {
		return err
	}
	if !ok {
		obs.Info("lease release no-op: ownership already lost", map[string]interface{}{
			"key":   l.key,
			"owner": l.owner,
		})
	}
	return nil
}

// Owner returns this lease's owner token, useful for logging/diagnostics.
func (l *Lease) Owner() string {
	return l.owner
}

// Key returns the lease's store key, useful for logging/diagnostics.
func (l *Lease) Key() string {
	return l.key
}

// WithLease acquires the lease for key, runs fn while holding it, and
// releases it on return. While fn runs, a background goroutine extends the
// lease every ttl/5 (or extendInterval if positive) so long-running work
// is not cut off by the TTL. If extension ever fails to confirm ownership,
// the extender goroutine stops but fn is allowed to run to completion —
// the caller is expected to use ctx for its own cancellation if it needs to
// react to lost ownership.
func WithLease(ctx context.Context, s store.Store, key string, ttl, extendInterval time.Duration, fn func(ctx context.Context, l *Lease) error) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if extendInterval <= 0 {
		extendInterval = ttl / 5
	}

	l, err := TryAcquire(ctx, s, key, ttl)
	if err != nil {
		return err
	}

	extendCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.runExtender(extendCtx, extendInterval)
	}()

	err = fn(ctx, l)

	cancel()
	wg.Wait()

	if relErr := l.Release(context.Background()); relErr != nil && err == nil {
		err = relErr
	}
	return err
}

func (l *Lease) runExtender(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.Extend(ctx)
			if err != nil {
				// Transient store error: log and try again next tick
				// rather than giving up on the critical section.
				obs.Error("lease extend failed, retrying next interval", err, map[string]interface{}{
					"key":   l.key,
					"owner": l.owner,
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
