// Package store defines the shared key/value primitives the pricing cache's
// lease, rendezvous and coalescing layers coordinate through, and implements
// them on top of Encore's managed Redis-backed cache keyspaces.
package store

import (
	"context"
	"errors"
	"time"

	"encore.dev/storage/cache"
)

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = errors.New("store: key not found")

// Store is the abstract shared key/value surface every coordination
// primitive (lease, rendezvous, coalescing cache) is built against. A fake
// in-process implementation backs unit tests; the production implementation
// below wraps Encore cache keyspaces.
type Store interface {
	// Get returns the current value, or ErrNotFound if absent.
	Get(ctx context.Context, key string) (string, error)
	// Set writes value unconditionally with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value only if key is currently absent. Returns true if
	// the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CmpAndDelete deletes key only if its current value equals expected.
	// Returns true if the delete happened.
	CmpAndDelete(ctx context.Context, key, expected string) (bool, error)
	// CmpAndExpire resets key's TTL only if its current value equals
	// expected. Returns true if the extend happened.
	CmpAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)
	// Del removes key unconditionally. Not an error if absent.
	Del(ctx context.Context, key string) error
	// RPush appends value to the list at key, creating it if absent.
	RPush(ctx context.Context, key, value string) error
	// LPop removes and returns the first element of the list at key.
	// Returns ErrNotFound if the list is empty or absent.
	LPop(ctx context.Context, key string) (string, error)
}

// pricingCluster is the Encore-managed Redis cluster backing the shared
// store. A single cluster holds both the value keyspace and the list
// keyspace used for waiters/rendezvous bookkeeping.
var pricingCluster = cache.NewCluster("pricing-coalescing-cache", cache.ClusterConfig{
	EvictionPolicy: cache.AllKeysLRU,
})

var valueKeyspace = cache.NewStringKeyspace[string](pricingCluster, cache.KeyspaceConfig{
	KeyPattern:    "store/value/:key",
	DefaultExpiry: cache.ExpireIn(15 * time.Minute),
})

var listKeyspace = cache.NewListKeyspace[string, string](pricingCluster, cache.KeyspaceConfig{
	KeyPattern:    "store/list/:key",
	DefaultExpiry: cache.ExpireIn(1 * time.Hour),
})

// EncoreStore implements Store atop encore.dev/storage/cache.
type EncoreStore struct{}

// NewEncoreStore returns the production Store backed by the Encore cache
// cluster declared above.
func NewEncoreStore() *EncoreStore {
	return &EncoreStore{}
}

func (s *EncoreStore) Get(ctx context.Context, key string) (string, error) {
	val, err := valueKeyspace.Get(ctx, key)
	if errors.Is(err, cache.Miss) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *EncoreStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return valueKeyspace.With(cache.ExpireIn(ttl)).Set(ctx, key, value)
}

// SetNX relies on Encore's GetAndSet, which atomically swaps in the new
// value and returns whatever was there before (cache.Miss if nothing was).
// Only when the prior state was a miss did our write "win" the race.
func (s *EncoreStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	prev, err := valueKeyspace.With(cache.ExpireIn(ttl)).GetAndSet(ctx, key, value)
	if errors.Is(err, cache.Miss) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if prev == value {
		// We raced with our own retry using the same owner token; treat
		// as already-held rather than acquired, since nothing changed.
		return false, nil
	}
	// Someone else held the key: put back what was there so we don't
	// clobber the real owner's value, then report failure.
	_ = valueKeyspace.With(cache.ExpireIn(ttl)).Set(ctx, key, prev)
	return false, nil
}

// cmpTombstone is swapped in by CmpAndDelete/CmpAndExpire so the
// match-and-mutate decision is made from GetAndSet's atomically returned
// previous value, the same way SetNX decides purely from GetAndSet above —
// never from a separate Get followed by a conditional write, which leaves a
// gap for a new holder to legitimately win SetNX in between and then have
// its lease stomped by the old holder's unconditional follow-up.
const cmpTombstone = "\x00cmp-in-flight\x00"

func (s *EncoreStore) CmpAndDelete(ctx context.Context, key, expected string) (bool, error) {
	prev, err := valueKeyspace.GetAndSet(ctx, key, cmpTombstone)
	if errors.Is(err, cache.Miss) {
		// Nothing held expected; undo the tombstone we just wrote into an
		// empty slot so a legitimate SetNX isn't blocked by it.
		_, _ = valueKeyspace.Delete(ctx, key)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if prev != expected {
		// We swapped out someone else's live value; put it back.
		_ = valueKeyspace.Set(ctx, key, prev)
		return false, nil
	}
	if _, err := valueKeyspace.Delete(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}

func (s *EncoreStore) CmpAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	prev, err := valueKeyspace.GetAndSet(ctx, key, cmpTombstone)
	if errors.Is(err, cache.Miss) {
		_, _ = valueKeyspace.Delete(ctx, key)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if prev != expected {
		_ = valueKeyspace.Set(ctx, key, prev)
		return false, nil
	}
	if err := valueKeyspace.With(cache.ExpireIn(ttl)).Set(ctx, key, expected); err != nil {
		return false, err
	}
	return true, nil
}

func (s *EncoreStore) Del(ctx context.Context, key string) error {
	_, err := valueKeyspace.Delete(ctx, key)
	return err
}

func (s *EncoreStore) RPush(ctx context.Context, key, value string) error {
	_, err := listKeyspace.PushRight(ctx, key, value)
	return err
}

func (s *EncoreStore) LPop(ctx context.Context, key string) (string, error) {
	val, err := listKeyspace.PopLeft(ctx, key)
	if errors.Is(err, cache.Miss) {
		return "", ErrNotFound
	}
	return val, err
}
