// Package rendezvous implements the follower side of leader/follower
// coordination: a per-request single-slot mailbox that a leader publishes
// to once, and any number of followers wait on.
package rendezvous

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"encore.app/store"
)

// ErrTimeout is returned by Wait when no value arrives before the handle's
// deadline.
var ErrTimeout = errors.New("rendezvous: timed out waiting for result")

// pollInterval bounds how often Wait checks the mailbox. The shared store
// has no native blocking pop, so blocking wait is simulated with a short
// poll loop bounded by the handle's own timeout.
const pollInterval = 50 * time.Millisecond

// Handle represents one follower's registration to wait for a leader's
// result on a given logical key.
type Handle struct {
	store   store.Store
	id      string
	mailbox string
	timeout time.Duration
}

// Create allocates a new rendezvous id, registers it on the ordered waiters
// list for key, and returns a Handle the caller uses to wait for the
// leader's result.
func Create(ctx context.Context, s store.Store, key string, timeout time.Duration) (*Handle, error) {
	id := uuid.NewString()
	waitersKey := WaitersKey(key)
	if err := s.RPush(ctx, waitersKey, id); err != nil {
		return nil, err
	}
	return &Handle{
		store:   s,
		id:      id,
		mailbox: MailboxKey(id),
		timeout: timeout,
	}, nil
}

// WaitersKey returns the ordered waiters-list key for a logical cache key.
func WaitersKey(key string) string {
	return "waiters:" + key
}

// MailboxKey returns the single-slot mailbox key for a rendezvous id.
func MailboxKey(id string) string {
	return "rendezvous:" + id
}

// Wait blocks (via polling) until the leader publishes a value to this
// handle's mailbox, the handle's timeout elapses, or ctx is cancelled. The
// mailbox is deleted on every exit path so a late leader publish never
// leaks a stale entry.
func (h *Handle) Wait(ctx context.Context) (string, error) {
	defer func() {
		_ = h.store.Del(context.Background(), h.mailbox)
	}()

	deadline := time.Now().Add(h.timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		val, err := h.store.Get(ctx, h.mailbox)
		if err == nil {
			return val, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}

		if time.Now().After(deadline) {
			return "", ErrTimeout
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Publish is called by the leader to hand a result (or an error marker) to
// a single waiting follower's mailbox. The TTL bounds how long an unread
// mailbox lingers if the follower already gave up.
func Publish(ctx context.Context, s store.Store, waiterID, value string, ttl time.Duration) error {
	return s.Set(ctx, MailboxKey(waiterID), value, ttl)
}

// DrainWaiters pops every registered waiter id off the ordered list for
// key, in FIFO order, so the leader can publish to each in turn.
func DrainWaiters(ctx context.Context, s store.Store, key string) ([]string, error) {
	waitersKey := WaitersKey(key)
	var ids []string
	for {
		id, err := s.LPop(ctx, waitersKey)
		if errors.Is(err, store.ErrNotFound) {
			return ids, nil
		}
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
}
