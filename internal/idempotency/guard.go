// Package idempotency deduplicates inbound webhook deliveries and outbound
// job submissions by a stable key. Reserve is atomic: at most one concurrent
// caller acquires a given key, the rest observe a duplicate.
package idempotency

import (
	"context"
	"fmt"
)

// Reserver is the storage operation the guard needs: an atomic
// unique-constraint insert. Satisfied by store.Store.
type Reserver interface {
	ReserveKey(ctx context.Context, key, refID string) (bool, error)
	ReleaseKey(ctx context.Context, key string) error
	FindKeyRef(ctx context.Context, key string) (string, error)
}

// Guard composes keys and delegates atomicity to the store.
type Guard struct {
	store Reserver
}

func New(store Reserver) *Guard {
	return &Guard{store: store}
}

// JobKey identifies one submission of a job kind for an owning entity.
func JobKey(kind, ownerID string) string {
	return fmt.Sprintf("job:%s:%s", kind, ownerID)
}

// WebhookKey identifies one gateway delivery.
func WebhookKey(provider, deliveryID, eventType string) string {
	return fmt.Sprintf("wh:%s:%s:%s", provider, deliveryID, eventType)
}

// Reserve claims a key for refID. A false return means a duplicate; callers
// treat the operation as a no-op, not an error.
func (g *Guard) Reserve(ctx context.Context, key, refID string) (bool, error) {
	acquired, err := g.store.ReserveKey(ctx, key, refID)
	if err != nil {
		return false, fmt.Errorf("reserve %q: %w", key, err)
	}
	return acquired, nil
}

// Holder returns the record id the key was reserved for, so a duplicate
// submission can report the original.
func (g *Guard) Holder(ctx context.Context, key string) (string, error) {
	return g.store.FindKeyRef(ctx, key)
}

// Release frees a key so a later legitimate retry can re-admit the same
// operation (used when a webhook handler fails: re-delivery should reprocess).
func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.store.ReleaseKey(ctx, key); err != nil {
		return fmt.Errorf("release %q: %w", key, err)
	}
	return nil
}
