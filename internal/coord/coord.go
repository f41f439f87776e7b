// Package coord is the coordination store: small shared keys and
// ownership locks for components that must not run twice across
// instances, such as the schedule timer registry.
package coord

import "context"

// KV is a minimal key-value surface with ownership locking.
type KV interface {
	// Get returns the value for key; the bool is false when absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// Acquire takes ownership of key for owner. It returns true when the
	// key was free or already held by the same owner.
	Acquire(ctx context.Context, key, owner string) (bool, error)

	// Release drops ownership of key if held by owner; otherwise a no-op.
	Release(ctx context.Context, key, owner string) error
}
