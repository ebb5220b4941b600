// Package keyval wraps the shared key-value store that the service uses
// simultaneously as cache, distributed lock and idempotency fast path. One
// Store is constructed at the composition root and shared by the narrow
// capability views (Cache, Lock, RateLimiter) so the coordination contract
// stays in a single place.
package keyval

import (
	"context"
	"time"
)

// Store is the minimal command surface the capability views depend on.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves a value. Returns the value, whether it was found, and any error.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores a value. A non-positive ttl stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfAbsent atomically stores a value only when the key has no
	// unexpired entry. Returns whether the value was stored.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes keys. Deleting an absent key is not an error.
	Delete(ctx context.Context, keys ...string) error

	// Keys returns the keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Exists reports whether the key has an unexpired entry.
	Exists(ctx context.Context, key string) (bool, error)

	// Increment atomically increments a counter, starting its expiry window
	// on first increment. Returns the post-increment count.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)

	// Ping verifies store connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying client.
	Close()
}
