// Package kvstore provides the TTL key-value store abstraction used for
// persisted jobs, job results, budget counters, and the shared cache tier.
// Supports both in-memory and Redis backends for multi-instance deployments.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the key does not exist or has expired.
var ErrNotFound = errors.New("key not found")

// Store defines the key-value operations the dispatcher relies on.
// No pattern-scan or bulk-delete capability is assumed.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the raw value for key. Returns ErrNotFound if the key
	// is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources held by the store.
	Close() error
}
