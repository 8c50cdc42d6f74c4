// Package locks provides the shared lock & queue backend used for
// distributed locks, the per-agent execution slot, and wait lists.
//
// Two implementations exist: RedisBackend for multi-worker deployments and
// MemoryBackend for single-node mode and tests. If the backend is wiped the
// system degrades to "all agents idle"; no durable state lives here.
package locks

import (
	"context"
	"errors"
	"time"
)

// ErrBackendUnavailable is returned when the backend cannot be reached.
// Callers fail closed on it.
var ErrBackendUnavailable = errors.New("lock backend unavailable")

// Backend is the minimal key/value + list contract the core relies on.
// All operations are atomic at the backend level.
type Backend interface {
	// SetNX atomically claims key with a TTL. Returns false if key exists.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Set unconditionally writes key with a TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Del removes a key. Removing a missing key is not an error.
	Del(ctx context.Context, key string) error
	// ReleaseIfValue deletes key only if it still holds value (CAS delete).
	ReleaseIfValue(ctx context.Context, key, value string) (bool, error)
	// RefreshIfValue extends the TTL only if key still holds value.
	RefreshIfValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// TTL returns the remaining TTL. Zero when the key is missing or has none.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// LPush prepends a value to the list at key.
	LPush(ctx context.Context, key, value string) error
	// RPop removes and returns the oldest value. ok=false on empty list.
	RPop(ctx context.Context, key string) (string, bool, error)
	// LRange returns list elements between start and stop inclusive.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LLen returns the list length.
	LLen(ctx context.Context, key string) (int64, error)
	// LRem removes count occurrences of value from the list.
	LRem(ctx context.Context, key, value string) error

	// Close releases backend resources.
	Close() error
}
