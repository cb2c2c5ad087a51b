package shared

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable is returned when the shared key-value store cannot be reached.
var ErrStoreUnavailable = errors.New("store: unavailable")

// AtomicStore is the shared key-value store every coordinating component relies on.
//
// Each method maps to exactly one atomic primitive on the backing store. Callers
// never compose a read with a later write, because a request may be preempted
// between any two store calls and another instance may act in between.
type AtomicStore interface {
	// IncrWithExpiry increments key and returns the new value. The expiry is set
	// only when the increment created the key.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetIfAbsent stores value under key with ttl when key does not exist.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// DeleteIfEquals removes key only when it still holds value.
	DeleteIfEquals(ctx context.Context, key, value string) (bool, error)

	// Get returns the value stored under key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// PushCapped pushes value to the head of the list at key and trims the list
	// to capacity entries, dropping the oldest.
	PushCapped(ctx context.Context, key string, value []byte, capacity int64) error

	// Pop removes and returns the oldest entry of the list at key.
	// ok is false when the list is empty.
	Pop(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Len returns the length of the list at key.
	Len(ctx context.Context, key string) (int64, error)

	// AdvanceMax sets key to max(current, value) and returns the stored result.
	AdvanceMax(ctx context.Context, key string, value int64) (int64, error)

	// HashIncrBy increments field of the hash at key by delta.
	HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// HashGetAll returns every field of the hash at key.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
