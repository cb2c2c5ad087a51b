// Package sync coordinates full catalog syncs and missed-feed recovery.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marketsync/backend/internal/domain/shared"
)

var (
	// ErrLockHeld is returned by WithLock when another holder owns the lock
	ErrLockHeld = errors.New("sync: lock held by another process")
	// ErrLockNotHeld is returned by Release when this holder no longer owns the lock
	ErrLockNotHeld = errors.New("sync: lock not held")
)

// Lock key prefixes.
const (
	CatalogLockPrefix  = "sync:lock:catalog"
	RecoveryLockPrefix = "sync:lock:recovery"
)

// LockKey builds a per-tenant lock key.
func LockKey(prefix, tenantID string) string {
	return prefix + ":" + tenantID
}

// Lock is an exclusive token with a TTL. Each Lock value is one prospective holder;
// only the holder that acquired it can release it.
type Lock struct {
	store shared.AtomicStore
	key   string
	ttl   time.Duration
	token string
}

// NewLock creates a lock handle for key. Nothing is acquired yet.
func NewLock(store shared.AtomicStore, key string, ttl time.Duration) *Lock {
	return &Lock{store: store, key: key, ttl: ttl, token: uuid.NewString()}
}

// Key returns the store key guarded by the lock.
func (l *Lock) Key() string {
	return l.key
}

// Acquire tries to take the lock. A store failure fails closed: false plus the error.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.store.SetIfAbsent(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

// Release deletes the lock only if this handle still holds it.
func (l *Lock) Release(ctx context.Context) error {
	deleted, err := l.store.DeleteIfEquals(ctx, l.key, l.token)
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if !deleted {
		return ErrLockNotHeld
	}
	return nil
}

// IsHeld reports whether anyone currently holds the lock.
func (l *Lock) IsHeld(ctx context.Context) (bool, error) {
	_, ok, err := l.store.Get(ctx, l.key)
	return ok, err
}

// WithLock runs fn while holding the lock and always releases it afterwards.
func (l *Lock) WithLock(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	acquired, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLockHeld
	}
	defer func() {
		// release with a fresh context so a cancelled ctx cannot leak the lock
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := l.Release(relCtx); rerr != nil && err == nil && !errors.Is(rerr, ErrLockNotHeld) {
			err = rerr
		}
	}()
	return fn(ctx)
}
