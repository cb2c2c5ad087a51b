package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/marketsync/backend/internal/domain/shared"
)

const revocationKeyPrefix = "auth:revoked:"

// RevocationList invalidates tokens before they expire, keyed by JTI.
// Entries live only as long as the token would have.
type RevocationList struct {
	store shared.AtomicStore
}

// NewRevocationList creates a revocation list on the shared store
func NewRevocationList(store shared.AtomicStore) *RevocationList {
	return &RevocationList{store: store}
}

// Revoke marks jti revoked for ttl. A non-positive ttl is a no-op.
func (r *RevocationList) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" || ttl <= 0 {
		return nil
	}
	if _, err := r.store.SetIfAbsent(ctx, revocationKeyPrefix+jti, "1", ttl); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether jti was revoked
func (r *RevocationList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	_, ok, err := r.store.Get(ctx, revocationKeyPrefix+jti)
	if err != nil {
		return false, fmt.Errorf("check token revocation: %w", err)
	}
	return ok, nil
}
