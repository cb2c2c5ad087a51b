package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SyncedResource is the local projection of a marketplace resource.
// A newer remote LastUpdated always wins; an older or equal one is ignored,
// which makes redelivery and out-of-order delivery harmless.
type SyncedResource struct {
	ID          uuid.UUID
	TenantID    string
	Topic       string
	ResourceID  string
	Status      string
	TotalAmount decimal.Decimal
	Currency    string
	RemoteAt    time.Time
	Payload     json.RawMessage
	SyncedAt    time.Time
}

// NewSyncedResource projects a remote resource for a tenant
func NewSyncedResource(tenantID string, r *Resource, now time.Time) (*SyncedResource, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrInvalidTenantID
	}
	if r == nil || r.ID == "" || r.Topic == "" {
		return nil, fmt.Errorf("%w: resource without topic or id", ErrMarketplaceInvalidResponse)
	}
	payload := r.Raw
	if len(payload) == 0 {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode resource: %w", err)
		}
		payload = raw
	}
	return &SyncedResource{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Topic:       r.Topic,
		ResourceID:  r.ID,
		Status:      r.Status,
		TotalAmount: r.TotalAmount,
		Currency:    r.Currency,
		RemoteAt:    r.LastUpdated.UTC(),
		Payload:     payload,
		SyncedAt:    now.UTC(),
	}, nil
}

// SyncedResourceRepository persists SyncedResource projections
type SyncedResourceRepository interface {
	// ApplyIfNewer stores the projection unless a version with the same or a newer
	// RemoteAt already exists. Returns true when the row changed.
	ApplyIfNewer(ctx context.Context, res *SyncedResource) (bool, error)

	// FindByResource returns the projection for (tenant, topic, resource id)
	FindByResource(ctx context.Context, tenantID, topic, resourceID string) (*SyncedResource, error)

	// CountByTenant returns how many resources are projected for the tenant
	CountByTenant(ctx context.Context, tenantID string) (int64, error)
}
