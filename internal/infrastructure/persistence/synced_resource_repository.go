package persistence

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/marketsync/backend/internal/domain/integration"
	"github.com/marketsync/backend/internal/infrastructure/persistence/models"
)

// ErrSyncedResourceNotFound is returned when no projection exists for a resource
var ErrSyncedResourceNotFound = errors.New("persistence: synced resource not found")

// GormSyncedResourceRepository implements integration.SyncedResourceRepository using GORM
type GormSyncedResourceRepository struct {
	db *gorm.DB
}

// NewGormSyncedResourceRepository creates a new GormSyncedResourceRepository
func NewGormSyncedResourceRepository(db *gorm.DB) *GormSyncedResourceRepository {
	return &GormSyncedResourceRepository{db: db}
}

// ApplyIfNewer updates the row only when the stored remote_at is strictly older,
// and inserts when no row exists. Both statements are single-row atomic, so
// concurrent deliveries of the same resource cannot regress it.
func (r *GormSyncedResourceRepository) ApplyIfNewer(ctx context.Context, res *integration.SyncedResource) (bool, error) {
	var model models.SyncedResourceModel
	model.FromDomain(res)

	updated, err := r.updateIfOlder(ctx, &model)
	if err != nil || updated {
		return updated, err
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	// Lost an insert race; the winner may hold an older version.
	return r.updateIfOlder(ctx, &model)
}

func (r *GormSyncedResourceRepository) updateIfOlder(ctx context.Context, model *models.SyncedResourceModel) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.SyncedResourceModel{}).
		Where("tenant_id = ? AND topic = ? AND resource_id = ? AND remote_at < ?",
			model.TenantID, model.Topic, model.ResourceID, model.RemoteAt).
		Updates(map[string]any{
			"status":       model.Status,
			"total_amount": model.TotalAmount,
			"currency":     model.Currency,
			"remote_at":    model.RemoteAt,
			"payload":      model.Payload,
			"synced_at":    model.SyncedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// FindByResource returns the projection for (tenant, topic, resource id)
func (r *GormSyncedResourceRepository) FindByResource(ctx context.Context, tenantID, topic, resourceID string) (*integration.SyncedResource, error) {
	var model models.SyncedResourceModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND topic = ? AND resource_id = ?", tenantID, topic, resourceID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSyncedResourceNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// CountByTenant returns how many resources are projected for the tenant
func (r *GormSyncedResourceRepository) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.SyncedResourceModel{}).
		Where("tenant_id = ?", tenantID).
		Count(&count).Error
	return count, err
}

var _ integration.SyncedResourceRepository = (*GormSyncedResourceRepository)(nil)
