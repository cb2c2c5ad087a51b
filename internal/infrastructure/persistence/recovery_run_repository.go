package persistence

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/marketsync/backend/internal/domain/integration"
	"github.com/marketsync/backend/internal/infrastructure/persistence/models"
)

// GormRecoveryRunRepository implements integration.RecoveryRunRepository using GORM
type GormRecoveryRunRepository struct {
	db *gorm.DB
}

// NewGormRecoveryRunRepository creates a new GormRecoveryRunRepository
func NewGormRecoveryRunRepository(db *gorm.DB) *GormRecoveryRunRepository {
	return &GormRecoveryRunRepository{db: db}
}

// Save persists a completed run
func (r *GormRecoveryRunRepository) Save(ctx context.Context, run *integration.RecoveryRun) error {
	var model models.RecoveryRunModel
	model.FromDomain(run)
	return r.db.WithContext(ctx).Create(&model).Error
}

// Summary aggregates all runs of a tenant. A tenant with no runs gets a zero summary.
func (r *GormRecoveryRunRepository) Summary(ctx context.Context, tenantID string) (*integration.RecoverySummary, error) {
	var totals struct {
		Runs           int64
		TotalProcessed int64
		TotalFailed    int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.RecoveryRunModel{}).
		Select("COUNT(*) AS runs, COALESCE(SUM(processed), 0) AS total_processed, COALESCE(SUM(failed), 0) AS total_failed").
		Where("tenant_id = ?", tenantID).
		Scan(&totals).Error
	if err != nil {
		return nil, err
	}

	summary := &integration.RecoverySummary{
		Runs:           totals.Runs,
		TotalProcessed: totals.TotalProcessed,
		TotalFailed:    totals.TotalFailed,
	}
	if totals.Runs == 0 {
		return summary, nil
	}

	var last models.RecoveryRunModel
	err = r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("finished_at DESC").
		First(&last).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err == nil {
		finished := last.FinishedAt.UTC()
		summary.LastRecovery = &finished
	}
	return summary, nil
}

// ListRecent returns the latest runs of a tenant, newest first
func (r *GormRecoveryRunRepository) ListRecent(ctx context.Context, tenantID string, limit int) ([]integration.RecoveryRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var rows []models.RecoveryRunModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("finished_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	runs := make([]integration.RecoveryRun, 0, len(rows))
	for i := range rows {
		runs = append(runs, *rows[i].ToDomain())
	}
	return runs, nil
}

var _ integration.RecoveryRunRepository = (*GormRecoveryRunRepository)(nil)
