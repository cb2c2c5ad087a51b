package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/marketsync/backend/internal/domain/integration"
)

// SyncedResourceModel is the persistence model for integration.SyncedResource
type SyncedResourceModel struct {
	ID          uuid.UUID       `gorm:"type:uuid;primary_key"`
	TenantID    string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_synced_resource_key,priority:1"`
	Topic       string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_synced_resource_key,priority:2"`
	ResourceID  string          `gorm:"type:varchar(128);not null;uniqueIndex:idx_synced_resource_key,priority:3"`
	Status      string          `gorm:"type:varchar(64)"`
	TotalAmount decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	Currency    string          `gorm:"type:varchar(8)"`
	RemoteAt    time.Time       `gorm:"not null;index"`
	Payload     string          `gorm:"type:jsonb"`
	SyncedAt    time.Time       `gorm:"not null"`
}

// TableName returns the table name for GORM
func (SyncedResourceModel) TableName() string {
	return "synced_resources"
}

// ToDomain converts the model to the domain entity
func (m *SyncedResourceModel) ToDomain() *integration.SyncedResource {
	return &integration.SyncedResource{
		ID:          m.ID,
		TenantID:    m.TenantID,
		Topic:       m.Topic,
		ResourceID:  m.ResourceID,
		Status:      m.Status,
		TotalAmount: m.TotalAmount,
		Currency:    m.Currency,
		RemoteAt:    m.RemoteAt.UTC(),
		Payload:     []byte(m.Payload),
		SyncedAt:    m.SyncedAt.UTC(),
	}
}

// FromDomain populates the model from the domain entity
func (m *SyncedResourceModel) FromDomain(r *integration.SyncedResource) {
	m.ID = r.ID
	m.TenantID = r.TenantID
	m.Topic = r.Topic
	m.ResourceID = r.ResourceID
	m.Status = r.Status
	m.TotalAmount = r.TotalAmount
	m.Currency = r.Currency
	m.RemoteAt = r.RemoteAt.UTC()
	m.Payload = string(r.Payload)
	m.SyncedAt = r.SyncedAt.UTC()
}

// RecoveryRunModel is the persistence model for integration.RecoveryRun
type RecoveryRunModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primary_key"`
	TenantID   string    `gorm:"type:varchar(64);not null;index:idx_recovery_run_tenant,priority:1"`
	Topics     string    `gorm:"type:text;not null"`
	Processed  int       `gorm:"not null;default:0"`
	Failed     int       `gorm:"not null;default:0"`
	Skipped    int       `gorm:"not null;default:0"`
	DurationMs int64     `gorm:"not null;default:0"`
	StartedAt  time.Time `gorm:"not null"`
	FinishedAt time.Time `gorm:"not null;index:idx_recovery_run_tenant,priority:2"`
}

// TableName returns the table name for GORM
func (RecoveryRunModel) TableName() string {
	return "recovery_runs"
}

// ToDomain converts the model to the domain entity
func (m *RecoveryRunModel) ToDomain() *integration.RecoveryRun {
	var topics []string
	if m.Topics != "" {
		topics = strings.Split(m.Topics, ",")
	}
	return &integration.RecoveryRun{
		ID:         m.ID,
		TenantID:   m.TenantID,
		Topics:     topics,
		Processed:  m.Processed,
		Failed:     m.Failed,
		Skipped:    m.Skipped,
		DurationMs: m.DurationMs,
		StartedAt:  m.StartedAt.UTC(),
		FinishedAt: m.FinishedAt.UTC(),
	}
}

// FromDomain populates the model from the domain entity
func (m *RecoveryRunModel) FromDomain(r *integration.RecoveryRun) {
	m.ID = r.ID
	m.TenantID = r.TenantID
	m.Topics = strings.Join(r.Topics, ",")
	m.Processed = r.Processed
	m.Failed = r.Failed
	m.Skipped = r.Skipped
	m.DurationMs = r.DurationMs
	m.StartedAt = r.StartedAt.UTC()
	m.FinishedAt = r.FinishedAt.UTC()
}
