package dto

import (
	"time"

	"github.com/marketsync/backend/internal/domain/integration"
)

// RecoveryRequest triggers a missed-feed recovery
type RecoveryRequest struct {
	TenantID    string   `json:"tenantId" binding:"required,max=64"`
	Topics      []string `json:"topics" binding:"omitempty,max=20,dive,required,max=64"`
	MaxAgeHours int      `json:"maxAgeHours" binding:"omitempty,min=1,max=168"`
	DryRun      bool     `json:"dryRun"`
}

// ToOptions converts the request to recovery options
func (r RecoveryRequest) ToOptions() integration.RecoveryOptions {
	return integration.RecoveryOptions{
		Topics:      r.Topics,
		MaxAgeHours: r.MaxAgeHours,
		DryRun:      r.DryRun,
	}
}

// RecoveryResponse reports what a recovery run did
type RecoveryResponse struct {
	Processed  int   `json:"processed"`
	Failed     int   `json:"failed"`
	Skipped    int   `json:"skipped"`
	DurationMs int64 `json:"duration_ms"`
	DryRun     bool  `json:"dry_run"`
}

// NewRecoveryResponse converts a domain result
func NewRecoveryResponse(r integration.RecoveryResult) RecoveryResponse {
	return RecoveryResponse{
		Processed:  r.Processed,
		Failed:     r.Failed,
		Skipped:    r.Skipped,
		DurationMs: r.Duration.Milliseconds(),
		DryRun:     r.DryRun,
	}
}

// RecoveryStatusQuery selects the tenant whose recovery history is requested
type RecoveryStatusQuery struct {
	TenantID string `form:"tenantId" binding:"required,max=64"`
}

// RecoveryStatusResponse summarises past recovery runs
type RecoveryStatusResponse struct {
	LastRecovery   *time.Time `json:"lastRecovery"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalFailed    int64      `json:"totalFailed"`
}

// NewRecoveryStatusResponse converts a domain summary
func NewRecoveryStatusResponse(s *integration.RecoverySummary) RecoveryStatusResponse {
	if s == nil {
		return RecoveryStatusResponse{}
	}
	return RecoveryStatusResponse{
		LastRecovery:   s.LastRecovery,
		TotalProcessed: s.TotalProcessed,
		TotalFailed:    s.TotalFailed,
	}
}

// CatalogSyncRequest triggers a full catalog sync for a tenant
type CatalogSyncRequest struct {
	TenantID string   `json:"tenantId" binding:"required,max=64"`
	Topics   []string `json:"topics" binding:"omitempty,max=20,dive,required,max=64"`
}

// CatalogSyncResponse identifies the enqueued sync job
type CatalogSyncResponse struct {
	JobID string `json:"job_id"`
}

// QueueStatusResponse reports queue depth
type QueueStatusResponse struct {
	Length   int64 `json:"length"`
	Capacity int64 `json:"capacity"`
}

// RateLimitResetResponse reports whether a counter was removed
type RateLimitResetResponse struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted"`
}
