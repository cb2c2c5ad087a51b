package integration

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRecoveryInProgress = errors.New("integration: recovery already running for tenant")
	ErrInvalidMaxAge      = errors.New("integration: max age hours out of range")
	ErrUnknownTopic       = errors.New("integration: unknown topic")
	ErrRecoveryIncomplete = errors.New("integration: recovery incomplete")
)

const (
	DefaultRecoveryMaxAgeHours = 24
	MaxRecoveryMaxAgeHours     = 168
)

// RecoveryOptions narrows a missed-feed recovery run
type RecoveryOptions struct {
	Topics      []string
	MaxAgeHours int
	DryRun      bool
}

// Normalize fills defaults and rejects out-of-range values
func (o RecoveryOptions) Normalize(knownTopics []string) (RecoveryOptions, error) {
	if o.MaxAgeHours == 0 {
		o.MaxAgeHours = DefaultRecoveryMaxAgeHours
	}
	if o.MaxAgeHours < 0 || o.MaxAgeHours > MaxRecoveryMaxAgeHours {
		return o, ErrInvalidMaxAge
	}
	if len(o.Topics) == 0 {
		o.Topics = append([]string(nil), knownTopics...)
	}
	return o, nil
}

// RecoveryResult counts what one run did
type RecoveryResult struct {
	Processed int
	Failed    int
	Skipped   int
	Duration  time.Duration
	DryRun    bool
}

// Add merges counts from one topic into the run total
func (r *RecoveryResult) Add(other RecoveryResult) {
	r.Processed += other.Processed
	r.Failed += other.Failed
	r.Skipped += other.Skipped
}

// RecoveryCheckpoint is the per (tenant, topic) high-water mark.
// LastProcessedAt only ever moves forward.
type RecoveryCheckpoint struct {
	TenantID        string
	Topic           string
	LastProcessedAt time.Time
	Processed       int64
	Failed          int64
	Skipped         int64
}

// RecoveryRun is the persisted record of a completed, non-dry run
type RecoveryRun struct {
	ID         uuid.UUID
	TenantID   string
	Topics     []string
	Processed  int
	Failed     int
	Skipped    int
	DurationMs int64
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewRecoveryRun records a completed run
func NewRecoveryRun(tenantID string, topics []string, result RecoveryResult, startedAt time.Time) *RecoveryRun {
	return &RecoveryRun{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Topics:     topics,
		Processed:  result.Processed,
		Failed:     result.Failed,
		Skipped:    result.Skipped,
		DurationMs: result.Duration.Milliseconds(),
		StartedAt:  startedAt.UTC(),
		FinishedAt: startedAt.Add(result.Duration).UTC(),
	}
}

// RecoverySummary aggregates every run of a tenant
type RecoverySummary struct {
	LastRecovery   *time.Time
	TotalProcessed int64
	TotalFailed    int64
	Runs           int64
}

// RecoveryRunRepository persists recovery runs
type RecoveryRunRepository interface {
	Save(ctx context.Context, run *RecoveryRun) error
	Summary(ctx context.Context, tenantID string) (*RecoverySummary, error)
}
