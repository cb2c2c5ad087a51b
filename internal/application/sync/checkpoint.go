package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/marketsync/backend/internal/domain/integration"
	"github.com/marketsync/backend/internal/domain/shared"
)

const (
	checkpointPrefix = "recovery:checkpoint"
	statsPrefix      = "recovery:stats"
)

// CheckpointStore keeps the per (tenant, topic) recovery high-water mark.
type CheckpointStore struct {
	store shared.AtomicStore
}

// NewCheckpointStore creates a checkpoint store.
func NewCheckpointStore(store shared.AtomicStore) *CheckpointStore {
	return &CheckpointStore{store: store}
}

func checkpointKey(tenantID, topic string) string {
	return fmt.Sprintf("%s:%s:%s", checkpointPrefix, tenantID, topic)
}

func statsKey(tenantID, topic string) string {
	return fmt.Sprintf("%s:%s:%s", statsPrefix, tenantID, topic)
}

// LastProcessed returns the checkpoint, if any.
func (c *CheckpointStore) LastProcessed(ctx context.Context, tenantID, topic string) (time.Time, bool, error) {
	raw, ok, err := c.store.Get(ctx, checkpointKey(tenantID, topic))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt checkpoint for %s/%s: %w", tenantID, topic, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// Advance moves the checkpoint to at, unless it is already later. It returns the
// checkpoint in effect after the call.
func (c *CheckpointStore) Advance(ctx context.Context, tenantID, topic string, at time.Time) (time.Time, error) {
	ms, err := c.store.AdvanceMax(ctx, checkpointKey(tenantID, topic), at.UnixMilli())
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// AddCounts adds the run's counts to the running totals.
func (c *CheckpointStore) AddCounts(ctx context.Context, tenantID, topic string, r integration.RecoveryResult) error {
	key := statsKey(tenantID, topic)
	for field, n := range map[string]int{"processed": r.Processed, "failed": r.Failed, "skipped": r.Skipped} {
		if n == 0 {
			continue
		}
		if _, err := c.store.HashIncrBy(ctx, key, field, int64(n)); err != nil {
			return err
		}
	}
	return nil
}

// Load returns the full checkpoint record.
func (c *CheckpointStore) Load(ctx context.Context, tenantID, topic string) (*integration.RecoveryCheckpoint, error) {
	cp := &integration.RecoveryCheckpoint{TenantID: tenantID, Topic: topic}

	last, ok, err := c.LastProcessed(ctx, tenantID, topic)
	if err != nil {
		return nil, err
	}
	if ok {
		cp.LastProcessedAt = last
	}

	fields, err := c.store.HashGetAll(ctx, statsKey(tenantID, topic))
	if err != nil {
		return nil, err
	}
	cp.Processed, _ = strconv.ParseInt(fields["processed"], 10, 64)
	cp.Failed, _ = strconv.ParseInt(fields["failed"], 10, 64)
	cp.Skipped, _ = strconv.ParseInt(fields["skipped"], 10, 64)
	return cp, nil
}
