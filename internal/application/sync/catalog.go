package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marketsync/backend/internal/domain/integration"
	"github.com/marketsync/backend/internal/domain/queue"
	"github.com/marketsync/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// ErrSyncInProgress is returned when a full catalog sync is already running for the tenant.
var ErrSyncInProgress = errors.New("sync: catalog sync already in progress")

// CatalogSyncResult counts what one full sync did.
type CatalogSyncResult struct {
	Applied  int
	Stale    int
	Failed   int
	Duration time.Duration
}

// CatalogSyncService runs full catalog syncs under the per-tenant catalog lock.
type CatalogSyncService struct {
	marketplace integration.Marketplace
	resources   integration.SyncedResourceRepository
	queue       Enqueuer
	store       shared.AtomicStore
	lockTTL     time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewCatalogSyncService creates a catalog sync service.
func NewCatalogSyncService(
	marketplace integration.Marketplace,
	resources integration.SyncedResourceRepository,
	q Enqueuer,
	store shared.AtomicStore,
	lockTTL time.Duration,
	logger *zap.Logger,
) *CatalogSyncService {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	return &CatalogSyncService{
		marketplace: marketplace,
		resources:   resources,
		queue:       q,
		store:       store,
		lockTTL:     lockTTL,
		logger:      logger.Named("catalog_sync"),
		now:         time.Now,
	}
}

type catalogJob struct {
	TenantID string   `json:"tenant_id"`
	Topics   []string `json:"topics,omitempty"`
}

func (s *CatalogSyncService) lock(tenantID string) *Lock {
	return NewLock(s.store, LockKey(CatalogLockPrefix, tenantID), s.lockTTL)
}

// Trigger enqueues a full sync unless one is already running for the tenant.
func (s *CatalogSyncService) Trigger(ctx context.Context, tenantID string, topics []string) (string, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", integration.ErrInvalidTenantID
	}
	held, err := s.lock(tenantID).IsHeld(ctx)
	if err != nil {
		return "", err
	}
	if held {
		return "", ErrSyncInProgress
	}
	return s.queue.Enqueue(ctx, queue.JobTypeCatalogFullSync, catalogJob{TenantID: tenantID, Topics: topics})
}

// HandleJob is the queue handler for catalog.full_sync jobs.
func (s *CatalogSyncService) HandleJob(ctx context.Context, job *queue.Job) error {
	var payload catalogJob
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	if strings.TrimSpace(payload.TenantID) == "" {
		return fmt.Errorf("%w: %w", queue.ErrPermanent, integration.ErrInvalidTenantID)
	}

	_, err := s.Run(ctx, payload.TenantID, payload.Topics)
	if errors.Is(err, ErrSyncInProgress) {
		s.logger.Info("Catalog sync already running, skipping", zap.String("tenant_id", payload.TenantID))
		return nil
	}
	return err
}

// Run pulls every resource of the given topics (all known topics when empty) and
// applies the ones newer than the local projection.
func (s *CatalogSyncService) Run(ctx context.Context, tenantID string, topics []string) (CatalogSyncResult, error) {
	if len(topics) == 0 {
		topics = KnownTopics()
	}

	var result CatalogSyncResult
	err := s.lock(tenantID).WithLock(ctx, func(ctx context.Context) error {
		started := s.now()
		var lastErr error
		for _, topic := range topics {
			resources, err := s.marketplace.ListChangedSince(ctx, tenantID, topic, time.Time{})
			if errors.Is(err, integration.ErrListingTruncated) {
				// ApplyIfNewer makes a partial pass safe; the next run picks up the rest.
				s.logger.Warn("Catalog sync listing truncated",
					zap.String("tenant_id", tenantID),
					zap.String("topic", topic),
					zap.Int("fetched", len(resources)),
				)
				err = nil
			}
			if err != nil {
				lastErr = err
				s.logger.Warn("Catalog sync listing failed",
					zap.String("tenant_id", tenantID),
					zap.String("topic", topic),
					zap.Error(err),
				)
				continue
			}
			for i := range resources {
				s.apply(ctx, tenantID, &resources[i], &result)
			}
		}
		result.Duration = s.now().Sub(started)

		s.logger.Info("Catalog sync finished",
			zap.String("tenant_id", tenantID),
			zap.Int("applied", result.Applied),
			zap.Int("stale", result.Stale),
			zap.Int("failed", result.Failed),
			zap.Duration("duration", result.Duration),
		)
		if lastErr != nil && integration.IsTransient(lastErr) && result.Applied == 0 {
			return lastErr
		}
		return nil
	})
	if errors.Is(err, ErrLockHeld) {
		return result, ErrSyncInProgress
	}
	return result, err
}

func (s *CatalogSyncService) apply(ctx context.Context, tenantID string, res *integration.Resource, result *CatalogSyncResult) {
	synced, err := integration.NewSyncedResource(tenantID, res, s.now())
	if err != nil {
		result.Failed++
		return
	}
	applied, err := s.resources.ApplyIfNewer(ctx, synced)
	switch {
	case err != nil:
		result.Failed++
		s.logger.Warn("Failed to apply resource",
			zap.String("topic", synced.Topic),
			zap.String("resource_id", synced.ResourceID),
			zap.Error(err),
		)
	case applied:
		result.Applied++
	default:
		result.Stale++
	}
}
