package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marketsync/backend/internal/domain/integration"
	"github.com/marketsync/backend/internal/domain/queue"
	"github.com/marketsync/backend/internal/domain/webhook"
	"github.com/marketsync/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// Processor applies a dequeued notification to the local catalog.
type Processor struct {
	marketplace integration.Marketplace
	resources   integration.SyncedResourceRepository
	now         func() time.Time
}

// NewProcessor creates a notification processor.
func NewProcessor(marketplace integration.Marketplace, resources integration.SyncedResourceRepository) *Processor {
	return &Processor{marketplace: marketplace, resources: resources, now: time.Now}
}

// Handle is the queue handler for webhook.notification jobs.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	var event webhook.Event
	if err := job.DecodePayload(&event); err != nil {
		return err
	}
	return p.Process(ctx, &event)
}

// Process fetches the current state of the notified resource and applies it if it is
// newer than what is stored. Errors wrapping queue.ErrPermanent must not be retried.
func (p *Processor) Process(ctx context.Context, event *webhook.Event) error {
	log := logger.L(ctx).With(
		zap.String("source", event.Source.String()),
		zap.String("topic", event.Topic.String()),
		zap.String("resource", event.Resource),
	)

	if event.Source == webhook.SourceStorefront {
		// storefront notifications carry no marketplace resource to reconcile
		log.Info("Storefront notification processed")
		return nil
	}

	tenantID := event.TenantID()
	if tenantID == "" {
		return fmt.Errorf("%w: %w", queue.ErrPermanent, integration.ErrInvalidTenantID)
	}
	resourceID := event.ResourceID()
	if resourceID == "" {
		return fmt.Errorf("%w: %w", queue.ErrPermanent, webhook.ErrMissingResource)
	}

	res, err := p.marketplace.GetResource(ctx, event.Topic.String(), resourceID)
	switch {
	case errors.Is(err, integration.ErrResourceNotFound):
		log.Warn("Notified resource no longer exists, dropping", zap.String("tenant_id", tenantID))
		return nil
	case integration.IsTransient(err):
		return err
	case err != nil:
		return fmt.Errorf("%w: fetch %s/%s: %w", queue.ErrPermanent, event.Topic, resourceID, err)
	}
	if res.Topic == "" {
		res.Topic = event.Topic.String()
	}

	synced, err := integration.NewSyncedResource(tenantID, res, p.now())
	if err != nil {
		return fmt.Errorf("%w: %w", queue.ErrPermanent, err)
	}
	applied, err := p.resources.ApplyIfNewer(ctx, synced)
	if err != nil {
		return fmt.Errorf("apply %s/%s: %w", synced.Topic, synced.ResourceID, err)
	}

	if applied {
		log.Info("Resource synced",
			zap.String("tenant_id", tenantID),
			zap.Time("remote_updated_at", synced.RemoteAt),
		)
	} else {
		log.Debug("Stale or duplicate notification ignored", zap.String("tenant_id", tenantID))
	}
	return nil
}
