package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/marketsync/backend/internal/domain/integration"
	"github.com/marketsync/backend/internal/domain/queue"
	"github.com/marketsync/backend/internal/domain/ratelimit"
	"github.com/marketsync/backend/internal/domain/shared"
	"github.com/marketsync/backend/internal/domain/webhook"
	"github.com/marketsync/backend/internal/infrastructure/logger"
	"github.com/marketsync/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Enqueuer pushes a job onto the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType queue.JobType, payload any) (string, error)
}

// QuotaChecker guards outbound marketplace calls.
type QuotaChecker interface {
	CheckDimension(ctx context.Context, dim ratelimit.Dimension, identifier string) (ratelimit.Result, error)
}

// RecoveryConfig holds recovery settings.
type RecoveryConfig struct {
	LockTTL time.Duration
}

// RecoveryService replays resources changed while notifications were missed.
type RecoveryService struct {
	marketplace integration.Marketplace
	queue       Enqueuer
	checkpoints *CheckpointStore
	runs        integration.RecoveryRunRepository
	quota       QuotaChecker
	store       shared.AtomicStore
	config      RecoveryConfig
	metrics     *telemetry.PipelineMetrics
	logger      *zap.Logger

	group singleflight.Group
	now   func() time.Time
}

// RecoveryOption configures a RecoveryService.
type RecoveryOption func(*RecoveryService)

// WithQuota rate-limits marketplace listing calls per tenant.
func WithQuota(q QuotaChecker) RecoveryOption {
	return func(s *RecoveryService) { s.quota = q }
}

// WithRecoveryMetrics attaches pipeline metrics.
func WithRecoveryMetrics(m *telemetry.PipelineMetrics) RecoveryOption {
	return func(s *RecoveryService) { s.metrics = m }
}

// WithRecoveryClock overrides the time source.
func WithRecoveryClock(now func() time.Time) RecoveryOption {
	return func(s *RecoveryService) { s.now = now }
}

// NewRecoveryService creates a recovery service.
func NewRecoveryService(
	marketplace integration.Marketplace,
	q Enqueuer,
	store shared.AtomicStore,
	runs integration.RecoveryRunRepository,
	config RecoveryConfig,
	logger *zap.Logger,
	opts ...RecoveryOption,
) *RecoveryService {
	if config.LockTTL <= 0 {
		config.LockTTL = 15 * time.Minute
	}
	s := &RecoveryService{
		marketplace: marketplace,
		queue:       q,
		checkpoints: NewCheckpointStore(store),
		runs:        runs,
		store:       store,
		config:      config,
		logger:      logger.Named("recovery"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// KnownTopics returns the topics scanned when a run names none.
func KnownTopics() []string {
	topics := webhook.KnownTopics()
	out := make([]string, len(topics))
	for i, t := range topics {
		out[i] = t.String()
	}
	return out
}

// RecoverAllMissedFeeds scans every requested topic for resources changed since the
// checkpoint (bounded by MaxAgeHours) and replays them through the notification path.
// Concurrent calls for the same tenant share one execution in-process; across
// processes a per-tenant lock makes the loser fail with ErrRecoveryInProgress.
func (s *RecoveryService) RecoverAllMissedFeeds(ctx context.Context, tenantID string, opts integration.RecoveryOptions) (integration.RecoveryResult, error) {
	if strings.TrimSpace(tenantID) == "" {
		return integration.RecoveryResult{}, integration.ErrInvalidTenantID
	}
	opts, err := opts.Normalize(KnownTopics())
	if err != nil {
		return integration.RecoveryResult{}, err
	}
	for _, topic := range opts.Topics {
		if !webhook.Topic(topic).IsKnown() {
			return integration.RecoveryResult{}, fmt.Errorf("%w: %q", integration.ErrUnknownTopic, topic)
		}
	}

	key := flightKey(tenantID, opts)
	v, err, joined := s.group.Do(key, func() (any, error) {
		return s.run(context.WithoutCancel(ctx), tenantID, opts)
	})
	if joined {
		s.logger.Debug("Joined in-flight recovery", zap.String("tenant_id", tenantID))
	}
	if err != nil {
		return integration.RecoveryResult{}, err
	}
	return v.(integration.RecoveryResult), nil
}

func flightKey(tenantID string, opts integration.RecoveryOptions) string {
	return strings.Join([]string{
		tenantID,
		strings.Join(opts.Topics, ","),
		strconv.Itoa(opts.MaxAgeHours),
		strconv.FormatBool(opts.DryRun),
	}, "|")
}

func (s *RecoveryService) run(ctx context.Context, tenantID string, opts integration.RecoveryOptions) (integration.RecoveryResult, error) {
	if opts.DryRun {
		return s.scan(ctx, tenantID, opts)
	}

	lock := NewLock(s.store, LockKey(RecoveryLockPrefix, tenantID), s.config.LockTTL)
	var result integration.RecoveryResult
	err := lock.WithLock(ctx, func(ctx context.Context) error {
		started := s.now()
		var scanErr error
		result, scanErr = s.scan(ctx, tenantID, opts)

		// A run that listed nothing because the marketplace failed is not history.
		if scanErr == nil || result.Processed+result.Failed+result.Skipped > 0 {
			run := integration.NewRecoveryRun(tenantID, opts.Topics, result, started)
			if err := s.runs.Save(ctx, run); err != nil {
				s.logger.Error("Failed to persist recovery run", zap.String("tenant_id", tenantID), zap.Error(err))
			}
		}
		return scanErr
	})
	if errors.Is(err, ErrLockHeld) {
		return integration.RecoveryResult{}, integration.ErrRecoveryInProgress
	}
	if err != nil {
		return integration.RecoveryResult{}, err
	}
	return result, nil
}

// scan recovers every topic in opts. Topics whose listing failed are reported in
// the returned error, wrapping integration.ErrRecoveryIncomplete; the others
// still count toward the result.
func (s *RecoveryService) scan(ctx context.Context, tenantID string, opts integration.RecoveryOptions) (integration.RecoveryResult, error) {
	started := s.now()
	total := integration.RecoveryResult{DryRun: opts.DryRun}
	var listErrs []error

	ctx = logger.WithTenantID(logger.WithContext(ctx, s.logger), tenantID)
	for _, topic := range opts.Topics {
		r, err := s.recoverTopic(ctx, tenantID, topic, opts, started)
		if err != nil {
			listErrs = append(listErrs, fmt.Errorf("topic %s: %w", topic, err))
		}
		total.Add(r)
		if !opts.DryRun {
			s.metrics.RecordRecovery(ctx, topic, r.Processed, r.Failed, r.Skipped)
			if err := s.checkpoints.AddCounts(ctx, tenantID, topic, r); err != nil {
				logger.L(ctx).Warn("Failed to record recovery counters", zap.String("topic", topic), zap.Error(err))
			}
		}
	}

	total.Duration = s.now().Sub(started)
	logger.L(ctx).Info("Missed-feed recovery finished",
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("processed", total.Processed),
		zap.Int("failed", total.Failed),
		zap.Int("skipped", total.Skipped),
		zap.Int("unlisted_topics", len(listErrs)),
		zap.Duration("duration", total.Duration),
	)
	if len(listErrs) > 0 {
		return total, fmt.Errorf("%w: %w", integration.ErrRecoveryIncomplete, errors.Join(listErrs...))
	}
	return total, nil
}

// recoverTopic replays one topic. The error is non-nil only when the topic could
// not be listed; replay failures are counted in the result.
func (s *RecoveryService) recoverTopic(ctx context.Context, tenantID, topic string, opts integration.RecoveryOptions, now time.Time) (integration.RecoveryResult, error) {
	var result integration.RecoveryResult
	log := logger.L(ctx).With(zap.String("topic", topic))

	checkpoint, hasCheckpoint, err := s.checkpoints.LastProcessed(ctx, tenantID, topic)
	if err != nil {
		log.Warn("Failed to read recovery checkpoint, using max age window", zap.Error(err))
		hasCheckpoint = false
	}
	since := now.Add(-time.Duration(opts.MaxAgeHours) * time.Hour)
	if hasCheckpoint && checkpoint.After(since) {
		since = checkpoint
	}

	if s.quota != nil {
		res, err := s.quota.CheckDimension(ctx, ratelimit.DimensionMarketplaceAPI, tenantID)
		if err == nil && !res.Allowed {
			log.Warn("Marketplace quota exhausted, skipping topic", zap.Time("reset_time", res.ResetTime))
			return result, nil
		}
	}

	// A truncated listing may be missing older resources, so the checkpoint
	// stays where it is and the next run lists from the same point.
	frozen := false
	resources, err := s.marketplace.ListChangedSince(ctx, tenantID, topic, since)
	switch {
	case errors.Is(err, integration.ErrListingTruncated):
		frozen = true
		log.Warn("Listing truncated, checkpoint held", zap.Int("fetched", len(resources)), zap.Error(err))
	case err != nil:
		log.Warn("Failed to list changed resources", zap.Time("since", since), zap.Error(err))
		return result, err
	}
	sort.SliceStable(resources, func(i, j int) bool {
		return resources[i].LastUpdated.Before(resources[j].LastUpdated)
	})

	for i := range resources {
		res := &resources[i]
		// checkpoints keep millisecond precision
		if hasCheckpoint && !res.LastUpdated.Truncate(time.Millisecond).After(checkpoint) {
			result.Skipped++
			continue
		}
		if opts.DryRun {
			result.Processed++
			continue
		}

		if err := s.replay(ctx, tenantID, topic, res, now); err != nil {
			result.Failed++
			frozen = true
			log.Warn("Failed to replay resource", zap.String("resource_id", res.ID), zap.Error(err))
			continue
		}
		result.Processed++

		if !frozen {
			if _, err := s.checkpoints.Advance(ctx, tenantID, topic, res.LastUpdated); err != nil {
				frozen = true
				log.Warn("Failed to advance recovery checkpoint", zap.Error(err))
			}
		}
	}
	return result, nil
}

func (s *RecoveryService) replay(ctx context.Context, tenantID, topic string, res *integration.Resource, now time.Time) error {
	event := &webhook.Event{
		Topic:    webhook.Topic(topic),
		Resource: res.Path(),
		UserID:   webhook.FlexibleID(tenantID),
		Sent:     res.LastUpdated,
		Received: now.UTC(),
		Source:   webhook.SourceMarketplace,
	}
	_, err := s.queue.Enqueue(ctx, queue.JobTypeWebhookNotification, event)
	return err
}

// Summary returns the aggregate of every persisted run for the tenant.
func (s *RecoveryService) Summary(ctx context.Context, tenantID string) (*integration.RecoverySummary, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, integration.ErrInvalidTenantID
	}
	return s.runs.Summary(ctx, tenantID)
}

// Checkpoint returns the checkpoint record for one topic.
func (s *RecoveryService) Checkpoint(ctx context.Context, tenantID, topic string) (*integration.RecoveryCheckpoint, error) {
	return s.checkpoints.Load(ctx, tenantID, topic)
}

type recoveryJob struct {
	TenantID    string   `json:"tenant_id"`
	Topics      []string `json:"topics,omitempty"`
	MaxAgeHours int      `json:"max_age_hours,omitempty"`
}

// HandleJob is the queue handler for recovery.missed_feeds jobs.
func (s *RecoveryService) HandleJob(ctx context.Context, job *queue.Job) error {
	var payload recoveryJob
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}

	_, err := s.RecoverAllMissedFeeds(ctx, payload.TenantID, integration.RecoveryOptions{
		Topics:      payload.Topics,
		MaxAgeHours: payload.MaxAgeHours,
	})
	switch {
	case errors.Is(err, integration.ErrRecoveryInProgress):
		s.logger.Info("Recovery already running, skipping scheduled run", zap.String("tenant_id", payload.TenantID))
		return nil
	case errors.Is(err, integration.ErrInvalidTenantID),
		errors.Is(err, integration.ErrInvalidMaxAge),
		errors.Is(err, integration.ErrUnknownTopic):
		return fmt.Errorf("%w: %w", queue.ErrPermanent, err)
	case errors.Is(err, integration.ErrMarketplaceAuthFailed):
		return fmt.Errorf("%w: %w", queue.ErrPermanent, err)
	}
	return err
}
