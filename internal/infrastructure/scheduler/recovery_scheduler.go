package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/marketsync/backend/internal/domain/queue"
	"go.uber.org/zap"
)

// JobEnqueuer pushes jobs onto the durable queue
type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobType queue.JobType, payload any) (string, error)
}

// RecoveryJobPayload is the payload of a recovery.missed_feeds job
type RecoveryJobPayload struct {
	TenantID    string   `json:"tenant_id"`
	Topics      []string `json:"topics,omitempty"`
	MaxAgeHours int      `json:"max_age_hours,omitempty"`
}

// RecoverySchedulerConfig holds configuration for periodic missed-feed recovery
type RecoverySchedulerConfig struct {
	Enabled     bool
	Interval    time.Duration
	Tenants     []string
	MaxAgeHours int
}

// Validate validates the configuration
func (c RecoverySchedulerConfig) Validate() error {
	if c.Enabled && c.Interval <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// RecoveryScheduler periodically enqueues a recovery job for every configured tenant
type RecoveryScheduler struct {
	config RecoverySchedulerConfig
	queue  JobEnqueuer
	logger *zap.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewRecoveryScheduler creates a recovery scheduler
func NewRecoveryScheduler(config RecoverySchedulerConfig, q JobEnqueuer, logger *zap.Logger) (*RecoveryScheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &RecoveryScheduler{config: config, queue: q, logger: logger.Named("recovery_scheduler")}, nil
}

// Start begins the ticker loop. Disabled schedulers never start.
func (s *RecoveryScheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Recovery scheduler disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}
	s.isRunning = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("Recovery scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("tenants", len(s.config.Tenants)),
	)
	return nil
}

// Stop stops the loop and waits for it to exit
func (s *RecoveryScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Recovery scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RecoveryScheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.EnqueueAll(ctx)
		}
	}
}

// EnqueueAll enqueues one recovery job per configured tenant and returns how many
// were enqueued
func (s *RecoveryScheduler) EnqueueAll(ctx context.Context) int {
	enqueued := 0
	for _, tenantID := range s.config.Tenants {
		payload := RecoveryJobPayload{TenantID: tenantID, MaxAgeHours: s.config.MaxAgeHours}
		jobID, err := s.queue.Enqueue(ctx, queue.JobTypeRecoveryMissedFeeds, payload)
		if err != nil {
			s.logger.Warn("Failed to enqueue scheduled recovery",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			continue
		}
		enqueued++
		s.logger.Debug("Scheduled recovery enqueued",
			zap.String("tenant_id", tenantID),
			zap.String("job_id", jobID),
		)
	}
	return enqueued
}
