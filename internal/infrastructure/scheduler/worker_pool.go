package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/marketsync/backend/internal/domain/queue"
	"github.com/marketsync/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// JobProcessor takes one job off the queue and runs it.
type JobProcessor interface {
	ProcessOne(ctx context.Context, handlers queue.Handlers) bool
}

// WorkerPoolConfig holds configuration for the queue worker pool
type WorkerPoolConfig struct {
	// Workers is the number of concurrent workers
	Workers int
	// PollInterval is how long an idle worker waits before polling again
	PollInterval time.Duration
}

// DefaultWorkerPoolConfig returns default configuration
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      4,
		PollInterval: 500 * time.Millisecond,
	}
}

// Validate validates the configuration
func (c WorkerPoolConfig) Validate() error {
	if c.Workers <= 0 || c.PollInterval <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// WorkerPool runs N workers that drain the job queue.
type WorkerPool struct {
	config    WorkerPoolConfig
	processor JobProcessor
	handlers  queue.Handlers
	logger    *zap.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewWorkerPool creates a worker pool
func NewWorkerPool(config WorkerPoolConfig, processor JobProcessor, handlers queue.Handlers, logger *zap.Logger) (*WorkerPool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &WorkerPool{
		config:    config,
		processor: processor,
		handlers:  handlers,
		logger:    logger.Named("worker"),
	}, nil
}

// Start launches the workers. Calling Start on a running pool is a no-op.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isRunning {
		return nil
	}
	p.isRunning = true

	ctx, p.cancel = context.WithCancel(ctx)
	ctx = logger.WithContext(ctx, p.logger)
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.logger.Info("Queue worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Duration("poll_interval", p.config.PollInterval),
	)
	return nil
}

// Stop cancels the workers and waits for in-flight jobs until ctx expires
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return nil
	}
	p.isRunning = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Queue worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Queue worker pool stop timed out")
		return ctx.Err()
	}
}

// IsRunning reports whether the pool has been started and not stopped
func (p *WorkerPool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isRunning
}

func (p *WorkerPool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()
	p.logger.Debug("Queue worker started", zap.Int("worker_id", workerID))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Queue worker stopping", zap.Int("worker_id", workerID))
			return
		case <-timer.C:
		}

		wait := p.config.PollInterval
		if p.processOne(ctx, workerID) {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// processOne never lets a failure escape the worker loop
func (p *WorkerPool) processOne(ctx context.Context, workerID int) (took bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Queue worker recovered from panic",
				zap.Int("worker_id", workerID),
				zap.Any("panic", r),
			)
			took = false
		}
	}()
	return p.processor.ProcessOne(ctx, p.handlers)
}
