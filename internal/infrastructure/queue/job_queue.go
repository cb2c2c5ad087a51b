// Package queue implements the durable job queue on the shared atomic store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marketsync/backend/internal/domain/queue"
	"github.com/marketsync/backend/internal/domain/shared"
	"github.com/marketsync/backend/internal/infrastructure/logger"
	"github.com/marketsync/backend/internal/infrastructure/messaging"
	"github.com/marketsync/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// DefaultKey is the list that holds pending jobs.
const DefaultKey = "queue:jobs"

// Config holds queue settings.
type Config struct {
	Key        string
	Capacity   int64
	JobTimeout time.Duration
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Key:        DefaultKey,
		Capacity:   queue.DefaultCapacity,
		JobTimeout: 5 * time.Minute,
	}
}

// JobQueue is a bounded FIFO of jobs. New entries are pushed at the head and
// workers pop from the tail; once Capacity is reached the oldest entries are dropped.
type JobQueue struct {
	store   shared.AtomicStore
	config  Config
	logger  *zap.Logger
	metrics *telemetry.PipelineMetrics

	deadLetters     messaging.Publisher
	deadLetterTopic string
	now             func() time.Time
}

// Option configures a JobQueue.
type Option func(*JobQueue)

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(q *JobQueue) { q.metrics = m }
}

// WithDeadLetterPublisher forwards dead-lettered jobs to topic.
func WithDeadLetterPublisher(p messaging.Publisher, topic string) Option {
	return func(q *JobQueue) {
		q.deadLetters = p
		q.deadLetterTopic = topic
	}
}

// NewJobQueue creates a queue backed by store.
func NewJobQueue(store shared.AtomicStore, config Config, logger *zap.Logger, opts ...Option) *JobQueue {
	if config.Key == "" {
		config.Key = DefaultKey
	}
	if config.Capacity <= 0 {
		config.Capacity = queue.DefaultCapacity
	}
	q := &JobQueue{
		store:  store,
		config: config,
		logger: logger.Named("queue"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue creates a job and pushes it. It returns the job id.
func (q *JobQueue) Enqueue(ctx context.Context, jobType queue.JobType, payload any) (string, error) {
	if !jobType.IsValid() {
		return "", fmt.Errorf("%w: %q", queue.ErrUnknownJobType, jobType)
	}
	job, err := queue.NewJob(jobType, payload, q.now())
	if err != nil {
		return "", err
	}
	if err := q.push(ctx, job); err != nil {
		return "", err
	}
	q.metrics.RecordJobEnqueued(ctx, jobType.String())
	return job.ID, nil
}

func (q *JobQueue) push(ctx context.Context, job *queue.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: encode job: %v", queue.ErrInvalidJob, err)
	}
	if err := q.store.PushCapped(ctx, q.config.Key, raw, q.config.Capacity); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	return nil
}

// Dequeue pops the oldest job. It returns nil when the queue is empty.
// An undecodable entry is logged, removed and reported as queue.ErrInvalidJob.
func (q *JobQueue) Dequeue(ctx context.Context) (*queue.Job, error) {
	raw, ok, err := q.store.Pop(ctx, q.config.Key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var job queue.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		q.logger.Error("Discarding undecodable queue entry",
			zap.ByteString("payload", raw),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", queue.ErrInvalidJob, err)
	}
	return &job, nil
}

// Len returns the number of pending jobs.
func (q *JobQueue) Len(ctx context.Context) (int64, error) {
	return q.store.Len(ctx, q.config.Key)
}

// Capacity returns the maximum number of pending jobs.
func (q *JobQueue) Capacity() int64 {
	return q.config.Capacity
}

// ProcessOne pops one job and runs its handler. It reports whether an entry was
// taken from the queue, so callers can idle when it returns false.
func (q *JobQueue) ProcessOne(ctx context.Context, handlers queue.Handlers) bool {
	job, err := q.Dequeue(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidJob) {
			return true
		}
		q.logger.Warn("Failed to dequeue job", zap.Error(err))
		return false
	}
	if job == nil {
		return false
	}

	log := q.logger.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type.String()),
		zap.Int("attempts", job.Attempts),
	)
	ctx = logger.WithContext(logger.WithJobID(ctx, job.ID), log)

	handler, ok := handlers[job.Type]
	if !ok {
		log.Debug("No handler registered for job type, dropping")
		q.metrics.RecordJobOutcome(ctx, job.Type.String(), telemetry.OutcomeDropped, 0)
		return true
	}

	start := q.now()
	err = q.run(ctx, handler, job)
	elapsed := q.now().Sub(start)

	if err == nil {
		log.Debug("Job processed", zap.Duration("duration", elapsed))
		q.metrics.RecordJobOutcome(ctx, job.Type.String(), telemetry.OutcomeProcessed, elapsed)
		return true
	}

	q.fail(ctx, log, job, err, elapsed)
	return true
}

// run executes handler, converting a panic into an error.
func (q *JobQueue) run(ctx context.Context, handler queue.Handler, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if q.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.config.JobTimeout)
		defer cancel()
	}
	return handler(ctx, job)
}

// requeueTimeout bounds a requeue push that outlives the worker context.
const requeueTimeout = 5 * time.Second

func (q *JobQueue) fail(ctx context.Context, log *zap.Logger, job *queue.Job, cause error, elapsed time.Duration) {
	// The worker is stopping: the failure says nothing about the job, so it
	// goes back unchanged and keeps its retry budget.
	if ctx.Err() != nil {
		if err := q.requeue(ctx, job); err != nil {
			log.Error("Failed to requeue interrupted job", zap.Error(err), zap.NamedError("cause", cause))
			q.deadLetter(ctx, log, job, cause)
			q.metrics.RecordJobOutcome(ctx, job.Type.String(), telemetry.OutcomeDeadLettered, elapsed)
			return
		}
		log.Info("Job interrupted by shutdown, requeued", zap.NamedError("cause", cause))
		return
	}

	next := job.Retry()
	if errors.Is(cause, queue.ErrPermanent) || next.Exhausted() {
		q.deadLetter(ctx, log, next, cause)
		q.metrics.RecordJobOutcome(ctx, job.Type.String(), telemetry.OutcomeDeadLettered, elapsed)
		return
	}

	if err := q.requeue(ctx, next); err != nil {
		log.Error("Failed to requeue job, dead-lettering", zap.Error(err), zap.NamedError("cause", cause))
		q.deadLetter(ctx, log, next, cause)
		q.metrics.RecordJobOutcome(ctx, job.Type.String(), telemetry.OutcomeDeadLettered, elapsed)
		return
	}
	log.Warn("Job failed, requeued",
		zap.Int("next_attempt", next.Attempts),
		zap.Int("max_attempts", queue.MaxAttempts),
		zap.Error(cause),
	)
	q.metrics.RecordJobOutcome(ctx, job.Type.String(), telemetry.OutcomeRetried, elapsed)
}

// requeue pushes job detached from ctx cancellation.
func (q *JobQueue) requeue(ctx context.Context, job *queue.Job) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()
	return q.push(ctx, job)
}

func (q *JobQueue) deadLetter(ctx context.Context, log *zap.Logger, job *queue.Job, cause error) {
	log.Error("Job dead-lettered",
		zap.Int("final_attempts", job.Attempts),
		zap.Time("created_at", job.CreatedAt),
		zap.ByteString("payload", job.Payload),
		zap.Error(cause),
	)
	if q.deadLetters == nil {
		return
	}
	body, err := json.Marshal(deadLetter{Job: job, Error: cause.Error(), FailedAt: q.now().UTC()})
	if err != nil {
		return
	}
	if err := q.deadLetters.Publish(q.deadLetterTopic, body); err != nil {
		log.Warn("Failed to forward dead letter", zap.String("topic", q.deadLetterTopic), zap.Error(err))
	}
}

type deadLetter struct {
	Job      *queue.Job `json:"job"`
	Error    string     `json:"error"`
	FailedAt time.Time  `json:"failed_at"`
}
