package webhook

import (
	"context"
	"time"

	"github.com/marketsync/backend/internal/domain/queue"
	"github.com/marketsync/backend/internal/domain/webhook"
	"github.com/marketsync/backend/internal/infrastructure/logger"
	"github.com/marketsync/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// Enqueuer pushes a job onto the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType queue.JobType, payload any) (string, error)
}

// Receipt is what the HTTP layer needs to answer the sender.
type Receipt struct {
	Validation ValidationResult
	JobID      string
	Elapsed    time.Duration
	Breached   bool
}

// Service validates and enqueues inbound notifications. Processing happens later,
// on a queue worker.
type Service struct {
	validator *Validator
	queue     Enqueuer
	ackBudget time.Duration
	metrics   *telemetry.PipelineMetrics
}

// NewService creates a receive service.
func NewService(validator *Validator, q Enqueuer, ackBudget time.Duration, metrics *telemetry.PipelineMetrics) *Service {
	return &Service{validator: validator, queue: q, ackBudget: ackBudget, metrics: metrics}
}

// Receive validates req and, when valid, enqueues a webhook.notification job.
// An enqueue failure is logged and the receipt still counts as accepted.
func (s *Service) Receive(ctx context.Context, req InboundRequest) Receipt {
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}
	timer := NewAckTimer(s.ackBudget, req.ReceivedAt, s.metrics)

	result := s.validator.Validate(ctx, req)
	receipt := Receipt{Validation: result}

	if !result.IsValid {
		s.metrics.RecordWebhookRejected(ctx, req.Source.String(), RejectionReason(result.Error))
		receipt.Elapsed, receipt.Breached = timer.Finish(ctx, req.Source, "")
		return receipt
	}

	event := result.Event
	s.metrics.RecordWebhookReceived(ctx, req.Source.String(), event.Topic.String())
	log := logger.L(ctx).With(
		zap.String("source", req.Source.String()),
		zap.String("topic", event.Topic.String()),
		zap.String("resource", event.Resource),
	)

	jobID, err := s.queue.Enqueue(ctx, queue.JobTypeWebhookNotification, event)
	if err != nil {
		log.Error("Failed to enqueue webhook notification", zap.Error(err))
	} else {
		receipt.JobID = jobID
		receipt.Validation.State, _ = receipt.Validation.State.Transition(webhook.StateEnqueued)
		log.Debug("Webhook notification enqueued", zap.String("job_id", jobID))
	}

	receipt.Elapsed, receipt.Breached = timer.Finish(ctx, req.Source, event.Topic.String())
	return receipt
}
