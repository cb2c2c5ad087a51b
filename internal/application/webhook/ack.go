package webhook

import (
	"context"
	"time"

	"github.com/marketsync/backend/internal/domain/webhook"
	"github.com/marketsync/backend/internal/infrastructure/logger"
	"github.com/marketsync/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// DefaultAckBudget is how long the sender waits for our acknowledgement.
const DefaultAckBudget = 500 * time.Millisecond

// AckTimer measures wall-clock time from receipt to acknowledgement.
// Exceeding the budget never changes the response; it is reported.
type AckTimer struct {
	budget  time.Duration
	start   time.Time
	now     func() time.Time
	metrics *telemetry.PipelineMetrics
}

// NewAckTimer starts a timer at start.
func NewAckTimer(budget time.Duration, start time.Time, metrics *telemetry.PipelineMetrics) *AckTimer {
	if budget <= 0 {
		budget = DefaultAckBudget
	}
	return &AckTimer{budget: budget, start: start, now: time.Now, metrics: metrics}
}

// Elapsed returns the time spent so far.
func (t *AckTimer) Elapsed() time.Duration {
	return t.now().Sub(t.start)
}

// Remaining returns the budget left, never negative.
func (t *AckTimer) Remaining() time.Duration {
	if r := t.budget - t.Elapsed(); r > 0 {
		return r
	}
	return 0
}

// Finish records the acknowledgement latency and reports whether the budget was breached.
func (t *AckTimer) Finish(ctx context.Context, source webhook.Source, topic string) (time.Duration, bool) {
	elapsed := t.Elapsed()
	breached := elapsed > t.budget
	t.metrics.RecordAck(ctx, source.String(), elapsed, breached)

	if breached {
		logger.L(ctx).Error("Webhook acknowledgement exceeded budget",
			zap.String("alert", "critical"),
			zap.String("source", source.String()),
			zap.String("topic", topic),
			zap.Duration("elapsed", elapsed),
			zap.Duration("budget", t.budget),
		)
	}
	return elapsed, breached
}
