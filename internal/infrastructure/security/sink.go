// Package security contains the security event sink used by the rate limiter and the
// webhook validator.
package security

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/marketsync/backend/internal/domain/ratelimit"
	"github.com/marketsync/backend/internal/infrastructure/logger"
	"github.com/marketsync/backend/internal/infrastructure/messaging"
	"github.com/marketsync/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// Default throttle applied when no explicit rate is configured.
const (
	DefaultEventsPerSecond = 10
	DefaultBurst           = 50
)

// LogSink writes security events to zap, throttled by a token bucket so a flood of
// denials (or a store outage) cannot flood the log pipeline.
type LogSink struct {
	logger    *zap.Logger
	limiter   *rate.Limiter
	publisher messaging.Publisher
	topic     string
	metrics   *telemetry.PipelineMetrics
	dropped   atomic.Int64
}

// SinkOption configures a LogSink.
type SinkOption func(*LogSink)

// WithRate sets the sustained event rate and burst.
func WithRate(perSecond float64, burst int) SinkOption {
	return func(s *LogSink) {
		if perSecond > 0 && burst > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithPublisher forwards every emitted event as JSON to topic.
func WithPublisher(p messaging.Publisher, topic string) SinkOption {
	return func(s *LogSink) {
		s.publisher = p
		s.topic = topic
	}
}

// WithSinkMetrics attaches pipeline metrics.
func WithSinkMetrics(m *telemetry.PipelineMetrics) SinkOption {
	return func(s *LogSink) { s.metrics = m }
}

// NewLogSink creates a sink.
func NewLogSink(log *zap.Logger, opts ...SinkOption) *LogSink {
	s := &LogSink{
		logger:  log.Named("security"),
		limiter: rate.NewLimiter(DefaultEventsPerSecond, DefaultBurst),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emit implements ratelimit.SecurityEventSink.
func (s *LogSink) Emit(ctx context.Context, event ratelimit.SecurityEvent) {
	if !s.limiter.Allow() {
		s.dropped.Add(1)
		s.metrics.RecordSecurityEventDropped(ctx, string(event.Type))
		return
	}

	fields := []zap.Field{
		zap.String("event_type", string(event.Type)),
		zap.String("severity", string(event.Severity)),
		zap.String("dimension", event.Dimension.String()),
		zap.String("identifier", event.Identifier),
		zap.Int64("count", event.Count),
		zap.Int64("limit", event.Limit),
		zap.Time("occurred_at", event.OccurredAt),
	}
	if len(event.Details) > 0 {
		fields = append(fields, zap.Any("details", event.Details))
	}
	if n := s.dropped.Swap(0); n > 0 {
		fields = append(fields, zap.Int64("suppressed_since_last", n))
	}

	if id := logger.GetRequestID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}

	s.logger.Log(levelFor(event.Severity), "Security event", fields...)

	if s.publisher == nil {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("Failed to encode security event", zap.Error(err))
		return
	}
	if err := s.publisher.Publish(s.topic, body); err != nil {
		s.logger.Warn("Failed to forward security event", zap.String("topic", s.topic), zap.Error(err))
	}
}

// Dropped returns the number of events suppressed since the last emitted event.
func (s *LogSink) Dropped() int64 {
	return s.dropped.Load()
}

func levelFor(sev ratelimit.Severity) zapcore.Level {
	switch sev {
	case ratelimit.SeverityCritical, ratelimit.SeverityHigh:
		return zapcore.ErrorLevel
	case ratelimit.SeverityMedium:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

var _ ratelimit.SecurityEventSink = (*LogSink)(nil)
