package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const pipelineMeterName = "github.com/marketsync/backend/pipeline"

// PipelineMetrics records counters for every stage of the webhook pipeline.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	rateLimitChecks   *Counter
	rateLimitDenied   *Counter
	rateLimitDegraded *Counter

	webhooksReceived *Counter
	webhooksRejected *Counter
	ackBreaches      *Counter
	ackDuration      *Histogram

	jobsEnqueued     *Counter
	jobsProcessed    *Counter
	jobsRetried      *Counter
	jobsDeadLettered *Counter
	jobsDropped      *Counter
	jobDuration      *Histogram

	recoveryResources *Counter
	securityDropped   *Counter
}

// NewPipelineMetrics creates all pipeline instruments on meter.
func NewPipelineMetrics(meter metric.Meter) (*PipelineMetrics, error) {
	m := &PipelineMetrics{}
	var err error

	counters := []struct {
		dst         **Counter
		name, descr string
	}{
		{&m.rateLimitChecks, "ratelimit_checks_total", "Rate limit checks performed"},
		{&m.rateLimitDenied, "ratelimit_denied_total", "Rate limit checks that denied the request"},
		{&m.rateLimitDegraded, "ratelimit_degraded_total", "Rate limit checks allowed because the store was unavailable"},
		{&m.webhooksReceived, "webhooks_received_total", "Webhook notifications received"},
		{&m.webhooksRejected, "webhooks_rejected_total", "Webhook notifications rejected"},
		{&m.ackBreaches, "webhook_ack_budget_exceeded_total", "Webhook acknowledgements slower than the ack budget"},
		{&m.jobsEnqueued, "jobs_enqueued_total", "Jobs pushed onto the queue"},
		{&m.jobsProcessed, "jobs_processed_total", "Jobs handled successfully"},
		{&m.jobsRetried, "jobs_retried_total", "Jobs requeued after a failure"},
		{&m.jobsDeadLettered, "jobs_dead_lettered_total", "Jobs abandoned after exhausting retries"},
		{&m.jobsDropped, "jobs_dropped_total", "Jobs discarded without a handler"},
		{&m.recoveryResources, "recovery_resources_total", "Resources visited by missed-feed recovery"},
		{&m.securityDropped, "security_events_dropped_total", "Security events suppressed by the emission throttle"},
	}
	for _, c := range counters {
		if *c.dst, err = NewCounter(meter, c.name, c.descr, "1"); err != nil {
			return nil, err
		}
	}

	if m.ackDuration, err = NewHistogram(meter, "webhook_ack_duration_seconds",
		"Time from webhook receipt to acknowledgement", "s", AckDurationBuckets...); err != nil {
		return nil, err
	}
	if m.jobDuration, err = NewHistogram(meter, "job_duration_seconds",
		"Job handler execution time", "s"); err != nil {
		return nil, err
	}
	return m, nil
}

// NewPipelineMetricsFromProvider is a convenience wrapper over NewPipelineMetrics.
func NewPipelineMetricsFromProvider(mp *MeterProvider) (*PipelineMetrics, error) {
	return NewPipelineMetrics(mp.Meter(pipelineMeterName))
}

// RecordRateLimit records one limiter decision.
func (m *PipelineMetrics) RecordRateLimit(ctx context.Context, dimension string, allowed, degraded bool) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{AttrDimension.String(dimension)}
	m.rateLimitChecks.Inc(ctx, attrs...)
	if !allowed {
		m.rateLimitDenied.Inc(ctx, attrs...)
	}
	if degraded {
		m.rateLimitDegraded.Inc(ctx, attrs...)
	}
}

// RecordWebhookReceived counts an inbound notification.
func (m *PipelineMetrics) RecordWebhookReceived(ctx context.Context, source, topic string) {
	if m == nil {
		return
	}
	m.webhooksReceived.Inc(ctx, AttrSource.String(source), AttrTopic.String(topic))
}

// RecordWebhookRejected counts a rejected notification.
func (m *PipelineMetrics) RecordWebhookRejected(ctx context.Context, source, reason string) {
	if m == nil {
		return
	}
	m.webhooksRejected.Inc(ctx, AttrSource.String(source), AttrReason.String(reason))
}

// RecordAck records the acknowledgement latency, counting budget breaches.
func (m *PipelineMetrics) RecordAck(ctx context.Context, source string, elapsed time.Duration, breached bool) {
	if m == nil {
		return
	}
	m.ackDuration.RecordDuration(ctx, elapsed, AttrSource.String(source))
	if breached {
		m.ackBreaches.Inc(ctx, AttrSource.String(source))
	}
}

// RecordJobEnqueued counts a pushed job.
func (m *PipelineMetrics) RecordJobEnqueued(ctx context.Context, jobType string) {
	if m == nil {
		return
	}
	m.jobsEnqueued.Inc(ctx, AttrJobType.String(jobType))
}

// Job outcomes reported by RecordJobOutcome.
const (
	OutcomeProcessed    = "processed"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeDropped      = "dropped"
)

// RecordJobOutcome records a finished job attempt.
func (m *PipelineMetrics) RecordJobOutcome(ctx context.Context, jobType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attr := AttrJobType.String(jobType)
	switch outcome {
	case OutcomeProcessed:
		m.jobsProcessed.Inc(ctx, attr)
	case OutcomeRetried:
		m.jobsRetried.Inc(ctx, attr)
	case OutcomeDeadLettered:
		m.jobsDeadLettered.Inc(ctx, attr)
	case OutcomeDropped:
		m.jobsDropped.Inc(ctx, attr)
		return
	}
	m.jobDuration.RecordDuration(ctx, elapsed, attr, AttrOutcome.String(outcome))
}

// RecordRecovery adds per-topic recovery totals.
func (m *PipelineMetrics) RecordRecovery(ctx context.Context, topic string, processed, failed, skipped int) {
	if m == nil {
		return
	}
	t := AttrTopic.String(topic)
	m.recoveryResources.Add(ctx, int64(processed), t, AttrOutcome.String("processed"))
	m.recoveryResources.Add(ctx, int64(failed), t, AttrOutcome.String("failed"))
	m.recoveryResources.Add(ctx, int64(skipped), t, AttrOutcome.String("skipped"))
}

// RecordSecurityEventDropped counts an event suppressed by throttling.
func (m *PipelineMetrics) RecordSecurityEventDropped(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.securityDropped.Inc(ctx, AttrReason.String(eventType))
}
