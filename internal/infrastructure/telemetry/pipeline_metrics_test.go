package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"

	"github.com/marketsync/backend/internal/infrastructure/telemetry"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
			if h, ok := m.Data.(metricdata.Histogram[float64]); ok {
				for _, dp := range h.DataPoints {
					totals[m.Name] += int64(dp.Count)
				}
			}
		}
	}
	return totals
}

func newTestMetrics(t *testing.T) (*telemetry.PipelineMetrics, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := telemetry.NewMeterProviderWithReader(reader, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := telemetry.NewPipelineMetricsFromProvider(mp)
	require.NoError(t, err)
	return m, reader
}

func TestPipelineMetrics_RateLimit(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRateLimit(ctx, "ip", true, false)
	m.RecordRateLimit(ctx, "ip", false, false)
	m.RecordRateLimit(ctx, "login", true, true)

	totals := collect(t, reader)
	assert.Equal(t, int64(3), totals["ratelimit_checks_total"])
	assert.Equal(t, int64(1), totals["ratelimit_denied_total"])
	assert.Equal(t, int64(1), totals["ratelimit_degraded_total"])
}

func TestPipelineMetrics_WebhookAndJobs(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordWebhookReceived(ctx, "marketplace", "orders_v2")
	m.RecordWebhookRejected(ctx, "marketplace", "signature")
	m.RecordAck(ctx, "marketplace", 20*time.Millisecond, false)
	m.RecordAck(ctx, "marketplace", 700*time.Millisecond, true)
	m.RecordJobEnqueued(ctx, "webhook.notification")
	m.RecordJobOutcome(ctx, "webhook.notification", telemetry.OutcomeProcessed, time.Millisecond)
	m.RecordJobOutcome(ctx, "webhook.notification", telemetry.OutcomeRetried, time.Millisecond)
	m.RecordJobOutcome(ctx, "webhook.notification", telemetry.OutcomeDeadLettered, time.Millisecond)
	m.RecordJobOutcome(ctx, "unknown", telemetry.OutcomeDropped, 0)
	m.RecordRecovery(ctx, "orders_v2", 5, 1, 2)

	totals := collect(t, reader)
	assert.Equal(t, int64(1), totals["webhooks_received_total"])
	assert.Equal(t, int64(1), totals["webhooks_rejected_total"])
	assert.Equal(t, int64(1), totals["webhook_ack_budget_exceeded_total"])
	assert.Equal(t, int64(2), totals["webhook_ack_duration_seconds"])
	assert.Equal(t, int64(1), totals["jobs_enqueued_total"])
	assert.Equal(t, int64(1), totals["jobs_processed_total"])
	assert.Equal(t, int64(1), totals["jobs_retried_total"])
	assert.Equal(t, int64(1), totals["jobs_dead_lettered_total"])
	assert.Equal(t, int64(1), totals["jobs_dropped_total"])
	assert.Equal(t, int64(3), totals["job_duration_seconds"])
	assert.Equal(t, int64(8), totals["recovery_resources_total"])
}

func TestPipelineMetrics_NilSafe(t *testing.T) {
	var m *telemetry.PipelineMetrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordRateLimit(ctx, "ip", false, true)
		m.RecordWebhookReceived(ctx, "storefront", "orders/create")
		m.RecordAck(ctx, "storefront", time.Second, true)
		m.RecordJobOutcome(ctx, "x", telemetry.OutcomeProcessed, 0)
		m.RecordSecurityEventDropped(ctx, "rate_limit_exceeded")
	})
}

func TestProviders_Disabled(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	mp, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{Enabled: false}, logger)
	require.NoError(t, err)
	assert.False(t, mp.IsEnabled())
	assert.NotNil(t, mp.Meter("test"))
	assert.NoError(t, mp.Shutdown(ctx))

	tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{Enabled: false}, logger)
	require.NoError(t, err)
	assert.False(t, tp.IsEnabled())
	assert.NoError(t, tp.Shutdown(ctx))

	lp, err := telemetry.NewLoggerProvider(ctx, telemetry.Config{Enabled: false}, logger)
	require.NoError(t, err)
	assert.False(t, lp.IsEnabled())
	assert.False(t, lp.ZapCore(0).Enabled(0))
	assert.NoError(t, lp.Shutdown(ctx))
}

func TestStartSpan_NoopProvider(t *testing.T) {
	ctx, span := telemetry.StartSpan(context.Background(), "test")
	defer span.End()
	assert.NotNil(t, ctx)
}
