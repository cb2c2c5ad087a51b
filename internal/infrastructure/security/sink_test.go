package security

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/marketsync/backend/internal/domain/ratelimit"
)

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Publish(topic string, body []byte) error {
	args := m.Called(topic, body)
	return args.Error(0)
}

func sampleEvent(dim ratelimit.Dimension) ratelimit.SecurityEvent {
	return ratelimit.SecurityEvent{
		Type:       ratelimit.EventRateLimitExceeded,
		Severity:   ratelimit.SeverityFor(dim),
		Dimension:  dim,
		Identifier: "203.0.113.5",
		Count:      6,
		Limit:      5,
		OccurredAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestLogSink_LogLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))

	sink.Emit(context.Background(), sampleEvent(ratelimit.DimensionLogin))
	sink.Emit(context.Background(), sampleEvent(ratelimit.DimensionIP))

	entries := logs.FilterMessage("Security event").All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "critical", entries[0].ContextMap()["severity"])
	assert.Equal(t, "login", entries[0].ContextMap()["dimension"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

func TestLogSink_Throttle(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core), WithRate(0.001, 2))

	for i := 0; i < 5; i++ {
		sink.Emit(context.Background(), sampleEvent(ratelimit.DimensionIP))
	}

	assert.Equal(t, 2, logs.FilterMessage("Security event").Len())
	assert.Equal(t, int64(3), sink.Dropped())
}

func TestLogSink_Publisher(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", "security.events", mock.Anything).Return(nil).Once()

	sink := NewLogSink(zap.NewNop(), WithPublisher(pub, "security.events"))
	sink.Emit(context.Background(), sampleEvent(ratelimit.DimensionAuthAPI))

	pub.AssertExpectations(t)
	body := pub.Calls[0].Arguments.Get(1).([]byte)
	var decoded ratelimit.SecurityEvent
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, ratelimit.DimensionAuthAPI, decoded.Dimension)
	assert.Equal(t, ratelimit.SeverityCritical, decoded.Severity)
}

func TestLogSink_PublisherFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	pub := &mockPublisher{}
	pub.On("Publish", "security.events", mock.Anything).Return(errors.New("nsqd down"))

	sink := NewLogSink(zap.New(core), WithPublisher(pub, "security.events"))
	assert.NotPanics(t, func() {
		sink.Emit(context.Background(), sampleEvent(ratelimit.DimensionIP))
	})
	assert.Equal(t, 1, logs.FilterMessage("Failed to forward security event").Len())
}
