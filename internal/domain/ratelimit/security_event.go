package ratelimit

import (
	"context"
	"time"
)

// Severity grades a security event
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityEventType identifies what happened
type SecurityEventType string

const (
	EventRateLimitExceeded SecurityEventType = "rate_limit_exceeded"
	EventWebhookRejected   SecurityEventType = "webhook_rejected"
	EventAuthFailed        SecurityEventType = "auth_failed"
)

// SecurityEvent is emitted whenever traffic looks abusive
type SecurityEvent struct {
	Type       SecurityEventType `json:"type"`
	Severity   Severity          `json:"severity"`
	Dimension  Dimension         `json:"dimension"`
	Identifier string            `json:"identifier"`
	Count      int64             `json:"count"`
	Limit      int64             `json:"limit"`
	OccurredAt time.Time         `json:"occurred_at"`
	Details    map[string]string `json:"details,omitempty"`
}

// SecurityEventSink receives security events. Implementations must not block the caller
// for long and must never fail the request that triggered the event.
type SecurityEventSink interface {
	Emit(ctx context.Context, event SecurityEvent)
}

// SeverityFor returns the severity used when dim is exceeded
func SeverityFor(dim Dimension) Severity {
	switch {
	case dim.IsAuthentication():
		return SeverityCritical
	case dim == DimensionWebhookSource:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// NopSink discards every event
type NopSink struct{}

// Emit implements SecurityEventSink
func (NopSink) Emit(context.Context, SecurityEvent) {}
