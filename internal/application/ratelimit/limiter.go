// Package ratelimit implements the multi-dimensional fixed-window limiter on top of the
// shared atomic store.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marketsync/backend/internal/domain/ratelimit"
	"github.com/marketsync/backend/internal/domain/shared"
	"github.com/marketsync/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// Limiter counts requests per (dimension, identifier, window bucket).
type Limiter struct {
	store   shared.AtomicStore
	limits  map[ratelimit.Dimension]ratelimit.Config
	sink    ratelimit.SecurityEventSink
	metrics *telemetry.PipelineMetrics
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithSecurityEventSink sets the sink that receives threshold crossings.
func WithSecurityEventSink(sink ratelimit.SecurityEventSink) Option {
	return func(l *Limiter) {
		if sink != nil {
			l.sink = sink
		}
	}
}

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter. limits holds the per-dimension configuration used by
// CheckDimension; Check accepts an explicit config.
func NewLimiter(store shared.AtomicStore, limits map[ratelimit.Dimension]ratelimit.Config, logger *zap.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		limits: limits,
		sink:   ratelimit.NopSink{},
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LimitFor returns the configured limit for dim.
func (l *Limiter) LimitFor(dim ratelimit.Dimension) (ratelimit.Config, bool) {
	cfg, ok := l.limits[dim]
	return cfg, ok
}

// CheckDimension checks identifier against the configured limit for dim.
func (l *Limiter) CheckDimension(ctx context.Context, dim ratelimit.Dimension, identifier string) (ratelimit.Result, error) {
	cfg, ok := l.limits[dim]
	if !ok {
		return ratelimit.Result{}, fmt.Errorf("%w: no limit configured for %q", ratelimit.ErrInvalidDimension, dim)
	}
	return l.Check(ctx, dim, identifier, cfg)
}

// Check performs one atomic increment and derives the decision. Errors are only returned
// for invalid arguments; a failing store yields an allowed, degraded result.
func (l *Limiter) Check(ctx context.Context, dim ratelimit.Dimension, identifier string, cfg ratelimit.Config) (ratelimit.Result, error) {
	if !dim.IsValid() {
		return ratelimit.Result{}, fmt.Errorf("%w: %q", ratelimit.ErrInvalidDimension, dim)
	}
	if identifier == "" {
		return ratelimit.Result{}, ratelimit.ErrInvalidIdentifier
	}
	if err := cfg.Validate(); err != nil {
		return ratelimit.Result{}, err
	}

	now := l.now()
	bucket := cfg.Bucket(now)
	reset := cfg.ResetTime(bucket)
	key := ratelimit.CounterKey(dim, identifier, bucket)

	count, err := l.store.IncrWithExpiry(ctx, key, cfg.Window)
	if err != nil {
		l.logger.Warn("Rate limiter store unavailable, failing open",
			zap.String("dimension", dim.String()),
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		l.metrics.RecordRateLimit(ctx, dim.String(), true, true)
		return ratelimit.Result{
			Allowed:   true,
			Limit:     cfg.Max,
			Remaining: cfg.Max,
			ResetTime: reset,
			Degraded:  true,
		}, nil
	}

	result := ratelimit.NewResult(count, cfg, reset)
	l.metrics.RecordRateLimit(ctx, dim.String(), result.Allowed, false)

	if count == cfg.Max+1 {
		l.sink.Emit(ctx, ratelimit.SecurityEvent{
			Type:       ratelimit.EventRateLimitExceeded,
			Severity:   ratelimit.SeverityFor(dim),
			Dimension:  dim,
			Identifier: identifier,
			Count:      count,
			Limit:      cfg.Max,
			OccurredAt: now,
			Details: map[string]string{
				"window":     cfg.Window.String(),
				"reset_time": strconv.FormatInt(reset.Unix(), 10),
			},
		})
	}
	return result, nil
}

// ResetKey deletes one counter key. The key must be a full counter key under the
// ratelimit prefix; it reports whether a counter was removed.
func (l *Limiter) ResetKey(ctx context.Context, key string) (bool, error) {
	if !strings.HasPrefix(key, ratelimit.KeyPrefix+":") {
		return false, fmt.Errorf("%w: key %q is not a rate limit counter", shared.ErrInvalidInput, key)
	}
	removed, err := l.store.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	l.logger.Info("Rate limit counter reset", zap.String("key", key), zap.Bool("removed", removed))
	return removed, nil
}
