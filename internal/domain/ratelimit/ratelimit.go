package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimitExceeded = errors.New("ratelimit: rate limit exceeded")
	ErrInvalidDimension  = errors.New("ratelimit: invalid dimension")
	ErrInvalidConfig     = errors.New("ratelimit: invalid config")
	ErrInvalidIdentifier = errors.New("ratelimit: empty identifier")
)

// KeyPrefix prefixes every counter key in the shared store.
const KeyPrefix = "ratelimit"

// ---------------------------------------------------------------------------
// Dimension
// ---------------------------------------------------------------------------

// Dimension is an independent axis along which requests are counted
type Dimension string

const (
	DimensionIP             Dimension = "ip"
	DimensionUser           Dimension = "user"
	DimensionEndpoint       Dimension = "endpoint"
	DimensionLogin          Dimension = "login"
	DimensionWebhookSource  Dimension = "webhook_source"
	DimensionPublicAPI      Dimension = "public_api"
	DimensionAuthAPI        Dimension = "auth_api"
	DimensionMarketplaceAPI Dimension = "marketplace_api"
)

// AllDimensions returns every supported dimension
func AllDimensions() []Dimension {
	return []Dimension{
		DimensionIP,
		DimensionUser,
		DimensionEndpoint,
		DimensionLogin,
		DimensionWebhookSource,
		DimensionPublicAPI,
		DimensionAuthAPI,
		DimensionMarketplaceAPI,
	}
}

// IsValid returns true if the dimension is supported
func (d Dimension) IsValid() bool {
	switch d {
	case DimensionIP, DimensionUser, DimensionEndpoint, DimensionLogin,
		DimensionWebhookSource, DimensionPublicAPI, DimensionAuthAPI, DimensionMarketplaceAPI:
		return true
	default:
		return false
	}
}

func (d Dimension) String() string {
	return string(d)
}

// IsAuthentication reports whether exceeding the dimension suggests credential abuse
func (d Dimension) IsAuthentication() bool {
	return d == DimensionLogin || d == DimensionAuthAPI
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// Config is the limit applied to one dimension
type Config struct {
	Max    int64
	Window time.Duration
}

// Validate checks the config
func (c Config) Validate() error {
	if c.Max <= 0 {
		return fmt.Errorf("%w: max must be positive, got %d", ErrInvalidConfig, c.Max)
	}
	if c.Window < time.Millisecond {
		return fmt.Errorf("%w: window must be at least 1ms, got %s", ErrInvalidConfig, c.Window)
	}
	return nil
}

// Bucket returns the fixed window index that contains now
func (c Config) Bucket(now time.Time) int64 {
	return now.UnixMilli() / c.Window.Milliseconds()
}

// ResetTime returns the instant the given bucket ends
func (c Config) ResetTime(bucket int64) time.Time {
	return time.UnixMilli((bucket + 1) * c.Window.Milliseconds())
}

// CounterKey builds the store key for one (dimension, identifier, bucket) counter
func CounterKey(dim Dimension, identifier string, bucket int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", KeyPrefix, dim, identifier, bucket)
}

// ---------------------------------------------------------------------------
// Result
// ---------------------------------------------------------------------------

// Result is the outcome of one check
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetTime time.Time
	TotalHits int64
	// Degraded is set when the store could not be consulted and the check failed open.
	Degraded bool
}

// NewResult derives a result from the post-increment counter value.
// The max-th request is still allowed; the (max+1)-th is the first denial.
func NewResult(count int64, cfg Config, resetTime time.Time) Result {
	remaining := cfg.Max - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= cfg.Max,
		Limit:     cfg.Max,
		Remaining: remaining,
		ResetTime: resetTime,
		TotalHits: count,
	}
}

// RetryAfter returns how long the caller should wait before retrying
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed {
		return 0
	}
	d := r.ResetTime.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
