package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/marketsync/backend/internal/domain/ratelimit"
	"github.com/marketsync/backend/internal/domain/shared"
	"github.com/marketsync/backend/internal/infrastructure/logger"
	"github.com/marketsync/backend/internal/interfaces/http/dto"
)

// Rate limit response headers
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// RateChecker counts one request against a configured dimension
type RateChecker interface {
	CheckDimension(ctx context.Context, dim ratelimit.Dimension, identifier string) (ratelimit.Result, error)
}

// KeyFunc extracts the identifier a dimension is counted by
type KeyFunc func(c *gin.Context) string

// ByClientIP counts per client IP
func ByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// ByRoute counts per route pattern, shared by all callers
func ByRoute(c *gin.Context) string {
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	return c.Request.Method + " " + route
}

// BySubject counts per authenticated subject, falling back to client IP
func BySubject(c *gin.Context) string {
	if claims := GetClaims(c); claims != nil && claims.Subject != "" {
		return claims.Subject
	}
	return c.ClientIP()
}

// RateLimit counts each request against dim and rejects with 429 once the
// window is exhausted. A store outage degrades to allow.
func RateLimit(checker RateChecker, dim ratelimit.Dimension, key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		result, err := checker.CheckDimension(ctx, dim, key(c))
		if err != nil {
			logger.L(ctx).Error("Rate limit check misconfigured",
				zap.String("dimension", dim.String()),
				zap.Error(err),
			)
			c.Next()
			return
		}

		if !WriteRateLimitHeaders(c, result) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, dto.NewErrorResponse(
				dto.ErrCodeRateLimited,
				shared.ErrTooManyRequests.Message,
				GetRequestID(c),
			))
			return
		}
		c.Next()
	}
}

// WriteRateLimitHeaders sets the X-RateLimit-* headers, plus Retry-After when
// the result is a denial. It returns result.Allowed.
func WriteRateLimitHeaders(c *gin.Context, result ratelimit.Result) bool {
	h := c.Writer.Header()
	h.Set(HeaderRateLimitLimit, strconv.FormatInt(result.Limit, 10))
	h.Set(HeaderRateLimitRemaining, strconv.FormatInt(result.Remaining, 10))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(result.ResetTime.Unix(), 10))
	if result.Allowed {
		return true
	}
	h.Set(HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(result, time.Now())))
	return false
}

func retryAfterSeconds(result ratelimit.Result, now time.Time) int {
	secs := int(math.Ceil(result.RetryAfter(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
