package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/marketsync/backend/internal/domain/ratelimit"
	"github.com/marketsync/backend/internal/domain/shared"
	"github.com/marketsync/backend/internal/infrastructure/auth"
	"github.com/marketsync/backend/internal/infrastructure/logger"
	"github.com/marketsync/backend/internal/interfaces/http/dto"
)

const (
	JWTClaimsKey  = "jwt_claims"
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "
)

// RevocationChecker reports revoked token IDs
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// JWTMiddlewareConfig holds configuration for JWT middleware
type JWTMiddlewareConfig struct {
	// Validator is required for token validation
	Validator auth.TokenValidator
	// Revocations is optional; a lookup failure rejects the request
	Revocations RevocationChecker
	// FailureCounter counts failed attempts on the auth_api dimension, keyed by client IP
	FailureCounter RateChecker
	Logger         *zap.Logger
}

// JWTAuth authenticates the bearer token and stores its claims on the context
func JWTAuth(cfg JWTMiddlewareConfig) gin.HandlerFunc {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()

		tokenString, ok := bearerToken(c.GetHeader(AuthHeaderKey))
		if !ok {
			rejectAuth(c, cfg, log, auth.ErrInvalidToken, "Missing or malformed authorization header")
			return
		}

		claims, err := cfg.Validator.Validate(tokenString)
		if err != nil {
			rejectAuth(c, cfg, log, err, "Token validation failed")
			return
		}

		if cfg.Revocations != nil {
			revoked, err := cfg.Revocations.IsRevoked(ctx, claims.ID)
			if err != nil {
				log.Error("Failed to check token revocation", zap.String("jti", claims.ID), zap.Error(err))
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, dto.NewErrorResponse(
					dto.ErrCodeServiceDegraded, shared.ErrServiceDegraded.Message, GetRequestID(c),
				))
				return
			}
			if revoked {
				rejectAuth(c, cfg, log, auth.ErrTokenRevoked, "Token has been revoked")
				return
			}
		}

		c.Set(JWTClaimsKey, claims)
		c.Request = c.Request.WithContext(logger.WithContext(ctx,
			logger.FromContext(ctx).With(zap.String("subject", claims.Subject)),
		))
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, BearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, BearerPrefix))
	return token, token != ""
}

// rejectAuth counts the failure against auth_api and answers 401, or 429 once
// the caller exhausted its auth_api budget.
func rejectAuth(c *gin.Context, cfg JWTMiddlewareConfig, log *zap.Logger, err error, message string) {
	log.Warn("JWT authentication failed",
		zap.Error(err),
		zap.String("message", message),
		zap.String("path", c.Request.URL.Path),
		zap.String("client_ip", c.ClientIP()),
	)

	if cfg.FailureCounter != nil {
		result, cerr := cfg.FailureCounter.CheckDimension(c.Request.Context(), ratelimit.DimensionAuthAPI, c.ClientIP())
		if cerr == nil && !WriteRateLimitHeaders(c, result) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, dto.NewErrorResponse(
				dto.ErrCodeRateLimited, shared.ErrTooManyRequests.Message, GetRequestID(c),
			))
			return
		}
	}

	code := dto.ErrCodeUnauthorized
	if errors.Is(err, auth.ErrExpiredToken) {
		code = dto.ErrCodeTokenExpired
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, dto.NewErrorResponse(code, message, GetRequestID(c)))
}

// GetClaims returns the claims stored by JWTAuth, or nil
func GetClaims(c *gin.Context) *auth.Claims {
	if v, ok := c.Get(JWTClaimsKey); ok {
		if claims, ok := v.(*auth.Claims); ok {
			return claims
		}
	}
	return nil
}

// RequireAdmin rejects tokens without the admin role. Must run after JWTAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil || !claims.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, dto.NewErrorResponse(
				dto.ErrCodeForbidden, shared.ErrForbidden.Message, GetRequestID(c),
			))
			return
		}
		c.Next()
	}
}
