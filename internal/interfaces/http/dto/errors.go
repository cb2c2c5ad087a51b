package dto

import (
	"errors"
	"net/http"

	"github.com/marketsync/backend/internal/domain/integration"
	"github.com/marketsync/backend/internal/domain/queue"
	"github.com/marketsync/backend/internal/domain/ratelimit"
	"github.com/marketsync/backend/internal/domain/shared"
	"github.com/marketsync/backend/internal/domain/webhook"
)

// Error code constants
// Format: ERR_<CATEGORY>_<DESCRIPTION>
const (
	ErrCodeInternal         = "ERR_INTERNAL"
	ErrCodeValidation       = "ERR_VALIDATION"
	ErrCodeInvalidJSON      = "ERR_INVALID_JSON"
	ErrCodeInvalidPayload   = "ERR_INVALID_PAYLOAD"
	ErrCodeUnauthorized     = "ERR_UNAUTHORIZED"
	ErrCodeTokenExpired     = "ERR_TOKEN_EXPIRED"
	ErrCodeForbidden        = "ERR_FORBIDDEN"
	ErrCodeIPNotAllowed     = "ERR_IP_NOT_ALLOWED"
	ErrCodeInvalidSignature = "ERR_INVALID_SIGNATURE"
	ErrCodeNotFound         = "ERR_NOT_FOUND"
	ErrCodeConflict         = "ERR_CONFLICT"
	ErrCodeRateLimited      = "ERR_RATE_LIMITED"
	ErrCodeRequestTooLarge  = "ERR_REQUEST_TOO_LARGE"
	ErrCodeServiceDegraded  = "ERR_SERVICE_DEGRADED"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeInternal:         http.StatusInternalServerError,
	ErrCodeValidation:       http.StatusBadRequest,
	ErrCodeInvalidJSON:      http.StatusBadRequest,
	ErrCodeInvalidPayload:   http.StatusBadRequest,
	ErrCodeUnauthorized:     http.StatusUnauthorized,
	ErrCodeTokenExpired:     http.StatusUnauthorized,
	ErrCodeForbidden:        http.StatusForbidden,
	ErrCodeIPNotAllowed:     http.StatusForbidden,
	ErrCodeInvalidSignature: http.StatusUnauthorized,
	ErrCodeNotFound:         http.StatusNotFound,
	ErrCodeConflict:         http.StatusConflict,
	ErrCodeRateLimited:      http.StatusTooManyRequests,
	ErrCodeRequestTooLarge:  http.StatusRequestEntityTooLarge,
	ErrCodeServiceDegraded:  http.StatusServiceUnavailable,
}

// GetHTTPStatus returns the HTTP status code for an error code, 500 when unknown
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Webhook rejection messages. Senders match on these strings.
const (
	MessageIPNotAllowed     = "IP not in whitelist"
	MessageInvalidSignature = "Invalid signature"
	MessageInvalidPayload   = "Invalid payload"
)

// ErrorCodeFor classifies err into an API error code and a client-safe message
func ErrorCodeFor(err error) (string, string) {
	var domainErr *shared.DomainError
	switch {
	case errors.Is(err, webhook.ErrIPNotAllowed):
		return ErrCodeIPNotAllowed, MessageIPNotAllowed
	case errors.Is(err, webhook.ErrInvalidSignature), errors.Is(err, webhook.ErrMissingSignature):
		return ErrCodeInvalidSignature, MessageInvalidSignature
	case errors.Is(err, webhook.ErrMalformedPayload),
		errors.Is(err, webhook.ErrMissingTopic),
		errors.Is(err, webhook.ErrMissingResource),
		errors.Is(err, webhook.ErrUnknownSource):
		return ErrCodeInvalidPayload, MessageInvalidPayload
	case errors.Is(err, integration.ErrRecoveryInProgress):
		return ErrCodeConflict, "Recovery already running for tenant"
	case errors.Is(err, integration.ErrRecoveryIncomplete):
		return ErrCodeServiceDegraded, "Marketplace listing failed, recovery incomplete"
	case errors.Is(err, integration.ErrInvalidMaxAge):
		return ErrCodeValidation, "maxAgeHours must be between 1 and 168"
	case errors.Is(err, integration.ErrUnknownTopic):
		return ErrCodeValidation, "Unknown topic"
	case errors.Is(err, integration.ErrInvalidTenantID):
		return ErrCodeValidation, "tenantId is required"
	case errors.Is(err, queue.ErrUnknownJobType):
		return ErrCodeValidation, "Unknown job type"
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		return ErrCodeRateLimited, shared.ErrTooManyRequests.Message
	case errors.Is(err, shared.ErrStoreUnavailable):
		return ErrCodeServiceDegraded, shared.ErrServiceDegraded.Message
	case errors.As(err, &domainErr):
		return normalizeDomainCode(domainErr.Code), domainErr.Message
	default:
		return ErrCodeInternal, "Internal server error"
	}
}

func normalizeDomainCode(code string) string {
	switch code {
	case shared.ErrNotFound.Code:
		return ErrCodeNotFound
	case shared.ErrInvalidInput.Code:
		return ErrCodeValidation
	case shared.ErrUnauthorized.Code:
		return ErrCodeUnauthorized
	case shared.ErrForbidden.Code:
		return ErrCodeForbidden
	case shared.ErrConflict.Code:
		return ErrCodeConflict
	case shared.ErrTooManyRequests.Code:
		return ErrCodeRateLimited
	case shared.ErrServiceDegraded.Code:
		return ErrCodeServiceDegraded
	case shared.ErrInvalidSignature.Code:
		return ErrCodeInvalidSignature
	default:
		return ErrCodeInternal
	}
}
