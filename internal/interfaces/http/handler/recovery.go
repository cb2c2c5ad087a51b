package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/marketsync/backend/internal/domain/integration"
	"github.com/marketsync/backend/internal/interfaces/http/dto"
	"github.com/marketsync/backend/internal/interfaces/http/middleware"
)

// RecoveryRunner runs and reports missed-feed recovery
type RecoveryRunner interface {
	RecoverAllMissedFeeds(ctx context.Context, tenantID string, opts integration.RecoveryOptions) (integration.RecoveryResult, error)
	Summary(ctx context.Context, tenantID string) (*integration.RecoverySummary, error)
}

// RecoveryHandler exposes missed-feed recovery
type RecoveryHandler struct {
	BaseHandler
	recovery RecoveryRunner
}

// NewRecoveryHandler creates a new RecoveryHandler
func NewRecoveryHandler(recovery RecoveryRunner) *RecoveryHandler {
	return &RecoveryHandler{recovery: recovery}
}

// RecoverMissedFeeds handles POST /recovery/missed-feeds.
// The run is synchronous; a run already in progress for the tenant yields 409.
func (h *RecoveryHandler) RecoverMissedFeeds(c *gin.Context) {
	var req dto.RecoveryRequest
	if !h.BindJSON(c, &req) {
		return
	}
	if !h.authorizeTenant(c, req.TenantID) {
		return
	}

	result, err := h.recovery.RecoverAllMissedFeeds(c.Request.Context(), req.TenantID, req.ToOptions())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.NewRecoveryResponse(result))
}

// GetRecoveryStatus handles GET /recovery/missed-feeds?tenantId=
func (h *RecoveryHandler) GetRecoveryStatus(c *gin.Context) {
	var q dto.RecoveryStatusQuery
	if !h.BindQuery(c, &q) {
		return
	}
	if !h.authorizeTenant(c, q.TenantID) {
		return
	}

	summary, err := h.recovery.Summary(c.Request.Context(), q.TenantID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.NewRecoveryStatusResponse(summary))
}

func (h *RecoveryHandler) authorizeTenant(c *gin.Context, tenantID string) bool {
	claims := middleware.GetClaims(c)
	if claims == nil || !claims.CanActOnTenant(tenantID) {
		h.Forbidden(c, "Token is not authorized for this tenant")
		return false
	}
	return true
}
