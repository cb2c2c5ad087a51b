package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	syncapp "github.com/marketsync/backend/internal/application/sync"
	"github.com/marketsync/backend/internal/infrastructure/logger"
	"github.com/marketsync/backend/internal/interfaces/http/dto"
	"github.com/marketsync/backend/internal/interfaces/http/middleware"
)

// CatalogSyncTrigger enqueues a full catalog sync
type CatalogSyncTrigger interface {
	Trigger(ctx context.Context, tenantID string, topics []string) (string, error)
}

// CounterResetter removes one rate limit counter
type CounterResetter interface {
	ResetKey(ctx context.Context, key string) (bool, error)
}

// QueueInspector reports the job queue depth
type QueueInspector interface {
	Len(ctx context.Context) (int64, error)
	Capacity() int64
}

// TokenRevoker revokes a token by ID until it would have expired
type TokenRevoker interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
}

// AdminHandler serves operator endpoints. All routes require an admin token.
type AdminHandler struct {
	BaseHandler
	catalog  CatalogSyncTrigger
	counters CounterResetter
	queue    QueueInspector
	revoker  TokenRevoker
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(catalog CatalogSyncTrigger, counters CounterResetter, q QueueInspector, revoker TokenRevoker) *AdminHandler {
	return &AdminHandler{
		catalog:  catalog,
		counters: counters,
		queue:    q,
		revoker:  revoker,
	}
}

// TriggerCatalogSync handles POST /admin/catalog-sync
func (h *AdminHandler) TriggerCatalogSync(c *gin.Context) {
	var req dto.CatalogSyncRequest
	if !h.BindJSON(c, &req) {
		return
	}

	jobID, err := h.catalog.Trigger(c.Request.Context(), req.TenantID, req.Topics)
	if errors.Is(err, syncapp.ErrSyncInProgress) {
		h.Error(c, http.StatusConflict, dto.ErrCodeConflict, "Catalog sync already in progress")
		return
	}
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Accepted(c, dto.CatalogSyncResponse{JobID: jobID})
}

// ResetRateLimit handles DELETE /admin/rate-limits/*key
func (h *AdminHandler) ResetRateLimit(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		h.BadRequest(c, "key is required")
		return
	}

	deleted, err := h.counters.ResetKey(c.Request.Context(), key)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.RateLimitResetResponse{Key: key, Deleted: deleted})
}

// GetQueueStatus handles GET /admin/queue
func (h *AdminHandler) GetQueueStatus(c *gin.Context) {
	length, err := h.queue.Len(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.QueueStatusResponse{Length: length, Capacity: h.queue.Capacity()})
}

// RevokeSession handles DELETE /admin/session, revoking the caller's own token
func (h *AdminHandler) RevokeSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		h.Error(c, http.StatusUnauthorized, dto.ErrCodeUnauthorized, "Not authenticated")
		return
	}

	if err := h.revoker.Revoke(c.Request.Context(), claims.ID, claims.RemainingTTL(time.Now())); err != nil {
		h.HandleError(c, err)
		return
	}
	logger.L(c.Request.Context()).Info("Session revoked", zap.String("jti", claims.ID))
	c.Status(http.StatusNoContent)
}
