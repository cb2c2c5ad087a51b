package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	webhookapp "github.com/marketsync/backend/internal/application/webhook"
	"github.com/marketsync/backend/internal/domain/webhook"
	"github.com/marketsync/backend/internal/infrastructure/logger"
	"github.com/marketsync/backend/internal/interfaces/http/dto"
)

// Receiver validates and enqueues an inbound notification
type Receiver interface {
	Receive(ctx context.Context, req webhookapp.InboundRequest) webhookapp.Receipt
}

// WebhookHandler receives marketplace and storefront notifications.
// These endpoints are called by the senders and carry no bearer token; they are
// authenticated by IP allow-list and body signature.
type WebhookHandler struct {
	BaseHandler
	receiver Receiver
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(receiver Receiver) *WebhookHandler {
	return &WebhookHandler{receiver: receiver}
}

// Marketplace handles POST /webhooks/marketplace
func (h *WebhookHandler) Marketplace(c *gin.Context) {
	h.receive(c, webhook.SourceMarketplace)
}

// Storefront handles POST /webhooks/storefront
func (h *WebhookHandler) Storefront(c *gin.Context) {
	h.receive(c, webhook.SourceStorefront)
}

func (h *WebhookHandler) receive(c *gin.Context, source webhook.Source) {
	receivedAt := time.Now()

	// The signature covers the exact bytes sent, so the body is read raw.
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.Error(c, http.StatusRequestEntityTooLarge, dto.ErrCodeRequestTooLarge, "Payload too large")
			return
		}
		h.Error(c, http.StatusBadRequest, dto.ErrCodeInvalidPayload, dto.MessageInvalidPayload)
		return
	}

	receipt := h.receiver.Receive(c.Request.Context(), webhookapp.InboundRequest{
		Source:     source,
		Header:     c.Request.Header,
		Body:       body,
		RemoteAddr: c.Request.RemoteAddr,
		ReceivedAt: receivedAt,
	})

	if !receipt.Validation.IsValid {
		code, message := dto.ErrorCodeFor(receipt.Validation.Error)
		h.Error(c, dto.GetHTTPStatus(code), code, message)
		return
	}

	if receipt.JobID != "" {
		c.Header("X-Job-ID", receipt.JobID)
	}
	logger.L(c.Request.Context()).Debug("Webhook acknowledged",
		zap.String("source", source.String()),
		zap.Duration("elapsed", receipt.Elapsed),
	)
	c.JSON(http.StatusOK, dto.WebhookAck{Received: true})
}
