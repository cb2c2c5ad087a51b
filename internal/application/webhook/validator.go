// Package webhook authenticates inbound notifications, hands them to the queue and
// processes them once dequeued.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // the marketplace signs notifications with HMAC-SHA1
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/marketsync/backend/internal/domain/ratelimit"
	"github.com/marketsync/backend/internal/domain/webhook"
	"go.uber.org/zap"
)

// Signature headers per source.
const (
	HeaderMarketplaceSignature = "X-Signature"
	HeaderStorefrontSignature  = "X-Hmac-Sha256"
)

// ValidatorConfig holds the per-source secrets and IP allow-lists.
// An empty allow-list disables the IP check for that source.
type ValidatorConfig struct {
	MarketplaceSecret     string
	StorefrontSecret      string
	MarketplaceAllowedIPs []string
	StorefrontAllowedIPs  []string
}

// RejectionCounter records a rejected request against an abuse dimension.
type RejectionCounter interface {
	CheckDimension(ctx context.Context, dim ratelimit.Dimension, identifier string) (ratelimit.Result, error)
}

// InboundRequest is everything the validator looks at.
type InboundRequest struct {
	Source     webhook.Source
	Header     http.Header
	Body       []byte
	RemoteAddr string
	ReceivedAt time.Time
}

// ValidationResult is the outcome of Validate. Error is set when IsValid is false;
// Warning carries soft findings such as an unrecognised topic.
type ValidationResult struct {
	IsValid  bool
	Error    error
	Warning  string
	ClientIP string
	Event    *webhook.Event
	State    webhook.State
}

// Validator authenticates webhook requests.
type Validator struct {
	secrets   map[webhook.Source]string
	allowList map[webhook.Source]map[string]struct{}
	counter   RejectionCounter
	logger    *zap.Logger
}

// NewValidator creates a validator. counter may be nil.
func NewValidator(cfg ValidatorConfig, counter RejectionCounter, logger *zap.Logger) *Validator {
	return &Validator{
		secrets: map[webhook.Source]string{
			webhook.SourceMarketplace: cfg.MarketplaceSecret,
			webhook.SourceStorefront:  cfg.StorefrontSecret,
		},
		allowList: map[webhook.Source]map[string]struct{}{
			webhook.SourceMarketplace: toSet(cfg.MarketplaceAllowedIPs),
			webhook.SourceStorefront:  toSet(cfg.StorefrontAllowedIPs),
		},
		counter: counter,
		logger:  logger,
	}
}

func toSet(ips []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		if ip = strings.TrimSpace(ip); ip != "" {
			set[ip] = struct{}{}
		}
	}
	return set
}

// Validate runs the checks in order and stops at the first failure:
// source, IP allow-list, signature over the raw body, payload shape.
func (v *Validator) Validate(ctx context.Context, req InboundRequest) ValidationResult {
	result := ValidationResult{
		ClientIP: ClientIP(req.Header, req.RemoteAddr),
		State:    webhook.StateReceived,
	}

	if err := v.check(req, &result); err != nil {
		return v.reject(ctx, req, result, err)
	}

	if !result.Event.Topic.IsKnown() {
		result.Warning = fmt.Sprintf("unrecognised topic %q", result.Event.Topic)
		v.logger.Warn("Webhook with unrecognised topic accepted",
			zap.String("source", req.Source.String()),
			zap.String("topic", result.Event.Topic.String()),
		)
	}

	result.State, _ = result.State.Transition(webhook.StateValidated)
	result.IsValid = true
	return result
}

func (v *Validator) check(req InboundRequest, result *ValidationResult) error {
	if !req.Source.IsValid() {
		return fmt.Errorf("%w: %q", webhook.ErrUnknownSource, req.Source)
	}

	if allowed := v.allowList[req.Source]; len(allowed) > 0 {
		if _, ok := allowed[result.ClientIP]; !ok {
			return webhook.ErrIPNotAllowed
		}
	}

	if err := v.verifySignature(req); err != nil {
		return err
	}

	event, err := webhook.ParseEvent(req.Body)
	if err != nil {
		return err
	}
	event.Source = req.Source
	if event.Received.IsZero() {
		event.Received = req.ReceivedAt.UTC()
	}
	result.Event = event
	return nil
}

func (v *Validator) verifySignature(req InboundRequest) error {
	secret := v.secrets[req.Source]
	if secret == "" {
		return fmt.Errorf("%w: %w", webhook.ErrInvalidSignature, webhook.ErrSecretNotConfigured)
	}

	switch req.Source {
	case webhook.SourceMarketplace:
		got := strings.TrimPrefix(strings.TrimSpace(req.Header.Get(HeaderMarketplaceSignature)), "sha1=")
		if got == "" {
			return fmt.Errorf("%w: %w", webhook.ErrInvalidSignature, webhook.ErrMissingSignature)
		}
		sig, err := hex.DecodeString(got)
		if err != nil || !hmac.Equal(sig, SignSHA1([]byte(secret), req.Body)) {
			return webhook.ErrInvalidSignature
		}
	case webhook.SourceStorefront:
		got := strings.TrimSpace(req.Header.Get(HeaderStorefrontSignature))
		if got == "" {
			return fmt.Errorf("%w: %w", webhook.ErrInvalidSignature, webhook.ErrMissingSignature)
		}
		sig, err := base64.StdEncoding.DecodeString(got)
		if err != nil || !hmac.Equal(sig, SignSHA256([]byte(secret), req.Body)) {
			return webhook.ErrInvalidSignature
		}
	}
	return nil
}

func (v *Validator) reject(ctx context.Context, req InboundRequest, result ValidationResult, err error) ValidationResult {
	result.IsValid = false
	result.Error = err
	result.State, _ = result.State.Transition(webhook.StateRejected)

	v.logger.Warn("Webhook rejected",
		zap.String("source", req.Source.String()),
		zap.String("client_ip", result.ClientIP),
		zap.String("reason", RejectionReason(err)),
		zap.Error(err),
	)

	if v.counter != nil && result.ClientIP != "" {
		if _, cerr := v.counter.CheckDimension(ctx, ratelimit.DimensionWebhookSource, result.ClientIP); cerr != nil {
			v.logger.Debug("Failed to record webhook rejection", zap.Error(cerr))
		}
	}
	return result
}

// RejectionReason maps a validation error to a short metric label.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, webhook.ErrIPNotAllowed):
		return "ip_not_allowed"
	case errors.Is(err, webhook.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, webhook.ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, webhook.ErrUnknownSource):
		return "unknown_source"
	default:
		return "other"
	}
}

// ClientIP returns the first X-Forwarded-For entry, then X-Real-IP, then the host
// part of remoteAddr.
func ClientIP(h http.Header, remoteAddr string) string {
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(h.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return strings.TrimSpace(remoteAddr)
}

// SignSHA1 returns HMAC-SHA1(secret, body).
func SignSHA1(secret, body []byte) []byte {
	mac := hmac.New(sha1.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// SignSHA256 returns HMAC-SHA256(secret, body).
func SignSHA256(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
