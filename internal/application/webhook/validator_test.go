package webhook

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marketsync/backend/internal/domain/ratelimit"
	"github.com/marketsync/backend/internal/domain/webhook"
)

const (
	testMarketplaceSecret = "mp-secret"
	testStorefrontSecret  = "sf-secret"
	allowedIP             = "54.88.218.97"
)

var orderBody = []byte(`{"topic":"orders_v2","resource":"/orders/2000001","user_id":123456,"application_id":"987","attempts":1,"sent":"2025-03-01T12:00:00Z","received":"2025-03-01T12:00:00Z"}`)

type countingLimiter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingLimiter) CheckDimension(_ context.Context, dim ratelimit.Dimension, id string) (ratelimit.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[dim.String()+"|"+id]++
	return ratelimit.Result{Allowed: true}, nil
}

func newTestValidator(counter RejectionCounter) *Validator {
	return NewValidator(ValidatorConfig{
		MarketplaceSecret:     testMarketplaceSecret,
		StorefrontSecret:      testStorefrontSecret,
		MarketplaceAllowedIPs: []string{allowedIP, "18.215.140.160"},
	}, counter, zap.NewNop())
}

func marketplaceRequest(body []byte, ip string) InboundRequest {
	h := http.Header{}
	h.Set("X-Forwarded-For", ip)
	h.Set(HeaderMarketplaceSignature, hex.EncodeToString(SignSHA1([]byte(testMarketplaceSecret), body)))
	return InboundRequest{
		Source:     webhook.SourceMarketplace,
		Header:     h,
		Body:       body,
		RemoteAddr: "10.0.0.10:5555",
		ReceivedAt: time.Now(),
	}
}

func storefrontRequest(body []byte) InboundRequest {
	h := http.Header{}
	h.Set(HeaderStorefrontSignature, base64.StdEncoding.EncodeToString(SignSHA256([]byte(testStorefrontSecret), body)))
	return InboundRequest{
		Source:     webhook.SourceStorefront,
		Header:     h,
		Body:       body,
		RemoteAddr: "203.0.113.77:443",
		ReceivedAt: time.Now(),
	}
}

func TestValidator_Marketplace(t *testing.T) {
	ctx := context.Background()

	t.Run("accepts signed request from allowed IP", func(t *testing.T) {
		v := newTestValidator(nil)
		res := v.Validate(ctx, marketplaceRequest(orderBody, allowedIP))

		require.True(t, res.IsValid, "error: %v", res.Error)
		assert.Equal(t, allowedIP, res.ClientIP)
		assert.Equal(t, webhook.StateValidated, res.State)
		assert.Equal(t, webhook.TopicOrders, res.Event.Topic)
		assert.Equal(t, "123456", res.Event.TenantID())
		assert.Equal(t, "2000001", res.Event.ResourceID())
		assert.Equal(t, webhook.SourceMarketplace, res.Event.Source)
		assert.Empty(t, res.Warning)
	})

	t.Run("rejects IP outside allow-list and counts it", func(t *testing.T) {
		counter := &countingLimiter{}
		v := newTestValidator(counter)
		res := v.Validate(ctx, marketplaceRequest(orderBody, "203.0.113.5"))

		assert.False(t, res.IsValid)
		assert.ErrorIs(t, res.Error, webhook.ErrIPNotAllowed)
		assert.Equal(t, webhook.StateRejected, res.State)
		assert.Equal(t, 1, counter.calls["webhook_source|203.0.113.5"])
	})

	t.Run("rejects tampered body", func(t *testing.T) {
		v := newTestValidator(nil)
		req := marketplaceRequest(orderBody, allowedIP)
		req.Body = append([]byte(nil), orderBody...)
		req.Body[len(req.Body)-2] = ' '

		res := v.Validate(ctx, req)
		assert.ErrorIs(t, res.Error, webhook.ErrInvalidSignature)
	})

	t.Run("signature covers exact bytes including whitespace", func(t *testing.T) {
		v := newTestValidator(nil)
		req := marketplaceRequest(orderBody, allowedIP)
		req.Body = append(append([]byte(nil), orderBody...), '\n')

		res := v.Validate(ctx, req)
		assert.ErrorIs(t, res.Error, webhook.ErrInvalidSignature)
	})

	t.Run("rejects missing signature", func(t *testing.T) {
		v := newTestValidator(nil)
		req := marketplaceRequest(orderBody, allowedIP)
		req.Header.Del(HeaderMarketplaceSignature)

		res := v.Validate(ctx, req)
		assert.ErrorIs(t, res.Error, webhook.ErrInvalidSignature)
		assert.ErrorIs(t, res.Error, webhook.ErrMissingSignature)
	})

	t.Run("rejects when secret not configured", func(t *testing.T) {
		v := NewValidator(ValidatorConfig{}, nil, zap.NewNop())
		res := v.Validate(ctx, marketplaceRequest(orderBody, allowedIP))
		assert.ErrorIs(t, res.Error, webhook.ErrInvalidSignature)
		assert.ErrorIs(t, res.Error, webhook.ErrSecretNotConfigured)
	})

	t.Run("malformed payload after valid signature", func(t *testing.T) {
		v := newTestValidator(nil)
		res := v.Validate(ctx, marketplaceRequest([]byte(`{"topic":`), allowedIP))
		assert.ErrorIs(t, res.Error, webhook.ErrMalformedPayload)
	})

	t.Run("unknown topic is a warning", func(t *testing.T) {
		v := newTestValidator(nil)
		body := []byte(`{"topic":"vis_leads","resource":"/leads/1","user_id":1}`)
		res := v.Validate(ctx, marketplaceRequest(body, allowedIP))
		assert.True(t, res.IsValid)
		assert.Contains(t, res.Warning, "vis_leads")
	})

	t.Run("IP check runs before signature check", func(t *testing.T) {
		v := newTestValidator(nil)
		req := marketplaceRequest(orderBody, "203.0.113.5")
		req.Header.Set(HeaderMarketplaceSignature, "deadbeef")
		res := v.Validate(ctx, req)
		assert.ErrorIs(t, res.Error, webhook.ErrIPNotAllowed)
	})
}

func TestValidator_Storefront(t *testing.T) {
	ctx := context.Background()
	body := []byte(`{"topic":"orders/create","resource":"/orders/55","user_id":"shop-1"}`)

	v := newTestValidator(nil)
	res := v.Validate(ctx, storefrontRequest(body))
	require.True(t, res.IsValid, "error: %v", res.Error)
	assert.Equal(t, "203.0.113.77", res.ClientIP)

	bad := storefrontRequest(body)
	bad.Header.Set(HeaderStorefrontSignature, base64.StdEncoding.EncodeToString(SignSHA256([]byte("wrong"), body)))
	assert.ErrorIs(t, v.Validate(ctx, bad).Error, webhook.ErrInvalidSignature)

	sha1Signed := storefrontRequest(body)
	sha1Signed.Header.Set(HeaderStorefrontSignature, base64.StdEncoding.EncodeToString(SignSHA1([]byte(testStorefrontSecret), body)))
	assert.ErrorIs(t, v.Validate(ctx, sha1Signed).Error, webhook.ErrInvalidSignature)
}

func TestValidator_UnknownSource(t *testing.T) {
	v := newTestValidator(nil)
	res := v.Validate(context.Background(), InboundRequest{Source: "ebay", Header: http.Header{}, Body: orderBody})
	assert.ErrorIs(t, res.Error, webhook.ErrUnknownSource)
	assert.Equal(t, "unknown_source", RejectionReason(res.Error))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"first forwarded entry", map[string]string{"X-Forwarded-For": "54.88.218.97, 10.0.0.1"}, "1.1.1.1:80", "54.88.218.97"},
		{"real ip fallback", map[string]string{"X-Real-IP": "18.206.34.84"}, "1.1.1.1:80", "18.206.34.84"},
		{"remote addr with port", nil, "192.0.2.1:4321", "192.0.2.1"},
		{"remote addr without port", nil, "192.0.2.2", "192.0.2.2"},
		{"empty forwarded falls through", map[string]string{"X-Forwarded-For": " "}, "192.0.2.3:1", "192.0.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.header {
				h.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(h, tt.remote))
		})
	}
}
