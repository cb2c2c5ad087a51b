package ecommerce

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marketsync/backend/internal/domain/integration"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *MarketplaceClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewMarketplaceClient(MarketplaceConfig{
		BaseURL:     srv.URL,
		AccessToken: "token-123",
		Timeout:     2 * time.Second,
		PageSize:    2,
	}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestMarketplaceConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  MarketplaceConfig
		wantErr error
	}{
		{"valid config", MarketplaceConfig{BaseURL: "https://api.example.com"}, nil},
		{"missing base URL", MarketplaceConfig{}, ErrMarketplaceConfigMissingBaseURL},
		{"relative base URL", MarketplaceConfig{BaseURL: "/api"}, ErrMarketplaceConfigInvalidBaseURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config
			err := cfg.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, 10*time.Second, cfg.Timeout)
				assert.Equal(t, 50, cfg.PageSize)
				assert.Equal(t, 100, cfg.MaxPages)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMarketplaceClient_GetResource(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/resources/orders_v2/2000001", r.URL.Path)
		assert.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":2000001,"seller_id":123456,"status":"paid","total_amount":"150.25","currency_id":"BRL","last_updated":"2025-03-01T09:00:00-03:00"}`))
	})

	res, err := c.GetResource(context.Background(), "orders_v2", "2000001")
	require.NoError(t, err)
	assert.Equal(t, "2000001", res.ID)
	assert.Equal(t, "123456", res.SellerID)
	assert.Equal(t, "orders_v2", res.Topic)
	assert.True(t, res.TotalAmount.Equal(decimal.RequireFromString("150.25")))
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), res.LastUpdated)
	assert.NotEmpty(t, res.Raw)
}

func TestMarketplaceClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		status  int
		wantErr error
	}{
		{http.StatusNotFound, integration.ErrResourceNotFound},
		{http.StatusUnauthorized, integration.ErrMarketplaceAuthFailed},
		{http.StatusForbidden, integration.ErrMarketplaceAuthFailed},
		{http.StatusTooManyRequests, integration.ErrMarketplaceRateLimited},
		{http.StatusBadGateway, integration.ErrMarketplaceUnavailable},
		{http.StatusBadRequest, integration.ErrMarketplaceInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			})
			_, err := c.GetResource(context.Background(), "items", "MLB1")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("transient classification", func(t *testing.T) {
		assert.True(t, integration.IsTransient(classifyStatus(http.StatusServiceUnavailable, nil)))
		assert.True(t, integration.IsTransient(classifyStatus(http.StatusTooManyRequests, nil)))
		assert.False(t, integration.IsTransient(classifyStatus(http.StatusNotFound, nil)))
	})
}

func TestMarketplaceClient_Unreachable(t *testing.T) {
	c, err := NewMarketplaceClient(MarketplaceConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)
	_, err = c.GetResource(context.Background(), "items", "MLB1")
	assert.ErrorIs(t, err, integration.ErrMarketplaceUnavailable)
}

func TestMarketplaceClient_ListChangedSince(t *testing.T) {
	since := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	pages := map[string]string{
		"1": `{"results":[{"id":"1","last_updated":"2025-03-01T01:00:00Z"},{"id":"2","last_updated":"2025-03-01T02:00:00Z"}],"paging":{"page":1,"total_pages":2}}`,
		"2": `{"results":[{"id":"3","last_updated":"2025-03-01T03:00:00Z"}],"paging":{"page":2,"total_pages":2}}`,
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/resources/items", r.URL.Path)
		assert.Equal(t, "2025-03-01T00:00:00Z", r.URL.Query().Get("modified_since"))
		assert.Equal(t, "123", r.URL.Query().Get("seller_id"))
		_, _ = w.Write([]byte(pages[r.URL.Query().Get("page")]))
	})

	res, err := c.ListChangedSince(context.Background(), "123", "items", since)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, "3", res[2].ID)
	assert.Equal(t, "items", res[2].Topic)
}

func TestMarketplaceClient_ListWithoutSince(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("modified_since"))
		_, _ = w.Write([]byte(`{"results":[],"paging":{"page":1,"total_pages":0}}`))
	})
	res, err := c.ListChangedSince(context.Background(), "123", "items", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestMarketplaceClient_ListTruncatedAtMaxPages(t *testing.T) {
	pages := map[string]string{
		"1": `{"results":[{"id":"new","last_updated":"2025-03-01T02:00:00Z"}],"paging":{"page":1,"total_pages":2}}`,
		"2": `{"results":[{"id":"old","last_updated":"2025-03-01T01:00:00Z"}],"paging":{"page":2,"total_pages":2}}`,
	}
	var requested []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requested = append(requested, r.URL.Query().Get("page"))
		_, _ = w.Write([]byte(pages[r.URL.Query().Get("page")]))
	})
	c.config.MaxPages = 1

	res, err := c.ListChangedSince(context.Background(), "123", "items", time.Time{})
	assert.ErrorIs(t, err, integration.ErrListingTruncated)
	require.Len(t, res, 1)
	assert.Equal(t, "new", res[0].ID)
	assert.Equal(t, []string{"1"}, requested)

	c.config.MaxPages = 2
	res, err = c.ListChangedSince(context.Background(), "123", "items", time.Time{})
	require.NoError(t, err)
	assert.Len(t, res, 2)
}

func TestMarketplaceClient_InvalidBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	})
	_, err := c.GetResource(context.Background(), "items", "MLB1")
	assert.ErrorIs(t, err, integration.ErrMarketplaceInvalidResponse)
}
