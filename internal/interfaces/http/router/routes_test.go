package router

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	ratelimitapp "github.com/marketsync/backend/internal/application/ratelimit"
	webhookapp "github.com/marketsync/backend/internal/application/webhook"
	"github.com/marketsync/backend/internal/domain/integration"
	"github.com/marketsync/backend/internal/domain/ratelimit"
	"github.com/marketsync/backend/internal/infrastructure/auth"
	"github.com/marketsync/backend/internal/infrastructure/cache"
	"github.com/marketsync/backend/internal/infrastructure/config"
	jobqueue "github.com/marketsync/backend/internal/infrastructure/queue"
	"github.com/marketsync/backend/internal/interfaces/http/handler"
	"github.com/marketsync/backend/internal/interfaces/http/middleware"
)

const mountSecret = "mount-secret"

type stubRecovery struct{}

func (stubRecovery) RecoverAllMissedFeeds(_ context.Context, _ string, opts integration.RecoveryOptions) (integration.RecoveryResult, error) {
	return integration.RecoveryResult{Processed: 1, DryRun: opts.DryRun}, nil
}

func (stubRecovery) Summary(context.Context, string) (*integration.RecoverySummary, error) {
	return &integration.RecoverySummary{}, nil
}

type stubTrigger struct{}

func (stubTrigger) Trigger(context.Context, string, []string) (string, error) {
	return "job-1", nil
}

type mountHarness struct {
	engine *gin.Engine
	jwt    *auth.JWTService
}

func newMountHarness(t *testing.T, limits map[ratelimit.Dimension]ratelimit.Config) *mountHarness {
	t.Helper()
	store := cache.NewInMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	log := zap.NewNop()
	limiter := ratelimitapp.NewLimiter(store, limits, log)
	q := jobqueue.NewJobQueue(store, jobqueue.DefaultConfig(), log)
	revocations := auth.NewRevocationList(store)
	jwtSvc := auth.NewJWTService(config.JWTConfig{Secret: "router-test-secret-0123456789abcdef", Issuer: "marketsync"})

	validator := webhookapp.NewValidator(webhookapp.ValidatorConfig{
		MarketplaceSecret:     mountSecret,
		MarketplaceAllowedIPs: []string{"54.88.218.97"},
	}, limiter, log)

	engine := NewEngine(EngineConfig{MaxBodySize: 1 << 20}, log)
	Mount(engine, Handlers{
		Webhook:  handler.NewWebhookHandler(webhookapp.NewService(validator, q, 500*time.Millisecond, nil)),
		Recovery: handler.NewRecoveryHandler(stubRecovery{}),
		Admin:    handler.NewAdminHandler(stubTrigger{}, limiter, q, revocations),
		System:   handler.NewSystemHandler(map[string]handler.Pinger{"store": store}),
	}, Guards{
		Limiter: limiter,
		JWT: middleware.JWTMiddlewareConfig{
			Validator:      jwtSvc,
			Revocations:    revocations,
			FailureCounter: limiter,
			Logger:         log,
		},
		WebhookMaxBodySize: 64 * 1024,
	})
	return &mountHarness{engine: engine, jwt: jwtSvc}
}

func (h *mountHarness) do(t *testing.T, method, path, body, token string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set(middleware.AuthHeaderKey, middleware.BearerPrefix+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func (h *mountHarness) token(t *testing.T, in auth.IssueInput) string {
	t.Helper()
	tok, err := h.jwt.Issue(in)
	require.NoError(t, err)
	return tok
}

func defaultLimits() map[ratelimit.Dimension]ratelimit.Config {
	return map[ratelimit.Dimension]ratelimit.Config{
		ratelimit.DimensionIP:            {Max: 100, Window: time.Minute},
		ratelimit.DimensionUser:          {Max: 100, Window: time.Minute},
		ratelimit.DimensionEndpoint:      {Max: 100, Window: time.Minute},
		ratelimit.DimensionPublicAPI:     {Max: 100, Window: time.Minute},
		ratelimit.DimensionAuthAPI:       {Max: 100, Window: time.Minute},
		ratelimit.DimensionWebhookSource: {Max: 100, Window: time.Minute},
	}
}

func TestMount_Probes(t *testing.T) {
	h := newMountHarness(t, defaultLimits())

	w := h.do(t, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", w.Header().Get(middleware.HeaderRateLimitLimit))
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	w = h.do(t, http.MethodGet, "/ready", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMount_Webhooks(t *testing.T) {
	h := newMountHarness(t, defaultLimits())
	body := `{"topic":"orders_v2","resource":"/orders/1","user_id":123456}`
	sig := hex.EncodeToString(webhookapp.SignSHA1([]byte(mountSecret), []byte(body)))

	w := h.do(t, http.MethodPost, "/api/v1/webhooks/marketplace", body, "", map[string]string{
		"X-Forwarded-For": "54.88.218.97",
		"X-Signature":     sig,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderRateLimitRemaining))

	w = h.do(t, http.MethodPost, "/api/v1/webhooks/marketplace", body, "", map[string]string{
		"X-Forwarded-For": "203.0.113.5",
		"X-Signature":     sig,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"IP not in whitelist"`)
}

func TestMount_WebhookEndpointLimit(t *testing.T) {
	limits := defaultLimits()
	limits[ratelimit.DimensionEndpoint] = ratelimit.Config{Max: 1, Window: time.Minute}
	h := newMountHarness(t, limits)

	h.do(t, http.MethodPost, "/api/v1/webhooks/storefront", "{}", "", nil)
	w := h.do(t, http.MethodPost, "/api/v1/webhooks/storefront", "{}", "", nil)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	retry, err := strconv.Atoi(w.Header().Get(middleware.HeaderRetryAfter))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)
}

func TestMount_RecoveryRequiresToken(t *testing.T) {
	h := newMountHarness(t, defaultLimits())

	w := h.do(t, http.MethodPost, "/api/v1/recovery/missed-feeds", `{"tenantId":"123456"}`, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tok := h.token(t, auth.IssueInput{Subject: "seller", TenantID: "123456"})
	w = h.do(t, http.MethodPost, "/api/v1/recovery/missed-feeds", `{"tenantId":"123456","dryRun":true}`, tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"processed":1,"failed":0,"skipped":0,"duration_ms":0,"dry_run":true}`, w.Body.String())

	w = h.do(t, http.MethodPost, "/api/v1/recovery/missed-feeds", `{"tenantId":"777"}`, tok, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMount_AuthFailuresAreRateLimited(t *testing.T) {
	limits := defaultLimits()
	limits[ratelimit.DimensionAuthAPI] = ratelimit.Config{Max: 2, Window: time.Minute}
	h := newMountHarness(t, limits)

	for range 2 {
		w := h.do(t, http.MethodGet, "/api/v1/admin/queue", "", "bogus", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := h.do(t, http.MethodGet, "/api/v1/admin/queue", "", "bogus", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestMount_Admin(t *testing.T) {
	h := newMountHarness(t, defaultLimits())
	admin := h.token(t, auth.IssueInput{Subject: "ops", Roles: []string{auth.RoleAdmin}, TTL: time.Hour})
	seller := h.token(t, auth.IssueInput{Subject: "seller", TenantID: "123456"})

	w := h.do(t, http.MethodGet, "/api/v1/admin/queue", "", seller, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(t, http.MethodGet, "/api/v1/admin/queue", "", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"length":0,"capacity":10000}`, w.Body.String())

	w = h.do(t, http.MethodPost, "/api/v1/admin/catalog-sync", `{"tenantId":"123456"}`, admin, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	t.Run("revoked session is rejected afterwards", func(t *testing.T) {
		w := h.do(t, http.MethodDelete, "/api/v1/admin/session", "", admin, nil)
		require.Equal(t, http.StatusNoContent, w.Code)

		w = h.do(t, http.MethodGet, "/api/v1/admin/queue", "", admin, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
