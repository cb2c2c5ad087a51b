package router

import (
	"github.com/gin-gonic/gin"

	"github.com/marketsync/backend/internal/domain/ratelimit"
	"github.com/marketsync/backend/internal/interfaces/http/handler"
	"github.com/marketsync/backend/internal/interfaces/http/middleware"
)

// Handlers are the endpoint handlers mounted by Mount
type Handlers struct {
	Webhook  *handler.WebhookHandler
	Recovery *handler.RecoveryHandler
	Admin    *handler.AdminHandler
	System   *handler.SystemHandler
}

// Guards are the rate limit and authentication dependencies of the routes
type Guards struct {
	Limiter middleware.RateChecker
	JWT     middleware.JWTMiddlewareConfig
	// WebhookMaxBodySize caps webhook bodies below the global limit
	WebhookMaxBodySize int64
}

// Mount registers every route on engine.
//
// Rate limit dimensions per route group:
//   - probes: public_api by client IP
//   - webhooks: endpoint by route; rejections also feed webhook_source
//   - recovery and admin: ip before authentication, user after it;
//     authentication failures feed auth_api
func Mount(engine *gin.Engine, h Handlers, g Guards) {
	probes := engine.Group("", middleware.RateLimit(g.Limiter, ratelimit.DimensionPublicAPI, middleware.ByClientIP))
	probes.GET("/health", h.System.Health)
	probes.GET("/ready", h.System.Ready)

	r := NewRouter(engine, WithAPIVersion("v1"))

	webhooks := NewDomainGroup("webhooks", "/webhooks").
		Use(middleware.RateLimit(g.Limiter, ratelimit.DimensionEndpoint, middleware.ByRoute))
	if g.WebhookMaxBodySize > 0 {
		webhooks.Use(middleware.BodyLimit(g.WebhookMaxBodySize))
	}
	webhooks.POST("/marketplace", h.Webhook.Marketplace)
	webhooks.POST("/storefront", h.Webhook.Storefront)
	r.Register(webhooks)

	authenticated := func(dg *DomainGroup) *DomainGroup {
		return dg.Use(
			middleware.RateLimit(g.Limiter, ratelimit.DimensionIP, middleware.ByClientIP),
			middleware.JWTAuth(g.JWT),
			middleware.RateLimit(g.Limiter, ratelimit.DimensionUser, middleware.BySubject),
		)
	}

	recovery := authenticated(NewDomainGroup("recovery", "/recovery"))
	recovery.POST("/missed-feeds", h.Recovery.RecoverMissedFeeds)
	recovery.GET("/missed-feeds", h.Recovery.GetRecoveryStatus)
	r.Register(recovery)

	admin := authenticated(NewDomainGroup("admin", "/admin")).Use(middleware.RequireAdmin())
	admin.POST("/catalog-sync", h.Admin.TriggerCatalogSync)
	admin.DELETE("/rate-limits/*key", h.Admin.ResetRateLimit)
	admin.GET("/queue", h.Admin.GetQueueStatus)
	admin.DELETE("/session", h.Admin.RevokeSession)
	r.Register(admin)

	r.Setup()
}
