package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	ratelimitapp "github.com/marketsync/backend/internal/application/ratelimit"
	syncapp "github.com/marketsync/backend/internal/application/sync"
	webhookapp "github.com/marketsync/backend/internal/application/webhook"
	"github.com/marketsync/backend/internal/domain/queue"
	"github.com/marketsync/backend/internal/domain/ratelimit"
	"github.com/marketsync/backend/internal/infrastructure/auth"
	"github.com/marketsync/backend/internal/infrastructure/cache"
	"github.com/marketsync/backend/internal/infrastructure/config"
	"github.com/marketsync/backend/internal/infrastructure/ecommerce"
	"github.com/marketsync/backend/internal/infrastructure/logger"
	"github.com/marketsync/backend/internal/infrastructure/messaging"
	"github.com/marketsync/backend/internal/infrastructure/persistence"
	jobqueue "github.com/marketsync/backend/internal/infrastructure/queue"
	"github.com/marketsync/backend/internal/infrastructure/scheduler"
	"github.com/marketsync/backend/internal/infrastructure/security"
	"github.com/marketsync/backend/internal/infrastructure/telemetry"
	"github.com/marketsync/backend/internal/interfaces/http/handler"
	"github.com/marketsync/backend/internal/interfaces/http/middleware"
	"github.com/marketsync/backend/internal/interfaces/http/router"
)

const slowQueryThreshold = 200 * time.Millisecond

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	ctx := context.Background()
	otelCfg := telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}

	// The log provider comes first so its core can be attached to the root logger
	logsCfg := otelCfg
	logsCfg.Enabled = cfg.Telemetry.Enabled && cfg.Telemetry.LogsEnabled
	logProvider, err := telemetry.NewLoggerProvider(ctx, logsCfg, zap.NewNop())
	if err != nil {
		panic("Failed to initialize log exporter: " + err.Error())
	}

	var extraCores []zapcore.Core
	if logProvider.IsEnabled() {
		extraCores = append(extraCores, logProvider.ZapCore(logger.ParseLevel(cfg.Log.Level)))
	}
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	}, extraCores...)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	logProvider.SetLogger(log)
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting marketsync",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	tracerProvider, err := telemetry.NewTracerProvider(ctx, otelCfg, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled && cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.MetricsInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	metrics, err := telemetry.NewPipelineMetricsFromProvider(meterProvider)
	if err != nil {
		log.Fatal("Failed to create pipeline metrics", zap.Error(err))
	}

	// Shared store: Redis, or the in-memory fallback in development
	store, err := cache.NewStoreFactory(cfg.Redis,
		cache.WithLogger(log),
		cache.WithInMemoryFallback(cfg.Redis.InMemoryFallback && !cfg.IsProduction()),
	).CreateStore()
	if err != nil {
		log.Fatal("Failed to connect to store", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Error closing store", zap.Error(err))
		}
	}()

	var publisher messaging.Publisher
	if cfg.Messaging.NSQEnabled {
		nsqPublisher, err := messaging.NewNSQPublisher(cfg.Messaging.NSQDAddress, log)
		if err != nil {
			log.Fatal("Failed to create NSQ publisher", zap.Error(err))
		}
		defer nsqPublisher.Stop()
		publisher = nsqPublisher
	}

	sinkOpts := []security.SinkOption{
		security.WithRate(cfg.Security.EventsPerSecond, cfg.Security.EventBurst),
		security.WithSinkMetrics(metrics),
	}
	if publisher != nil {
		sinkOpts = append(sinkOpts, security.WithPublisher(publisher, cfg.Messaging.SecurityTopic))
	}
	limiter := ratelimitapp.NewLimiter(store, rateLimits(cfg.RateLimit), log,
		ratelimitapp.WithSecurityEventSink(security.NewLogSink(log, sinkOpts...)),
		ratelimitapp.WithMetrics(metrics),
	)

	queueOpts := []jobqueue.Option{jobqueue.WithMetrics(metrics)}
	if publisher != nil {
		queueOpts = append(queueOpts, jobqueue.WithDeadLetterPublisher(publisher, cfg.Messaging.DeadLetterTopic))
	}
	jobs := jobqueue.NewJobQueue(store, jobqueue.Config{
		Key:        cfg.Queue.Key,
		Capacity:   cfg.Queue.Capacity,
		JobTimeout: cfg.Queue.JobTimeout,
	}, log, queueOpts...)

	marketplace, err := ecommerce.NewMarketplaceClient(ecommerce.MarketplaceConfig{
		BaseURL:     cfg.Marketplace.BaseURL,
		AccessToken: cfg.Marketplace.AccessToken,
		Timeout:     cfg.Marketplace.Timeout,
		PageSize:    cfg.Marketplace.PageSize,
		MaxPages:    cfg.Marketplace.MaxPages,
	}, log)
	if err != nil {
		log.Fatal("Failed to create marketplace client", zap.Error(err))
	}

	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level), slowQueryThreshold)
	db, err := persistence.NewDatabaseWithLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if err := telemetry.RegisterDBTracing(db.DB, telemetry.DBTracingConfig{
		Enabled:    cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
		LogFullSQL: !cfg.IsProduction(),
	}, log); err != nil {
		log.Fatal("Failed to register database tracing", zap.Error(err))
	}
	log.Info("Database connected successfully")

	resources := persistence.NewGormSyncedResourceRepository(db.DB)
	runs := persistence.NewGormRecoveryRunRepository(db.DB)

	validator := webhookapp.NewValidator(webhookapp.ValidatorConfig{
		MarketplaceSecret:     cfg.Webhook.MarketplaceSecret,
		StorefrontSecret:      cfg.Webhook.StorefrontSecret,
		MarketplaceAllowedIPs: cfg.Webhook.MarketplaceAllowedIPs,
		StorefrontAllowedIPs:  cfg.Webhook.StorefrontAllowedIPs,
	}, limiter, log)
	webhookService := webhookapp.NewService(validator, jobs, cfg.Webhook.AckBudget, metrics)
	processor := webhookapp.NewProcessor(marketplace, resources)

	recovery := syncapp.NewRecoveryService(marketplace, jobs, store, runs,
		syncapp.RecoveryConfig{LockTTL: cfg.Sync.RecoveryLockTTL}, log,
		syncapp.WithQuota(limiter),
		syncapp.WithRecoveryMetrics(metrics),
	)
	catalog := syncapp.NewCatalogSyncService(marketplace, resources, jobs, store, cfg.Sync.CatalogLockTTL, log)

	workers, err := scheduler.NewWorkerPool(scheduler.WorkerPoolConfig{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
	}, jobs, queue.Handlers{
		queue.JobTypeWebhookNotification: processor.Handle,
		queue.JobTypeCatalogFullSync:     catalog.HandleJob,
		queue.JobTypeRecoveryMissedFeeds: recovery.HandleJob,
	}, log)
	if err != nil {
		log.Fatal("Invalid worker pool configuration", zap.Error(err))
	}
	if err := workers.Start(ctx); err != nil {
		log.Fatal("Failed to start worker pool", zap.Error(err))
	}
	log.Info("Worker pool started",
		zap.Int("workers", cfg.Queue.Workers),
		zap.Duration("poll_interval", cfg.Queue.PollInterval),
	)

	recoveryScheduler, err := scheduler.NewRecoveryScheduler(scheduler.RecoverySchedulerConfig{
		Enabled:     cfg.Recovery.Enabled,
		Interval:    cfg.Recovery.Interval,
		Tenants:     cfg.Recovery.Tenants,
		MaxAgeHours: cfg.Recovery.DefaultMaxAgeHours,
	}, jobs, log)
	if err != nil {
		log.Fatal("Invalid recovery scheduler configuration", zap.Error(err))
	}
	if err := recoveryScheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start recovery scheduler", zap.Error(err))
	}

	revocations := auth.NewRevocationList(store)
	engine := router.NewEngine(router.EngineConfig{
		Production:     cfg.IsProduction(),
		TrustedProxies: cfg.HTTP.TrustedProxies,
		MaxBodySize:    cfg.HTTP.MaxBodySize,
		Security:       middleware.SecurityConfig{HSTSEnabled: cfg.IsProduction(), HSTSMaxAge: 31536000},
		Tracing: middleware.TracingConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Enabled:     tracerProvider.IsEnabled(),
		},
	}, log)
	router.Mount(engine, router.Handlers{
		Webhook:  handler.NewWebhookHandler(webhookService),
		Recovery: handler.NewRecoveryHandler(recovery),
		Admin:    handler.NewAdminHandler(catalog, limiter, jobs, revocations),
		System: handler.NewSystemHandler(map[string]handler.Pinger{
			"store":    store,
			"database": db,
		}),
	}, router.Guards{
		Limiter: limiter,
		JWT: middleware.JWTMiddlewareConfig{
			Validator:      auth.NewJWTService(cfg.JWT),
			Revocations:    revocations,
			FailureCounter: limiter,
			Logger:         log,
		},
		WebhookMaxBodySize: cfg.Webhook.MaxBodySize,
	})

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// Stop intake first, then drain workers so in-flight jobs finish or get requeued
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := recoveryScheduler.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping recovery scheduler", zap.Error(err))
	}
	if err := workers.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping worker pool", zap.Error(err))
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down tracer provider", zap.Error(err))
	}
	if err := meterProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down meter provider", zap.Error(err))
	}
	if err := logProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down log provider", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// rateLimits converts the configured dimensions; a disabled limiter gets none,
// which lets every check through.
func rateLimits(cfg config.RateLimitConfig) map[ratelimit.Dimension]ratelimit.Config {
	limits := make(map[ratelimit.Dimension]ratelimit.Config, len(cfg.Dimensions))
	if !cfg.Enabled {
		return limits
	}
	for name, l := range cfg.Dimensions {
		limits[ratelimit.Dimension(name)] = ratelimit.Config{Max: l.Max, Window: l.Window}
	}
	return limits
}
