package cache

import (
	"fmt"

	"github.com/marketsync/backend/internal/domain/shared"
	"github.com/marketsync/backend/internal/infrastructure/config"
	"go.uber.org/zap"
)

// StoreFactory creates the shared atomic store based on configuration
type StoreFactory struct {
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// StoreFactoryOption is a functional option for configuring the factory
type StoreFactoryOption func(*StoreFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether to fall back to an in-memory store when Redis is unavailable.
// Default is false: counters, the sync lock and the queue must be shared across instances.
func WithInMemoryFallback(allow bool) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewStoreFactory creates a new factory
func NewStoreFactory(cfg config.RedisConfig, opts ...StoreFactoryOption) *StoreFactory {
	f := &StoreFactory{
		redisConfig: cfg,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateRedisStore creates a Redis-backed store
func (f *StoreFactory) CreateRedisStore() (*RedisStore, error) {
	store, err := NewRedisStore(RedisConfig{
		Host:         f.redisConfig.Host,
		Port:         f.redisConfig.Port,
		Password:     f.redisConfig.Password,
		DB:           f.redisConfig.DB,
		PoolSize:     f.redisConfig.PoolSize,
		MinIdleConns: f.redisConfig.MinIdleConns,
		DialTimeout:  f.redisConfig.DialTimeout,
		ReadTimeout:  f.redisConfig.ReadTimeout,
		WriteTimeout: f.redisConfig.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis store: %w", err)
	}
	return store, nil
}

// CreateStore tries Redis first and falls back to in-memory when allowed
func (f *StoreFactory) CreateStore() (shared.AtomicStore, error) {
	store, err := f.CreateRedisStore()
	if err == nil {
		f.logger.Info("using Redis store",
			zap.String("host", f.redisConfig.Host),
			zap.Int("port", f.redisConfig.Port),
		)
		return store, nil
	}

	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("Redis required but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory store. "+
		"Rate limits, the sync lock and the job queue will not be shared across instances.",
		zap.Error(err),
	)
	return NewInMemoryStore(), nil
}
