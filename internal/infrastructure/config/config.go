package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override (e.g. MSYNC_REDIS_HOST)
const EnvPrefix = "MSYNC"

// DefaultMarketplaceIPs are the source addresses the marketplace publishes for its webhooks
var DefaultMarketplaceIPs = []string{
	"54.88.218.97",
	"18.215.140.160",
	"18.213.114.129",
	"18.206.34.84",
}

// RateLimitDimensions lists the dimensions that carry their own limit
var RateLimitDimensions = []string{
	"ip",
	"user",
	"endpoint",
	"login",
	"webhook_source",
	"public_api",
	"auth_api",
	"marketplace_api",
}

// Config holds all application configuration
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Log         LogConfig         `mapstructure:"log"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	RateLimit   RateLimitConfig   `mapstructure:"-"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Marketplace MarketplaceConfig `mapstructure:"marketplace"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	Security    SecurityConfig    `mapstructure:"security"`
	Messaging   MessagingConfig   `mapstructure:"messaging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Port string `mapstructure:"port"`
}

// DatabaseConfig holds PostgreSQL connection settings. Lifetimes are in minutes.
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime int    `mapstructure:"conn_max_idle_time"`
}

type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// InMemoryFallback swaps in a process-local store when Redis is unreachable. Development only.
	InMemoryFallback bool `mapstructure:"in_memory_fallback"`
}

// LogConfig selects level (debug|info|warn|error), format (json|console)
// and output (stdout|stderr|<path>).
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type HTTPConfig struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxHeaderBytes  int           `mapstructure:"max_header_bytes"`
	MaxBodySize     int64         `mapstructure:"max_body_size"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
}

// DimensionLimit is the fixed-window limit of one dimension
type DimensionLimit struct {
	Max    int64
	Window time.Duration
}

// RateLimitConfig is read key by key (rate_limit.<dimension>.max|window)
type RateLimitConfig struct {
	Enabled    bool
	Dimensions map[string]DimensionLimit
}

type WebhookConfig struct {
	MarketplaceSecret     string   `mapstructure:"marketplace_secret"`
	StorefrontSecret      string   `mapstructure:"storefront_secret"`
	MarketplaceAllowedIPs []string `mapstructure:"marketplace_allowed_ips"`
	// empty means no source check; the storefront does not publish its addresses
	StorefrontAllowedIPs []string      `mapstructure:"storefront_allowed_ips"`
	AckBudget            time.Duration `mapstructure:"ack_budget"`
	MaxBodySize          int64         `mapstructure:"max_body_size"`
}

type QueueConfig struct {
	Key          string        `mapstructure:"key"`
	Capacity     int64         `mapstructure:"capacity"`
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"` // bounds one handler run
}

type SyncConfig struct {
	CatalogLockTTL  time.Duration `mapstructure:"catalog_lock_ttl"`
	RecoveryLockTTL time.Duration `mapstructure:"recovery_lock_ttl"`
}

// RecoveryConfig drives the periodic missed-feed sweep
type RecoveryConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval"`
	Tenants            []string      `mapstructure:"tenants"`
	DefaultMaxAgeHours int           `mapstructure:"default_max_age_hours"`
}

type MarketplaceConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	AccessToken string        `mapstructure:"access_token"`
	Timeout     time.Duration `mapstructure:"timeout"`
	PageSize    int           `mapstructure:"page_size"`
	MaxPages    int           `mapstructure:"max_pages"`
}

// JWTConfig validates admin and recovery bearer tokens
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// SecurityConfig throttles the security event sink
type SecurityConfig struct {
	EventsPerSecond float64 `mapstructure:"events_per_second"`
	EventBurst      int     `mapstructure:"event_burst"`
}

// MessagingConfig enables optional NSQ forwarding
type MessagingConfig struct {
	NSQEnabled      bool   `mapstructure:"nsq_enabled"`
	NSQDAddress     string `mapstructure:"nsqd_address"`
	SecurityTopic   string `mapstructure:"security_topic"`
	DeadLetterTopic string `mapstructure:"dead_letter_topic"`
}

type TelemetryConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	CollectorEndpoint string        `mapstructure:"collector_endpoint"`
	SamplingRatio     float64       `mapstructure:"sampling_ratio"`
	ServiceName       string        `mapstructure:"service_name"`
	Insecure          bool          `mapstructure:"insecure"`
	MetricsEnabled    bool          `mapstructure:"metrics_enabled"`
	MetricsInterval   time.Duration `mapstructure:"metrics_interval"`
	LogsEnabled       bool          `mapstructure:"logs_enabled"`
	DBTraceEnabled    bool          `mapstructure:"db_trace_enabled"`
}

// defaults registers every key with viper. A key unknown to viper is not
// picked up from the environment by Unmarshal, so zero values are listed too.
var defaults = map[string]any{
	"app.name": "marketsync-backend",
	"app.env":  "development",
	"app.port": "8080",

	"database.host":               "localhost",
	"database.port":               5432,
	"database.user":               "postgres",
	"database.password":           "",
	"database.dbname":             "marketsync",
	"database.sslmode":            "disable",
	"database.max_open_conns":     25,
	"database.max_idle_conns":     5,
	"database.conn_max_lifetime":  60,
	"database.conn_max_idle_time": 30,

	"redis.host":               "localhost",
	"redis.port":               6379,
	"redis.password":           "",
	"redis.db":                 0,
	"redis.pool_size":          10,
	"redis.min_idle_conns":     3,
	"redis.dial_timeout":       5 * time.Second,
	"redis.read_timeout":       3 * time.Second,
	"redis.write_timeout":      3 * time.Second,
	"redis.in_memory_fallback": false,

	"log.level":  "info",
	"log.format": "console",
	"log.output": "stdout",

	"http.read_timeout":     15 * time.Second,
	"http.write_timeout":    15 * time.Second,
	"http.idle_timeout":     time.Minute,
	"http.shutdown_timeout": 30 * time.Second,
	"http.max_header_bytes": 1 << 20,
	"http.max_body_size":    1 << 20,
	"http.trusted_proxies":  []string{},

	"rate_limit.enabled": true,

	"webhook.marketplace_secret":      "",
	"webhook.storefront_secret":       "",
	"webhook.marketplace_allowed_ips": DefaultMarketplaceIPs,
	"webhook.storefront_allowed_ips":  []string{},
	"webhook.ack_budget":              500 * time.Millisecond,
	"webhook.max_body_size":           64 << 10,

	"queue.key":           "queue:jobs",
	"queue.capacity":      10000,
	"queue.workers":       4,
	"queue.poll_interval": 500 * time.Millisecond,
	"queue.job_timeout":   5 * time.Minute,

	"sync.catalog_lock_ttl":  30 * time.Minute,
	"sync.recovery_lock_ttl": 15 * time.Minute,

	"recovery.enabled":               false,
	"recovery.interval":              time.Hour,
	"recovery.tenants":               []string{},
	"recovery.default_max_age_hours": 24,

	"marketplace.base_url":     "https://api.marketplace.example.com",
	"marketplace.access_token": "",
	"marketplace.timeout":      10 * time.Second,
	"marketplace.page_size":    50,
	"marketplace.max_pages":    20,

	"jwt.secret": "",
	"jwt.issuer": "marketsync-backend",

	"security.events_per_second": 10.0,
	"security.event_burst":       50,

	"messaging.nsq_enabled":       false,
	"messaging.nsqd_address":      "localhost:4150",
	"messaging.security_topic":    "security.events",
	"messaging.dead_letter_topic": "jobs.dead_letter",

	"telemetry.enabled":            false,
	"telemetry.collector_endpoint": "localhost:4317",
	"telemetry.sampling_ratio":     1.0,
	"telemetry.service_name":       "marketsync-backend",
	"telemetry.insecure":           false,
	"telemetry.metrics_enabled":    false,
	"telemetry.metrics_interval":   time.Minute,
	"telemetry.logs_enabled":       false,
	"telemetry.db_trace_enabled":   false,
}

// DefaultDimensionLimits returns the built-in limit of every dimension
func DefaultDimensionLimits() map[string]DimensionLimit {
	return map[string]DimensionLimit{
		"ip":              {Max: 100, Window: time.Minute},
		"user":            {Max: 300, Window: time.Minute},
		"endpoint":        {Max: 1000, Window: time.Minute},
		"login":           {Max: 5, Window: 15 * time.Minute},
		"webhook_source":  {Max: 1000, Window: time.Minute},
		"public_api":      {Max: 60, Window: time.Minute},
		"auth_api":        {Max: 10, Window: time.Minute},
		"marketplace_api": {Max: 600, Window: time.Minute},
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for dim, limit := range DefaultDimensionLimits() {
		v.SetDefault("rate_limit."+dim+".max", limit.Max)
		v.SetDefault("rate_limit."+dim+".window", limit.Window)
	}
	return v
}

// Load reads configuration. Later sources win:
//
//	built-in defaults < config.toml (./ or /app) < MSYNC_* environment (.env included)
//
// Slice values from the environment are comma separated.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := newViper()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.RateLimit = RateLimitConfig{
		Enabled:    v.GetBool("rate_limit.enabled"),
		Dimensions: make(map[string]DimensionLimit, len(RateLimitDimensions)),
	}
	for _, dim := range RateLimitDimensions {
		cfg.RateLimit.Dimensions[dim] = DimensionLimit{
			Max:    v.GetInt64("rate_limit." + dim + ".max"),
			Window: v.GetDuration("rate_limit." + dim + ".window"),
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate returns the first invalid setting
func (c *Config) validate() error {
	db := c.Database
	switch {
	case db.MaxOpenConns <= 0:
		return errors.New("database.max_open_conns must be positive")
	case db.MaxIdleConns < 0:
		return errors.New("database.max_idle_conns must not be negative")
	case db.MaxIdleConns > db.MaxOpenConns:
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			db.MaxIdleConns, db.MaxOpenConns)
	}

	for _, dim := range RateLimitDimensions {
		limit := c.RateLimit.Dimensions[dim]
		if limit.Max <= 0 {
			return fmt.Errorf("rate_limit.%s.max must be positive, got %d", dim, limit.Max)
		}
		if limit.Window < time.Millisecond {
			return fmt.Errorf("rate_limit.%s.window must be at least 1ms, got %s", dim, limit.Window)
		}
	}

	switch {
	case c.Queue.Capacity <= 0:
		return errors.New("queue.capacity must be positive")
	case c.Queue.Workers <= 0:
		return errors.New("queue.workers must be positive")
	case c.Queue.JobTimeout <= 0:
		return errors.New("queue.job_timeout must be positive")
	case c.Webhook.AckBudget <= 0:
		return errors.New("webhook.ack_budget must be positive")
	case c.Recovery.DefaultMaxAgeHours < 0 || c.Recovery.DefaultMaxAgeHours > 168:
		return fmt.Errorf("recovery.default_max_age_hours must be within [0, 168], got %d", c.Recovery.DefaultMaxAgeHours)
	case c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1:
		return fmt.Errorf("telemetry.sampling_ratio must be within [0, 1], got %g", c.Telemetry.SamplingRatio)
	}

	if c.IsProduction() {
		return c.validateProduction()
	}
	return nil
}

func (c *Config) validateProduction() error {
	switch {
	case len(c.JWT.Secret) < 32:
		return errors.New("jwt.secret must be at least 32 characters in production")
	case c.Webhook.MarketplaceSecret == "":
		return errors.New("webhook.marketplace_secret is required in production")
	case c.Database.Password == "":
		return errors.New("database.password is required in production")
	case c.Database.SSLMode == "disable":
		return errors.New("database.sslmode must not be disable in production")
	case c.Redis.InMemoryFallback:
		return errors.New("redis.in_memory_fallback must be false in production")
	}
	return nil
}

// IsProduction reports whether the app runs in production
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
