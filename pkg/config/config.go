package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/storage/postgres"
)

const envPrefix = "ENTITLEMENTS_"

// Usage counter backends
const (
	CounterBackendPostgres = "postgres"
	CounterBackendRedis    = "redis"
)

// Rate limiter backends
const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Usage         UsageConfig
	Invitations   InvitationConfig
	Plans         PlansConfig
	Jobs          JobsConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL         string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
	AutoMigrate bool
}

// Connection returns the settings for postgres.NewConnectionManager
func (d DatabaseConfig) Connection() postgres.ConnectionConfig {
	return postgres.ConnectionConfig{
		PrimaryURL:  d.URL,
		ReplicaURLs: d.ReplicaURLs,
		MaxConns:    d.MaxConns,
		MinConns:    d.MinConns,
		Timeout:     d.Timeout,
		MaxLifetime: d.MaxLifetime,
		MaxIdleTime: d.MaxIdleTime,
	}
}

// RedisConfig holds Redis settings. Redis is optional unless a component is
// configured to use it.
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// Enabled reports whether a Redis URL was configured
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// Client returns the settings for postgres.NewRedisClient
func (r RedisConfig) Client() postgres.RedisConfig {
	return postgres.RedisConfig{
		URL:        r.URL,
		Password:   r.Password,
		DB:         r.DB,
		MaxRetries: r.MaxRetries,
		PoolSize:   r.PoolSize,
	}
}

// UsageConfig selects the usage counter backend
type UsageConfig struct {
	CounterBackend string
	RedisKeyPrefix string
	RedisGrace     time.Duration
}

// InvitationConfig holds invitation lifetimes
type InvitationConfig struct {
	TTL time.Duration
	// Retention is how long expired or finished invitations are kept before
	// the purge job deletes them
	Retention time.Duration
}

// PlansConfig points at an optional plan override file
type PlansConfig struct {
	File  string
	Watch bool
}

// JobsConfig holds cron schedules for reconciliation jobs
type JobsConfig struct {
	Enabled          bool
	PurgeSchedule    string
	RolloverSchedule string
}

// RateLimitConfig controls request throttling
type RateLimitConfig struct {
	Enabled bool
	Backend string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// OTel returns the settings for observability.InitOTel
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:   loadServerConfig(),
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			URL:        getEnv("REDIS_URL", ""),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getEnvInt("REDIS_DB", 0),
			MaxRetries: getEnvInt("REDIS_MAX_RETRIES", 3),
			PoolSize:   getEnvInt("REDIS_POOL_SIZE", 0),
		},
		Usage: UsageConfig{
			CounterBackend: strings.ToLower(getEnv("USAGE_COUNTER_BACKEND", CounterBackendPostgres)),
			RedisKeyPrefix: getEnv("USAGE_REDIS_PREFIX", "usage"),
			RedisGrace:     getEnvDuration("USAGE_REDIS_GRACE", 24*time.Hour),
		},
		Invitations: InvitationConfig{
			TTL:       getEnvDuration("INVITATION_TTL", 7*24*time.Hour),
			Retention: getEnvDuration("INVITATION_RETENTION", 30*24*time.Hour),
		},
		Plans: PlansConfig{
			File:  getEnv("PLAN_FILE", ""),
			Watch: getEnvBool("PLAN_FILE_WATCH", true),
		},
		Jobs: JobsConfig{
			Enabled:          getEnvBool("JOBS_ENABLED", true),
			PurgeSchedule:    getEnv("JOBS_PURGE_SCHEDULE", "@hourly"),
			RolloverSchedule: getEnv("JOBS_ROLLOVER_SCHEDULE", "*/5 * * * *"),
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvBool("RATE_LIMIT_ENABLED", true),
			Backend: strings.ToLower(getEnv("RATE_LIMIT_BACKEND", RateLimitBackendMemory)),
		},
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("HOST", "0.0.0.0"),
		Port:            getEnv("PORT", "8080"),
		ReadTimeout:     getEnvDuration("READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("MAX_BODY_BYTES", 1<<20),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:         getEnv("POSTGRES_URL", ""),
		ReplicaURLs: postgres.ParseReplicaURLs(getEnv("POSTGRES_REPLICA_URLS", "")),
		MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
		MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 5),
		Timeout:     getEnvDuration("POSTGRES_TIMEOUT", 5*time.Second),
		MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 30*time.Minute),
		MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 5*time.Minute),
		AutoMigrate: getEnvBool("POSTGRES_AUTO_MIGRATE", true),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("OTEL_SERVICE_NAME", "entitlementd"),
		OTelServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("postgres max conns must be at least 1")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("postgres min conns (%d) exceeds max conns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}

	switch c.Usage.CounterBackend {
	case CounterBackendPostgres:
	case CounterBackendRedis:
		if !c.Redis.Enabled() {
			return fmt.Errorf("redis URL is required for the redis usage counter")
		}
	default:
		return fmt.Errorf("invalid usage counter backend: %s (must be postgres or redis)", c.Usage.CounterBackend)
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case RateLimitBackendMemory:
		case RateLimitBackendRedis:
			if !c.Redis.Enabled() {
				return fmt.Errorf("redis URL is required for the redis rate limiter")
			}
		default:
			return fmt.Errorf("invalid rate limit backend: %s (must be memory or redis)", c.RateLimit.Backend)
		}
	}

	if c.Invitations.TTL <= 0 {
		return fmt.Errorf("invitation TTL must be positive")
	}
	if c.Invitations.Retention < 0 {
		return fmt.Errorf("invitation retention must not be negative")
	}

	if c.Jobs.Enabled {
		if _, err := cron.ParseStandard(c.Jobs.PurgeSchedule); err != nil {
			return fmt.Errorf("invalid purge schedule %q: %w", c.Jobs.PurgeSchedule, err)
		}
		if _, err := cron.ParseStandard(c.Jobs.RolloverSchedule); err != nil {
			return fmt.Errorf("invalid rollover schedule %q: %w", c.Jobs.RolloverSchedule, err)
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("OpenTelemetry sample ratio must be within [0, 1], got %v", r)
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns ENTITLEMENTS_<key> or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := getEnv(key, ""); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := getEnv(key, ""); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := getEnv(key, ""); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := getEnv(key, ""); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := getEnv(key, ""); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
