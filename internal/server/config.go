package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Storage backends.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"

	PresenceSQL    = "sql"
	PresenceRedis  = "redis"
	PresenceMemory = "memory"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST" envDefault:"5"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1s"`
}

// Config holds all server configuration.
// Priority: ENV vars > .env file > defaults.
type Config struct {
	// HTTP surface
	Port           string   `env:"SERVER_PORT" envDefault:":8080"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:8080"`
	MaxMessageSize int64    `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`
	RateLimit      RateLimitConfig

	// Handshake authentication
	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER"`

	// Storage
	DBDriver        string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN           string `env:"DB_DSN" envDefault:"chatrelay.db"`
	PresenceBackend string `env:"PRESENCE_BACKEND" envDefault:"sql"`
	RedisAddr       string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword   string `env:"REDIS_PASSWORD"`
	RedisDB         int    `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix  string `env:"REDIS_KEY_PREFIX" envDefault:"chatrelay:presence:"`

	// Cross-node relay; empty URL disables it
	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"chatrelay.pending"`

	// Connection timing
	PingInterval time.Duration `env:"PING_INTERVAL" envDefault:"54s"`
	PongWait     time.Duration `env:"PONG_WAIT" envDefault:"60s"`
	WriteWait    time.Duration `env:"WRITE_WAIT" envDefault:"10s"`
	SendTimeout  time.Duration `env:"SEND_TIMEOUT" envDefault:"5s"`

	PersistTimeout           time.Duration `env:"PERSIST_TIMEOUT" envDefault:"5s"`
	ConnectionTTL            time.Duration `env:"CONNECTION_TTL" envDefault:"5m"`
	PresenceTTL              time.Duration `env:"PRESENCE_TTL" envDefault:"10m"`
	HeartbeatPersistInterval time.Duration `env:"HEARTBEAT_PERSIST_INTERVAL" envDefault:"30s"`

	// Background jobs
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	RetryInterval   time.Duration `env:"RETRY_INTERVAL" envDefault:"5m"`
	MaxPushRetries  int           `env:"MAX_PUSH_RETRIES" envDefault:"3"`
	RetryBatchSize  int           `env:"RETRY_BATCH_SIZE" envDefault:"100"`
	RetryBackoffMin time.Duration `env:"RETRY_BACKOFF_MIN" envDefault:"30s"`
	RetryBackoffMax time.Duration `env:"RETRY_BACKOFF_MAX" envDefault:"30m"`
	ClaimLease      time.Duration `env:"CLAIM_LEASE" envDefault:"30s"`
	CleanupCron     string        `env:"CLEANUP_CRON" envDefault:"0 2 * * *"`
	PushedRetention time.Duration `env:"PUSHED_RETENTION" envDefault:"168h"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// NewConfig creates a Config populated with default values for all settings,
// ignoring the process environment.
func NewConfig() *Config {
	cfg := &Config{}
	// Defaults come from the struct tags; parsing an empty environment
	// cannot fail.
	_ = env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// LoadConfig reads configuration from an optional .env file and the
// environment, then validates it.
func LoadConfig(logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg("no .env file found, using environment variables only")
	} else {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("SERVER_PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be > 0, got %d", c.MaxMessageSize)
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be > 0, got %d", c.RateLimit.Burst)
	}
	if c.MaxPushRetries <= 0 {
		return fmt.Errorf("MAX_PUSH_RETRIES must be > 0, got %d", c.MaxPushRetries)
	}
	if c.RetryBatchSize <= 0 {
		return fmt.Errorf("RETRY_BATCH_SIZE must be > 0, got %d", c.RetryBatchSize)
	}

	durations := map[string]time.Duration{
		"RATE_LIMIT_REFILL_INTERVAL": c.RateLimit.RefillInterval,
		"PING_INTERVAL":              c.PingInterval,
		"PONG_WAIT":                  c.PongWait,
		"WRITE_WAIT":                 c.WriteWait,
		"SEND_TIMEOUT":               c.SendTimeout,
		"PERSIST_TIMEOUT":            c.PersistTimeout,
		"CONNECTION_TTL":             c.ConnectionTTL,
		"PRESENCE_TTL":               c.PresenceTTL,
		"SWEEP_INTERVAL":             c.SweepInterval,
		"RETRY_INTERVAL":             c.RetryInterval,
		"RETRY_BACKOFF_MIN":          c.RetryBackoffMin,
		"CLAIM_LEASE":                c.ClaimLease,
		"PUSHED_RETENTION":           c.PushedRetention,
		"SHUTDOWN_TIMEOUT":           c.ShutdownTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", name, d)
		}
	}

	if c.PingInterval >= c.PongWait {
		return fmt.Errorf("PING_INTERVAL (%s) must be shorter than PONG_WAIT (%s)", c.PingInterval, c.PongWait)
	}
	if c.RetryBackoffMax < c.RetryBackoffMin {
		return fmt.Errorf("RETRY_BACKOFF_MAX (%s) must be >= RETRY_BACKOFF_MIN (%s)", c.RetryBackoffMax, c.RetryBackoffMin)
	}
	if !gronx.IsValid(c.CleanupCron) {
		return fmt.Errorf("CLEANUP_CRON is not a valid cron expression: %q", c.CleanupCron)
	}

	switch c.DBDriver {
	case DriverMySQL, DriverSQLite:
		if c.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required for DB_DRIVER=%s", c.DBDriver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("DB_DRIVER must be one of: mysql, sqlite, memory (got: %s)", c.DBDriver)
	}

	switch c.PresenceBackend {
	case PresenceSQL:
		if c.DBDriver == DriverMemory {
			return errors.New("PRESENCE_BACKEND=sql requires a SQL DB_DRIVER")
		}
	case PresenceRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for PRESENCE_BACKEND=redis")
		}
	case PresenceMemory:
	default:
		return fmt.Errorf("PRESENCE_BACKEND must be one of: sql, redis, memory (got: %s)", c.PresenceBackend)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration without secrets.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("port", c.Port).
		Strs("allowed_origins", c.AllowedOrigins).
		Int64("max_message_size", c.MaxMessageSize).
		Int("rate_limit_burst", c.RateLimit.Burst).
		Dur("rate_limit_refill", c.RateLimit.RefillInterval).
		Str("db_driver", c.DBDriver).
		Str("presence_backend", c.PresenceBackend).
		Bool("relay_enabled", c.NATSURL != "").
		Dur("connection_ttl", c.ConnectionTTL).
		Dur("presence_ttl", c.PresenceTTL).
		Dur("sweep_interval", c.SweepInterval).
		Dur("retry_interval", c.RetryInterval).
		Int("max_push_retries", c.MaxPushRetries).
		Str("cleanup_cron", c.CleanupCron).
		Dur("pushed_retention", c.PushedRetention).
		Msg("server configuration loaded")
}
