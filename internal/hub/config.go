package hub

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds the hub configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"HUB_ADDR" envDefault:":3002"`

	// NATS event source (empty disables the bridge)
	NATSURL           string `env:"NATS_URL" envDefault:""`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"connhub.events"`

	// Capacity and backpressure
	MaxConnections        int     `env:"HUB_MAX_CONNECTIONS" envDefault:"500"`
	BackpressureThreshold float64 `env:"HUB_BACKPRESSURE_THRESHOLD" envDefault:"0.8"`

	// Idle reaping and liveness
	IdleTimeout       time.Duration `env:"HUB_IDLE_TIMEOUT" envDefault:"5m"`
	CleanupInterval   time.Duration `env:"HUB_CLEANUP_INTERVAL" envDefault:"60s"`
	HeartbeatInterval time.Duration `env:"HUB_HEARTBEAT_INTERVAL" envDefault:"30s"`

	// Per-connection memory accounting
	MemoryLimitPerConnMB float64 `env:"HUB_MEMORY_LIMIT_PER_CONN_MB" envDefault:"10"`

	// Event types clients may subscribe to. New connections start
	// subscribed to all of them.
	EventTypes []string `env:"HUB_EVENT_TYPES" envSeparator:"," envDefault:"cache_metrics,rule_update,template_update,persona_activity,system"`

	// Inbound message rate limiting (per client)
	MessageRate  float64 `env:"HUB_CLIENT_MESSAGE_RATE" envDefault:"10"`
	MessageBurst int     `env:"HUB_CLIENT_MESSAGE_BURST" envDefault:"100"`

	// Transport
	WriteTimeout time.Duration `env:"HUB_WRITE_TIMEOUT" envDefault:"5s"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production containers set
	// environment variables directly.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("HUB_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("HUB_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.BackpressureThreshold <= 0 || c.BackpressureThreshold > 1 {
		return fmt.Errorf("HUB_BACKPRESSURE_THRESHOLD must be in (0,1], got %g", c.BackpressureThreshold)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("HUB_IDLE_TIMEOUT must be > 0, got %s", c.IdleTimeout)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("HUB_CLEANUP_INTERVAL must be > 0, got %s", c.CleanupInterval)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HUB_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.MemoryLimitPerConnMB <= 0 {
		return fmt.Errorf("HUB_MEMORY_LIMIT_PER_CONN_MB must be > 0, got %g", c.MemoryLimitPerConnMB)
	}
	if len(c.EventTypes) == 0 {
		return fmt.Errorf("HUB_EVENT_TYPES must name at least one event type")
	}
	if c.MessageRate <= 0 {
		return fmt.Errorf("HUB_CLIENT_MESSAGE_RATE must be > 0, got %g", c.MessageRate)
	}
	if c.MessageBurst < 1 {
		return fmt.Errorf("HUB_CLIENT_MESSAGE_BURST must be >= 1, got %d", c.MessageBurst)
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

// KnownEventType reports whether the tag is in the configured event-type
// set.
func (c *Config) KnownEventType(tag string) bool {
	for _, t := range c.EventTypes {
		if t == tag {
			return true
		}
	}
	return false
}

// LogConfig logs the configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("nats_url", c.NATSURL).
		Str("nats_subject_prefix", c.NATSSubjectPrefix).
		Int("max_connections", c.MaxConnections).
		Float64("backpressure_threshold", c.BackpressureThreshold).
		Dur("idle_timeout", c.IdleTimeout).
		Dur("cleanup_interval", c.CleanupInterval).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Float64("memory_limit_per_conn_mb", c.MemoryLimitPerConnMB).
		Strs("event_types", c.EventTypes).
		Float64("client_message_rate", c.MessageRate).
		Int("client_message_burst", c.MessageBurst).
		Dur("write_timeout", c.WriteTimeout).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Hub configuration loaded")
}
