// --- File: gatewayservice/config/config.go ---
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-notification-gateway/internal/channels"
)

const (
	BackendFirestore = "firestore"
	BackendMemory    = "memory"
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// DispatchConfig holds the batch defaults applied to every send request.
type DispatchConfig struct {
	MaxBatchSize   int
	ConnectTimeout time.Duration
	ItemTimeout    time.Duration
	BatchTimeout   time.Duration
	CleanupGrace   time.Duration
}

// ChannelLimits overrides a channel's built-in throughput. Zero keeps the default.
type ChannelLimits struct {
	PoolSize   int
	RatePerSec float64
	Capacity   float64
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	TopicID                string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	InboundTopicID         string
	NumPipelineWorkers     int

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig

	// SettingsBackend is firestore or memory. Integrations seeds the memory backend.
	SettingsBackend string
	Integrations    map[string]map[string]map[string]string
	ResumeListeners bool

	Dispatch DispatchConfig
	Channels map[string]ChannelLimits

	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// envOverrides lists every variable that may replace a YAML value. Pointer fields
// distinguish "unset" from a zero value.
type envOverrides struct {
	ProjectID              string   `env:"PROJECT_ID"`
	Port                   string   `env:"PORT"`
	TopicID                string   `env:"TOPIC_ID"`
	SubscriptionID         string   `env:"SUBSCRIPTION_ID"`
	SubscriptionDLQTopicID string   `env:"SUBSCRIPTION_DLQ_TOPIC_ID"`
	InboundTopicID         string   `env:"INBOUND_TOPIC_ID"`
	NumPipelineWorkers     *int     `env:"NUM_PIPELINE_WORKERS"`
	CorsAllowedOrigins     []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	RedisAddr     string         `env:"REDIS_ADDR"`
	RedisPassword string         `env:"REDIS_PASSWORD"`
	RedisDB       *int           `env:"REDIS_DB"`
	RedisEnabled  *bool          `env:"REDIS_ENABLED"`
	RedisTTL      *time.Duration `env:"REDIS_TTL"`

	SettingsBackend string `env:"SETTINGS_BACKEND"`
	ResumeListeners *bool  `env:"RESUME_LISTENERS"`

	MaxBatchSize   *int           `env:"DISPATCH_MAX_BATCH_SIZE"`
	ConnectTimeout *time.Duration `env:"DISPATCH_CONNECT_TIMEOUT"`
	ItemTimeout    *time.Duration `env:"DISPATCH_ITEM_TIMEOUT"`
	BatchTimeout   *time.Duration `env:"DISPATCH_BATCH_TIMEOUT"`
	CleanupGrace   *time.Duration `env:"DISPATCH_CLEANUP_GRACE"`
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	var e envOverrides
	if err := env.Parse(&e); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	// 1. Apply Environment Overrides
	overrideString(logger, "PROJECT_ID", e.ProjectID, &cfg.ProjectID)
	if e.Port != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + e.Port
	}
	overrideString(logger, "TOPIC_ID", e.TopicID, &cfg.TopicID)
	if e.SubscriptionID != "" {
		overrideString(logger, "SUBSCRIPTION_ID", e.SubscriptionID, &cfg.SubscriptionID)
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(e.SubscriptionID)
	}
	overrideString(logger, "SUBSCRIPTION_DLQ_TOPIC_ID", e.SubscriptionDLQTopicID, &cfg.SubscriptionDLQTopicID)
	overrideString(logger, "INBOUND_TOPIC_ID", e.InboundTopicID, &cfg.InboundTopicID)
	if e.NumPipelineWorkers != nil && *e.NumPipelineWorkers > 0 {
		override(logger, "NUM_PIPELINE_WORKERS", e.NumPipelineWorkers, &cfg.NumPipelineWorkers)
	}

	// Redis Overrides
	if e.RedisAddr != "" {
		overrideString(logger, "REDIS_ADDR", e.RedisAddr, &cfg.Redis.Addr)
		cfg.Redis.Enabled = true
	}
	overrideString(logger, "REDIS_PASSWORD", e.RedisPassword, &cfg.Redis.Password)
	override(logger, "REDIS_DB", e.RedisDB, &cfg.Redis.DB)
	override(logger, "REDIS_ENABLED", e.RedisEnabled, &cfg.Redis.Enabled)
	override(logger, "REDIS_TTL", e.RedisTTL, &cfg.Redis.TTL)

	overrideString(logger, "SETTINGS_BACKEND", e.SettingsBackend, &cfg.SettingsBackend)
	override(logger, "RESUME_LISTENERS", e.ResumeListeners, &cfg.ResumeListeners)

	// Dispatch Overrides
	override(logger, "DISPATCH_MAX_BATCH_SIZE", e.MaxBatchSize, &cfg.Dispatch.MaxBatchSize)
	override(logger, "DISPATCH_CONNECT_TIMEOUT", e.ConnectTimeout, &cfg.Dispatch.ConnectTimeout)
	override(logger, "DISPATCH_ITEM_TIMEOUT", e.ItemTimeout, &cfg.Dispatch.ItemTimeout)
	override(logger, "DISPATCH_BATCH_TIMEOUT", e.BatchTimeout, &cfg.Dispatch.BatchTimeout)
	override(logger, "DISPATCH_CLEANUP_GRACE", e.CleanupGrace, &cfg.Dispatch.CleanupGrace)

	// CORS Overrides
	if len(e.CorsAllowedOrigins) > 0 {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		var cleanOrigins []string
		for _, o := range e.CorsAllowedOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	if err := validate(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.ProjectID == "" {
		return fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}

	cfg.SettingsBackend = strings.ToLower(cfg.SettingsBackend)
	switch cfg.SettingsBackend {
	case "":
		cfg.SettingsBackend = BackendFirestore
	case BackendFirestore, BackendMemory:
	default:
		return fmt.Errorf("settings_backend must be %q or %q, got %q", BackendFirestore, BackendMemory, cfg.SettingsBackend)
	}

	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	for name, limits := range cfg.Channels {
		if _, err := channels.Parse(name); err != nil {
			return fmt.Errorf("channels: %w", err)
		}
		if limits.PoolSize < 0 || limits.RatePerSec < 0 || limits.Capacity < 0 {
			return fmt.Errorf("channels.%s: limits must not be negative", name)
		}
		// Zero keeps the built-in capacity; anything else must hold at least one send.
		if limits.Capacity > 0 && limits.Capacity < 1 {
			return fmt.Errorf("channels.%s: capacity %g must be at least 1", name, limits.Capacity)
		}
	}
	for integration := range cfg.Integrations {
		if _, err := channels.Parse(integration); err != nil {
			return fmt.Errorf("integrations: %w", err)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 10 * time.Minute
	}
	if cfg.Dispatch.MaxBatchSize <= 0 {
		cfg.Dispatch.MaxBatchSize = 500
	}
	if cfg.Dispatch.ConnectTimeout <= 0 {
		cfg.Dispatch.ConnectTimeout = 10 * time.Second
	}
	if cfg.Dispatch.ItemTimeout <= 0 {
		cfg.Dispatch.ItemTimeout = 15 * time.Second
	}
	if cfg.Dispatch.BatchTimeout <= 0 {
		cfg.Dispatch.BatchTimeout = 2 * time.Minute
	}
	if cfg.Dispatch.CleanupGrace <= 0 {
		cfg.Dispatch.CleanupGrace = 5 * time.Second
	}
	if cfg.PubsubConsumerConfig == nil {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}
}

func overrideString(logger *slog.Logger, key, val string, dst *string) {
	if val == "" {
		return
	}
	logger.Debug("Overriding config value", "key", key, "source", "env")
	*dst = val
}

func override[T any](logger *slog.Logger, key string, val *T, dst *T) {
	if val == nil {
		return
	}
	logger.Debug("Overriding config value", "key", key, "source", "env")
	*dst = *val
}
