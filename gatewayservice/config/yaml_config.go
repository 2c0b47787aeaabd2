// --- File: gatewayservice/config/yaml_config.go ---
package config

import (
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Enabled  bool          `yaml:"enabled"`
	TTL      time.Duration `yaml:"ttl"`
}

type YamlDispatchConfig struct {
	MaxBatchSize   int           `yaml:"max_batch_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ItemTimeout    time.Duration `yaml:"item_timeout"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	CleanupGrace   time.Duration `yaml:"cleanup_grace"`
}

type YamlChannelConfig struct {
	PoolSize   int     `yaml:"pool_size"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	Capacity   float64 `yaml:"capacity"`
}

type YamlSettingsConfig struct {
	Backend         string `yaml:"backend"`
	ResumeListeners bool   `yaml:"resume_listeners"`
	// Integrations is channel -> connected id -> settings, used by the memory backend.
	Integrations map[string]map[string]map[string]string `yaml:"integrations"`
}

// YamlConfig is the structure that mirrors the raw local.yaml file.
type YamlConfig struct {
	ProjectID              string                       `yaml:"project_id"`
	ListenAddr             string                       `yaml:"listen_addr"`
	TopicID                string                       `yaml:"topic_id"`
	SubscriptionID         string                       `yaml:"subscription_id"`
	SubscriptionDLQTopicID string                       `yaml:"subscription_dlq_topic_id"`
	InboundTopicID         string                       `yaml:"inbound_topic_id"`
	NumPipelineWorkers     int                          `yaml:"num_pipeline_workers"`
	CorsConfig             YamlCorsConfig               `yaml:"cors"`
	RedisConfig            YamlRedisConfig              `yaml:"redis"`
	Settings               YamlSettingsConfig           `yaml:"settings"`
	Dispatch               YamlDispatchConfig           `yaml:"dispatch"`
	Channels               map[string]YamlChannelConfig `yaml:"channels"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:      baseCfg.ProjectID,
		ListenAddr:     baseCfg.ListenAddr,
		TopicID:        baseCfg.TopicID,
		SubscriptionID: baseCfg.SubscriptionID,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
			TTL:      baseCfg.RedisConfig.TTL,
		},
		SettingsBackend: baseCfg.Settings.Backend,
		Integrations:    baseCfg.Settings.Integrations,
		ResumeListeners: baseCfg.Settings.ResumeListeners,
		Dispatch: DispatchConfig{
			MaxBatchSize:   baseCfg.Dispatch.MaxBatchSize,
			ConnectTimeout: baseCfg.Dispatch.ConnectTimeout,
			ItemTimeout:    baseCfg.Dispatch.ItemTimeout,
			BatchTimeout:   baseCfg.Dispatch.BatchTimeout,
			CleanupGrace:   baseCfg.Dispatch.CleanupGrace,
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		InboundTopicID:         baseCfg.InboundTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if len(baseCfg.Channels) > 0 {
		cfg.Channels = make(map[string]ChannelLimits, len(baseCfg.Channels))
		for name, c := range baseCfg.Channels {
			cfg.Channels[name] = ChannelLimits{PoolSize: c.PoolSize, RatePerSec: c.RatePerSec, Capacity: c.Capacity}
		}
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"settings_backend", cfg.SettingsBackend,
	)

	return cfg, nil
}
