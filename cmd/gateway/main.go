// --- File: cmd/gateway/main.go ---
package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-notification-gateway/gatewayservice"
	"github.com/tinywideclouds/go-notification-gateway/gatewayservice/config"
	"github.com/tinywideclouds/go-notification-gateway/internal/actions"
	"github.com/tinywideclouds/go-notification-gateway/internal/batch"
	"github.com/tinywideclouds/go-notification-gateway/internal/channels"
	"github.com/tinywideclouds/go-notification-gateway/internal/pipeline"
	"github.com/tinywideclouds/go-notification-gateway/internal/ratelimit"
	"github.com/tinywideclouds/go-notification-gateway/internal/session"
	"github.com/tinywideclouds/go-notification-gateway/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-notification-gateway/internal/storage/firestore"
	"github.com/tinywideclouds/go-notification-gateway/internal/storage/memory"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-notification-gateway")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, _ := config.NewConfigFromYaml(&yamlCfg, logger)
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Infrastructure Clients ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("PubSub client failed", "err", err)
		os.Exit(1)
	}
	defer psClient.Close()

	// --- Settings Store (Decorated) ---
	settingsStore, closeStore, err := newSettingsStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Settings store failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	// --- Inbound fan-out ---
	var inbound dispatch.InboundHandler = dispatch.InboundHandlerFunc(func(_ context.Context, msg dispatch.InboundMessage) error {
		logger.Info("Inbound message dropped: no inbound topic configured", "channel", msg.Channel, "chat_id", msg.ChatID)
		return nil
	})
	if cfg.InboundTopicID != "" {
		publisher := pipeline.NewInboundPublisher(psClient, cfg.InboundTopicID, logger)
		defer publisher.Stop()
		inbound = publisher
	}

	// --- Dispatch core ---
	registry := channels.NewRegistry()
	for name, limits := range cfg.Channels {
		ch, _ := channels.Parse(name)
		if err := registry.Override(ch, channels.Limits(limits)); err != nil {
			logger.Error("Invalid channel limits", "channel", name, "err", err)
			os.Exit(1)
		}
	}

	limiter := ratelimit.NewRegistry(logger)
	router := actions.NewRouter(
		registry,
		settingsStore,
		batch.NewDispatcher(limiter, logger),
		session.NewManager(logger),
		inbound,
		actions.Config{
			MaxBatchSize:   cfg.Dispatch.MaxBatchSize,
			ConnectTimeout: cfg.Dispatch.ConnectTimeout,
			ItemTimeout:    cfg.Dispatch.ItemTimeout,
			BatchTimeout:   cfg.Dispatch.BatchTimeout,
			CleanupGrace:   cfg.Dispatch.CleanupGrace,
		},
		logger,
	)

	// --- Auth ---
	identityURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	if err != nil {
		logger.Error("JWT discovery failed", "identity_url", identityURL, "err", err)
		os.Exit(1)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		logger.Error("Auth middleware failed", "err", err)
		os.Exit(1)
	}

	// --- Consumer & Service ---
	consumer, err := newIngestionConsumer(ctx, cfg, psClient, logger)
	if err != nil {
		logger.Error("Ingestion consumer failed", "err", err)
		os.Exit(1)
	}

	service, err := gatewayservice.New(cfg, consumer, router, settingsStore, authMiddleware, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting service...")
		errCh <- service.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Service shutdown with error", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", "err", err)
		}
	}
}

// newSettingsStore builds the origin store and decorates it with a cache: Redis when
// enabled, otherwise an in-process TTL cache in front of Firestore.
func newSettingsStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dispatch.SettingsStore, func(), error) {
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var store dispatch.SettingsStore
	switch cfg.SettingsBackend {
	case config.BackendMemory:
		store = memory.NewStore(cfg.Integrations)
		logger.Info("SettingsStore initialized", "type", "memory", "integrations", len(cfg.Integrations))
	default:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, closeAll, fmt.Errorf("firestore client: %w", err)
		}
		closers = append(closers, func() { _ = fsClient.Close() })
		store = fsStore.NewSettingsStore(fsClient)
		logger.Info("SettingsStore initialized", "type", "firestore")
	}

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		logger.Info("SettingsStore upgraded", "type", "redis_cached_"+cfg.SettingsBackend)
		return cache.NewCachedSettingsStore(store, redisClient, cfg.Redis.TTL, logger), closeAll, nil
	}

	if cfg.SettingsBackend == config.BackendFirestore {
		logger.Info("SettingsStore upgraded", "type", "memory_cached_firestore")
		return cache.NewCachedSettingsStore(store, memory.NewTTLCache(), cfg.Redis.TTL, logger), closeAll, nil
	}
	return store, closeAll, nil
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              topicID,
		AckDeadlineSeconds: 60,
	}
	if cfg.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(cfg.PubsubConsumerConfig, psClient, logger)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
