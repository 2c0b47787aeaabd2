// --- File: gatewayservice/service_integration_test.go ---
//go:build integration

package gatewayservice_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tinywideclouds/go-notification-gateway/gatewayservice"
	"github.com/tinywideclouds/go-notification-gateway/gatewayservice/config"
	"github.com/tinywideclouds/go-notification-gateway/internal/actions"
	"github.com/tinywideclouds/go-notification-gateway/internal/batch"
	"github.com/tinywideclouds/go-notification-gateway/internal/channels"
	"github.com/tinywideclouds/go-notification-gateway/internal/ratelimit"
	"github.com/tinywideclouds/go-notification-gateway/internal/session"
	"github.com/tinywideclouds/go-notification-gateway/internal/storage/memory"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// --- Fakes ---

// recordingAdapter stands in for a real channel transport.
type recordingAdapter struct {
	mu         sync.Mutex
	recipients []string
}

func (a *recordingAdapter) Open(context.Context) (dispatch.Conn, error) { return a, nil }

func (a *recordingAdapter) Send(_ context.Context, msg dispatch.Message) (dispatch.SendAck, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recipients = append(a.recipients, msg.Recipient)
	return dispatch.SendAck{ProviderID: "fake-" + msg.Recipient}, nil
}

func (a *recordingAdapter) Close() error { return nil }

func (a *recordingAdapter) Recipients() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.recipients...)
}

// newTestService wires the real router over a memory store with the sms channel faked.
func newTestService(t *testing.T, cfg *config.Config, consumer messagepipeline.MessageConsumer, logger *slog.Logger) (*gatewayservice.Wrapper, *recordingAdapter) {
	t.Helper()
	adapter := &recordingAdapter{}

	registry := channels.NewRegistry()
	registry.Register(channels.SMS, channels.Spec{
		Factory: func(dispatch.SettingsMap, *slog.Logger) (dispatch.Adapter, error) { return adapter, nil },
		PoolSize: 2, RatePerSec: 100, Capacity: 100,
	})

	store := memory.NewStore(map[string]map[string]map[string]string{
		"sms": {"acct-1": {"api_key": "k"}},
	})
	router := actions.NewRouter(
		registry,
		store,
		batch.NewDispatcher(ratelimit.NewRegistry(logger), logger),
		session.NewManager(logger),
		dispatch.InboundHandlerFunc(func(context.Context, dispatch.InboundMessage) error { return nil }),
		actions.Config{MaxBatchSize: 10},
		logger,
	)

	svc, err := gatewayservice.New(cfg, consumer, router, store, func(h http.Handler) http.Handler { return h }, logger)
	require.NoError(t, err)
	return svc, adapter
}

// --- TEST ---

func TestGatewayService_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	projectID := "test-project-integ"

	pubsubConn := emulators.SetupPubsubEmulator(t, ctx, emulators.GetDefaultPubsubConfig(projectID))
	psClient, err := pubsub.NewClient(ctx, projectID, pubsubConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = psClient.Close() })

	t.Run("Full Lifecycle: Publish -> Route -> Dispatch", func(t *testing.T) {
		topicID := "dispatch-success-" + uuid.NewString()
		subID := topicID + "-sub"
		createPubsubResources(t, ctx, psClient, projectID, topicID, subID)

		consumerCfg := *messagepipeline.NewGooglePubsubConsumerDefaults(subID)
		consumer, err := messagepipeline.NewGooglePubsubConsumer(&consumerCfg, psClient, logger)
		require.NoError(t, err)

		svc, adapter := newTestService(t, &config.Config{ListenAddr: ":0", NumPipelineWorkers: 2}, consumer, logger)

		svcCtx, svcCancel := context.WithCancel(ctx)
		defer svcCancel()
		go func() { _ = svc.Start(svcCtx) }()
		t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

		req := actions.Request{
			Action:      actions.SendMessages,
			Channel:     "sms",
			ConnectedID: "acct-1",
			Messages: []dispatch.Message{
				{Recipient: "+15550100", Body: "one"},
				{Recipient: "+15550101", Body: "two"},
			},
		}
		payload, _ := json.Marshal(req)
		_, err = psClient.Publisher(topicID).Publish(ctx, &pubsub.Message{Data: payload}).Get(ctx)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return len(adapter.Recipients()) == 2
		}, 10*time.Second, 100*time.Millisecond)
		assert.ElementsMatch(t, []string{"+15550100", "+15550101"}, adapter.Recipients())
	})
}

func createPubsubResources(t *testing.T, ctx context.Context, client *pubsub.Client, projectID, topicID, subID string) {
	t.Helper()
	topicName := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.TopicAdminClient.DeleteTopic(context.Background(), &pubsubpb.DeleteTopicRequest{Topic: topicName})
	})

	subName := fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID)
	sub := &pubsubpb.Subscription{
		Name:               subName,
		Topic:              topicName,
		AckDeadlineSeconds: 10,
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: &durationpb.Duration{Seconds: 1},
		},
	}
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, sub)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.SubscriptionAdminClient.DeleteSubscription(context.Background(), &pubsubpb.DeleteSubscriptionRequest{Subscription: subName})
	})
}
