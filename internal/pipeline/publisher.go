package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub/v2"

	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// InboundPublisher fans inbound chat messages out to a Pub/Sub topic.
type InboundPublisher struct {
	publish func(ctx context.Context, msg *pubsub.Message) (string, error)
	stop    func()
	logger  *slog.Logger
}

func NewInboundPublisher(client *pubsub.Client, topicID string, logger *slog.Logger) *InboundPublisher {
	publisher := client.Publisher(topicID)
	return &InboundPublisher{
		publish: func(ctx context.Context, msg *pubsub.Message) (string, error) {
			return publisher.Publish(ctx, msg).Get(ctx)
		},
		stop:   publisher.Stop,
		logger: logger.With("component", "InboundPublisher", "topic", topicID),
	}
}

// HandleInbound blocks until Pub/Sub acknowledges the message.
func (p *InboundPublisher) HandleInbound(ctx context.Context, msg dispatch.InboundMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal inbound message: %w", err)
	}

	id, err := p.publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"channel":      msg.Channel,
			"connected_id": msg.ConnectedID,
		},
	})
	if err != nil {
		p.logger.Warn("Failed to publish inbound message", "channel", msg.Channel, "chat_id", msg.ChatID, "err", err)
		return fmt.Errorf("publish inbound message: %w", err)
	}
	p.logger.Debug("Inbound message published", "pubsub_msg_id", id, "chat_id", msg.ChatID)
	return nil
}

// Stop flushes pending publishes.
func (p *InboundPublisher) Stop() {
	if p.stop != nil {
		p.stop()
	}
}
