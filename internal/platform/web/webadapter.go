package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// Adapter signs Web Push requests with one VAPID key pair.
type Adapter struct {
	subscriber string
	privateKey string
	publicKey  string
	ttl        int
	logger     *slog.Logger
}

func NewAdapter(settings dispatch.SettingsMap, logger *slog.Logger) (*Adapter, error) {
	publicKey, err := settings.Require("vapid_public_key")
	if err != nil {
		return nil, err
	}
	privateKey, err := settings.Require("vapid_private_key")
	if err != nil {
		return nil, err
	}
	subscriber, err := settings.Require("subscriber")
	if err != nil {
		return nil, err
	}
	ttl, err := settings.Int("ttl", 60)
	if err != nil {
		return nil, err
	}

	return &Adapter{
		privateKey: privateKey,
		publicKey:  publicKey,
		subscriber: subscriber,
		ttl:        ttl,
		logger:     logger.With("component", "WebPushAdapter"),
	}, nil
}

func (a *Adapter) Open(_ context.Context) (dispatch.Conn, error) {
	return &conn{adapter: a, httpClient: &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}}, nil
}

type conn struct {
	adapter    *Adapter
	httpClient *http.Client
}

// Send expects the recipient to be the browser's PushSubscription JSON.
func (c *conn) Send(ctx context.Context, msg dispatch.Message) (dispatch.SendAck, error) {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(msg.Recipient), &sub); err != nil || sub.Endpoint == "" {
		return dispatch.SendAck{}, &dispatch.SendError{
			Recipient: msg.Recipient,
			Permanent: true,
			Err:       fmt.Errorf("recipient is not a push subscription: %v", err),
		}
	}

	payloadBytes, err := json.Marshal(map[string]interface{}{
		"notification": map[string]string{
			"title": msg.Subject,
			"body":  msg.Body,
		},
		"data": msg.CorrelationIDs,
	})
	if err != nil {
		return dispatch.SendAck{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payloadBytes, &sub, &webpush.Options{
		Subscriber:      c.adapter.subscriber,
		VAPIDPublicKey:  c.adapter.publicKey,
		VAPIDPrivateKey: c.adapter.privateKey,
		TTL:             c.adapter.ttl,
		HTTPClient:      c.httpClient,
	})
	if err != nil {
		return dispatch.SendAck{}, &dispatch.SendError{Recipient: sub.Endpoint, Err: fmt.Errorf("webpush transport error: %w", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		return dispatch.SendAck{ProviderID: resp.Header.Get("Location")}, nil
	case http.StatusGone, http.StatusNotFound:
		// The subscription is dead and should be removed by the caller.
		return dispatch.SendAck{}, &dispatch.SendError{
			Recipient: sub.Endpoint,
			Permanent: true,
			Err:       fmt.Errorf("subscription expired: status %d", resp.StatusCode),
		}
	default:
		c.adapter.logger.Warn("WebPush rejected", "status", resp.StatusCode, "endpoint", sub.Endpoint)
		return dispatch.SendAck{}, &dispatch.SendError{
			Recipient: sub.Endpoint,
			Err:       fmt.Errorf("push service rejected notification: status %d", resp.StatusCode),
		}
	}
}

func (c *conn) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
