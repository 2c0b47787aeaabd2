// --- File: internal/platform/apns/apnsadapter.go ---
// Package apns delivers messages through the Apple Push Notification Service.
package apns

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	Push(n *apns2.Notification) (*apns2.Response, error)
}

// clientFactory builds one client per worker connection. The returned func releases
// the client's pooled HTTP/2 connections.
type clientFactory func() (APNSClient, func())

// Adapter is bound to one Apple developer key.
type Adapter struct {
	topic     string
	newClient clientFactory
	logger    *slog.Logger
}

// NewAdapter reads key_id, team_id, bundle_id, p8_key and environment from settings.
// It parses the P8 key immediately to fail fast if credentials are bad.
func NewAdapter(settings dispatch.SettingsMap, logger *slog.Logger) (*Adapter, error) {
	var creds [4]string
	for i, key := range []string{"key_id", "team_id", "bundle_id", "p8_key"} {
		v, err := settings.Require(key)
		if err != nil {
			return nil, err
		}
		creds[i] = v
	}

	authKey, err := token.AuthKeyFromBytes([]byte(creds[3]))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}
	tokenSource := &token.Token{
		AuthKey: authKey,
		KeyID:   creds[0],
		TeamID:  creds[1],
	}

	env := settings.Get("environment", "production")
	if env != "production" && env != "development" {
		return nil, fmt.Errorf("apns environment must be production or development, got %q", env)
	}

	return &Adapter{
		topic: creds[2],
		newClient: func() (APNSClient, func()) {
			client := apns2.NewTokenClient(tokenSource)
			if env == "development" {
				client = client.Development()
			} else {
				client = client.Production()
			}
			return client, client.HTTPClient.CloseIdleConnections
		},
		logger: logger.With("component", "APNSAdapter"),
	}, nil
}

// Open gives each worker its own HTTP/2 client. APNs needs no handshake before the first push.
func (a *Adapter) Open(_ context.Context) (dispatch.Conn, error) {
	client, release := a.newClient()
	return &conn{client: client, release: release, topic: a.topic, logger: a.logger}, nil
}

type conn struct {
	client  APNSClient
	release func()
	topic   string
	logger  *slog.Logger
}

// Send pushes one notification; the recipient is the device token.
func (c *conn) Send(_ context.Context, msg dispatch.Message) (dispatch.SendAck, error) {
	builder := payload.NewPayload().
		AlertTitle(msg.Subject).
		AlertBody(msg.Body).
		Sound("default")
	for k, v := range msg.CorrelationIDs {
		builder.Custom(k, v)
	}

	res, err := c.client.Push(&apns2.Notification{
		DeviceToken: msg.Recipient,
		Topic:       c.topic,
		Payload:     builder,
	})
	if err != nil {
		return dispatch.SendAck{}, &dispatch.SendError{Recipient: msg.Recipient, Err: fmt.Errorf("apns transport failed: %w", err)}
	}
	if res.Sent() {
		return dispatch.SendAck{ProviderID: res.ApnsID}, nil
	}

	// See: https://developer.apple.com/documentation/usernotifications/handling-notification-responses-from-apns
	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return dispatch.SendAck{}, &dispatch.SendError{
			Recipient: msg.Recipient,
			Permanent: true,
			Err:       fmt.Errorf("apns rejected device token: %s", res.Reason),
		}
	default:
		c.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
		return dispatch.SendAck{}, &dispatch.SendError{
			Recipient: msg.Recipient,
			Err:       fmt.Errorf("apns rejected notification: %d %s", res.StatusCode, res.Reason),
		}
	}
}

func (c *conn) Close() error {
	if c.release != nil {
		c.release()
	}
	return nil
}
