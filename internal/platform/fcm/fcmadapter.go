// --- File: internal/platform/fcm/fcmadapter.go ---
package fcm

import (
	"context"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
	"google.golang.org/api/option"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

type Adapter struct {
	newClient func(ctx context.Context) (MessagingClient, error)
	logger    *slog.Logger
}

// NewAdapter reads project_id and optional credentials_json. Without credentials the
// application default credentials are used.
func NewAdapter(settings dispatch.SettingsMap, logger *slog.Logger) (*Adapter, error) {
	projectID, err := settings.Require("project_id")
	if err != nil {
		return nil, err
	}
	var opts []option.ClientOption
	if creds := settings.Get("credentials_json", ""); creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	}

	return NewAdapterWithClientFunc(func(ctx context.Context) (MessagingClient, error) {
		app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Firebase App: %w", err)
		}
		client, err := app.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize FCM messaging client: %w", err)
		}
		return client, nil
	}, logger), nil
}

// NewAdapterWithClientFunc lets callers supply the messaging client.
// Note: *messaging.Client automatically satisfies MessagingClient.
func NewAdapterWithClientFunc(newClient func(ctx context.Context) (MessagingClient, error), logger *slog.Logger) *Adapter {
	return &Adapter{
		newClient: newClient,
		logger:    logger.With("component", "FCMAdapter"),
	}
}

func (a *Adapter) Open(ctx context.Context) (dispatch.Conn, error) {
	client, err := a.newClient(ctx)
	if err != nil {
		return nil, &dispatch.ConnectError{Channel: "fcm", Err: err}
	}
	return &conn{client: client, logger: a.logger}, nil
}

type conn struct {
	client MessagingClient
	logger *slog.Logger
}

// Send delivers to a single registration token.
func (c *conn) Send(ctx context.Context, msg dispatch.Message) (dispatch.SendAck, error) {
	id, err := c.client.Send(ctx, &messaging.Message{
		Token: msg.Recipient,
		Data:  msg.CorrelationIDs,
		Notification: &messaging.Notification{
			Title: msg.Subject,
			Body:  msg.Body,
		},
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: msg.Subject,
				Body:  msg.Body,
				Icon:  "/assets/icons/icon-192x192.png",
			},
		},
	})
	if err != nil {
		// The token is garbage; retrying will never help.
		permanent := messaging.IsInvalidArgument(err) || messaging.IsRegistrationTokenNotRegistered(err)
		if permanent {
			c.logger.Debug("FCM rejected token", "err", err)
		}
		return dispatch.SendAck{}, &dispatch.SendError{Recipient: msg.Recipient, Permanent: permanent, Err: err}
	}
	return dispatch.SendAck{ProviderID: id}, nil
}

// Close is a no-op; the messaging client holds no per-worker resources.
func (c *conn) Close() error { return nil }
