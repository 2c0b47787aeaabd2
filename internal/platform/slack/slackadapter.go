// Package slack posts messages to Slack channels with a bot token.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// permanentErrors are Slack error codes that will fail again on retry.
var permanentErrors = map[string]bool{
	"channel_not_found": true,
	"not_in_channel":    true,
	"is_archived":       true,
	"msg_too_long":      true,
	"no_text":           true,
	"user_not_found":    true,
}

type Adapter struct {
	token  string
	apiURL string
	logger *slog.Logger
}

func NewAdapter(settings dispatch.SettingsMap, logger *slog.Logger) (*Adapter, error) {
	token, err := settings.Require("bot_token")
	if err != nil {
		return nil, err
	}
	apiURL := settings.Get("api_url", "")
	if apiURL != "" && !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}
	return &Adapter{token: token, apiURL: apiURL, logger: logger.With("component", "SlackAdapter")}, nil
}

func (a *Adapter) client() *slack.Client {
	var opts []slack.Option
	if a.apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(a.apiURL))
	}
	return slack.New(a.token, opts...)
}

// Open runs auth.test so revoked tokens fail the worker before any send.
func (a *Adapter) Open(ctx context.Context) (dispatch.Conn, error) {
	client := a.client()
	auth, err := client.AuthTestContext(ctx)
	if err != nil {
		return nil, &dispatch.ConnectError{Channel: "slack", Err: fmt.Errorf("auth.test: %w", err)}
	}
	a.logger.Debug("Slack token verified", "team", auth.Team, "bot_user", auth.User)
	return &conn{client: client}, nil
}

type conn struct {
	client *slack.Client
}

// Send posts to a channel id (or a user id for a DM).
func (c *conn) Send(ctx context.Context, msg dispatch.Message) (dispatch.SendAck, error) {
	text := msg.Body
	if msg.Subject != "" {
		text = fmt.Sprintf("*%s*\n%s", msg.Subject, msg.Body)
	}
	channel, ts, err := c.client.PostMessageContext(ctx, msg.Recipient, slack.MsgOptionText(text, false))
	if err != nil {
		var slackErr slack.SlackErrorResponse
		permanent := errors.As(err, &slackErr) && permanentErrors[slackErr.Err]
		return dispatch.SendAck{}, &dispatch.SendError{Recipient: msg.Recipient, Permanent: permanent, Err: err}
	}
	return dispatch.SendAck{ProviderID: channel + ":" + ts}, nil
}

func (c *conn) Close() error { return nil }
