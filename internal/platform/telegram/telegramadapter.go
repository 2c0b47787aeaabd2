// Package telegram sends messages through the Telegram Bot API and long-polls bots for
// inbound messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

const channelName = "telegram"

// Adapter is bound to one bot token.
type Adapter struct {
	token       string
	apiURL      string
	pollTimeout int
	logger      *slog.Logger
}

func NewAdapter(settings dispatch.SettingsMap, logger *slog.Logger) (*Adapter, error) {
	token, err := settings.Require("bot_token")
	if err != nil {
		return nil, err
	}
	pollTimeout, err := settings.Int("poll_timeout_seconds", 10)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		token:       token,
		apiURL:      settings.Get("api_url", ""),
		pollTimeout: pollTimeout,
		logger:      logger.With("component", "TelegramAdapter"),
	}
	// Validate the token format now so a bad token is a setup failure.
	if _, err := a.newBot(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) newBot() (*telego.Bot, error) {
	opts := []telego.BotOption{telego.WithDiscardLogger()}
	if a.apiURL != "" {
		opts = append(opts, telego.WithAPIServer(a.apiURL))
	}
	bot, err := telego.NewBot(a.token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return bot, nil
}

// Open checks the token with getMe before the worker starts sending.
func (a *Adapter) Open(ctx context.Context) (dispatch.Conn, error) {
	bot, err := a.newBot()
	if err != nil {
		return nil, &dispatch.ConnectError{Channel: channelName, Err: err}
	}
	me, err := bot.GetMe(ctx)
	if err != nil {
		return nil, &dispatch.ConnectError{Channel: channelName, Err: fmt.Errorf("getMe: %w", err)}
	}
	a.logger.Debug("Bot authenticated", "bot", me.Username)
	return &conn{bot: bot}, nil
}

type conn struct {
	bot *telego.Bot
}

func (c *conn) Send(ctx context.Context, msg dispatch.Message) (dispatch.SendAck, error) {
	chatID, err := parseChatID(msg.Recipient)
	if err != nil {
		return dispatch.SendAck{}, &dispatch.SendError{Recipient: msg.Recipient, Permanent: true, Err: err}
	}
	sent, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: chatID,
		Text:   msg.Body,
	})
	if err != nil {
		var apiErr *telegoapi.Error
		permanent := errors.As(err, &apiErr) && (apiErr.ErrorCode == 400 || apiErr.ErrorCode == 403)
		return dispatch.SendAck{}, &dispatch.SendError{Recipient: msg.Recipient, Permanent: permanent, Err: err}
	}
	return dispatch.SendAck{ProviderID: strconv.Itoa(sent.MessageID)}, nil
}

// Close is a no-op; the bot keeps no per-worker session.
func (c *conn) Close() error { return nil }

// parseChatID accepts a numeric chat id or a public channel username.
func parseChatID(recipient string) (telego.ChatID, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return telego.ChatID{}, errors.New("empty chat id")
	}
	if id, err := strconv.ParseInt(recipient, 10, 64); err == nil {
		return telego.ChatID{ID: id}, nil
	}
	if !strings.HasPrefix(recipient, "@") {
		recipient = "@" + recipient
	}
	return telego.ChatID{Username: recipient}, nil
}

// NewListener builds a long-polling listener that forwards text messages to handler.
func (a *Adapter) NewListener(connectedID string, handler dispatch.InboundHandler) (dispatch.Listener, error) {
	if handler == nil {
		return nil, errors.New("telegram listener needs an inbound handler")
	}
	return &listener{
		adapter:     a,
		connectedID: connectedID,
		handler:     handler,
		logger:      a.logger.With("connected_id", connectedID),
	}, nil
}

type listener struct {
	adapter     *Adapter
	connectedID string
	handler     dispatch.InboundHandler
	logger      *slog.Logger
}

// Run polls until ctx is cancelled or polling cannot start.
func (l *listener) Run(ctx context.Context) error {
	bot, err := l.adapter.newBot()
	if err != nil {
		return err
	}
	updates, err := bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        l.adapter.pollTimeout,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}
	l.logger.Info("Long polling started")

	for {
		select {
		case <-ctx.Done():
			// Polling stops on cancellation; wait for the channel to close so the
			// in-flight getUpdates request is finished before we report stopped.
			for range updates {
			}
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return ctx.Err()
			}
			l.forward(ctx, update)
		}
	}
}

func (l *listener) forward(ctx context.Context, update telego.Update) {
	m := update.Message
	if m == nil || m.Text == "" {
		return
	}
	in := dispatch.InboundMessage{
		Channel:     channelName,
		ConnectedID: l.connectedID,
		ChatID:      strconv.FormatInt(m.Chat.ID, 10),
		Text:        m.Text,
		ReceivedAt:  time.Unix(m.Date, 0).UTC(),
	}
	if m.From != nil {
		in.SenderID = strconv.FormatInt(m.From.ID, 10)
		in.SenderName = m.From.Username
		if in.SenderName == "" {
			in.SenderName = m.From.FirstName
		}
	}
	if err := l.handler.HandleInbound(ctx, in); err != nil {
		l.logger.Warn("Inbound handler failed", "chat_id", in.ChatID, "err", err)
	}
}
