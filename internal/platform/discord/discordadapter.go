// Package discord posts messages to Discord channels over the REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// Session is the subset of *discordgo.Session we use.
type Session interface {
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type SessionFunc func() (Session, func(), error)

type Adapter struct {
	newSession SessionFunc
	logger     *slog.Logger
}

func NewAdapter(settings dispatch.SettingsMap, logger *slog.Logger) (*Adapter, error) {
	token, err := settings.Require("bot_token")
	if err != nil {
		return nil, err
	}
	return NewAdapterWithSessionFunc(func() (Session, func(), error) {
		s, err := discordgo.New("Bot " + token)
		if err != nil {
			return nil, nil, err
		}
		s.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
		return s, s.Client.CloseIdleConnections, nil
	}, logger), nil
}

func NewAdapterWithSessionFunc(newSession SessionFunc, logger *slog.Logger) *Adapter {
	return &Adapter{newSession: newSession, logger: logger.With("component", "DiscordAdapter")}
}

// Open builds a REST session and checks the token by fetching the bot user.
func (a *Adapter) Open(ctx context.Context) (dispatch.Conn, error) {
	s, release, err := a.newSession()
	if err != nil {
		return nil, &dispatch.ConnectError{Channel: "discord", Err: err}
	}
	me, err := s.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		if release != nil {
			release()
		}
		return nil, &dispatch.ConnectError{Channel: "discord", Err: fmt.Errorf("fetch bot user: %w", err)}
	}
	a.logger.Debug("Discord token verified", "bot", me.Username)
	return &conn{session: s, release: release}, nil
}

type conn struct {
	session Session
	release func()
}

func (c *conn) Send(ctx context.Context, msg dispatch.Message) (dispatch.SendAck, error) {
	content := msg.Body
	if msg.Subject != "" {
		content = fmt.Sprintf("**%s**\n%s", msg.Subject, msg.Body)
	}
	sent, err := c.session.ChannelMessageSend(msg.Recipient, content, discordgo.WithContext(ctx))
	if err != nil {
		var restErr *discordgo.RESTError
		permanent := false
		if errors.As(err, &restErr) && restErr.Response != nil {
			switch restErr.Response.StatusCode {
			case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
				permanent = true
			}
		}
		return dispatch.SendAck{}, &dispatch.SendError{Recipient: msg.Recipient, Permanent: permanent, Err: err}
	}
	return dispatch.SendAck{ProviderID: sent.ID}, nil
}

func (c *conn) Close() error {
	if c.release != nil {
		c.release()
	}
	return nil
}
