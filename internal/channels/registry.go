// Package channels maps the closed set of outbound channels to their adapter factories,
// optional inbound listeners and default throughput limits.
package channels

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tinywideclouds/go-notification-gateway/internal/platform/apns"
	"github.com/tinywideclouds/go-notification-gateway/internal/platform/discord"
	"github.com/tinywideclouds/go-notification-gateway/internal/platform/fcm"
	"github.com/tinywideclouds/go-notification-gateway/internal/platform/ses"
	"github.com/tinywideclouds/go-notification-gateway/internal/platform/slack"
	"github.com/tinywideclouds/go-notification-gateway/internal/platform/sms"
	"github.com/tinywideclouds/go-notification-gateway/internal/platform/smtp"
	"github.com/tinywideclouds/go-notification-gateway/internal/platform/telegram"
	"github.com/tinywideclouds/go-notification-gateway/internal/platform/web"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

type Channel string

const (
	SMTP     Channel = "smtp"
	SES      Channel = "ses"
	SMS      Channel = "sms"
	Telegram Channel = "telegram"
	Slack    Channel = "slack"
	Discord  Channel = "discord"
	FCM      Channel = "fcm"
	APNS     Channel = "apns"
	WebPush  Channel = "webpush"
)

var all = []Channel{SMTP, SES, SMS, Telegram, Slack, Discord, FCM, APNS, WebPush}

// Parse accepts a channel name case-insensitively.
func Parse(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range all {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", dispatch.ErrUnknownChannel, s)
}

// IntegrationKey is the settings namespace for the channel.
func (c Channel) IntegrationKey() string { return string(c) }

// RateKey identifies the token bucket shared by every batch sent with one credential.
func RateKey(c Channel, connectedID string) string {
	return string(c) + ":" + connectedID
}

// SessionKey identifies the listener session of one connected credential.
func SessionKey(c Channel, connectedID string) string {
	return string(c) + ":" + connectedID
}

// ListenerBuilder binds an inbound listener to one connected credential.
type ListenerBuilder func(settings dispatch.SettingsMap, connectedID string, handler dispatch.InboundHandler, logger *slog.Logger) (dispatch.Listener, error)

// Spec is everything the gateway needs to drive one channel.
type Spec struct {
	Factory dispatch.AdapterFactory
	// Listener is nil for send-only channels.
	Listener   ListenerBuilder
	PoolSize   int
	RatePerSec float64
	Capacity   float64
}

// Limits overrides the throughput defaults of a channel. Zero fields keep the default.
type Limits struct {
	PoolSize   int
	RatePerSec float64
	Capacity   float64
}

// Registry is built once at startup and read concurrently afterwards.
type Registry struct {
	specs map[Channel]Spec
}

func adapterFactory[A dispatch.Adapter](build func(dispatch.SettingsMap, *slog.Logger) (A, error)) dispatch.AdapterFactory {
	return func(settings dispatch.SettingsMap, logger *slog.Logger) (dispatch.Adapter, error) {
		a, err := build(settings, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}

func telegramListener(settings dispatch.SettingsMap, connectedID string, handler dispatch.InboundHandler, logger *slog.Logger) (dispatch.Listener, error) {
	a, err := telegram.NewAdapter(settings, logger)
	if err != nil {
		return nil, err
	}
	return a.NewListener(connectedID, handler)
}

// NewRegistry returns the built-in channels with their provider-documented default limits.
func NewRegistry() *Registry {
	return &Registry{specs: map[Channel]Spec{
		SMTP:     {Factory: adapterFactory(smtp.NewAdapter), PoolSize: 4, RatePerSec: 10, Capacity: 10},
		SES:      {Factory: adapterFactory(ses.NewAdapter), PoolSize: 8, RatePerSec: 14, Capacity: 14},
		SMS:      {Factory: adapterFactory(sms.NewAdapter), PoolSize: 4, RatePerSec: 10, Capacity: 10},
		Telegram: {Factory: adapterFactory(telegram.NewAdapter), Listener: telegramListener, PoolSize: 4, RatePerSec: 30, Capacity: 30},
		Slack:    {Factory: adapterFactory(slack.NewAdapter), PoolSize: 2, RatePerSec: 1, Capacity: 3},
		Discord:  {Factory: adapterFactory(discord.NewAdapter), PoolSize: 2, RatePerSec: 5, Capacity: 5},
		FCM:      {Factory: adapterFactory(fcm.NewAdapter), PoolSize: 8, RatePerSec: 500, Capacity: 500},
		APNS:     {Factory: adapterFactory(apns.NewAdapter), PoolSize: 8, RatePerSec: 500, Capacity: 500},
		WebPush:  {Factory: adapterFactory(web.NewAdapter), PoolSize: 8, RatePerSec: 100, Capacity: 100},
	}}
}

func (r *Registry) Lookup(c Channel) (Spec, error) {
	spec, ok := r.specs[c]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", dispatch.ErrUnknownChannel, c)
	}
	return spec, nil
}

// Register replaces the spec of a channel. Only call it before the registry is shared.
func (r *Registry) Register(c Channel, spec Spec) {
	r.specs[c] = spec
}

// Override applies configured limits to a built-in channel.
func (r *Registry) Override(c Channel, l Limits) error {
	spec, err := r.Lookup(c)
	if err != nil {
		return err
	}
	if l.PoolSize > 0 {
		spec.PoolSize = l.PoolSize
	}
	if l.RatePerSec > 0 {
		spec.RatePerSec = l.RatePerSec
	}
	if l.Capacity > 0 {
		spec.Capacity = l.Capacity
	}
	r.specs[c] = spec
	return nil
}

// Channels lists the registered channels in name order.
func (r *Registry) Channels() []Channel {
	out := make([]Channel, 0, len(r.specs))
	for c := range r.specs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
