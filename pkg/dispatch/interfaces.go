// --- File: pkg/dispatch/interfaces.go ---
package dispatch

import (
	"context"
	"log/slog"
)

// Adapter is a channel transport bound to one integration's settings.
// Each dispatcher worker opens its own connection.
type Adapter interface {
	// Open establishes a channel session. Failures should be returned as *ConnectError
	// or plain errors; the dispatcher treats either as a connect failure.
	Open(ctx context.Context) (Conn, error)
}

// Conn is one open channel session owned by a single worker.
type Conn interface {
	// Send delivers msg to msg.Recipient. It must respect ctx cancellation.
	Send(ctx context.Context, msg Message) (SendAck, error)
	// Close releases the session. Errors are logged and otherwise ignored.
	Close() error
}

// AdapterFactory builds an Adapter from a settings snapshot.
// A factory error is a setup failure for the whole batch.
type AdapterFactory func(settings SettingsMap, logger *slog.Logger) (Adapter, error)

// SettingsProvider is the read side of the settings source of truth.
type SettingsProvider interface {
	// Get returns the settings for a connected integration.
	Get(ctx context.Context, integrationKey, connectedID string) (SettingsMap, error)
	// Invalidate forces the next Get to bypass any cache.
	Invalidate(ctx context.Context, integrationKey, connectedID string) error
}

// SettingsStore adds the write path used by the settings API.
type SettingsStore interface {
	SettingsProvider
	Put(ctx context.Context, integrationKey, connectedID string, settings SettingsMap) error
}

// Listener is a long-running inbound session (e.g. chat-bot long polling).
type Listener interface {
	// Run blocks until ctx is cancelled or the listener fails. It must release its
	// connection before returning.
	Run(ctx context.Context) error
}

// ListenerFactory produces the listener for one session start.
type ListenerFactory func(ctx context.Context) (Listener, error)

// InboundHandler receives messages picked up by listeners.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg InboundMessage) error
}

// InboundHandlerFunc adapts a function to InboundHandler.
type InboundHandlerFunc func(ctx context.Context, msg InboundMessage) error

func (f InboundHandlerFunc) HandleInbound(ctx context.Context, msg InboundMessage) error {
	return f(ctx, msg)
}
