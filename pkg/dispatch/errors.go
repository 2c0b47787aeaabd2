package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrCostExceedsCapacity = errors.New("cost exceeds bucket capacity")
	ErrUnknownBucket       = errors.New("rate limit bucket not registered")
	ErrInvalidLimit        = errors.New("invalid rate limit")
	ErrInvalidKey          = errors.New("invalid session key")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrUnknownAction       = errors.New("unknown action")
	ErrUnknownChannel      = errors.New("unknown channel")
	ErrSettingsNotFound    = errors.New("settings not found")
	ErrMissingSetting      = errors.New("missing required setting")
	ErrListenerUnsupported = errors.New("channel does not support inbound listeners")
)

// ConnectError means a channel session could not be established.
type ConnectError struct {
	Channel string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connection open failed: %s: %v", e.Channel, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError is a single-recipient delivery failure.
type SendError struct {
	Recipient string
	// Permanent marks failures the provider will never accept (bad address, unregistered token).
	Permanent bool
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.Recipient, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// SettingsError is a setup-time failure to resolve integration settings.
type SettingsError struct {
	IntegrationKey string
	ConnectedID    string
	Err            error
}

func (e *SettingsError) Error() string {
	return fmt.Sprintf("settings for %s/%s: %v", e.IntegrationKey, e.ConnectedID, e.Err)
}

func (e *SettingsError) Unwrap() error { return e.Err }

// SessionError is a background failure of a listener session.
type SessionError struct {
	Key string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %v", e.Key, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }
