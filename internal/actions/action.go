// Package actions routes gateway requests to their handlers.
package actions

import (
	"fmt"
	"strings"

	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// Action is the closed set of operations a caller can request.
type Action string

const (
	SendMessages       Action = "send_messages"
	StartListener      Action = "start_listener"
	StopListener       Action = "stop_listener"
	ListenerStatus     Action = "listener_status"
	InvalidateSettings Action = "invalidate_settings"
)

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := handlers[a]; !ok {
		return "", fmt.Errorf("%w: %q", dispatch.ErrUnknownAction, s)
	}
	return a, nil
}

// Request is the envelope shared by the HTTP API and the Pub/Sub ingestion path.
type Request struct {
	RequestID   string             `json:"request_id,omitempty"`
	Action      Action             `json:"action"`
	Channel     string             `json:"channel"`
	ConnectedID string             `json:"connected_id"`
	Messages    []dispatch.Message `json:"messages,omitempty"`
}

// Response carries the batch reports of a send, or the listener state for session actions.
type Response struct {
	RequestID   string                  `json:"request_id"`
	Action      Action                  `json:"action"`
	Channel     string                  `json:"channel"`
	ConnectedID string                  `json:"connected_id"`
	Batches     []*dispatch.BatchReport `json:"batches,omitempty"`
	Attempted   int                     `json:"attempted"`
	Sent        int                     `json:"sent"`
	Failed      int                     `json:"failed"`
	Listener    string                  `json:"listener,omitempty"`
}
