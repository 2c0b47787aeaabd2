// --- File: internal/pipeline/transformer.go ---
// Package pipeline contains the Pub/Sub ingestion components of the gateway.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-notification-gateway/internal/actions"
	"github.com/tinywideclouds/go-notification-gateway/internal/channels"
)

// DispatchRequestTransformer is a dataflow Transformer that unmarshals and validates a raw
// message payload into an actions.Request.
//
// Payloads that can never succeed (malformed JSON, unknown action or channel) are returned
// with skip=true and an error; the StreamingService nacks them until they are dead-lettered.
func DispatchRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*actions.Request, bool, error) {
	var req actions.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal dispatch request from message %s: %w", msg.ID, err)
	}

	action, err := actions.ParseAction(string(req.Action))
	if err != nil {
		return nil, true, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	req.Action = action

	if _, err := channels.Parse(req.Channel); err != nil {
		return nil, true, fmt.Errorf("message %s: %w", msg.ID, err)
	}

	// Redeliveries of one Pub/Sub message share a request id.
	if req.RequestID == "" {
		req.RequestID = msg.ID
	}
	return &req, false, nil
}
