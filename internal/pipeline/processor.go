package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-notification-gateway/internal/actions"
)

// RequestHandler runs one gateway request.
type RequestHandler interface {
	Handle(ctx context.Context, req actions.Request) (*actions.Response, error)
}

// NewProcessor hands each request to the router. Setup failures are returned so the message
// is nacked and eventually dead-lettered; per-recipient failures are only logged, since
// redelivering would resend to the recipients that already succeeded.
func NewProcessor(router RequestHandler, logger *slog.Logger) messagepipeline.StreamProcessor[actions.Request] {
	logger = logger.With("component", "DispatchProcessor")

	return func(ctx context.Context, original messagepipeline.Message, req *actions.Request) error {
		procLogger := logger.With(
			"pubsub_msg_id", original.ID,
			"request_id", req.RequestID,
			"action", string(req.Action),
		)

		resp, err := router.Handle(ctx, *req)
		if err != nil {
			procLogger.Error("Request failed during setup", "err", err)
			return err
		}

		if resp.Failed > 0 {
			procLogger.Warn("Request completed with failed deliveries",
				"attempted", resp.Attempted, "sent", resp.Sent, "failed", resp.Failed)
			return nil
		}
		procLogger.Info("Request processed", "attempted", resp.Attempted, "sent", resp.Sent)
		return nil
	}
}
