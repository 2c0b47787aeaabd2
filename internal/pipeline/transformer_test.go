package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notification-gateway/internal/actions"
	"github.com/tinywideclouds/go-notification-gateway/internal/pipeline"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

func TestDispatchRequestTransformer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	testCases := []struct {
		name          string
		payload       string
		expectError   error
		errorContains string
		check         func(t *testing.T, req *actions.Request)
	}{
		{
			name:    "Happy Path - Send request",
			payload: `{"action":"send_messages","channel":"telegram","connected_id":"bot-1","messages":[{"recipient":"42","body":"hi"}]}`,
			check: func(t *testing.T, req *actions.Request) {
				assert.Equal(t, actions.SendMessages, req.Action)
				assert.Equal(t, "msg-1", req.RequestID, "the Pub/Sub id stands in for a missing request id")
				require.Len(t, req.Messages, 1)
				assert.Equal(t, "42", req.Messages[0].Recipient)
			},
		},
		{
			name:    "Caller request id is kept",
			payload: `{"request_id":"req-9","action":"listener_status","channel":"telegram","connected_id":"bot-1"}`,
			check: func(t *testing.T, req *actions.Request) {
				assert.Equal(t, "req-9", req.RequestID)
			},
		},
		{
			name:          "Failure - Malformed JSON",
			payload:       "not-json",
			errorContains: "failed to unmarshal dispatch request",
		},
		{
			name:        "Failure - Unknown action",
			payload:     `{"action":"reboot","channel":"telegram","connected_id":"bot-1"}`,
			expectError: dispatch.ErrUnknownAction,
		},
		{
			name:        "Failure - Unknown channel",
			payload:     `{"action":"send_messages","channel":"pager","connected_id":"bot-1"}`,
			expectError: dispatch.ErrUnknownChannel,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg := &messagepipeline.Message{
				MessageData: messagepipeline.MessageData{ID: "msg-1", Payload: []byte(tc.payload)},
			}
			req, skip, err := pipeline.DispatchRequestTransformer(ctx, msg)

			if tc.expectError != nil || tc.errorContains != "" {
				require.Error(t, err)
				assert.True(t, skip)
				if tc.expectError != nil {
					assert.ErrorIs(t, err, tc.expectError)
				}
				if tc.errorContains != "" {
					assert.Contains(t, err.Error(), tc.errorContains)
				}
				return
			}
			require.NoError(t, err)
			assert.False(t, skip)
			tc.check(t, req)
		})
	}
}
