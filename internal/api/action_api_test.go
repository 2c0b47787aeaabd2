package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-notification-gateway/internal/actions"
	"github.com/tinywideclouds/go-notification-gateway/internal/api"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// --- Mocks ---

type MockRouter struct {
	mock.Mock
}

func (m *MockRouter) Handle(ctx context.Context, req actions.Request) (*actions.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*actions.Response), args.Error(1)
}

// --- Setup ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// withUser simulates the auth middleware.
func withUser(req *http.Request, userID string) *http.Request {
	return req.WithContext(middleware.ContextWithUserID(req.Context(), userID))
}

func setupActionAPI() (*http.ServeMux, *MockRouter) {
	router := new(MockRouter)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/actions/{action}", api.NewActionAPI(router, newTestLogger()).HandleAction)
	return mux, router
}

// --- Tests ---

func TestHandleAction(t *testing.T) {
	body := api.ActionBody{
		Channel:     "telegram",
		ConnectedID: "bot-1",
		Messages:    []dispatch.Message{{Recipient: "42", Body: "hi"}},
	}
	raw, _ := json.Marshal(body)
	wantReq := actions.Request{
		Action:      actions.SendMessages,
		Channel:     "telegram",
		ConnectedID: "bot-1",
		Messages:    body.Messages,
	}

	t.Run("Success returns the router response", func(t *testing.T) {
		mux, router := setupActionAPI()
		router.On("Handle", mock.Anything, wantReq).Return(&actions.Response{RequestID: "req-1", Attempted: 1, Sent: 1}, nil).Once()

		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/actions/send_messages", bytes.NewReader(raw)), "urn:test:user:1")
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp actions.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "req-1", resp.RequestID)
		assert.Equal(t, 1, resp.Sent)
		router.AssertExpectations(t)
	})

	t.Run("Unauthenticated", func(t *testing.T) {
		mux, router := setupActionAPI()
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/actions/send_messages", bytes.NewReader(raw)))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		router.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})

	t.Run("Unknown action", func(t *testing.T) {
		mux, router := setupActionAPI()
		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/actions/reboot", bytes.NewReader(raw)), "u")
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		router.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})

	t.Run("Invalid JSON", func(t *testing.T) {
		mux, _ := setupActionAPI()
		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/actions/send_messages", bytes.NewReader([]byte("{"))), "u")
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Oversized body", func(t *testing.T) {
		mux, router := setupActionAPI()
		body := `{"channel":"sms","connected_id":"acct","messages":[{"recipient":"` + strings.Repeat("1", api.MaxActionBodyBytes) + `"}]}`
		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/actions/send_messages", strings.NewReader(body)), "u")
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		router.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})

	errorCases := []struct {
		name   string
		err    error
		status int
	}{
		{"Unknown channel", dispatch.ErrUnknownChannel, http.StatusBadRequest},
		{"Listener unsupported", dispatch.ErrListenerUnsupported, http.StatusBadRequest},
		{"Missing settings", &dispatch.SettingsError{IntegrationKey: "telegram", ConnectedID: "bot-1", Err: dispatch.ErrSettingsNotFound}, http.StatusNotFound},
		{"Adapter setup failure", &dispatch.SettingsError{IntegrationKey: "telegram", ConnectedID: "bot-1", Err: dispatch.ErrMissingSetting}, http.StatusBadGateway},
		{"Listener factory failure", &dispatch.SessionError{Key: "telegram:bot-1", Err: assert.AnError}, http.StatusBadGateway},
		{"Unexpected", assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			mux, router := setupActionAPI()
			router.On("Handle", mock.Anything, wantReq).Return(nil, tc.err).Once()

			req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/actions/send_messages", bytes.NewReader(raw)), "u")
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			assert.Equal(t, tc.status, w.Code)
		})
	}
}
