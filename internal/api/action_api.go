package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-notification-gateway/internal/actions"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// Request body limits. A send carries a whole request of messages; settings are a handful of keys.
const (
	MaxActionBodyBytes   = 8 << 20
	MaxSettingsBodyBytes = 64 << 10
)

// RequestHandler runs one gateway request.
type RequestHandler interface {
	Handle(ctx context.Context, req actions.Request) (*actions.Response, error)
}

type ActionAPI struct {
	Router RequestHandler
	Logger *slog.Logger
}

func NewActionAPI(router RequestHandler, logger *slog.Logger) *ActionAPI {
	return &ActionAPI{
		Router: router,
		Logger: logger.With("component", "ActionAPI"),
	}
}

// ActionBody is the JSON body of POST /api/v1/actions/{action}.
type ActionBody struct {
	RequestID   string             `json:"request_id,omitempty"`
	Channel     string             `json:"channel"`
	ConnectedID string             `json:"connected_id"`
	Messages    []dispatch.Message `json:"messages,omitempty"`
}

func (api *ActionAPI) HandleAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	action, err := actions.ParseAction(r.PathValue("action"))
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body ActionBody
	if !decodeJSON(w, r, MaxActionBodyBytes, &body) {
		return
	}

	resp, err := api.Router.Handle(ctx, actions.Request{
		RequestID:   body.RequestID,
		Action:      action,
		Channel:     body.Channel,
		ConnectedID: body.ConnectedID,
		Messages:    body.Messages,
	})
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			api.Logger.Error("Action failed", "action", string(action), "caller", caller, "err", err)
		}
		response.WriteJSONError(w, status, err.Error())
		return
	}

	api.Logger.Debug("Action handled", "action", string(action), "caller", caller, "request_id", resp.RequestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		api.Logger.Warn("Failed to write action response", "err", err)
	}
}

// statusFor maps router errors to HTTP status codes.
func statusFor(err error) int {
	var settingsErr *dispatch.SettingsError
	var sessionErr *dispatch.SessionError
	switch {
	case errors.Is(err, dispatch.ErrUnknownAction),
		errors.Is(err, dispatch.ErrUnknownChannel),
		errors.Is(err, dispatch.ErrInvalidRequest),
		errors.Is(err, dispatch.ErrListenerUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrSettingsNotFound):
		return http.StatusNotFound
	case errors.As(err, &settingsErr), errors.As(err, &sessionErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads at most limit bytes of the body into dst. On failure it writes the error
// response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.WriteJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}
