package api

import (
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-notification-gateway/internal/channels"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

type SettingsAPI struct {
	Store  dispatch.SettingsStore
	Logger *slog.Logger
}

func NewSettingsAPI(store dispatch.SettingsStore, logger *slog.Logger) *SettingsAPI {
	return &SettingsAPI{
		Store:  store,
		Logger: logger.With("component", "SettingsAPI"),
	}
}

// PutSettings replaces the settings of one connection. The body is a flat JSON object of strings.
func (api *SettingsAPI) PutSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ch, err := channels.Parse(r.PathValue("channel"))
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	connectedID := r.PathValue("connected_id")
	if connectedID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing connected_id")
		return
	}

	var raw map[string]string
	if !decodeJSON(w, r, MaxSettingsBodyBytes, &raw) {
		return
	}
	if len(raw) == 0 {
		response.WriteJSONError(w, http.StatusBadRequest, "empty settings")
		return
	}

	if err := api.Store.Put(ctx, ch.IntegrationKey(), connectedID, dispatch.NewSettingsMap(raw)); err != nil {
		api.Logger.Error("Failed to store settings", "channel", string(ch), "connected_id", connectedID, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	// Values are credentials; only the key count is logged.
	api.Logger.Info("Settings stored", "channel", string(ch), "connected_id", connectedID, "keys", len(raw), "caller", caller)

	w.WriteHeader(http.StatusNoContent)
}
