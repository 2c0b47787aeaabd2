package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-notification-gateway/internal/batch"
	"github.com/tinywideclouds/go-notification-gateway/internal/channels"
	"github.com/tinywideclouds/go-notification-gateway/internal/session"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// Config holds the dispatch defaults applied to every send.
type Config struct {
	MaxBatchSize   int
	ConnectTimeout time.Duration
	ItemTimeout    time.Duration
	BatchTimeout   time.Duration
	CleanupGrace   time.Duration
}

// ConnectionLister enumerates the connections stored for one integration.
type ConnectionLister interface {
	ListConnections(ctx context.Context, integrationKey string) ([]string, error)
}

type handlerFunc func(r *Router, ctx context.Context, req Request, logger *slog.Logger) (*Response, error)

var handlers = map[Action]handlerFunc{
	SendMessages:       (*Router).sendMessages,
	StartListener:      (*Router).startListener,
	StopListener:       (*Router).stopListener,
	ListenerStatus:     (*Router).listenerStatus,
	InvalidateSettings: (*Router).invalidateSettings,
}

// Router validates requests and runs the matching handler.
type Router struct {
	channels   *channels.Registry
	settings   dispatch.SettingsProvider
	dispatcher *batch.Dispatcher
	sessions   *session.Manager
	inbound    dispatch.InboundHandler
	cfg        Config
	logger     *slog.Logger
}

func NewRouter(
	registry *channels.Registry,
	settings dispatch.SettingsProvider,
	dispatcher *batch.Dispatcher,
	sessions *session.Manager,
	inbound dispatch.InboundHandler,
	cfg Config,
	logger *slog.Logger,
) *Router {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 500
	}
	return &Router{
		channels:   registry,
		settings:   settings,
		dispatcher: dispatcher,
		sessions:   sessions,
		inbound:    inbound,
		cfg:        cfg,
		logger:     logger.With("component", "ActionRouter"),
	}
}

// Handle runs one request. Errors are setup failures (unknown action or channel, bad request,
// unresolvable settings); per-message failures are reported in the response instead.
func (r *Router) Handle(ctx context.Context, req Request) (*Response, error) {
	handler, ok := handlers[req.Action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", dispatch.ErrUnknownAction, req.Action)
	}
	if req.ConnectedID == "" {
		return nil, fmt.Errorf("%w: connected_id is required", dispatch.ErrInvalidRequest)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	logger := r.logger.With(
		"request_id", req.RequestID,
		"action", string(req.Action),
		"channel", req.Channel,
		"connected_id", req.ConnectedID,
	)
	return handler(r, ctx, req, logger)
}

func (r *Router) sendMessages(ctx context.Context, req Request, logger *slog.Logger) (*Response, error) {
	ch, spec, err := r.lookup(req.Channel)
	if err != nil {
		return nil, err
	}
	settings, err := r.fetchSettings(ctx, ch, req.ConnectedID)
	if err != nil {
		logger.Error("Failed to resolve settings", "err", err)
		return nil, err
	}
	adapter, err := spec.Factory(settings, logger)
	if err != nil {
		logger.Error("Failed to build channel adapter", "err", err)
		return nil, &dispatch.SettingsError{IntegrationKey: ch.IntegrationKey(), ConnectedID: req.ConnectedID, Err: err}
	}

	opts := batch.Options{
		Channel:        string(ch),
		PoolSize:       spec.PoolSize,
		ConnectTimeout: r.cfg.ConnectTimeout,
		ItemTimeout:    r.cfg.ItemTimeout,
		BatchTimeout:   r.cfg.BatchTimeout,
		CleanupGrace:   r.cfg.CleanupGrace,
		RateLimit: &batch.Limit{
			Key:        channels.RateKey(ch, req.ConnectedID),
			RatePerSec: spec.RatePerSec,
			Capacity:   spec.Capacity,
		},
	}

	resp := r.newResponse(req)
	for i, chunk := range chunk(req.Messages, r.cfg.MaxBatchSize) {
		report := r.dispatcher.Dispatch(ctx, i, chunk, adapter, opts)
		resp.Batches = append(resp.Batches, report)
		resp.Attempted += report.Attempted
		resp.Sent += report.SentCount
		resp.Failed += report.FailedCount()
	}

	logger.Info("Send request complete",
		"batches", len(resp.Batches),
		"attempted", resp.Attempted,
		"sent", resp.Sent,
		"failed", resp.Failed,
	)
	return resp, nil
}

func (r *Router) startListener(ctx context.Context, req Request, logger *slog.Logger) (*Response, error) {
	ch, spec, err := r.lookup(req.Channel)
	if err != nil {
		return nil, err
	}
	if spec.Listener == nil {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrListenerUnsupported, ch)
	}
	settings, err := r.fetchSettings(ctx, ch, req.ConnectedID)
	if err != nil {
		logger.Error("Failed to resolve settings", "err", err)
		return nil, err
	}

	key := channels.SessionKey(ch, req.ConnectedID)
	// The listener is built inside the factory so it never overlaps the session it replaces.
	factory := func(context.Context) (dispatch.Listener, error) {
		return spec.Listener(settings, req.ConnectedID, r.inbound, logger)
	}
	if err := r.sessions.Start(ctx, key, factory); err != nil {
		logger.Error("Failed to start listener", "key", key, "err", err)
		return nil, err
	}

	resp := r.newResponse(req)
	resp.Listener = r.sessions.State(key).String()
	return resp, nil
}

func (r *Router) stopListener(ctx context.Context, req Request, logger *slog.Logger) (*Response, error) {
	ch, _, err := r.lookup(req.Channel)
	if err != nil {
		return nil, err
	}
	key := channels.SessionKey(ch, req.ConnectedID)
	if err := r.sessions.Stop(ctx, key); err != nil {
		logger.Error("Failed to stop listener", "key", key, "err", err)
		return nil, err
	}
	resp := r.newResponse(req)
	resp.Listener = r.sessions.State(key).String()
	return resp, nil
}

func (r *Router) listenerStatus(_ context.Context, req Request, _ *slog.Logger) (*Response, error) {
	ch, _, err := r.lookup(req.Channel)
	if err != nil {
		return nil, err
	}
	resp := r.newResponse(req)
	resp.Listener = r.sessions.State(channels.SessionKey(ch, req.ConnectedID)).String()
	return resp, nil
}

func (r *Router) invalidateSettings(ctx context.Context, req Request, logger *slog.Logger) (*Response, error) {
	ch, _, err := r.lookup(req.Channel)
	if err != nil {
		return nil, err
	}
	if err := r.settings.Invalidate(ctx, ch.IntegrationKey(), req.ConnectedID); err != nil {
		return nil, fmt.Errorf("invalidate settings: %w", err)
	}
	logger.Info("Settings invalidated")
	return r.newResponse(req), nil
}

// ResumeListeners starts a listener for every stored connection that sets listen_on_start.
// One connection failing does not prevent the others from starting.
func (r *Router) ResumeListeners(ctx context.Context) error {
	lister, ok := r.settings.(ConnectionLister)
	if !ok {
		r.logger.Debug("Settings source cannot enumerate connections; no listeners resumed")
		return nil
	}

	var errs []error
	for _, ch := range r.channels.Channels() {
		spec, err := r.channels.Lookup(ch)
		if err != nil || spec.Listener == nil {
			continue
		}
		ids, err := lister.ListConnections(ctx, ch.IntegrationKey())
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s connections: %w", ch, err))
			continue
		}
		for _, id := range ids {
			settings, err := r.settings.Get(ctx, ch.IntegrationKey(), id)
			if err != nil {
				errs = append(errs, &dispatch.SettingsError{IntegrationKey: ch.IntegrationKey(), ConnectedID: id, Err: err})
				continue
			}
			if listen, _ := settings.Bool("listen_on_start", false); !listen {
				continue
			}
			req := Request{Action: StartListener, Channel: string(ch), ConnectedID: id}
			if _, err := r.Handle(ctx, req); err != nil {
				errs = append(errs, err)
				continue
			}
			r.logger.Info("Listener resumed", "channel", string(ch), "connected_id", id)
		}
	}
	return errors.Join(errs...)
}

// StopListeners stops every running listener session.
func (r *Router) StopListeners(ctx context.Context) error {
	return r.sessions.StopAll(ctx)
}

func (r *Router) lookup(name string) (channels.Channel, channels.Spec, error) {
	ch, err := channels.Parse(name)
	if err != nil {
		return "", channels.Spec{}, err
	}
	spec, err := r.channels.Lookup(ch)
	if err != nil {
		return "", channels.Spec{}, err
	}
	return ch, spec, nil
}

func (r *Router) fetchSettings(ctx context.Context, ch channels.Channel, connectedID string) (dispatch.SettingsMap, error) {
	settings, err := r.settings.Get(ctx, ch.IntegrationKey(), connectedID)
	if err != nil {
		return nil, &dispatch.SettingsError{IntegrationKey: ch.IntegrationKey(), ConnectedID: connectedID, Err: err}
	}
	return settings, nil
}

func (r *Router) newResponse(req Request) *Response {
	return &Response{
		RequestID:   req.RequestID,
		Action:      req.Action,
		Channel:     req.Channel,
		ConnectedID: req.ConnectedID,
	}
}

func chunk(messages []dispatch.Message, size int) [][]dispatch.Message {
	var out [][]dispatch.Message
	for start := 0; start < len(messages); start += size {
		end := min(start+size, len(messages))
		out = append(out, messages[start:end])
	}
	return out
}
