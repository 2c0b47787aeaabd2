// --- File: internal/storage/cache/settingsstore.go ---
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or ErrCacheMiss if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// CachedSettingsStore is a Decorator that adds Read-Aside caching to any SettingsStore.
type CachedSettingsStore struct {
	realStore dispatch.SettingsStore
	cache     CacheClient
	ttl       time.Duration
	logger    *slog.Logger
}

func NewCachedSettingsStore(realStore dispatch.SettingsStore, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedSettingsStore {
	return &CachedSettingsStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "CachedSettingsStore"),
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedSettingsStore) Get(ctx context.Context, integrationKey, connectedID string) (dispatch.SettingsMap, error) {
	key := s.cacheKey(integrationKey, connectedID)

	var cached map[string]string
	err := s.cache.Get(ctx, key, &cached)
	if err == nil {
		return dispatch.NewSettingsMap(cached), nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		// Redis trouble never fails a read; serve from the origin.
		s.logger.Warn("Settings cache read failed", "key", key, "err", err)
	}

	fresh, err := s.realStore.Get(ctx, integrationKey, connectedID)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization, not a transaction.
	if err := s.cache.Set(ctx, key, map[string]string(fresh), s.ttl); err != nil {
		s.logger.Warn("Settings cache write failed", "key", key, "err", err)
	}
	return fresh, nil
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedSettingsStore) Put(ctx context.Context, integrationKey, connectedID string, settings dispatch.SettingsMap) error {
	if err := s.realStore.Put(ctx, integrationKey, connectedID, settings); err != nil {
		return err
	}
	return s.Invalidate(ctx, integrationKey, connectedID)
}

// Invalidate deletes the cached entry so the next Get goes to the origin.
func (s *CachedSettingsStore) Invalidate(ctx context.Context, integrationKey, connectedID string) error {
	if err := s.cache.Del(ctx, s.cacheKey(integrationKey, connectedID)); err != nil {
		return fmt.Errorf("invalidate settings cache: %w", err)
	}
	return s.realStore.Invalidate(ctx, integrationKey, connectedID)
}

// ListConnections passes through to the origin when it can enumerate connections.
func (s *CachedSettingsStore) ListConnections(ctx context.Context, integrationKey string) ([]string, error) {
	lister, ok := s.realStore.(interface {
		ListConnections(ctx context.Context, integrationKey string) ([]string, error)
	})
	if !ok {
		return nil, nil
	}
	return lister.ListConnections(ctx, integrationKey)
}

func (s *CachedSettingsStore) cacheKey(integrationKey, connectedID string) string {
	return fmt.Sprintf("gateway:settings:%s:%s", integrationKey, connectedID)
}
