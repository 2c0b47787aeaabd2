// --- File: internal/storage/cache/settingsstore_test.go ---
package cache_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-notification-gateway/internal/storage/cache"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// --- Mocks ---
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string, dest interface{}) error {
	args := m.Called(ctx, key, dest)
	return args.Error(0)
}
func (m *MockCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}
func (m *MockCache) Del(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

type MockRealStore struct {
	mock.Mock
}

func (m *MockRealStore) Get(ctx context.Context, integrationKey, connectedID string) (dispatch.SettingsMap, error) {
	args := m.Called(ctx, integrationKey, connectedID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(dispatch.SettingsMap), args.Error(1)
}
func (m *MockRealStore) Invalidate(ctx context.Context, integrationKey, connectedID string) error {
	return m.Called(ctx, integrationKey, connectedID).Error(0)
}
func (m *MockRealStore) Put(ctx context.Context, integrationKey, connectedID string, settings dispatch.SettingsMap) error {
	return m.Called(ctx, integrationKey, connectedID, settings).Error(0)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCachedStore_ImmediateInvalidation(t *testing.T) {
	ctx := context.Background()
	mockCache := new(MockCache)
	mockDB := new(MockRealStore)

	// Decorate the DB
	store := cache.NewCachedSettingsStore(mockDB, mockCache, 1*time.Hour, newTestLogger())
	cacheKey := "gateway:settings:slack:team-1"
	settings := dispatch.NewSettingsMap(map[string]string{"bot_token": "xoxb-new"})

	t.Run("Put invalidates cache immediately", func(t *testing.T) {
		mockDB.On("Put", ctx, "slack", "team-1", settings).Return(nil).Once()
		mockCache.On("Del", ctx, cacheKey).Return(nil).Once()
		mockDB.On("Invalidate", ctx, "slack", "team-1").Return(nil).Once()

		err := store.Put(ctx, "slack", "team-1", settings)

		require.NoError(t, err)
		mockDB.AssertExpectations(t)
		mockCache.AssertExpectations(t)
	})

	t.Run("Subsequent Get hits DB (Cache Miss) and refills", func(t *testing.T) {
		mockCache.On("Get", ctx, cacheKey, mock.Anything).Return(cache.ErrCacheMiss).Once()
		mockDB.On("Get", ctx, "slack", "team-1").Return(settings, nil).Once()
		mockCache.On("Set", ctx, cacheKey, map[string]string(settings), time.Hour).Return(nil).Once()

		got, err := store.Get(ctx, "slack", "team-1")

		require.NoError(t, err)
		assert.Equal(t, "xoxb-new", got.Get("bot_token", ""))
		mockDB.AssertExpectations(t)
		mockCache.AssertExpectations(t)
	})

	t.Run("Failed Put leaves the cache alone", func(t *testing.T) {
		mockDB.On("Put", ctx, "slack", "team-2", settings).Return(errors.New("firestore unavailable")).Once()

		err := store.Put(ctx, "slack", "team-2", settings)

		require.Error(t, err)
		mockCache.AssertNotCalled(t, "Del", ctx, "gateway:settings:slack:team-2")
	})
}

func TestCachedStore_CacheFailuresNeverFailReads(t *testing.T) {
	ctx := context.Background()
	mockCache := new(MockCache)
	mockDB := new(MockRealStore)
	store := cache.NewCachedSettingsStore(mockDB, mockCache, time.Minute, newTestLogger())

	settings := dispatch.NewSettingsMap(map[string]string{"host": "smtp.example.com"})
	mockCache.On("Get", ctx, mock.Anything, mock.Anything).Return(errors.New("redis: connection refused"))
	mockCache.On("Set", ctx, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis: connection refused"))
	mockDB.On("Get", ctx, "smtp", "acct").Return(settings, nil)

	got, err := store.Get(ctx, "smtp", "acct")
	require.NoError(t, err)
	assert.Equal(t, settings, got)
}

func TestCachedStore_OriginErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	mockCache := new(MockCache)
	mockDB := new(MockRealStore)
	store := cache.NewCachedSettingsStore(mockDB, mockCache, time.Minute, newTestLogger())

	mockCache.On("Get", ctx, mock.Anything, mock.Anything).Return(cache.ErrCacheMiss)
	mockDB.On("Get", ctx, "smtp", "missing").Return(nil, dispatch.ErrSettingsNotFound)

	_, err := store.Get(ctx, "smtp", "missing")
	require.ErrorIs(t, err, dispatch.ErrSettingsNotFound)
	mockCache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := cache.NewRedisClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	t.Run("Round trip with TTL", func(t *testing.T) {
		require.NoError(t, client.Set(ctx, "k", map[string]string{"a": "b"}, time.Minute))

		var got map[string]string
		require.NoError(t, client.Get(ctx, "k", &got))
		assert.Equal(t, map[string]string{"a": "b"}, got)

		mr.FastForward(2 * time.Minute)
		require.ErrorIs(t, client.Get(ctx, "k", &got), cache.ErrCacheMiss)
	})

	t.Run("Del removes the key", func(t *testing.T) {
		require.NoError(t, client.Set(ctx, "gone", "v", 0))
		require.NoError(t, client.Del(ctx, "gone"))
		var v string
		require.ErrorIs(t, client.Get(ctx, "gone", &v), cache.ErrCacheMiss)
	})

	t.Run("Decorator over real redis serves the second read from cache", func(t *testing.T) {
		mockDB := new(MockRealStore)
		settings := dispatch.NewSettingsMap(map[string]string{"bot_token": "t"})
		mockDB.On("Get", ctx, "telegram", "bot-1").Return(settings, nil).Once()

		store := cache.NewCachedSettingsStore(mockDB, client, time.Minute, newTestLogger())
		first, err := store.Get(ctx, "telegram", "bot-1")
		require.NoError(t, err)
		second, err := store.Get(ctx, "telegram", "bot-1")
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.True(t, mr.Exists("gateway:settings:telegram:bot-1"))
		mockDB.AssertNumberOfCalls(t, "Get", 1)
	})

	t.Run("Unreachable server fails fast", func(t *testing.T) {
		_, err := cache.NewRedisClient("127.0.0.1:1", "", 0)
		require.Error(t, err)
	})
}
