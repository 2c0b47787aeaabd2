// --- File: internal/platform/apns/apnsadapter_test.go ---
package apns

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

type MockAPNSClient struct {
	mock.Mock
}

func (m *MockAPNSClient) Push(n *apns2.Notification) (*apns2.Response, error) {
	args := m.Called(n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*apns2.Response), args.Error(1)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testP8Key(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func newMockAdapter(client *MockAPNSClient) *Adapter {
	return &Adapter{
		topic:     "com.test.app",
		newClient: func() (APNSClient, func()) { return client, nil },
		logger:    newTestLogger(),
	}
}

func TestNewAdapter(t *testing.T) {
	t.Run("Valid settings build an adapter", func(t *testing.T) {
		adapter, err := NewAdapter(dispatch.NewSettingsMap(map[string]string{
			"key_id":      "ABC123",
			"team_id":     "TEAM42",
			"bundle_id":   "com.test.app",
			"p8_key":      testP8Key(t),
			"environment": "development",
		}), newTestLogger())
		require.NoError(t, err)
		assert.Equal(t, "com.test.app", adapter.topic)

		conn, err := adapter.Open(context.Background())
		require.NoError(t, err)
		assert.NoError(t, conn.Close())
	})

	t.Run("Missing setting is rejected", func(t *testing.T) {
		_, err := NewAdapter(dispatch.NewSettingsMap(map[string]string{"key_id": "ABC123"}), newTestLogger())
		require.ErrorIs(t, err, dispatch.ErrMissingSetting)
	})

	t.Run("Malformed key fails fast", func(t *testing.T) {
		_, err := NewAdapter(dispatch.NewSettingsMap(map[string]string{
			"key_id": "a", "team_id": "b", "bundle_id": "c", "p8_key": "not a key",
		}), newTestLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "P8 key")
	})

	t.Run("Unknown environment is rejected", func(t *testing.T) {
		_, err := NewAdapter(dispatch.NewSettingsMap(map[string]string{
			"key_id": "a", "team_id": "b", "bundle_id": "c", "p8_key": testP8Key(t), "environment": "staging",
		}), newTestLogger())
		require.Error(t, err)
	})
}

func TestConnSend(t *testing.T) {
	ctx := context.Background()
	msg := dispatch.Message{
		Recipient:      "token-1",
		Subject:        "Hello iOS",
		Body:           "body",
		CorrelationIDs: map[string]string{"msg_id": "123"},
	}

	t.Run("Happy Path - Success", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		mockClient.On("Push", mock.MatchedBy(func(n *apns2.Notification) bool {
			return n.DeviceToken == "token-1" && n.Topic == "com.test.app"
		})).Return(&apns2.Response{StatusCode: http.StatusOK, ApnsID: "apns-1"}, nil)

		conn, err := newMockAdapter(mockClient).Open(ctx)
		require.NoError(t, err)
		ack, err := conn.Send(ctx, msg)

		require.NoError(t, err)
		assert.Equal(t, "apns-1", ack.ProviderID)
		mockClient.AssertExpectations(t)
	})

	t.Run("Bad device token is a permanent failure", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		mockClient.On("Push", mock.Anything).Return(&apns2.Response{
			StatusCode: http.StatusBadRequest,
			Reason:     apns2.ReasonBadDeviceToken,
		}, nil)

		conn, _ := newMockAdapter(mockClient).Open(ctx)
		_, err := conn.Send(ctx, msg)

		var sendErr *dispatch.SendError
		require.ErrorAs(t, err, &sendErr)
		assert.True(t, sendErr.Permanent)
		assert.Equal(t, "token-1", sendErr.Recipient)
	})

	t.Run("Other rejections are not permanent", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		mockClient.On("Push", mock.Anything).Return(&apns2.Response{
			StatusCode: http.StatusForbidden,
			Reason:     apns2.ReasonTopicDisallowed,
		}, nil)

		conn, _ := newMockAdapter(mockClient).Open(ctx)
		_, err := conn.Send(ctx, msg)

		var sendErr *dispatch.SendError
		require.ErrorAs(t, err, &sendErr)
		assert.False(t, sendErr.Permanent)
		assert.Contains(t, err.Error(), apns2.ReasonTopicDisallowed)
	})

	t.Run("Transport failure is returned", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		mockClient.On("Push", mock.Anything).Return(nil, errors.New("connection refused"))

		conn, _ := newMockAdapter(mockClient).Open(ctx)
		_, err := conn.Send(ctx, msg)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})
}
