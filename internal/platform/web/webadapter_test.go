package web_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-notification-gateway/internal/platform/web"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// subscriptionJSON builds a browser-style subscription with a real P-256 key so payload
// encryption succeeds.
func subscriptionJSON(t *testing.T, endpoint string) string {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	authSecret := make([]byte, 16)
	_, err = rand.Read(authSecret)
	require.NoError(t, err)

	raw, err := json.Marshal(map[string]interface{}{
		"endpoint": endpoint,
		"keys": map[string]string{
			"p256dh": base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			"auth":   base64.RawURLEncoding.EncodeToString(authSecret),
		},
	})
	require.NoError(t, err)
	return string(raw)
}

func TestWebAdapter_Lifecycle(t *testing.T) {
	// Simulates Google/Mozilla Push Server
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "aes128gcm", r.Header.Get("Content-Encoding"))

		switch r.URL.Path {
		case "/success":
			w.Header().Set("Location", "/msg/1")
			w.WriteHeader(http.StatusCreated)
		case "/expired":
			w.WriteHeader(http.StatusGone)
		case "/error":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer mockServer.Close()

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	adapter, err := web.NewAdapter(dispatch.NewSettingsMap(map[string]string{
		"vapid_private_key": privateKey,
		"vapid_public_key":  publicKey,
		"subscriber":        "mailto:test-runner@tinywideclouds.com",
	}), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx := context.Background()
	conn, err := adapter.Open(ctx)
	require.NoError(t, err)
	defer conn.Close()

	send := func(path string) (dispatch.SendAck, error) {
		return conn.Send(ctx, dispatch.Message{
			Recipient:      subscriptionJSON(t, mockServer.URL+path),
			Subject:        "Test",
			Body:           "Body",
			CorrelationIDs: map[string]string{"id": "1"},
		})
	}

	t.Run("Accepted push returns the location", func(t *testing.T) {
		ack, err := send("/success")
		require.NoError(t, err)
		assert.Equal(t, "/msg/1", ack.ProviderID)
	})

	t.Run("Gone subscription is a permanent failure", func(t *testing.T) {
		_, err := send("/expired")
		var sendErr *dispatch.SendError
		require.ErrorAs(t, err, &sendErr)
		assert.True(t, sendErr.Permanent)
	})

	t.Run("Server error is retryable", func(t *testing.T) {
		_, err := send("/error")
		var sendErr *dispatch.SendError
		require.ErrorAs(t, err, &sendErr)
		assert.False(t, sendErr.Permanent)
		assert.Contains(t, err.Error(), "500")
	})

	t.Run("Recipient that is not a subscription fails without a request", func(t *testing.T) {
		_, err := conn.Send(ctx, dispatch.Message{Recipient: "not-json"})
		var sendErr *dispatch.SendError
		require.ErrorAs(t, err, &sendErr)
		assert.True(t, sendErr.Permanent)
	})
}

func TestNewAdapter_MissingKeys(t *testing.T) {
	_, err := web.NewAdapter(dispatch.NewSettingsMap(map[string]string{"vapid_public_key": "x"}),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.ErrorIs(t, err, dispatch.ErrMissingSetting)
}
