// Package sms posts text messages to an HTTP SMS gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

type Adapter struct {
	gatewayURL string
	apiKey     string
	senderID   string
	logger     *slog.Logger
}

func NewAdapter(settings dispatch.SettingsMap, logger *slog.Logger) (*Adapter, error) {
	gatewayURL, err := settings.Require("gateway_url")
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(gatewayURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid gateway_url %q", gatewayURL)
	}
	apiKey, err := settings.Require("api_key")
	if err != nil {
		return nil, err
	}

	return &Adapter{
		gatewayURL: u.String(),
		apiKey:     apiKey,
		senderID:   settings.Get("sender_id", ""),
		logger:     logger.With("component", "SMSAdapter"),
	}, nil
}

func (a *Adapter) Open(_ context.Context) (dispatch.Conn, error) {
	return &conn{
		adapter: a,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		},
	}, nil
}

type conn struct {
	adapter *Adapter
	client  *http.Client
}

type sendRequest struct {
	From      string            `json:"from,omitempty"`
	To        string            `json:"to"`
	Text      string            `json:"text"`
	Reference map[string]string `json:"reference,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

func (c *conn) Send(ctx context.Context, msg dispatch.Message) (dispatch.SendAck, error) {
	jsonData, err := json.Marshal(sendRequest{
		From:      c.adapter.senderID,
		To:        msg.Recipient,
		Text:      msg.Body,
		Reference: msg.CorrelationIDs,
	})
	if err != nil {
		return dispatch.SendAck{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.adapter.gatewayURL, bytes.NewReader(jsonData))
	if err != nil {
		return dispatch.SendAck{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.adapter.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return dispatch.SendAck{}, &dispatch.SendError{Recipient: msg.Recipient, Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 300 {
		return dispatch.SendAck{}, &dispatch.SendError{
			Recipient: msg.Recipient,
			// 4xx other than throttling means the gateway will never take this message.
			Permanent: resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests,
			Err:       fmt.Errorf("sms gateway error %d: %s", resp.StatusCode, bytes.TrimSpace(body)),
		}
	}

	var out sendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		c.adapter.logger.Debug("SMS gateway response has no id", "status", resp.StatusCode)
	}
	return dispatch.SendAck{ProviderID: out.ID}, nil
}

func (c *conn) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
