// --- File: pkg/dispatch/types.go ---
// Package dispatch contains the public domain model and contracts of the gateway:
// messages, delivery results, settings snapshots and the channel capability interfaces.
package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message is a single outbound notification for one recipient.
// It is treated as immutable once handed to the dispatcher.
type Message struct {
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
	// Subject is used by email and push channels; chat and SMS channels ignore it.
	Subject        string            `json:"subject,omitempty"`
	CorrelationIDs map[string]string `json:"correlation_ids,omitempty"`
}

// Outcome is the terminal state of a single delivery attempt.
type Outcome string

const (
	OutcomeSent   Outcome = "sent"
	OutcomeFailed Outcome = "failed"
)

// DeliveryResult is produced exactly once for every message of a batch.
type DeliveryResult struct {
	CorrelationIDs map[string]string `json:"correlation_ids,omitempty"`
	Recipient      string            `json:"recipient"`
	Outcome        Outcome           `json:"outcome"`
	Detail         string            `json:"detail,omitempty"`
	// WorkerID is -1 for results recorded by the dispatcher itself after a batch timeout.
	WorkerID   int    `json:"worker_id"`
	ProviderID string `json:"provider_id,omitempty"`
	// Permanent is set when the provider rejected the recipient outright; retrying will not help.
	Permanent bool `json:"permanent,omitempty"`
}

// BatchReport summarises one dispatched batch. Results are in completion order, not input order.
type BatchReport struct {
	BatchIndex   int              `json:"batch_index"`
	Attempted    int              `json:"attempted"`
	SentCount    int              `json:"sent_count"`
	PoolSizeUsed int              `json:"pool_size_used"`
	Results      []DeliveryResult `json:"results"`
}

// FailedCount is the number of results whose outcome is not Sent.
func (r *BatchReport) FailedCount() int {
	return len(r.Results) - r.SentCount
}

// SendAck is what a channel returns for an accepted message.
type SendAck struct {
	ProviderID string
}

// SettingsMap is an immutable snapshot of one integration's settings, keyed by lower-cased name.
type SettingsMap map[string]string

// NewSettingsMap copies raw into a new map with lower-cased keys.
func NewSettingsMap(raw map[string]string) SettingsMap {
	m := make(SettingsMap, len(raw))
	for k, v := range raw {
		m[strings.ToLower(k)] = v
	}
	return m
}

// Get returns the value for key (case-insensitive) or fallback when absent or empty.
func (s SettingsMap) Get(key, fallback string) string {
	if v, ok := s[strings.ToLower(key)]; ok && v != "" {
		return v
	}
	return fallback
}

// Require returns the value for key or an ErrMissingSetting error.
func (s SettingsMap) Require(key string) (string, error) {
	v := s.Get(key, "")
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingSetting, strings.ToLower(key))
	}
	return v, nil
}

// Int parses key as an integer, returning fallback when absent.
func (s SettingsMap) Int(key string, fallback int) (int, error) {
	v := s.Get(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", strings.ToLower(key), err)
	}
	return n, nil
}

// Bool parses key as a boolean, returning fallback when absent.
func (s SettingsMap) Bool(key string, fallback bool) (bool, error) {
	v := s.Get(key, "")
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("setting %s: %w", strings.ToLower(key), err)
	}
	return b, nil
}

// Duration parses key as a Go duration string, returning fallback when absent.
func (s SettingsMap) Duration(key string, fallback time.Duration) (time.Duration, error) {
	v := s.Get(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", strings.ToLower(key), err)
	}
	return d, nil
}

// InboundMessage is a message received by a long-running chat listener.
type InboundMessage struct {
	Channel     string    `json:"channel"`
	ConnectedID string    `json:"connected_id"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name,omitempty"`
	ChatID      string    `json:"chat_id"`
	Text        string    `json:"text"`
	ReceivedAt  time.Time `json:"received_at"`
}
