package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// SettingsStore is the origin of integration settings, backed by Google Cloud Firestore.
type SettingsStore struct {
	client *firestore.Client
}

func NewSettingsStore(client *firestore.Client) *SettingsStore {
	return &SettingsStore{client: client}
}

// connectionRecord is the internal DB representation.
type connectionRecord struct {
	Settings  map[string]string `firestore:"settings"`
	UpdatedAt time.Time         `firestore:"updated_at"`
}

func (s *SettingsStore) Get(ctx context.Context, integrationKey, connectedID string) (dispatch.SettingsMap, error) {
	snap, err := s.connectionRef(integrationKey, connectedID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("%w: %s/%s", dispatch.ErrSettingsNotFound, integrationKey, connectedID)
	}
	if err != nil {
		return nil, fmt.Errorf("firestore get failed: %w", err)
	}

	var record connectionRecord
	if err := snap.DataTo(&record); err != nil {
		return nil, fmt.Errorf("corrupt settings document %s: %w", snap.Ref.Path, err)
	}
	return dispatch.NewSettingsMap(record.Settings), nil
}

// Put replaces the whole settings map of a connection.
func (s *SettingsStore) Put(ctx context.Context, integrationKey, connectedID string, settings dispatch.SettingsMap) error {
	record := connectionRecord{
		Settings:  map[string]string(dispatch.NewSettingsMap(settings)),
		UpdatedAt: time.Now(),
	}
	_, err := s.connectionRef(integrationKey, connectedID).Set(ctx, record)
	return err
}

// Invalidate is a no-op: Firestore is the source of truth.
func (s *SettingsStore) Invalidate(context.Context, string, string) error {
	return nil
}

// ListConnections returns the connected ids stored under one integration.
func (s *SettingsStore) ListConnections(ctx context.Context, integrationKey string) ([]string, error) {
	iter := s.connectionsCollection(integrationKey).Documents(ctx)
	defer iter.Stop()

	ids := make([]string, 0)
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}
		ids = append(ids, doc.Ref.ID)
	}
	return ids, nil
}

// --- Helpers ---

// connectionRef: integrations/{integrationKey}/connections/{connectedID}
func (s *SettingsStore) connectionRef(integrationKey, connectedID string) *firestore.DocumentRef {
	return s.connectionsCollection(integrationKey).Doc(connectedID)
}

func (s *SettingsStore) connectionsCollection(integrationKey string) *firestore.CollectionRef {
	return s.client.Collection("integrations").Doc(integrationKey).Collection("connections")
}
