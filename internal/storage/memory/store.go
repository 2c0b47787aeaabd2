// Package memory holds in-process settings storage for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// Store is a SettingsStore backed by a map.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]dispatch.SettingsMap
}

// NewStore seeds the store with integration -> connected id -> settings.
func NewStore(seed map[string]map[string]map[string]string) *Store {
	s := &Store{data: make(map[string]map[string]dispatch.SettingsMap)}
	for integration, conns := range seed {
		for id, settings := range conns {
			s.put(integration, id, dispatch.NewSettingsMap(settings))
		}
	}
	return s
}

func (s *Store) Get(_ context.Context, integrationKey, connectedID string) (dispatch.SettingsMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.data[integrationKey][connectedID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", dispatch.ErrSettingsNotFound, integrationKey, connectedID)
	}
	// Callers must not be able to mutate the stored map.
	return dispatch.NewSettingsMap(settings), nil
}

func (s *Store) Put(_ context.Context, integrationKey, connectedID string, settings dispatch.SettingsMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(integrationKey, connectedID, dispatch.NewSettingsMap(settings))
	return nil
}

func (s *Store) put(integrationKey, connectedID string, settings dispatch.SettingsMap) {
	conns, ok := s.data[integrationKey]
	if !ok {
		conns = make(map[string]dispatch.SettingsMap)
		s.data[integrationKey] = conns
	}
	conns[connectedID] = settings
}

func (s *Store) Invalidate(context.Context, string, string) error { return nil }

func (s *Store) ListConnections(_ context.Context, integrationKey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.data[integrationKey]))
	for id := range s.data[integrationKey] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
