// Package session keeps at most one long-running inbound listener alive per credential key.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// State describes where a key is in its listener lifecycle.
type State int

const (
	Absent State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "absent"
	}
}

type session struct {
	key       string
	state     State
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

// keyLock serialises Start and Stop for one key. refs counts holders and waiters so the
// lock can be dropped from the map once nobody needs it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Manager owns the listener registry. Create one per service and share it by pointer.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	ops      map[string]*keyLock
	logger   *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*session),
		ops:      make(map[string]*keyLock),
		logger:   logger.With("component", "SessionManager"),
	}
}

func (m *Manager) lockKey(key string) func() {
	m.mu.Lock()
	l, ok := m.ops[key]
	if !ok {
		l = &keyLock{}
		m.ops[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.ops, key)
		}
		m.mu.Unlock()
	}
}

// Start replaces whatever listener is registered for key with a new one built by factory.
// Any previous listener is fully stopped before factory is called. Start returns once the
// listener is registered; failures inside the running listener are logged, not returned.
func (m *Manager) Start(ctx context.Context, key string, factory dispatch.ListenerFactory) error {
	if key == "" {
		return dispatch.ErrInvalidKey
	}
	unlock := m.lockKey(key)
	defer unlock()

	if err := m.stopLocked(ctx, key); err != nil {
		return err
	}

	s := &session{key: key, state: Starting, done: make(chan struct{})}
	m.mu.Lock()
	m.sessions[key] = s
	m.mu.Unlock()

	listener, err := factory(ctx)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, key)
		m.mu.Unlock()
		close(s.done)
		return &dispatch.SessionError{Key: key, Err: fmt.Errorf("listener factory: %w", err)}
	}

	// The listener must outlive the request that started it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	s.cancel = cancel
	s.state = Running
	s.startedAt = time.Now()
	m.mu.Unlock()

	go m.run(runCtx, s, listener)

	m.logger.Info("Listener started", "key", key)
	return nil
}

func (m *Manager) run(ctx context.Context, s *session, listener dispatch.Listener) {
	logger := m.logger.With("key", s.key)
	defer close(s.done)
	defer func() {
		m.mu.Lock()
		if m.sessions[s.key] == s {
			delete(m.sessions, s.key)
		}
		m.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Listener panicked", "err", &dispatch.SessionError{Key: s.key, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	err := listener.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled) && ctx.Err() != nil:
		logger.Info("Listener exited", "uptime", time.Since(s.startedAt))
	default:
		logger.Error("Listener failed", "err", &dispatch.SessionError{Key: s.key, Err: err})
	}
}

// Stop cancels the listener for key and waits for it to finish tearing down. Stopping a key
// with nothing running is a no-op. If ctx expires first the session stays registered in
// the Stopping state and its run goroutine deregisters it when it exits.
func (m *Manager) Stop(ctx context.Context, key string) error {
	if key == "" {
		return dispatch.ErrInvalidKey
	}
	unlock := m.lockKey(key)
	defer unlock()
	return m.stopLocked(ctx, key)
}

func (m *Manager) stopLocked(ctx context.Context, key string) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		s.state = Stopping
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return &dispatch.SessionError{Key: key, Err: fmt.Errorf("waiting for listener to stop: %w", ctx.Err())}
	}

	m.mu.Lock()
	if m.sessions[key] == s {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	m.logger.Info("Listener stopped", "key", key)
	return nil
}

func (m *Manager) IsRunning(key string) bool {
	return m.State(key) == Running
}

func (m *Manager) State(key string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s.state
	}
	return Absent
}

// Keys lists every registered key in sorted order.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// StopAll stops every registered listener and returns the joined errors of those that
// did not stop before ctx expired.
func (m *Manager) StopAll(ctx context.Context) error {
	keys := m.Keys()
	errs := make([]error, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.Stop(ctx, key)
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return err
	}
	m.logger.Info("All listeners stopped", "count", len(keys))
	return nil
}
