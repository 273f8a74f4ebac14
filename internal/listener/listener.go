package listener

import (
	"context"
	"fmt"
	"sync"

	"github.com/wudi/eventrelay/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Listener represents a network listener that can accept connections
type Listener interface {
	// ID returns the unique identifier for this listener
	ID() string

	// Protocol returns the protocol type (http, https)
	Protocol() string

	// Start binds the listener and begins serving in the background. It
	// returns once the address is bound.
	Start(ctx context.Context) error

	// Stop gracefully stops the listener
	Stop(ctx context.Context) error

	// Addr returns the address the listener is bound to
	Addr() string
}

// Manager manages multiple listeners
type Manager struct {
	mu        sync.RWMutex
	listeners map[string]Listener
	order     []string
}

// NewManager creates a new listener manager
func NewManager() *Manager {
	return &Manager{
		listeners: make(map[string]Listener),
	}
}

// Add adds a listener to the manager
func (m *Manager) Add(l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.listeners[l.ID()]; exists {
		return fmt.Errorf("listener with id %s already exists", l.ID())
	}

	m.listeners[l.ID()] = l
	m.order = append(m.order, l.ID())
	return nil
}

// Get returns a listener by ID
func (m *Manager) Get(id string) (Listener, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listeners[id]
	return l, ok
}

// StartAll starts the listeners in the order they were added. If one fails
// to bind, the ones already started are stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	started := make([]Listener, 0, len(m.order))
	for _, id := range m.order {
		l := m.listeners[id]
		if err := l.Start(ctx); err != nil {
			for _, s := range started {
				s.Stop(ctx)
			}
			return fmt.Errorf("listener %s: %w", id, err)
		}
		logging.Info("Listener started",
			zap.String("id", id),
			zap.String("protocol", l.Protocol()),
			zap.String("addr", l.Addr()),
		)
		started = append(started, l)
	}
	return nil
}

// Shutdown stops every listener concurrently and returns when all of them
// have closed or ctx is done. It returns the first error encountered.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var g errgroup.Group
	for _, id := range m.order {
		l := m.listeners[id]
		g.Go(func() error {
			logging.Info("Stopping listener", zap.String("id", l.ID()))
			if err := l.Stop(ctx); err != nil {
				return fmt.Errorf("listener %s: %w", l.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Count returns the number of registered listeners
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// List returns all listener IDs in the order they were added
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}
