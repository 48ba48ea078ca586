package lifecycle

import (
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Manager closes registered resources in reverse registration order.
// Background workers are registered after the stores they use, so they stop first.
type Manager struct {
	mu        sync.Mutex
	resources []resource
	log       zerolog.Logger
	closed    bool
}

type resource struct {
	name   string
	closer io.Closer
}

// Stopper is implemented by background workers (poller, ingester, sweeper).
type Stopper interface {
	Stop()
}

// NewManager creates a new resource lifecycle manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{log: log}
}

// Register adds a resource to be closed when the manager is closed.
func (m *Manager) Register(name string, closer io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = append(m.resources, resource{name: name, closer: closer})
}

// RegisterFunc wraps a cleanup function as a Closer.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.Register(name, closerFunc(fn))
}

// RegisterStopper registers a worker whose Stop blocks until it has exited.
func (m *Manager) RegisterStopper(name string, s Stopper) {
	m.RegisterFunc(name, func() error {
		s.Stop()
		return nil
	})
}

// Close closes all registered resources in reverse order and returns the first error.
// Every resource is attempted even if an earlier one fails. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for i := len(m.resources) - 1; i >= 0; i-- {
		res := m.resources[i]
		if err := res.closer.Close(); err != nil {
			m.log.Error().
				Err(err).
				Str("resource", res.name).
				Msg("lifecycle.close_resource_failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.log.Debug().Str("resource", res.name).Msg("lifecycle.resource_closed")
	}
	return firstErr
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
