// Package realtime serves discovery sessions over a websocket: commands in,
// session events and browser audio frames.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Connections tracks the open websocket of each browsing context. A new
// connection for the same key replaces the old one.
type Connections struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewConnections creates an empty connection set.
func NewConnections() *Connections {
	return &Connections{
		active: make(map[string]*websocket.Conn),
	}
}

// Get returns the open connection for key, or nil.
func (m *Connections) Get(key string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[key]
}

// Register records conn for key, closing any connection it replaces.
func (m *Connections) Register(key string, conn *websocket.Conn) {
	m.mu.Lock()
	existing, exists := m.active[key]
	m.active[key] = conn
	m.mu.Unlock()

	if exists && existing != conn {
		// Close waits for the peer's handshake.
		go func() { _ = existing.Close(websocket.StatusPolicyViolation, "session replaced") }()
	}
	slog.Info("Discovery socket registered", "session_key", key)
}

// Unregister forgets conn if it is still the current connection for key.
func (m *Connections) Unregister(key string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, exists := m.active[key]; exists && current == conn {
		delete(m.active, key)
		slog.Info("Discovery socket unregistered", "session_key", key)
	}
}

// CloseSession closes the connection for key, if any.
func (m *Connections) CloseSession(key string) {
	m.mu.Lock()
	conn, ok := m.active[key]
	delete(m.active, key)
	m.mu.Unlock()

	if ok {
		go func() { _ = conn.Close(websocket.StatusNormalClosure, "session closed") }()
		slog.Info("Discovery socket closed", "session_key", key)
	}
}

// Len returns the number of open connections.
func (m *Connections) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
