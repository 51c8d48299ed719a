// Package stream serves the WebSocket chat channel.
package stream

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnManager tracks open WebSocket connections per browser session.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]map[*websocket.Conn]struct{}
}

// NewConnManager creates an empty manager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		active: make(map[string]map[*websocket.Conn]struct{}),
	}
}

// Register adds conn under stateID.
func (m *ConnManager) Register(stateID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[stateID]; !exists {
		m.active[stateID] = make(map[*websocket.Conn]struct{})
	}
	m.active[stateID][conn] = struct{}{}
	slog.Debug("Chat socket registered", "state_id", stateID, "open", len(m.active[stateID]))
}

// Unregister removes conn from stateID.
func (m *ConnManager) Unregister(stateID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.active[stateID]
	if !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(m.active, stateID)
	}
}

// Count returns the number of open connections for stateID.
func (m *ConnManager) Count(stateID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[stateID])
}

// CloseState closes every connection of stateID. It is called on logout and
// when the sweeper evicts the state.
func (m *ConnManager) CloseState(stateID string) {
	m.mu.Lock()
	conns := m.active[stateID]
	delete(m.active, stateID)
	m.mu.Unlock()

	for conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	if len(conns) > 0 {
		slog.Info("Chat sockets closed", "state_id", stateID, "count", len(conns))
	}
}
