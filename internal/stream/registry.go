package stream

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/ashureev/supportdesk/internal/events"
)

const socketBuffer = 32

// socket is one connected websocket watching a chat session. agentID is
// the agent behind an agent socket and zero for the customer.
type socket struct {
	conn    *websocket.Conn
	out     chan events.Event
	role    string
	agentID int64
}

// accepts reports whether ev may reach this socket. Events of a session
// owned by another agent never reach an agent socket.
func (s *socket) accepts(ev events.Event) bool {
	return s.agentID == 0 || ev.AgentID == 0 || ev.AgentID == s.agentID
}

// Registry tracks the websockets attached to each chat session.
type Registry struct {
	mu     sync.RWMutex
	active map[int64]map[*socket]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[int64]map[*socket]struct{})}
}

// register attaches a connection to a session and returns its handle.
func (m *Registry) register(sessionID int64, role string, agentID int64, conn *websocket.Conn) *socket {
	s := &socket{conn: conn, out: make(chan events.Event, socketBuffer), role: role, agentID: agentID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[sessionID]; !ok {
		m.active[sessionID] = make(map[*socket]struct{})
	}
	m.active[sessionID][s] = struct{}{}
	slog.Info("Chat socket registered", "session_id", sessionID, "role", role)
	return s
}

// unregister detaches a connection.
func (m *Registry) unregister(sessionID int64, s *socket) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sockets, ok := m.active[sessionID]
	if !ok {
		return
	}
	if _, exists := sockets[s]; exists {
		delete(sockets, s)
		if len(sockets) == 0 {
			delete(m.active, sessionID)
		}
		slog.Info("Chat socket unregistered", "session_id", sessionID, "role", s.role)
	}
}

// Count returns the number of sockets attached to a session.
func (m *Registry) Count(sessionID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[sessionID])
}

// Dispatch queues the event on every socket of its session. Sockets that
// cannot keep up lose the event.
func (m *Registry) Dispatch(ev events.Event) {
	if ev.SessionID == 0 {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for s := range m.active[ev.SessionID] {
		select {
		case s.out <- ev:
		default:
			slog.Warn("Chat socket lagging, dropping event", "session_id", ev.SessionID, "event_type", ev.Type)
		}
	}
}

// CloseAll terminates every socket. Used on shutdown.
func (m *Registry) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sessionID, sockets := range m.active {
		for s := range sockets {
			_ = s.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(m.active, sessionID)
	}
}
