package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/supportdesk/internal/events"
	"github.com/ashureev/supportdesk/internal/identity"
)

const (
	defaultRetryDelay        = 5 * time.Second
	defaultKeepaliveInterval = 15 * time.Second
)

// sseConn represents a single SSE client connection.
type sseConn struct {
	id      int64
	agentID int64
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	mu      sync.Mutex
}

// AgentFeed streams events relevant to an agent over SSE: sessions
// entering the waiting queue, assignments, messages in the agent's
// sessions and presence changes.
type AgentFeed struct {
	mu        sync.RWMutex
	conns     map[int64]map[int64]*sseConn // agentID -> connID -> conn
	queue     *ReplayQueue
	counterMu sync.Mutex
	eventID   int64
	connID    int64
	retry     time.Duration
	keepalive time.Duration
	closing   chan struct{}
	closeOnce sync.Once
}

// NewAgentFeed creates an SSE feed keeping replaySize events per agent.
func NewAgentFeed(replaySize int) *AgentFeed {
	return &AgentFeed{
		conns:     make(map[int64]map[int64]*sseConn),
		queue:     NewReplayQueue(replaySize),
		retry:     defaultRetryDelay,
		keepalive: defaultKeepaliveInterval,
		closing:   make(chan struct{}),
	}
}

// Close ends every open stream. Used on shutdown.
func (f *AgentFeed) Close() {
	f.closeOnce.Do(func() { close(f.closing) })
}

func (f *AgentFeed) nextEventID() int64 {
	f.counterMu.Lock()
	defer f.counterMu.Unlock()
	f.eventID++
	return f.eventID
}

// Dispatch delivers an event to the agents it concerns.
func (f *AgentFeed) Dispatch(ev events.Event) {
	f.mu.RLock()
	var targets []int64
	if ev.Broadcast() {
		for agentID := range f.conns {
			targets = append(targets, agentID)
		}
	} else if ev.AgentID != 0 {
		targets = append(targets, ev.AgentID)
	}
	f.mu.RUnlock()

	for _, agentID := range targets {
		eventID := f.nextEventID()
		f.queue.Enqueue(agentID, eventID, ev)

		f.mu.RLock()
		conns := make([]*sseConn, 0, len(f.conns[agentID]))
		for _, c := range f.conns[agentID] {
			conns = append(conns, c)
		}
		f.mu.RUnlock()

		for _, c := range conns {
			f.send(c, eventID, ev)
		}
	}
}

func (f *AgentFeed) send(c *sseConn, eventID int64, ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}

	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to marshal SSE event", "error", err, "event_type", ev.Type)
		return
	}
	if err := writeSSEWithID(c.w, eventID, ev.Type, string(data)); err != nil {
		slog.Debug("Failed to write to SSE connection", "error", err, "agent_id", c.agentID, "conn_id", c.id)
		return
	}
	c.flusher.Flush()
}

// ServeHTTP handles GET /api/agent/stream. Must be mounted behind
// identity.AgentMiddleware.
func (f *AgentFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID, ok := identity.AgentIDFromContext(r.Context())
	if !ok {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", f.retry.Milliseconds())); err != nil {
		return
	}
	flusher.Flush()

	f.counterMu.Lock()
	f.connID++
	connID := f.connID
	f.counterMu.Unlock()

	conn := &sseConn{id: connID, agentID: agentID, w: w, flusher: flusher, done: make(chan struct{})}

	f.mu.Lock()
	if _, exists := f.conns[agentID]; !exists {
		f.conns[agentID] = make(map[int64]*sseConn)
	}
	f.conns[agentID][connID] = conn
	f.mu.Unlock()

	defer func() {
		conn.mu.Lock()
		close(conn.done)
		conn.mu.Unlock()

		f.mu.Lock()
		last := false
		if agentConns, exists := f.conns[agentID]; exists {
			delete(agentConns, connID)
			if len(agentConns) == 0 {
				delete(f.conns, agentID)
				last = true
			}
		}
		f.mu.Unlock()
		if last {
			f.queue.Prune(agentID)
		}
		slog.Info("Agent stream closed", "agent_id", agentID, "conn_id", connID)
	}()

	if lastEventID > 0 {
		for _, qe := range f.queue.Since(agentID, lastEventID) {
			f.send(conn, qe.EventID, qe.Event)
		}
	}

	agentName := identity.AgentNameFromContext(r.Context())
	connected, err := json.Marshal(map[string]any{"status": "connected", "agentId": agentID, "name": agentName})
	if err != nil {
		return
	}
	conn.mu.Lock()
	err = writeSSE(w, "connected", string(connected))
	if err == nil {
		flusher.Flush()
	}
	conn.mu.Unlock()
	if err != nil {
		return
	}

	slog.Info("Agent stream connected", "agent_id", agentID, "agent_name", agentName, "conn_id", connID, "reconnect", lastEventID > 0)

	keepalive := time.NewTicker(f.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-f.closing:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			err := writeSSE(w, "ping", `{"status":"alive"}`)
			if err == nil {
				flusher.Flush()
			}
			conn.mu.Unlock()
			if err != nil {
				slog.Debug("Failed to write SSE keepalive", "error", err, "agent_id", agentID)
				return
			}
		}
	}
}

// Connected reports how many SSE connections the agent holds.
func (f *AgentFeed) Connected(agentID int64) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.conns[agentID])
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
