package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/supportdesk/internal/api"
	"github.com/ashureev/supportdesk/internal/chat"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/events"
	"github.com/ashureev/supportdesk/internal/identity"
)

const (
	RoleCustomer = "customer"
	RoleAgent    = "agent"

	writeTimeout = 10 * time.Second
)

// SocketHandler serves the per-session chat websockets.
type SocketHandler struct {
	mgr           *chat.Manager
	reg           *Registry
	allowedOrigin string
	isDev         bool
}

// NewSocketHandler creates a websocket handler.
func NewSocketHandler(mgr *chat.Manager, reg *Registry, allowedOrigin string, isDev bool) *SocketHandler {
	return &SocketHandler{mgr: mgr, reg: reg, allowedOrigin: allowedOrigin, isDev: isDev}
}

// wsMessage is a client frame.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	AfterID int64  `json:"afterId,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// participant binds socket frames to chat operations for one side of a
// session.
type participant struct {
	role    string
	id      string
	agentID int64
	send func(ctx context.Context, content string) (*chat.SendResult, error)
	read func(ctx context.Context, afterID int64, limit int) (*chat.MessagesResult, error)
}

// ServeCustomer handles GET /ws/chat?token=...
func (h *SocketHandler) ServeCustomer(w http.ResponseWriter, r *http.Request) {
	token := identity.CustomerToken(r)
	session, err := h.mgr.SessionByToken(r.Context(), token)
	if err != nil {
		status, code := api.StatusFor(err)
		api.Error(w, status, code, "cannot open chat")
		return
	}

	h.serve(w, r, session, participant{
		role: RoleCustomer,
		id:   "session:" + strconv.FormatInt(session.ID, 10),
		send: func(ctx context.Context, content string) (*chat.SendResult, error) {
			return h.mgr.SendMessage(ctx, chat.TokenMessage{Token: token, Content: content})
		},
		read: func(ctx context.Context, afterID int64, limit int) (*chat.MessagesResult, error) {
			return h.mgr.GetMessages(ctx, chat.TokenQuery{Token: token, AfterID: afterID, Limit: limit})
		},
	})
}

// ServeAgent handles GET /ws/agent/sessions/{sessionID}. Must be mounted
// behind identity.AgentMiddleware.
func (h *SocketHandler) ServeAgent(w http.ResponseWriter, r *http.Request) {
	agentID, ok := identity.AgentIDFromContext(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized", "missing agent identity")
		return
	}
	sessionID, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil || sessionID <= 0 {
		api.Error(w, http.StatusBadRequest, api.CodeInvalidInput, "invalid session id")
		return
	}
	session, err := h.mgr.AgentSession(r.Context(), agentID, sessionID)
	if err != nil {
		status, code := api.StatusFor(err)
		api.Error(w, status, code, "cannot open chat")
		return
	}

	h.serve(w, r, session, participant{
		role:    RoleAgent,
		id:      "agent:" + strconv.FormatInt(agentID, 10),
		agentID: agentID,
		send: func(ctx context.Context, content string) (*chat.SendResult, error) {
			return h.mgr.SendAgentMessage(ctx, chat.AgentMessage{AgentID: agentID, SessionID: sessionID, Content: content})
		},
		read: func(ctx context.Context, afterID int64, limit int) (*chat.MessagesResult, error) {
			return h.mgr.GetAgentMessages(ctx, chat.AgentQuery{AgentID: agentID, SessionID: sessionID, AfterID: afterID, Limit: limit})
		},
	})
}

func (h *SocketHandler) serve(w http.ResponseWriter, r *http.Request, session *domain.ChatSession, p participant) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", session.ID, "role", p.role)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", session.ID)
		}
	}()

	s := h.reg.register(session.ID, p.role, p.agentID, ws)
	defer h.reg.unregister(session.ID, s)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := writeJSON(ctx, ws, map[string]any{"type": "session", "session": session}); err != nil {
		slog.Debug("Failed to send session snapshot", "error", err, "session_id", session.ID)
		return
	}
	if session.Status == domain.SessionClosed {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: client frames -> chat operations.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, session.ID, p)
	}()

	// Output loop: session events -> client.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, s, session.ID)
	}()

	wg.Wait()
	slog.Info("Chat socket ended", "session_id", session.ID, "role", p.role, "participant", p.id)
}

func (h *SocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *SocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, sessionID int64, p participant) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed", "session_id", sessionID, "role", p.role)
			} else {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID, "role", p.role)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := writeJSON(ctx, ws, errorFrame(chat.ErrInvalidInput)); err != nil {
				return
			}
			continue
		}

		var reply any
		switch msg.Type {
		case "message":
			res, err := p.send(ctx, msg.Content)
			if err != nil {
				reply = errorFrame(err)
				break
			}
			reply = map[string]any{"type": "sent", "messageId": res.MessageID}
		case "read":
			res, err := p.read(ctx, msg.AfterID, msg.Limit)
			if err != nil {
				reply = errorFrame(err)
				break
			}
			reply = map[string]any{"type": "messages", "sessionId": res.SessionID, "messages": res.Messages}
		case "ping":
			reply = map[string]string{"type": "pong"}
		default:
			reply = errorFrame(chat.ErrInvalidInput)
		}

		if err := writeJSON(ctx, ws, reply); err != nil {
			slog.Debug("Failed to write reply", "error", err, "session_id", sessionID)
			return
		}
	}
}

// outputLoop forwards session events until the session closes. An agent
// socket opened on a waiting session ends once another agent owns it.
func (h *SocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, s *socket, sessionID int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.out:
			if !s.accepts(ev) {
				slog.Info("Session owned by another agent, closing socket",
					"session_id", sessionID, "agent_id", s.agentID, "owner_id", ev.AgentID)
				if err := writeJSON(ctx, ws, errorFrame(chat.ErrUnauthorized)); err != nil {
					slog.Debug("Failed to write reply", "error", err, "session_id", sessionID)
				}
				_ = ws.Close(websocket.StatusPolicyViolation, "session assigned to another agent")
				return
			}
			if err := writeJSON(ctx, ws, ev); err != nil {
				slog.Debug("Failed to forward event", "error", err, "session_id", sessionID, "event_type", ev.Type)
				return
			}
			if ev.Type == events.SessionClosed {
				return
			}
		}
	}
}

func errorFrame(err error) map[string]string {
	_, code := api.StatusFor(err)
	return map[string]string{"type": "error", "code": code}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
