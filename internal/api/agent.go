package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/supportdesk/internal/chat"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/identity"
	"github.com/ashureev/supportdesk/internal/quickreply"
)

// AgentHandler serves the agent side. Routes must be mounted behind
// identity.AgentMiddleware.
type AgentHandler struct {
	mgr     *chat.Manager
	replies *quickreply.Service
}

// NewAgentHandler creates an agent handler.
func NewAgentHandler(mgr *chat.Manager, replies *quickreply.Service) *AgentHandler {
	return &AgentHandler{mgr: mgr, replies: replies}
}

// RegisterRoutes registers agent routes relative to the mount point.
func (h *AgentHandler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.GetStatus)
	r.Put("/status", h.SetStatus)
	r.Post("/heartbeat", h.Heartbeat)

	r.Get("/sessions", h.ActiveSessions)
	r.Get("/sessions/waiting", h.WaitingSessions)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Post("/claim", h.Claim)
		r.Get("/messages", h.GetMessages)
		r.Post("/messages", h.SendMessage)
		r.Post("/close", h.Close)
	})

	r.Get("/quick-replies", h.ListQuickReplies)
	r.Post("/quick-replies", h.CreateQuickReply)
}

type presenceRequest struct {
	Status string `json:"status"`
}

type agentMessageRequest struct {
	Content string `json:"content"`
}

type quickReplyRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func agentFrom(r *http.Request) (int64, error) {
	id, ok := identity.AgentIDFromContext(r.Context())
	if !ok {
		return 0, chat.ErrUnauthorized
	}
	return id, nil
}

func sessionParam(r *http.Request) (int64, error) {
	return pathInt64(chi.URLParam(r, "sessionID"))
}

// GetStatus handles GET /api/agent/status.
func (h *AgentHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := h.mgr.AgentStatus(r.Context(), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

// SetStatus handles PUT /api/agent/status.
func (h *AgentHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req presenceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	st, err := h.mgr.SetPresence(r.Context(), agentID, domain.Presence(req.Status))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

// Heartbeat handles POST /api/agent/heartbeat.
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.mgr.Heartbeat(r.Context(), agentID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActiveSessions handles GET /api/agent/sessions.
func (h *AgentHandler) ActiveSessions(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessions, err := h.mgr.AgentActiveSessions(r.Context(), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// WaitingSessions handles GET /api/agent/sessions/waiting.
func (h *AgentHandler) WaitingSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.mgr.WaitingSessions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// Claim handles POST /api/agent/sessions/{sessionID}/claim.
func (h *AgentHandler) Claim(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID, err := sessionParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	session, err := h.mgr.ClaimSession(r.Context(), agentID, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, session)
}

// GetMessages handles GET /api/agent/sessions/{sessionID}/messages.
func (h *AgentHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID, err := sessionParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt64(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	after, err := queryInt64(r, "after")
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.mgr.GetAgentMessages(r.Context(), chat.AgentQuery{
		AgentID:   agentID,
		SessionID: sessionID,
		Limit:     int(min(limit, 1<<20)),
		AfterID:   after,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// SendMessage handles POST /api/agent/sessions/{sessionID}/messages.
func (h *AgentHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID, err := sessionParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req agentMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.mgr.SendAgentMessage(r.Context(), chat.AgentMessage{
		AgentID:   agentID,
		SessionID: sessionID,
		Content:   req.Content,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, res)
}

// Close handles POST /api/agent/sessions/{sessionID}/close.
func (h *AgentHandler) Close(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID, err := sessionParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.mgr.CloseAgentSession(r.Context(), agentID, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// ListQuickReplies handles GET /api/agent/quick-replies.
func (h *AgentHandler) ListQuickReplies(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	replies, err := h.replies.List(r.Context(), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"replies": replies})
}

// CreateQuickReply handles POST /api/agent/quick-replies.
func (h *AgentHandler) CreateQuickReply(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req quickReplyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	reply, err := h.replies.Create(r.Context(), agentID, req.Title, req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, reply)
}
