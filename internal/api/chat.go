package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/supportdesk/internal/chat"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/identity"
)

// ChatHandler serves the customer side. The session token is the only
// credential.
type ChatHandler struct {
	mgr *chat.Manager
}

// NewChatHandler creates a customer chat handler.
func NewChatHandler(mgr *chat.Manager) *ChatHandler {
	return &ChatHandler{mgr: mgr}
}

// RegisterRoutes registers customer routes relative to the mount point.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.StartSession)
	r.Get("/session", h.GetSession)
	r.Post("/messages", h.SendMessage)
	r.Get("/messages", h.GetMessages)
	r.Post("/close", h.CloseSession)
}

type startSessionRequest struct {
	OrderID       int64  `json:"orderId"`
	CustomerID    *int64 `json:"customerId,omitempty"`
	CustomerEmail string `json:"customerEmail"`
	CustomerName  string `json:"customerName"`
}

type sendMessageRequest struct {
	Token      string `json:"token"`
	Content    string `json:"content"`
	SenderType string `json:"senderType,omitempty"`
}

type closeSessionRequest struct {
	Token string `json:"token"`
}

type sessionView struct {
	SessionID int64                `json:"sessionId"`
	OrderID   int64                `json:"orderId"`
	Status    domain.SessionStatus `json:"status"`
	Assigned  bool                 `json:"assigned"`
	CreatedAt string               `json:"createdAt"`
	ExpiresAt string               `json:"expiresAt,omitempty"`
	ClosedAt  string               `json:"closedAt,omitempty"`
}

// StartSession handles POST /api/chat/sessions.
func (h *ChatHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.OrderID <= 0 {
		writeError(w, r, chat.ErrInvalidInput)
		return
	}

	res, err := h.mgr.StartSession(r.Context(), chat.StartRequest{
		OrderID:       req.OrderID,
		CustomerID:    req.CustomerID,
		CustomerEmail: req.CustomerEmail,
		CustomerName:  req.CustomerName,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, res)
}

// GetSession handles GET /api/chat/session.
func (h *ChatHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.mgr.SessionByToken(r.Context(), identity.CustomerToken(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, newSessionView(session))
}

// SendMessage handles POST /api/chat/messages.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	token := req.Token
	if token == "" {
		token = identity.CustomerToken(r)
	}

	res, err := h.mgr.SendMessage(r.Context(), chat.TokenMessage{
		Token:      token,
		Content:    req.Content,
		SenderKind: domain.SenderKind(req.SenderType),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, res)
}

// GetMessages handles GET /api/chat/messages.
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
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

	res, err := h.mgr.GetMessages(r.Context(), chat.TokenQuery{
		Token:   identity.CustomerToken(r),
		Limit:   int(min(limit, 1<<20)),
		AfterID: after,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// CloseSession handles POST /api/chat/close.
func (h *ChatHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	var req closeSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	token := req.Token
	if token == "" {
		token = identity.CustomerToken(r)
	}

	res, err := h.mgr.CloseSession(r.Context(), token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

func newSessionView(s *domain.ChatSession) sessionView {
	const layout = "2006-01-02T15:04:05.000Z07:00"
	v := sessionView{
		SessionID: s.ID,
		OrderID:   s.OrderID,
		Status:    s.Status,
		Assigned:  s.AgentID != nil,
		CreatedAt: s.CreatedAt.UTC().Format(layout),
	}
	if s.ExpiresAt != nil {
		v.ExpiresAt = s.ExpiresAt.UTC().Format(layout)
	}
	if s.ClosedAt != nil {
		v.ClosedAt = s.ClosedAt.UTC().Format(layout)
	}
	return v
}
