package chat

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/events"
)

// TokenMessage is a customer-side send.
type TokenMessage struct {
	Token      string            `json:"token"`
	Content    string            `json:"content"`
	SenderKind domain.SenderKind `json:"senderType,omitempty"`
}

// AgentMessage is an agent-side send.
type AgentMessage struct {
	AgentID   int64  `json:"-"`
	SessionID int64  `json:"sessionId"`
	Content   string `json:"content"`
}

// SendResult is returned by the send operations.
type SendResult struct {
	MessageID int64 `json:"messageId"`
	Success   bool  `json:"success"`
}

// TokenQuery is a customer-side read.
type TokenQuery struct {
	Token   string
	Limit   int
	AfterID int64
}

// AgentQuery is an agent-side read.
type AgentQuery struct {
	AgentID   int64
	SessionID int64
	Limit     int
	AfterID   int64
}

// MessagesResult is returned by the read operations.
type MessagesResult struct {
	Messages  []*domain.ChatMessage `json:"messages"`
	SessionID int64                 `json:"sessionId"`
}

// SendMessage appends a message to the session behind the token with the
// given sender kind. A missing or unknown kind is stored as customer. Token
// messages carry no sender id.
func (m *Manager) SendMessage(ctx context.Context, req TokenMessage) (*SendResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	kind := req.SenderKind
	if !kind.Valid() {
		kind = domain.SenderCustomer
	}

	session, err := m.sessionByToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.SessionActive {
		return nil, ErrInvalidState
	}

	return m.append(ctx, session, &domain.ChatMessage{
		SessionID:  session.ID,
		SenderType: kind,
		Content:    content,
	})
}

// SendAgentMessage appends a message from the session's assigned agent.
func (m *Manager) SendAgentMessage(ctx context.Context, req AgentMessage) (*SendResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	session, err := m.agentSession(ctx, req.AgentID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.SessionActive {
		return nil, ErrInvalidState
	}

	agentID := req.AgentID
	return m.append(ctx, session, &domain.ChatMessage{
		SessionID:  session.ID,
		SenderID:   &agentID,
		SenderType: domain.SenderAgent,
		Content:    content,
	})
}

func (m *Manager) append(ctx context.Context, session *domain.ChatSession, msg *domain.ChatMessage) (*SendResult, error) {
	msg.CreatedAt = m.now()

	ok, err := m.repo.AppendMessage(ctx, msg)
	if err != nil {
		return nil, storageErr("append message", err)
	}
	if !ok {
		// Closed between resolution and insert.
		return nil, ErrInvalidState
	}

	slog.Debug("Chat message stored",
		"session_id", session.ID, "message_id", msg.ID, "sender_type", msg.SenderType)

	var agentID int64
	if session.AgentID != nil {
		agentID = *session.AgentID
	}
	m.publish(ctx, events.Event{Type: events.MessageCreated, SessionID: session.ID, AgentID: agentID, Payload: msg})

	return &SendResult{MessageID: msg.ID, Success: true}, nil
}

// GetMessages returns the session's messages for the customer and marks
// the agent's messages read.
func (m *Manager) GetMessages(ctx context.Context, q TokenQuery) (*MessagesResult, error) {
	session, err := m.sessionByToken(ctx, q.Token)
	if err != nil {
		return nil, err
	}
	return m.read(ctx, session, domain.SenderCustomer, q.AfterID, q.Limit)
}

// GetAgentMessages returns the session's messages for its assigned agent
// and marks the customer's messages read.
func (m *Manager) GetAgentMessages(ctx context.Context, q AgentQuery) (*MessagesResult, error) {
	session, err := m.agentSession(ctx, q.AgentID, q.SessionID)
	if err != nil {
		return nil, err
	}
	return m.read(ctx, session, domain.SenderAgent, q.AfterID, q.Limit)
}

// read flips the counterpart's unread messages before listing, so the
// returned page already reflects the flip.
func (m *Manager) read(ctx context.Context, session *domain.ChatSession, reader domain.SenderKind, afterID int64, limit int) (*MessagesResult, error) {
	author := reader.Counterpart()
	flipped, err := m.repo.MarkRead(ctx, session.ID, author)
	if err != nil {
		return nil, storageErr("mark messages read", err)
	}

	msgs, err := m.repo.ListMessages(ctx, session.ID, afterID, m.clampLimit(limit))
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	if msgs == nil {
		msgs = []*domain.ChatMessage{}
	}

	if flipped > 0 {
		var agentID int64
		if session.AgentID != nil {
			agentID = *session.AgentID
		}
		m.publish(ctx, events.Event{
			Type:      events.MessagesRead,
			SessionID: session.ID,
			AgentID:   agentID,
			Payload:   map[string]any{"reader": reader, "count": flipped},
		})
	}

	return &MessagesResult{Messages: msgs, SessionID: session.ID}, nil
}

func (m *Manager) clampLimit(limit int) int {
	if limit <= 0 {
		return m.defLim
	}
	if limit > m.maxLim {
		return m.maxLim
	}
	return limit
}

func (m *Manager) sessionByToken(ctx context.Context, token string) (*domain.ChatSession, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	session, err := m.repo.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, storageErr("get session by token", err)
	}
	if session == nil {
		return nil, ErrInvalidToken
	}
	return session, nil
}

// agentSession resolves a session the agent is assigned to.
func (m *Manager) agentSession(ctx context.Context, agentID, sessionID int64) (*domain.ChatSession, error) {
	if agentID <= 0 || sessionID <= 0 {
		return nil, ErrInvalidInput
	}
	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storageErr("get session", err)
	}
	if session == nil {
		return nil, ErrNotFound
	}
	if session.AgentID == nil {
		// Unassigned sessions have no owner to check against.
		return session, nil
	}
	if !session.IsAssignedTo(agentID) {
		return nil, ErrUnauthorized
	}
	return session, nil
}
