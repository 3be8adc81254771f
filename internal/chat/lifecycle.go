package chat

import (
	"context"
	"log/slog"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/events"
)

// CloseResult is returned by the close operations.
type CloseResult struct {
	Success bool `json:"success"`
}

// Reasons attached to session.closed events.
const (
	CloseByCustomer = "customer"
	CloseByAgent    = "agent"
	CloseByExpiry   = "expired"
)

// CloseSession closes the session behind the token. Closing an already
// closed session succeeds without side effects.
func (m *Manager) CloseSession(ctx context.Context, token string) (*CloseResult, error) {
	session, err := m.sessionByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := m.close(ctx, session, CloseByCustomer); err != nil {
		return nil, err
	}
	return &CloseResult{Success: true}, nil
}

// CloseAgentSession closes a session on behalf of its assigned agent. A
// waiting session may be closed by any agent.
func (m *Manager) CloseAgentSession(ctx context.Context, agentID, sessionID int64) (*CloseResult, error) {
	session, err := m.agentSession(ctx, agentID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.close(ctx, session, CloseByAgent); err != nil {
		return nil, err
	}
	return &CloseResult{Success: true}, nil
}

// close transitions the session and releases the agent's load. Only the
// call that performed the transition decrements.
func (m *Manager) close(ctx context.Context, session *domain.ChatSession, reason string) error {
	if !session.Status.CanTransition(domain.SessionClosed) {
		return nil
	}

	at := m.now()
	agentID, closed, err := m.repo.CloseSession(ctx, session.ID, at)
	if err != nil {
		return storageErr("close session", err)
	}
	if !closed {
		return nil
	}

	var owner int64
	if agentID != nil {
		owner = *agentID
		if err := m.repo.DecrementActive(ctx, owner, at); err != nil {
			// The session is closed; reconciliation repairs the counter.
			slog.Error("Failed to decrement agent load", "agent_id", owner, "session_id", session.ID, "error", err)
		}
	}

	session.Status = domain.SessionClosed
	session.AgentID = agentID
	session.ClosedAt = &at
	session.UpdatedAt = at

	slog.Info("Chat session closed", "session_id", session.ID, "agent_id", owner, "reason", reason)
	m.publish(ctx, events.Event{
		Type:      events.SessionClosed,
		SessionID: session.ID,
		AgentID:   owner,
		Payload:   map[string]any{"reason": reason, "closedAt": at.UTC()},
	})
	return nil
}

// CloseExpired closes sessions whose expiry has passed and returns how many
// were closed.
func (m *Manager) CloseExpired(ctx context.Context) (int, error) {
	expired, err := m.repo.ListExpiredSessions(ctx, m.now(), batchSize)
	if err != nil {
		return 0, storageErr("list expired sessions", err)
	}

	closed := 0
	for _, session := range expired {
		if err := m.close(ctx, session, CloseByExpiry); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// SessionByToken returns the customer's view of the session.
func (m *Manager) SessionByToken(ctx context.Context, token string) (*domain.ChatSession, error) {
	return m.sessionByToken(ctx, token)
}

// AgentSession returns a session the agent owns or that is still unassigned.
func (m *Manager) AgentSession(ctx context.Context, agentID, sessionID int64) (*domain.ChatSession, error) {
	return m.agentSession(ctx, agentID, sessionID)
}

// AgentActiveSessions lists the agent's active sessions.
func (m *Manager) AgentActiveSessions(ctx context.Context, agentID int64) ([]*domain.ChatSession, error) {
	if agentID <= 0 {
		return nil, ErrInvalidInput
	}
	sessions, err := m.repo.ListAgentSessions(ctx, agentID, domain.SessionActive)
	if err != nil {
		return nil, storageErr("list agent sessions", err)
	}
	if sessions == nil {
		sessions = []*domain.ChatSession{}
	}
	return sessions, nil
}

// WaitingSessions lists unexpired waiting sessions, oldest first.
func (m *Manager) WaitingSessions(ctx context.Context) ([]*domain.ChatSession, error) {
	sessions, err := m.repo.ListWaitingSessions(ctx, m.now(), batchSize)
	if err != nil {
		return nil, storageErr("list waiting sessions", err)
	}
	if sessions == nil {
		sessions = []*domain.ChatSession{}
	}
	return sessions, nil
}
