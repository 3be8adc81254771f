// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
)

// SessionStore persists chat sessions. It holds no policy: status
// preconditions are expressed as conditional updates and reported back
// to the caller.
type SessionStore interface {
	// CreateSession inserts a session and sets its ID. A duplicate token
	// surfaces as a UNIQUE constraint error.
	CreateSession(ctx context.Context, session *domain.ChatSession) error

	// GetSession retrieves a session by ID. Returns nil, nil if absent.
	GetSession(ctx context.Context, id int64) (*domain.ChatSession, error)

	// GetSessionByToken retrieves a session by its bearer token. Returns nil, nil if absent.
	GetSessionByToken(ctx context.Context, token string) (*domain.ChatSession, error)

	// ActivateSession moves a waiting session to active with the given agent.
	// Returns false if the session was not waiting.
	ActivateSession(ctx context.Context, id, agentID int64, at time.Time) (bool, error)

	// RequeueSession moves an active session owned by agentID back to
	// waiting. Returns false if it is no longer active under that agent.
	RequeueSession(ctx context.Context, id, agentID int64, at time.Time) (bool, error)

	// CloseSession moves a session to closed. Returns the assigned agent (if
	// any) and true only for the call that performed the transition.
	CloseSession(ctx context.Context, id int64, at time.Time) (agentID *int64, closed bool, err error)

	// ListWaitingSessions returns unexpired waiting sessions, oldest first.
	ListWaitingSessions(ctx context.Context, now time.Time, limit int) ([]*domain.ChatSession, error)

	// ListAgentSessions returns sessions assigned to an agent in the given status.
	ListAgentSessions(ctx context.Context, agentID int64, status domain.SessionStatus) ([]*domain.ChatSession, error)

	// ListExpiredSessions returns non-closed sessions whose expiry has passed.
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*domain.ChatSession, error)
}

// MessageStore persists the append-only message log of each session.
type MessageStore interface {
	// AppendMessage inserts a message only while its session is active and
	// sets its ID. Returns false if the session was not active.
	AppendMessage(ctx context.Context, msg *domain.ChatMessage) (bool, error)

	// ListMessages returns messages with id > afterID in display order.
	ListMessages(ctx context.Context, sessionID, afterID int64, limit int) ([]*domain.ChatMessage, error)

	// MarkRead flips unread messages written by sender to read.
	MarkRead(ctx context.Context, sessionID int64, sender domain.SenderKind) (int64, error)
}

// AgentRegistry persists agent presence and load counters. Counter
// updates are single atomic statements.
type AgentRegistry interface {
	// UpsertPresence creates or updates an agent's presence and heartbeat.
	UpsertPresence(ctx context.Context, agentID int64, presence domain.Presence, at time.Time) error

	// Heartbeat refreshes last_heartbeat. Returns false if the agent has no record.
	Heartbeat(ctx context.Context, agentID int64, at time.Time) (bool, error)

	// GetAgentStatus retrieves an agent's status. Returns nil, nil if absent.
	GetAgentStatus(ctx context.Context, agentID int64) (*domain.AgentStatus, error)

	// ListOnline returns online agents ordered by active sessions, then agent id.
	ListOnline(ctx context.Context) ([]*domain.AgentStatus, error)

	// IncrementActive adds one to an agent's counter, creating an offline
	// record if none exists.
	IncrementActive(ctx context.Context, agentID int64, at time.Time) error

	// IncrementActiveIf adds one only while the counter equals expected.
	IncrementActiveIf(ctx context.Context, agentID int64, expected int, at time.Time) (bool, error)

	// DecrementActive subtracts one, floored at zero.
	DecrementActive(ctx context.Context, agentID int64, at time.Time) error

	// MarkStaleOffline sets online agents whose heartbeat predates before to
	// offline and returns their IDs.
	MarkStaleOffline(ctx context.Context, before, at time.Time) ([]int64, error)

	// ReconcileActiveCounts recomputes every counter from active sessions and
	// returns how many records changed.
	ReconcileActiveCounts(ctx context.Context, at time.Time) (int64, error)
}

// QuickReplyStore persists canned agent responses.
type QuickReplyStore interface {
	CreateQuickReply(ctx context.Context, reply *domain.QuickReply) error
	// ListQuickReplies returns the agent's replies plus global ones, by title.
	ListQuickReplies(ctx context.Context, agentID int64) ([]*domain.QuickReply, error)
	GlobalQuickReplyExists(ctx context.Context, title string) (bool, error)
}

// OrderLinkStore persists the purchase trigger's per-order bookkeeping.
type OrderLinkStore interface {
	// ClaimOrder inserts a pending link for orderID. Returns false if the
	// order is already linked or claimed; a pending claim created before
	// staleBefore is taken over.
	ClaimOrder(ctx context.Context, orderID int64, at, staleBefore time.Time) (bool, error)

	// CompleteOrderLink attaches the created session to a claim.
	CompleteOrderLink(ctx context.Context, orderID, sessionID int64, token string) error

	// ReleaseOrderClaim removes a pending claim so the order can be retried.
	ReleaseOrderClaim(ctx context.Context, orderID int64) error

	// GetOrderLink retrieves a link. Returns nil, nil if absent.
	GetOrderLink(ctx context.Context, orderID int64) (*domain.OrderLink, error)

	// OpenSessionForOrder returns the newest non-closed session for the
	// order. Returns nil, nil if there is none.
	OpenSessionForOrder(ctx context.Context, orderID int64) (*domain.ChatSession, error)
}

// Repository is the full persistence collaborator.
type Repository interface {
	SessionStore
	MessageStore
	AgentRegistry
	QuickReplyStore
	OrderLinkStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
