// Package chat implements the support session lifecycle: session creation,
// agent assignment, message exchange, unread tracking and agent load counters.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/events"
	"github.com/ashureev/supportdesk/internal/shared"
	"github.com/ashureev/supportdesk/internal/store"
)

const (
	defaultSessionTTL   = 24 * time.Hour
	defaultMessageLimit = 50
	maxMessageLimit     = 100
	tokenAttempts       = 3
	reserveAttempts     = 3
	batchSize           = 100
)

// Publisher receives state changes.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event)
}

// Config tunes the Manager. Zero values select defaults.
type Config struct {
	SessionTTL          time.Duration
	DefaultMessageLimit int
	MaxMessageLimit     int

	// StrictLoadBalancing reserves the chosen agent's counter with an
	// expected-value guard before activating the session.
	StrictLoadBalancing bool

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Manager owns the session state machine. It holds no locks: every
// mutation is a single conditional store statement.
type Manager struct {
	repo   store.Repository
	pub    Publisher
	ttl    time.Duration
	defLim int
	maxLim int
	strict bool
	now    func() time.Time
}

// NewManager creates a Manager. pub may be nil.
func NewManager(repo store.Repository, pub Publisher, cfg Config) *Manager {
	m := &Manager{
		repo:   repo,
		pub:    pub,
		ttl:    cfg.SessionTTL,
		defLim: cfg.DefaultMessageLimit,
		maxLim: cfg.MaxMessageLimit,
		strict: cfg.StrictLoadBalancing,
		now:    cfg.Now,
	}
	if m.ttl <= 0 {
		m.ttl = defaultSessionTTL
	}
	if m.maxLim <= 0 {
		m.maxLim = maxMessageLimit
	}
	if m.defLim <= 0 || m.defLim > m.maxLim {
		m.defLim = min(defaultMessageLimit, m.maxLim)
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// StartRequest carries the trigger's order data.
type StartRequest struct {
	OrderID       int64  `json:"orderId"`
	CustomerID    *int64 `json:"customerId,omitempty"`
	CustomerEmail string `json:"customerEmail"`
	CustomerName  string `json:"customerName"`
}

// StartResult is returned by StartSession.
type StartResult struct {
	SessionID int64                `json:"sessionId"`
	Token     string               `json:"token"`
	Status    domain.SessionStatus `json:"status"`
	AgentID   *int64               `json:"agentId"`
}

// StartSession creates a waiting session and tries to assign the
// least-loaded online agent. A failed assignment leaves the session waiting.
func (m *Manager) StartSession(ctx context.Context, req StartRequest) (*StartResult, error) {
	now := m.now()
	expires := now.Add(m.ttl)

	session := &domain.ChatSession{
		OrderID:       req.OrderID,
		CustomerID:    req.CustomerID,
		CustomerEmail: req.CustomerEmail,
		CustomerName:  req.CustomerName,
		Status:        domain.SessionWaiting,
		ExpiresAt:     &expires,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var err error
	for attempt := 1; attempt <= tokenAttempts; attempt++ {
		if session.Token, err = NewToken(); err != nil {
			return nil, err
		}
		err = m.repo.CreateSession(ctx, session)
		if err == nil || !shared.IsSQLiteUniqueError(err) {
			break
		}
		slog.Warn("Session token collision, regenerating", "order_id", req.OrderID, "attempt", attempt)
	}
	if err != nil {
		return nil, storageErr("create session", err)
	}

	slog.Info("Chat session created",
		"session_id", session.ID, "order_id", session.OrderID, "token", maskToken(session.Token))
	m.publish(ctx, events.Event{Type: events.SessionCreated, SessionID: session.ID, Payload: snapshot(session)})

	result := &StartResult{SessionID: session.ID, Token: session.Token, Status: domain.SessionWaiting}

	agentID, err := m.assign(ctx, session)
	if err != nil {
		slog.Warn("Initial assignment failed, session left waiting", "session_id", session.ID, "error", err)
		return result, nil
	}
	if agentID != 0 {
		result.Status = domain.SessionActive
		result.AgentID = &agentID
	}
	return result, nil
}

// assign hands a waiting session to the least-loaded online agent. Returns
// 0 when no agent took it.
func (m *Manager) assign(ctx context.Context, session *domain.ChatSession) (int64, error) {
	if m.strict {
		return m.assignStrict(ctx, session)
	}

	online, err := m.repo.ListOnline(ctx)
	if err != nil {
		return 0, fmt.Errorf("list online agents: %w", err)
	}
	if len(online) == 0 {
		return 0, nil
	}
	agentID := online[0].AgentID

	at := m.now()
	ok, err := m.repo.ActivateSession(ctx, session.ID, agentID, at)
	if err != nil {
		return 0, fmt.Errorf("activate session: %w", err)
	}
	if !ok {
		return 0, nil
	}
	if err := m.countAssignment(ctx, session.ID, agentID, at); err != nil {
		return 0, err
	}

	m.assigned(ctx, session, agentID, at)
	return agentID, nil
}

// countAssignment adds a just-activated session to the agent's load. If the
// counter cannot move the session goes back to the waiting queue, so an
// active session is always counted.
func (m *Manager) countAssignment(ctx context.Context, sessionID, agentID int64, at time.Time) error {
	err := m.repo.IncrementActive(ctx, agentID, at)
	if err == nil {
		return nil
	}
	if _, reqErr := m.repo.RequeueSession(ctx, sessionID, agentID, at); reqErr != nil {
		// Left active and uncounted until reconciliation.
		slog.Error("Failed to requeue session", "agent_id", agentID, "session_id", sessionID, "error", reqErr)
	}
	return fmt.Errorf("increment agent load: %w", err)
}

func (m *Manager) assignStrict(ctx context.Context, session *domain.ChatSession) (int64, error) {
	for attempt := 1; attempt <= reserveAttempts; attempt++ {
		online, err := m.repo.ListOnline(ctx)
		if err != nil {
			return 0, fmt.Errorf("list online agents: %w", err)
		}
		if len(online) == 0 {
			return 0, nil
		}
		candidate := online[0]

		at := m.now()
		reserved, err := m.repo.IncrementActiveIf(ctx, candidate.AgentID, candidate.ActiveSessions, at)
		if err != nil {
			return 0, fmt.Errorf("reserve agent: %w", err)
		}
		if !reserved {
			slog.Debug("Agent load changed, retrying reservation",
				"agent_id", candidate.AgentID, "session_id", session.ID, "attempt", attempt)
			continue
		}

		ok, err := m.repo.ActivateSession(ctx, session.ID, candidate.AgentID, at)
		if err != nil || !ok {
			if relErr := m.repo.DecrementActive(ctx, candidate.AgentID, at); relErr != nil {
				slog.Error("Failed to release agent reservation", "agent_id", candidate.AgentID, "error", relErr)
			}
			if err != nil {
				return 0, fmt.Errorf("activate session: %w", err)
			}
			return 0, nil
		}

		m.assigned(ctx, session, candidate.AgentID, at)
		return candidate.AgentID, nil
	}
	return 0, nil
}

func (m *Manager) assigned(ctx context.Context, session *domain.ChatSession, agentID int64, at time.Time) {
	session.Status = domain.SessionActive
	session.AgentID = &agentID
	session.UpdatedAt = at

	slog.Info("Chat session assigned", "session_id", session.ID, "agent_id", agentID)
	m.publish(ctx, events.Event{Type: events.SessionAssigned, SessionID: session.ID, AgentID: agentID, Payload: snapshot(session)})
}

// AssignWaiting drains the waiting queue, oldest first, until no online
// agent is left to take a session. Returns how many sessions were assigned.
func (m *Manager) AssignWaiting(ctx context.Context) (int, error) {
	waiting, err := m.repo.ListWaitingSessions(ctx, m.now(), batchSize)
	if err != nil {
		return 0, storageErr("list waiting sessions", err)
	}

	assigned := 0
	for _, session := range waiting {
		if ctx.Err() != nil {
			return assigned, ctx.Err()
		}
		agentID, err := m.assign(ctx, session)
		if err != nil {
			return assigned, storageErr("assign waiting session", err)
		}
		if agentID == 0 {
			// Either nobody is online or the session was claimed meanwhile.
			online, err := m.repo.ListOnline(ctx)
			if err != nil {
				return assigned, storageErr("list online agents", err)
			}
			if len(online) == 0 {
				break
			}
			continue
		}
		assigned++
	}
	return assigned, nil
}

// ClaimSession lets an agent take a waiting session.
func (m *Manager) ClaimSession(ctx context.Context, agentID, sessionID int64) (*domain.ChatSession, error) {
	if agentID <= 0 {
		return nil, ErrInvalidInput
	}
	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storageErr("get session", err)
	}
	if session == nil {
		return nil, ErrNotFound
	}
	now := m.now()
	if !session.Status.CanTransition(domain.SessionActive) || session.Expired(now) {
		return nil, ErrInvalidState
	}

	ok, err := m.repo.ActivateSession(ctx, sessionID, agentID, now)
	if err != nil {
		return nil, storageErr("activate session", err)
	}
	if !ok {
		return nil, ErrInvalidState
	}
	if err := m.countAssignment(ctx, sessionID, agentID, now); err != nil {
		return nil, storageErr("claim session", err)
	}

	m.assigned(ctx, session, agentID, now)
	return session, nil
}

// snapshot copies a session for publishing; subscribers read it on other
// goroutines.
func snapshot(s *domain.ChatSession) *domain.ChatSession {
	c := *s
	return &c
}

func (m *Manager) publish(ctx context.Context, ev events.Event) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(ctx, ev)
}
