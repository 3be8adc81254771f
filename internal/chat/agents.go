package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/events"
)

// SetPresence records an agent's availability, creating the record on first use.
func (m *Manager) SetPresence(ctx context.Context, agentID int64, presence domain.Presence) (*domain.AgentStatus, error) {
	if agentID <= 0 || !presence.Valid() {
		return nil, ErrInvalidInput
	}
	if err := m.repo.UpsertPresence(ctx, agentID, presence, m.now()); err != nil {
		return nil, storageErr("upsert presence", err)
	}

	status, err := m.AgentStatus(ctx, agentID)
	if err != nil {
		return nil, err
	}

	slog.Info("Agent presence updated", "agent_id", agentID, "status", presence)
	m.publish(ctx, events.Event{Type: events.AgentPresence, AgentID: agentID, Payload: status})
	return status, nil
}

// Heartbeat refreshes the agent's liveness. An agent without a record is
// registered as online.
func (m *Manager) Heartbeat(ctx context.Context, agentID int64) error {
	if agentID <= 0 {
		return ErrInvalidInput
	}
	ok, err := m.repo.Heartbeat(ctx, agentID, m.now())
	if err != nil {
		return storageErr("heartbeat", err)
	}
	if ok {
		return nil
	}
	_, err = m.SetPresence(ctx, agentID, domain.PresenceOnline)
	return err
}

// AgentStatus returns the agent's presence and load. Agents that never
// reported are offline with no sessions; no record is created.
func (m *Manager) AgentStatus(ctx context.Context, agentID int64) (*domain.AgentStatus, error) {
	if agentID <= 0 {
		return nil, ErrInvalidInput
	}
	status, err := m.repo.GetAgentStatus(ctx, agentID)
	if err != nil {
		return nil, storageErr("get agent status", err)
	}
	if status == nil {
		return &domain.AgentStatus{AgentID: agentID, Status: domain.PresenceOffline}, nil
	}
	return status, nil
}

// SweepStaleAgents marks online agents whose heartbeat is older than
// timeout as offline.
func (m *Manager) SweepStaleAgents(ctx context.Context, timeout time.Duration) (int, error) {
	now := m.now()
	ids, err := m.repo.MarkStaleOffline(ctx, now.Add(-timeout), now)
	if err != nil {
		return 0, storageErr("mark stale agents offline", err)
	}
	for _, id := range ids {
		slog.Info("Agent heartbeat expired, marked offline", "agent_id", id)
		m.publish(ctx, events.Event{
			Type:    events.AgentPresence,
			AgentID: id,
			Payload: &domain.AgentStatus{AgentID: id, Status: domain.PresenceOffline, UpdatedAt: now},
		})
	}
	return len(ids), nil
}

// ReconcileAgentLoad recomputes every agent's counter from its active
// sessions and returns how many counters were corrected.
func (m *Manager) ReconcileAgentLoad(ctx context.Context) (int64, error) {
	n, err := m.repo.ReconcileActiveCounts(ctx, m.now())
	if err != nil {
		return 0, storageErr("reconcile agent load", err)
	}
	if n > 0 {
		slog.Warn("Agent load counters corrected", "count", n)
	}
	return n, nil
}
