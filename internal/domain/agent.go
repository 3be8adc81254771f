package domain

import "time"

// Presence is an agent's self-reported availability.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
	PresenceAway    Presence = "away"
)

// Valid reports whether p is a known presence value.
func (p Presence) Valid() bool {
	switch p {
	case PresenceOnline, PresenceOffline, PresenceAway:
		return true
	}
	return false
}

// AgentStatus tracks one agent's presence and current load.
type AgentStatus struct {
	AgentID        int64     `json:"agentId"`
	Status         Presence  `json:"status"`
	ActiveSessions int       `json:"activeSessions"`
	LastHeartbeat  time.Time `json:"lastHeartbeat"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// QuickReply is a canned response an agent can send. AgentID nil means
// the reply is shared by every agent.
type QuickReply struct {
	ID        int64     `json:"id"`
	AgentID   *int64    `json:"agentId"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
