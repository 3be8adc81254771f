// Package events fans out chat state changes to push transports and,
// optionally, to other server instances.
package events

import (
	"time"
)

// Event types published by the chat core.
const (
	SessionCreated  = "session.created"
	SessionAssigned = "session.assigned"
	SessionClosed   = "session.closed"
	MessageCreated  = "message.created"
	MessagesRead    = "messages.read"
	AgentPresence   = "agent.presence"
)

// Event is one state change. SessionID and AgentID are zero when the event
// does not concern a session or an agent.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	SessionID int64     `json:"sessionId,omitempty"`
	AgentID   int64     `json:"agentId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`

	// Origin is the instance that produced the event. Set by the relay.
	Origin string `json:"origin,omitempty"`
}

// Broadcast reports whether the event is of interest to every agent rather
// than only the assigned one.
func (e Event) Broadcast() bool {
	switch e.Type {
	case SessionCreated, AgentPresence:
		return true
	case SessionAssigned:
		// Other agents drop the session from their waiting list.
		return true
	}
	return false
}
