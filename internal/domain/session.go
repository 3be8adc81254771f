// Package domain contains core domain types for the support chat service.
package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a chat session.
type SessionStatus string

const (
	SessionWaiting SessionStatus = "waiting"
	SessionActive  SessionStatus = "active"
	SessionClosed  SessionStatus = "closed"
)

// CanTransition reports whether moving from s to next is a forward step.
// Allowed: waiting->active, waiting->closed, active->closed.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionWaiting:
		return next == SessionActive || next == SessionClosed
	case SessionActive:
		return next == SessionClosed
	}
	return false
}

// ChatSession is one support conversation opened for an order.
type ChatSession struct {
	ID            int64         `json:"id"`
	OrderID       int64         `json:"orderId"`
	CustomerID    *int64        `json:"customerId,omitempty"`
	CustomerEmail string        `json:"customerEmail"`
	CustomerName  string        `json:"customerName"`
	AgentID       *int64        `json:"agentId"`
	Token         string        `json:"-"`
	Status        SessionStatus `json:"status"`
	ExpiresAt     *time.Time    `json:"expiresAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	ClosedAt      *time.Time    `json:"closedAt,omitempty"`
}

// IsAssignedTo returns true if the session's agent is agentID.
func (s *ChatSession) IsAssignedTo(agentID int64) bool {
	return s.AgentID != nil && *s.AgentID == agentID
}

// Expired reports whether the session's expiry horizon has passed at now.
func (s *ChatSession) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}
