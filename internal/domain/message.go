package domain

import "time"

// SenderKind identifies which side of the conversation wrote a message.
type SenderKind string

const (
	SenderCustomer SenderKind = "customer"
	SenderAgent    SenderKind = "agent"
)

// Valid reports whether k is a known sender kind.
func (k SenderKind) Valid() bool {
	return k == SenderCustomer || k == SenderAgent
}

// Counterpart returns the other side of the conversation.
func (k SenderKind) Counterpart() SenderKind {
	if k == SenderAgent {
		return SenderCustomer
	}
	return SenderAgent
}

// ChatMessage is a single entry in a session's append-only log.
type ChatMessage struct {
	ID         int64      `json:"id"`
	SessionID  int64      `json:"sessionId"`
	SenderID   *int64     `json:"senderId"`
	SenderType SenderKind `json:"senderType"`
	Content    string     `json:"content"`
	CreatedAt  time.Time  `json:"createdAt"`
	IsRead     bool       `json:"isRead"`
}
