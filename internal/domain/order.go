package domain

import (
	"time"
)

// OrderLink records the chat session opened for a storefront order. The
// purchase trigger owns it to avoid opening two sessions for one order.
type OrderLink struct {
	OrderID   int64     `json:"orderId"`
	SessionID int64     `json:"sessionId"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
}

// Pending reports whether the link is a claim whose session has not been
// created yet.
func (l *OrderLink) Pending() bool {
	return l.SessionID == 0
}
