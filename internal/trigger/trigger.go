// Package trigger opens a chat session when a storefront order reaches a
// qualifying status. Orders arrive through a signed webhook or a Kafka topic;
// both paths are idempotent per order.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/supportdesk/internal/chat"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/shared"
	"github.com/ashureev/supportdesk/internal/store"
)

// DefaultStatuses are the order statuses that open a chat.
var DefaultStatuses = []string{"processing", "completed", "on-hold"}

const (
	defaultClaimTTL = 5 * time.Minute
	linkRetries     = 3
	linkRetryDelay  = 50 * time.Millisecond
)

var (
	// ErrNotQualifying means the order status does not open a chat.
	ErrNotQualifying = errors.New("order status does not qualify")
	// ErrInProgress means another delivery of the same order is being handled.
	ErrInProgress = errors.New("order is being handled")
)

// Order is the storefront's order notification.
type Order struct {
	OrderID       int64  `json:"orderId"`
	Status        string `json:"status"`
	CustomerID    *int64 `json:"customerId,omitempty"`
	CustomerEmail string `json:"customerEmail"`
	CustomerName  string `json:"customerName,omitempty"`
	FirstName     string `json:"firstName,omitempty"`
	LastName      string `json:"lastName,omitempty"`
}

func (o Order) name() string {
	if n := strings.TrimSpace(o.CustomerName); n != "" {
		return n
	}
	return strings.TrimSpace(o.FirstName + " " + o.LastName)
}

// Result describes the session linked to an order.
type Result struct {
	OrderID   int64  `json:"orderId"`
	SessionID int64  `json:"sessionId"`
	Token     string `json:"token"`
	Created   bool   `json:"created"`
}

// SessionStarter opens chat sessions.
type SessionStarter interface {
	StartSession(ctx context.Context, req chat.StartRequest) (*chat.StartResult, error)
}

// Trigger turns qualifying orders into chat sessions, once per order.
type Trigger struct {
	links    store.OrderLinkStore
	starter  SessionStarter
	allowed  map[string]struct{}
	claimTTL time.Duration
	now      func() time.Time
}

// New creates a trigger. An empty allowed list selects DefaultStatuses.
func New(links store.OrderLinkStore, starter SessionStarter, allowed []string) *Trigger {
	if len(allowed) == 0 {
		allowed = DefaultStatuses
	}
	set := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		set[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	return &Trigger{
		links:    links,
		starter:  starter,
		allowed:  set,
		claimTTL: defaultClaimTTL,
		now:      time.Now,
	}
}

// Qualifies reports whether an order in this status opens a chat.
func (t *Trigger) Qualifies(status string) bool {
	_, ok := t.allowed[strings.ToLower(strings.TrimSpace(status))]
	return ok
}

// Handle opens a session for the order unless one already exists. A repeated
// delivery returns the existing link with Created=false. An order whose link
// could not be recorded is linked to its still-open session on redelivery.
func (t *Trigger) Handle(ctx context.Context, o Order) (*Result, error) {
	if o.OrderID <= 0 {
		return nil, chat.ErrInvalidInput
	}
	if !t.Qualifies(o.Status) {
		return nil, ErrNotQualifying
	}

	now := t.now()
	claimed, err := t.links.ClaimOrder(ctx, o.OrderID, now, now.Add(-t.claimTTL))
	if err != nil {
		return nil, storageErr("claim order", err)
	}
	if !claimed {
		link, err := t.links.GetOrderLink(ctx, o.OrderID)
		if err != nil {
			return nil, storageErr("get order link", err)
		}
		if link == nil || link.Pending() {
			return nil, ErrInProgress
		}
		slog.Debug("Order already linked to a chat", "order_id", o.OrderID, "session_id", link.SessionID)
		return &Result{OrderID: o.OrderID, SessionID: link.SessionID, Token: link.Token}, nil
	}

	res, err := t.open(ctx, o)
	if err != nil {
		t.release(ctx, o.OrderID)
		return nil, err
	}

	err = shared.RetryOnConflict(ctx, "complete order link", linkRetries, linkRetryDelay, func() error {
		return t.links.CompleteOrderLink(ctx, o.OrderID, res.SessionID, res.Token)
	})
	if err != nil {
		// The next delivery finds the open session and links it.
		slog.Error("Failed to record order link", "order_id", o.OrderID, "session_id", res.SessionID, "error", err)
		t.release(ctx, o.OrderID)
		return nil, storageErr("complete order link", err)
	}

	if res.Created {
		slog.Info("Chat opened for order", "order_id", o.OrderID, "session_id", res.SessionID, "status", o.Status)
	} else {
		slog.Info("Order linked to existing chat", "order_id", o.OrderID, "session_id", res.SessionID)
	}
	return res, nil
}

// open returns the order's open session, starting one if there is none.
func (t *Trigger) open(ctx context.Context, o Order) (*Result, error) {
	existing, err := t.links.OpenSessionForOrder(ctx, o.OrderID)
	if err != nil {
		return nil, storageErr("find order session", err)
	}
	if existing != nil {
		return &Result{OrderID: o.OrderID, SessionID: existing.ID, Token: existing.Token}, nil
	}

	res, err := t.starter.StartSession(ctx, chat.StartRequest{
		OrderID:       o.OrderID,
		CustomerID:    o.CustomerID,
		CustomerEmail: strings.TrimSpace(o.CustomerEmail),
		CustomerName:  o.name(),
	})
	if err != nil {
		return nil, err
	}
	return &Result{OrderID: o.OrderID, SessionID: res.SessionID, Token: res.Token, Created: true}, nil
}

func (t *Trigger) release(ctx context.Context, orderID int64) {
	if err := t.links.ReleaseOrderClaim(ctx, orderID); err != nil {
		slog.Error("Failed to release order claim", "order_id", orderID, "error", err)
	}
}

// Lookup returns the completed link for an order.
func (t *Trigger) Lookup(ctx context.Context, orderID int64) (*domain.OrderLink, error) {
	if orderID <= 0 {
		return nil, chat.ErrInvalidInput
	}
	link, err := t.links.GetOrderLink(ctx, orderID)
	if err != nil {
		return nil, storageErr("get order link", err)
	}
	if link == nil || link.Pending() {
		return nil, chat.ErrNotFound
	}
	return link, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, chat.ErrStorageUnavailable, err)
}
