package stream

import (
	"context"
	"log/slog"

	"github.com/ashureev/supportdesk/internal/events"
)

// Subscriber is the part of the event bus the hub consumes.
type Subscriber interface {
	Subscribe() (<-chan events.Event, func())
}

// Hub routes bus events to session sockets and agent feeds.
type Hub struct {
	Sockets *Registry
	Feed    *AgentFeed
}

// NewHub creates a hub with an empty registry and a feed keeping
// replaySize events per agent.
func NewHub(replaySize int) *Hub {
	return &Hub{Sockets: NewRegistry(), Feed: NewAgentFeed(replaySize)}
}

// Run consumes events until ctx is cancelled or the subscription closes.
func (h *Hub) Run(ctx context.Context, bus Subscriber) {
	ch, cancel := bus.Subscribe()
	defer cancel()

	slog.Info("Event hub started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Event hub stopped")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.Sockets.Dispatch(ev)
			h.Feed.Dispatch(ev)
		}
	}
}
