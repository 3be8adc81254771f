// Package stream pushes chat events to connected clients: per-session
// websockets for customers and agents, and an SSE feed per agent.
package stream

import (
	"container/list"
	"sync"

	"github.com/ashureev/supportdesk/internal/events"
)

// queuedEvent is an event held for replay.
type queuedEvent struct {
	EventID int64
	Event   events.Event
}

// ReplayQueue buffers recent events per agent so a reconnecting SSE client
// can resume from Last-Event-ID. One agent's burst cannot evict another's.
type ReplayQueue struct {
	mu      sync.RWMutex
	queues  map[int64]*list.List
	maxSize int
}

// NewReplayQueue creates a queue holding maxSize events per agent.
func NewReplayQueue(maxSize int) *ReplayQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &ReplayQueue{
		queues:  make(map[int64]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue records an event for the agent.
func (q *ReplayQueue) Enqueue(agentID, eventID int64, ev events.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[agentID]
	if !ok {
		l = list.New()
		q.queues[agentID] = l
	}
	l.PushBack(&queuedEvent{EventID: eventID, Event: ev})
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// Since returns the agent's events with an id greater than afterEventID.
func (q *ReplayQueue) Since(agentID, afterEventID int64) []*queuedEvent {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[agentID]
	if !ok {
		return nil
	}
	var missed []*queuedEvent
	for e := l.Front(); e != nil; e = e.Next() {
		qe := e.Value.(*queuedEvent)
		if qe.EventID > afterEventID {
			missed = append(missed, qe)
		}
	}
	return missed
}

// Prune drops the agent's queue.
func (q *ReplayQueue) Prune(agentID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, agentID)
}
