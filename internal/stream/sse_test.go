package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/supportdesk/internal/events"
	"github.com/ashureev/supportdesk/internal/identity"
)

type sseFrame struct {
	id    string
	event string
	data  string
}

func readFrames(r io.Reader) <-chan sseFrame {
	out := make(chan sseFrame, 16)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		var f sseFrame
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if f.event != "" {
					out <- f
				}
				f = sseFrame{}
			case strings.HasPrefix(line, "id: "):
				f.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return out
}

func nextFrame(t *testing.T, frames <-chan sseFrame) sseFrame {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("Stream ended unexpectedly")
		}
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for SSE frame")
	}
	return sseFrame{}
}

func openFeed(t *testing.T, feed *AgentFeed, agentID int64, lastEventID string) <-chan sseFrame {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		feed.ServeHTTP(w, r.WithContext(identity.WithAgent(r.Context(), agentID, "Dana")))
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Expected text/event-stream, got %q", ct)
	}
	return readFrames(resp.Body)
}

func TestAgentFeed_DeliversOwnAndBroadcastEvents(t *testing.T) {
	feed := NewAgentFeed(10)
	frames := openFeed(t, feed, 7, "")

	if f := nextFrame(t, frames); f.event != "connected" || !strings.Contains(f.data, `"name":"Dana"`) {
		t.Fatalf("Expected connected frame naming the agent, got %+v", f)
	}
	if got := feed.Connected(7); got != 1 {
		t.Fatalf("Expected 1 connection, got %d", got)
	}

	feed.Dispatch(events.Event{Type: events.MessageCreated, SessionID: 1, AgentID: 8})
	feed.Dispatch(events.Event{Type: events.MessageCreated, SessionID: 2, AgentID: 7})
	feed.Dispatch(events.Event{Type: events.SessionCreated, SessionID: 3})

	f := nextFrame(t, frames)
	if f.event != events.MessageCreated || f.id == "" {
		t.Fatalf("Expected own message.created with id, got %+v", f)
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(f.data), &ev); err != nil {
		t.Fatalf("Bad event payload: %v", err)
	}
	if ev.SessionID != 2 {
		t.Fatalf("Expected session 2, another agent's event leaked: %+v", ev)
	}

	if f := nextFrame(t, frames); f.event != events.SessionCreated {
		t.Fatalf("Expected broadcast session.created, got %+v", f)
	}
}

func TestAgentFeed_ReplaysAfterLastEventID(t *testing.T) {
	feed := NewAgentFeed(10)
	for i := int64(1); i <= 3; i++ {
		feed.Dispatch(events.Event{Type: events.MessageCreated, SessionID: i, AgentID: 7})
	}

	frames := openFeed(t, feed, 7, "1")

	for _, want := range []string{"2", "3"} {
		f := nextFrame(t, frames)
		if f.event != events.MessageCreated || f.id != want {
			t.Fatalf("Expected replayed event %s, got %+v", want, f)
		}
	}
	if f := nextFrame(t, frames); f.event != "connected" {
		t.Fatalf("Expected connected after replay, got %+v", f)
	}
}
