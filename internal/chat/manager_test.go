package chat

import (
	"context"
	"encoding/hex"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/events"
	"github.com/ashureev/supportdesk/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	repo  *store.SQLiteStore
	mgr   *Manager
	clock *testClock
	pub   *recordingPublisher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	cfg.Now = clock.Now
	return &fixture{
		repo:  repo,
		mgr:   NewManager(repo, pub, cfg),
		clock: clock,
		pub:   pub,
	}
}

func (f *fixture) agentLoad(t *testing.T, agentID int64) int {
	t.Helper()
	st, err := f.mgr.AgentStatus(context.Background(), agentID)
	if err != nil {
		t.Fatalf("AgentStatus failed: %v", err)
	}
	return st.ActiveSessions
}

func (f *fixture) online(t *testing.T, agentIDs ...int64) {
	t.Helper()
	for _, id := range agentIDs {
		if _, err := f.mgr.SetPresence(context.Background(), id, domain.PresenceOnline); err != nil {
			t.Fatalf("SetPresence(%d) failed: %v", id, err)
		}
	}
}

func TestOrderScenarioEndToEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	const agentX = int64(7)

	start, err := f.mgr.StartSession(ctx, StartRequest{OrderID: 42, CustomerEmail: "a@b.c", CustomerName: "Ann"})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if start.Status != domain.SessionWaiting || start.AgentID != nil {
		t.Fatalf("expected waiting unassigned session, got %+v", start)
	}

	f.online(t, agentX)
	if n, err := f.mgr.AssignWaiting(ctx); err != nil || n != 1 {
		t.Fatalf("AssignWaiting: n=%d err=%v", n, err)
	}

	session, err := f.mgr.SessionByToken(ctx, start.Token)
	if err != nil {
		t.Fatal(err)
	}
	if session.Status != domain.SessionActive || !session.IsAssignedTo(agentX) {
		t.Fatalf("expected active session for agent X, got %+v", session)
	}
	if got := f.agentLoad(t, agentX); got != 1 {
		t.Fatalf("expected agent X load 1, got %d", got)
	}

	sent, err := f.mgr.SendMessage(ctx, TokenMessage{Token: start.Token, Content: "Hello"})
	if err != nil || !sent.Success || sent.MessageID == 0 {
		t.Fatalf("customer send: %+v, %v", sent, err)
	}

	page, err := f.mgr.GetAgentMessages(ctx, AgentQuery{AgentID: agentX, SessionID: start.SessionID})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(page.Messages))
	}
	hello := page.Messages[0]
	if hello.SenderType != domain.SenderCustomer || hello.SenderID != nil || hello.Content != "Hello" || !hello.IsRead {
		t.Fatalf("unexpected customer message after agent fetch: %+v", hello)
	}

	reply, err := f.mgr.SendAgentMessage(ctx, AgentMessage{AgentID: agentX, SessionID: start.SessionID, Content: "Hi, how can I help?"})
	if err != nil || !reply.Success {
		t.Fatalf("agent send: %+v, %v", reply, err)
	}

	page, err = f.mgr.GetMessages(ctx, TokenQuery{Token: start.Token})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 2 || page.Messages[1].SenderType != domain.SenderAgent {
		t.Fatalf("unexpected message page: %+v", page.Messages)
	}

	closed, err := f.mgr.CloseSession(ctx, start.Token)
	if err != nil || !closed.Success {
		t.Fatalf("close: %+v, %v", closed, err)
	}
	session, _ = f.mgr.SessionByToken(ctx, start.Token)
	if session.Status != domain.SessionClosed || session.ClosedAt == nil || !session.IsAssignedTo(agentX) {
		t.Fatalf("unexpected closed session: %+v", session)
	}
	if got := f.agentLoad(t, agentX); got != 0 {
		t.Fatalf("expected agent X load back to 0, got %d", got)
	}
}

func TestStartSessionAssignsLeastLoadedAgent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.online(t, 1, 2)
	if err := f.repo.IncrementActive(ctx, 1, f.clock.Now()); err != nil {
		t.Fatal(err)
	}

	res, err := f.mgr.StartSession(ctx, StartRequest{OrderID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.SessionActive || res.AgentID == nil || *res.AgentID != 2 {
		t.Fatalf("expected assignment to agent 2, got %+v", res)
	}
	if f.agentLoad(t, 1) != 1 || f.agentLoad(t, 2) != 1 {
		t.Fatal("only the chosen agent's counter may change, by exactly one")
	}

	// Tie at one session each resolves to the lower id.
	res, err = f.mgr.StartSession(ctx, StartRequest{OrderID: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.AgentID == nil || *res.AgentID != 1 {
		t.Fatalf("expected tie broken by agent id, got %+v", res)
	}
}

func TestStartSessionWithoutAgentsLeavesCountersAlone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	if _, err := f.mgr.SetPresence(ctx, 3, domain.PresenceAway); err != nil {
		t.Fatal(err)
	}

	res, err := f.mgr.StartSession(ctx, StartRequest{OrderID: 5})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.SessionWaiting || res.AgentID != nil {
		t.Fatalf("expected waiting session, got %+v", res)
	}
	if len(res.Token) != 64 {
		t.Fatalf("expected 64 character token, got %d", len(res.Token))
	}
	if f.agentLoad(t, 3) != 0 {
		t.Fatal("away agent must not receive sessions")
	}

	session, _ := f.mgr.SessionByToken(ctx, res.Token)
	want := f.clock.Now().Add(defaultSessionTTL)
	if session.ExpiresAt == nil || !session.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, session.ExpiresAt)
	}
}

func TestCloseSessionIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.online(t, 4)

	res, err := f.mgr.StartSession(ctx, StartRequest{OrderID: 9})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		out, err := f.mgr.CloseSession(ctx, res.Token)
		if err != nil || !out.Success {
			t.Fatalf("close #%d: %+v, %v", i+1, out, err)
		}
		f.clock.Advance(time.Minute)
	}

	session, _ := f.mgr.SessionByToken(ctx, res.Token)
	if session.Status != domain.SessionClosed {
		t.Fatalf("expected closed, got %s", session.Status)
	}
	if got := f.agentLoad(t, 4); got != 0 {
		t.Fatalf("second close must not decrement again, load=%d", got)
	}

	closedEvents := 0
	for _, typ := range f.pub.types() {
		if typ == events.SessionClosed {
			closedEvents++
		}
	}
	if closedEvents != 1 {
		t.Fatalf("expected one close event, got %d", closedEvents)
	}

	// Closed is terminal.
	if _, err := f.mgr.ClaimSession(ctx, 4, res.SessionID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState claiming a closed session, got %v", err)
	}
}

func TestSendMessageValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	waiting, err := f.mgr.StartSession(ctx, StartRequest{OrderID: 1})
	if err != nil {
		t.Fatal(err)
	}
	f.online(t, 8)
	active, err := f.mgr.StartSession(ctx, StartRequest{OrderID: 2})
	if err != nil {
		t.Fatal(err)
	}
	closed, err := f.mgr.StartSession(ctx, StartRequest{OrderID: 3})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.CloseSession(ctx, closed.Token); err != nil {
		t.Fatal(err)
	}

	for _, res := range []*StartResult{waiting, active, closed} {
		for _, content := range []string{"", "   ", "\n\t "} {
			if _, err := f.mgr.SendMessage(ctx, TokenMessage{Token: res.Token, Content: content}); !errors.Is(err, ErrEmptyContent) {
				t.Fatalf("customer send %q to %s: expected ErrEmptyContent, got %v", content, res.Status, err)
			}
			if _, err := f.mgr.SendAgentMessage(ctx, AgentMessage{AgentID: 8, SessionID: res.SessionID, Content: content}); !errors.Is(err, ErrEmptyContent) {
				t.Fatalf("agent send %q: expected ErrEmptyContent, got %v", content, err)
			}
		}
	}

	for _, res := range []*StartResult{waiting, closed} {
		if _, err := f.mgr.SendMessage(ctx, TokenMessage{Token: res.Token, Content: "hi"}); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
		if _, err := f.mgr.SendAgentMessage(ctx, AgentMessage{AgentID: 8, SessionID: res.SessionID, Content: "hi"}); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState on agent path, got %v", err)
		}
		msgs, err := f.repo.ListMessages(ctx, res.SessionID, 0, 100)
		if err != nil || len(msgs) != 0 {
			t.Fatalf("no message may be persisted, got %d (%v)", len(msgs), err)
		}
	}

	if _, err := f.mgr.SendMessage(ctx, TokenMessage{Token: "unknown", Content: "hi"}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	out, err := f.mgr.SendMessage(ctx, TokenMessage{Token: active.Token, Content: "  padded  "})
	if err != nil {
		t.Fatal(err)
	}
	msgs, _ := f.repo.ListMessages(ctx, active.SessionID, 0, 10)
	if len(msgs) != 1 || msgs[0].ID != out.MessageID || msgs[0].Content != "padded" || msgs[0].IsRead {
		t.Fatalf("unexpected stored message: %+v", msgs)
	}
	if msgs[0].SenderType != domain.SenderCustomer || msgs[0].SenderID != nil {
		t.Fatalf("expected anonymous customer message, got %+v", msgs[0])
	}
}

func TestTokenSendKeepsGivenSenderKind(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.online(t, 8)
	active, err := f.mgr.StartSession(ctx, StartRequest{OrderID: 2})
	if err != nil {
		t.Fatal(err)
	}

	kinds := []domain.SenderKind{domain.SenderAgent, domain.SenderCustomer, "bot", ""}
	want := []domain.SenderKind{domain.SenderAgent, domain.SenderCustomer, domain.SenderCustomer, domain.SenderCustomer}
	for _, kind := range kinds {
		if _, err := f.mgr.SendMessage(ctx, TokenMessage{Token: active.Token, Content: "hi", SenderKind: kind}); err != nil {
			t.Fatalf("send as %q failed: %v", kind, err)
		}
	}

	msgs, err := f.repo.ListMessages(ctx, active.SessionID, 0, 10)
	if err != nil || len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d (%v)", len(want), len(msgs), err)
	}
	for i, msg := range msgs {
		if msg.SenderType != want[i] || msg.SenderID != nil {
			t.Fatalf("message %d: expected %s without sender id, got %s %v", i, want[i], msg.SenderType, msg.SenderID)
		}
	}
}

func TestAgentPathRequiresOwnership(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.online(t, 1)

	res, err := f.mgr.StartSession(ctx, StartRequest{OrderID: 1})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.mgr.SendAgentMessage(ctx, AgentMessage{AgentID: 2, SessionID: res.SessionID, Content: "hi"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.mgr.GetAgentMessages(ctx, AgentQuery{AgentID: 2, SessionID: res.SessionID}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.mgr.CloseAgentSession(ctx, 2, res.SessionID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.mgr.SendAgentMessage(ctx, AgentMessage{AgentID: 1, SessionID: 999, Content: "hi"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.mgr.CloseAgentSession(ctx, 1, res.SessionID); err != nil {
		t.Fatalf("owner close failed: %v", err)
	}
}

func TestCustomerFetchFlipsOnlyAgentMessages(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.online(t, 5)

	res, err := f.mgr.StartSession(ctx, StartRequest{OrderID: 77})
	if err != nil {
		t.Fatal(err)
	}
	send := func(agent bool, text string) {
		t.Helper()
		f.clock.Advance(time.Millisecond)
		var err error
		if agent {
			_, err = f.mgr.SendAgentMessage(ctx, AgentMessage{AgentID: 5, SessionID: res.SessionID, Content: text})
		} else {
			_, err = f.mgr.SendMessage(ctx, TokenMessage{Token: res.Token, Content: text})
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	send(false, "c1")
	send(true, "a1")
	send(false, "c2")
	send(true, "a2")

	page, err := f.mgr.GetMessages(ctx, TokenQuery{Token: res.Token})
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range page.Messages {
		if m.SenderType == domain.SenderAgent && !m.IsRead {
			t.Fatalf("agent message %d should be read", m.ID)
		}
		if m.SenderType == domain.SenderCustomer && m.IsRead {
			t.Fatalf("customer message %d must stay unread", m.ID)
		}
	}

	contents := []string{"c1", "a1", "c2", "a2"}
	for i, m := range page.Messages {
		if m.Content != contents[i] {
			t.Fatalf("expected creation order %v, got %q at %d", contents, m.Content, i)
		}
	}

	tail, err := f.mgr.GetMessages(ctx, TokenQuery{Token: res.Token, AfterID: page.Messages[1].ID, Limit: 1})
	if err != nil || len(tail.Messages) != 1 || tail.Messages[0].Content != "c2" {
		t.Fatalf("cursor page mismatch: %+v (%v)", tail, err)
	}
}

func TestClaimSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, err := f.mgr.StartSession(ctx, StartRequest{OrderID: 3})
	if err != nil {
		t.Fatal(err)
	}

	session, err := f.mgr.ClaimSession(ctx, 6, res.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if session.Status != domain.SessionActive || !session.IsAssignedTo(6) {
		t.Fatalf("unexpected claimed session: %+v", session)
	}
	if f.agentLoad(t, 6) != 1 {
		t.Fatal("claim must increment the claimer's counter")
	}

	if _, err := f.mgr.ClaimSession(ctx, 7, res.SessionID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for second claim, got %v", err)
	}
	if _, err := f.mgr.ClaimSession(ctx, 7, 12345); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCloseExpiredReleasesLoad(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{SessionTTL: time.Hour})
	ctx := context.Background()
	f.online(t, 2)

	res, err := f.mgr.StartSession(ctx, StartRequest{OrderID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := f.mgr.CloseExpired(ctx); n != 0 {
		t.Fatalf("nothing should expire yet, closed %d", n)
	}

	f.clock.Advance(time.Hour)
	n, err := f.mgr.CloseExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one expired session closed, got %d (%v)", n, err)
	}
	session, _ := f.mgr.SessionByToken(ctx, res.Token)
	if session.Status != domain.SessionClosed {
		t.Fatalf("expected closed, got %s", session.Status)
	}
	if f.agentLoad(t, 2) != 0 {
		t.Fatal("expiry must release the agent's load")
	}
}

func TestAgentStatusDefaultsWithoutRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	st, err := f.mgr.AgentStatus(ctx, 99)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != domain.PresenceOffline || st.ActiveSessions != 0 {
		t.Fatalf("unexpected default status: %+v", st)
	}
	if rec, _ := f.repo.GetAgentStatus(ctx, 99); rec != nil {
		t.Fatal("reading status must not create a record")
	}

	if _, err := f.mgr.SetPresence(ctx, 99, domain.Presence("busy")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	if err := f.mgr.Heartbeat(ctx, 99); err != nil {
		t.Fatal(err)
	}
	st, _ = f.mgr.AgentStatus(ctx, 99)
	if st.Status != domain.PresenceOnline {
		t.Fatalf("heartbeat from unknown agent should register it online, got %s", st.Status)
	}

	f.clock.Advance(5 * time.Minute)
	n, err := f.mgr.SweepStaleAgents(ctx, 2*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("expected one stale agent, got %d (%v)", n, err)
	}
}

func TestMessageLimitClamp(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, nil, Config{})

	cases := map[int]int{0: 50, -3: 50, 10: 10, 100: 100, 500: 100}
	for in, want := range cases {
		if got := m.clampLimit(in); got != want {
			t.Errorf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestNewTokenIsRandomHex(t *testing.T) {
	t.Parallel()

	a, err := NewToken()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewToken()
	if a == b {
		t.Fatal("tokens must not repeat")
	}
	raw, err := hex.DecodeString(a)
	if err != nil || len(raw) != tokenBytes {
		t.Fatalf("expected %d random bytes hex encoded, got %q", tokenBytes, a)
	}
}
