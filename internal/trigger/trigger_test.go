package trigger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/supportdesk/internal/chat"
	"github.com/ashureev/supportdesk/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "trigger.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

// flakyStarter fails the first n calls.
type flakyStarter struct {
	mu    sync.Mutex
	next  SessionStarter
	fails int
	calls int
}

func (s *flakyStarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *flakyStarter) StartSession(ctx context.Context, req chat.StartRequest) (*chat.StartResult, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.fails
	s.mu.Unlock()
	if fail {
		return nil, chat.ErrStorageUnavailable
	}
	return s.next.StartSession(ctx, req)
}

// brokenLinks fails CompleteOrderLink the first n calls.
type brokenLinks struct {
	*store.SQLiteStore
	fails int
}

func (b *brokenLinks) CompleteOrderLink(ctx context.Context, orderID, sessionID int64, token string) error {
	if b.fails > 0 {
		b.fails--
		return errors.New("disk I/O error")
	}
	return b.SQLiteStore.CompleteOrderLink(ctx, orderID, sessionID, token)
}

func TestHandleOpensOneSessionPerOrder(t *testing.T) {
	repo := newTestStore(t)
	trig := New(repo, chat.NewManager(repo, nil, chat.Config{}), nil)
	ctx := context.Background()

	order := Order{OrderID: 42, Status: "processing", CustomerEmail: " ann@example.com ", FirstName: "Ann", LastName: "Lee"}
	first, err := trig.Handle(ctx, order)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if !first.Created || first.Token == "" || first.SessionID == 0 {
		t.Fatalf("Expected a new session, got %+v", first)
	}

	second, err := trig.Handle(ctx, order)
	if err != nil {
		t.Fatalf("Redelivery failed: %v", err)
	}
	if second.Created || second.SessionID != first.SessionID || second.Token != first.Token {
		t.Fatalf("Expected the existing link, got %+v", second)
	}

	session, err := repo.GetSessionByToken(ctx, first.Token)
	if err != nil || session == nil {
		t.Fatalf("Session missing: %v", err)
	}
	if session.CustomerName != "Ann Lee" || session.CustomerEmail != "ann@example.com" {
		t.Fatalf("Unexpected customer fields %+v", session)
	}

	link, err := trig.Lookup(ctx, 42)
	if err != nil || link.SessionID != first.SessionID {
		t.Fatalf("Lookup: %v %+v", err, link)
	}
}

func TestHandleRejectsNonQualifyingOrders(t *testing.T) {
	repo := newTestStore(t)
	trig := New(repo, chat.NewManager(repo, nil, chat.Config{}), []string{"Completed"})
	ctx := context.Background()

	if _, err := trig.Handle(ctx, Order{OrderID: 1, Status: "processing"}); !errors.Is(err, ErrNotQualifying) {
		t.Fatalf("Expected ErrNotQualifying, got %v", err)
	}
	if _, err := trig.Handle(ctx, Order{OrderID: 0, Status: "completed"}); !errors.Is(err, chat.ErrInvalidInput) {
		t.Fatalf("Expected ErrInvalidInput, got %v", err)
	}
	if !trig.Qualifies(" COMPLETED ") {
		t.Fatal("Status matching should ignore case and spaces")
	}
	if _, err := trig.Lookup(ctx, 1); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for unlinked order, got %v", err)
	}
}

func TestHandleReleasesClaimWhenSessionFails(t *testing.T) {
	repo := newTestStore(t)
	starter := &flakyStarter{next: chat.NewManager(repo, nil, chat.Config{}), fails: 1}
	trig := New(repo, starter, nil)
	ctx := context.Background()

	order := Order{OrderID: 7, Status: "completed", CustomerEmail: "a@b.c"}
	if _, err := trig.Handle(ctx, order); !errors.Is(err, chat.ErrStorageUnavailable) {
		t.Fatalf("Expected storage error, got %v", err)
	}

	res, err := trig.Handle(ctx, order)
	if err != nil || !res.Created {
		t.Fatalf("Retry after release should create the session: %v %+v", err, res)
	}
}

func TestHandlePendingClaimIsInProgressUntilStale(t *testing.T) {
	repo := newTestStore(t)
	trig := New(repo, chat.NewManager(repo, nil, chat.Config{}), nil)
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	trig.now = func() time.Time { return now }

	// A crashed delivery left a claim behind.
	if ok, err := repo.ClaimOrder(ctx, 9, now, now.Add(-time.Hour)); err != nil || !ok {
		t.Fatalf("ClaimOrder: %v %v", ok, err)
	}

	order := Order{OrderID: 9, Status: "on-hold", CustomerEmail: "a@b.c"}
	if _, err := trig.Handle(ctx, order); !errors.Is(err, ErrInProgress) {
		t.Fatalf("Expected ErrInProgress, got %v", err)
	}

	now = now.Add(defaultClaimTTL + time.Second)
	res, err := trig.Handle(ctx, order)
	if err != nil || !res.Created {
		t.Fatalf("Stale claim should be taken over: %v %+v", err, res)
	}
}

func TestHandleRelinksOpenSessionWhenRecordingFails(t *testing.T) {
	repo := newTestStore(t)
	starter := &flakyStarter{next: chat.NewManager(repo, nil, chat.Config{})}
	trig := New(&brokenLinks{SQLiteStore: repo, fails: 1}, starter, nil)
	ctx := context.Background()

	order := Order{OrderID: 11, Status: "completed", CustomerEmail: "a@b.c"}
	if _, err := trig.Handle(ctx, order); !errors.Is(err, chat.ErrStorageUnavailable) {
		t.Fatalf("Expected storage error, got %v", err)
	}
	if link, err := repo.GetOrderLink(ctx, 11); err != nil || link != nil {
		t.Fatalf("Claim should be released, got %+v (%v)", link, err)
	}

	res, err := trig.Handle(ctx, order)
	if err != nil {
		t.Fatalf("Redelivery failed: %v", err)
	}
	if res.Created {
		t.Fatal("Redelivery must reuse the session opened by the first attempt")
	}
	if n := starter.count(); n != 1 {
		t.Fatalf("Expected one session start, got %d", n)
	}

	link, err := trig.Lookup(ctx, 11)
	if err != nil || link.SessionID != res.SessionID || link.Token != res.Token {
		t.Fatalf("Unexpected link %+v (%v)", link, err)
	}
}
