package quickreply

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashureev/supportdesk/internal/chat"
	"github.com/ashureev/supportdesk/internal/store"
)

func newService(t *testing.T) *Service {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "qr.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return NewService(repo)
}

func TestCreateValidatesContent(t *testing.T) {
	t.Parallel()
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, 1, "  ", "body"); !errors.Is(err, chat.ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent for blank title, got %v", err)
	}
	if _, err := svc.Create(ctx, 1, "Shipping", "\t"); !errors.Is(err, chat.ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent for blank content, got %v", err)
	}
	if _, err := svc.Create(ctx, 0, "Shipping", "Soon"); !errors.Is(err, chat.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	reply, err := svc.Create(ctx, 1, " Shipping ", " Ships in 2 days ")
	if err != nil {
		t.Fatal(err)
	}
	if reply.ID == 0 || reply.Title != "Shipping" || reply.Content != "Ships in 2 days" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestSeedIsIdempotentAndGlobal(t *testing.T) {
	t.Parallel()
	svc := newService(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "replies.yaml")
	data := []byte(`replies:
  - title: Refunds
    content: Refunds take 5 business days.
  - title: Greeting
    content: Hi! How can I help with your order?
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		added, err := svc.Seed(ctx, seed)
		if err != nil {
			t.Fatal(err)
		}
		want := 2
		if i == 1 {
			want = 0
		}
		if added != want {
			t.Fatalf("seed run %d: expected %d added, got %d", i+1, want, added)
		}
	}

	if _, err := svc.Create(ctx, 9, "Apology", "Sorry about that."); err != nil {
		t.Fatal(err)
	}

	replies, err := svc.List(ctx, 9)
	if err != nil {
		t.Fatal(err)
	}
	titles := []string{"Apology", "Greeting", "Refunds"}
	if len(replies) != len(titles) {
		t.Fatalf("expected %d replies, got %d", len(titles), len(replies))
	}
	for i, r := range replies {
		if r.Title != titles[i] {
			t.Fatalf("expected %v order, got %q at %d", titles, r.Title, i)
		}
	}

	other, _ := svc.List(ctx, 10)
	if len(other) != 2 {
		t.Fatalf("other agents see only global replies, got %d", len(other))
	}
}

func TestLoadSeedRejectsIncompleteEntries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("replies:\n  - title: Empty\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSeed(path); err == nil {
		t.Fatal("expected error for reply without content")
	}
}
