// Package quickreply manages canned agent responses.
package quickreply

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/supportdesk/internal/chat"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/store"
)

// Service creates and lists quick replies.
type Service struct {
	repo store.QuickReplyStore
	now  func() time.Time
}

// NewService creates a quick reply service.
func NewService(repo store.QuickReplyStore) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Create stores a reply owned by agentID. Title and content must be
// non-empty after trimming.
func (s *Service) Create(ctx context.Context, agentID int64, title, content string) (*domain.QuickReply, error) {
	if agentID <= 0 {
		return nil, chat.ErrInvalidInput
	}
	owner := agentID
	return s.create(ctx, &owner, title, content)
}

func (s *Service) create(ctx context.Context, agentID *int64, title, content string) (*domain.QuickReply, error) {
	title = strings.TrimSpace(title)
	content = strings.TrimSpace(content)
	if title == "" || content == "" {
		return nil, chat.ErrEmptyContent
	}

	reply := &domain.QuickReply{
		AgentID:   agentID,
		Title:     title,
		Content:   content,
		CreatedAt: s.now(),
	}
	if err := s.repo.CreateQuickReply(ctx, reply); err != nil {
		return nil, fmt.Errorf("create quick reply: %w: %w", chat.ErrStorageUnavailable, err)
	}
	return reply, nil
}

// List returns the agent's replies and the global ones, ordered by title.
func (s *Service) List(ctx context.Context, agentID int64) ([]*domain.QuickReply, error) {
	if agentID <= 0 {
		return nil, chat.ErrInvalidInput
	}
	replies, err := s.repo.ListQuickReplies(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list quick replies: %w: %w", chat.ErrStorageUnavailable, err)
	}
	if replies == nil {
		replies = []*domain.QuickReply{}
	}
	return replies, nil
}

// SeedFile is the YAML layout of the global replies file.
type SeedFile struct {
	Replies []SeedReply `yaml:"replies"`
}

// SeedReply is one global reply.
type SeedReply struct {
	Title   string `yaml:"title"`
	Content string `yaml:"content"`
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read quick replies file: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse quick replies file: %w", err)
	}
	for i, r := range seed.Replies {
		if strings.TrimSpace(r.Title) == "" || strings.TrimSpace(r.Content) == "" {
			return nil, fmt.Errorf("quick reply %d: title and content are required", i)
		}
	}
	return &seed, nil
}

// Seed inserts global replies whose titles do not exist yet and returns how
// many were added.
func (s *Service) Seed(ctx context.Context, seed *SeedFile) (int, error) {
	added := 0
	for _, r := range seed.Replies {
		title := strings.TrimSpace(r.Title)
		exists, err := s.repo.GlobalQuickReplyExists(ctx, title)
		if err != nil {
			return added, fmt.Errorf("check quick reply %q: %w", title, err)
		}
		if exists {
			continue
		}
		if _, err := s.create(ctx, nil, title, r.Content); err != nil {
			return added, err
		}
		added++
	}
	if added > 0 {
		slog.Info("Seeded global quick replies", "count", added)
	}
	return added, nil
}
