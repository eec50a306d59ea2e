// Package conversation runs chat sessions with agents. Each user message
// is either routed to the task execution service, when it names a task,
// or answered as a plain conversational turn.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/staffd/internal/agents"
	"github.com/kalambet/staffd/internal/attach"
	"github.com/kalambet/staffd/internal/engine"
	"github.com/kalambet/staffd/internal/intent"
	"github.com/kalambet/staffd/internal/metrics"
	"github.com/kalambet/staffd/internal/storage"
	"github.com/kalambet/staffd/internal/stream"
	"github.com/kalambet/staffd/internal/tasks"
	"github.com/kalambet/staffd/internal/timeouts"
)

const defaultHistoryLimit = 20

var (
	ErrNotActive         = errors.New("conversation is not active")
	ErrEmptyMessage      = errors.New("message is empty")
	ErrInvalidTransition = errors.New("invalid conversation status transition")
)

// Store is the persistence the service needs.
type Store interface {
	CreateConversation(c storage.Conversation) error
	GetConversation(id string) (storage.Conversation, error)
	ListConversations(userID string, limit int) ([]storage.Conversation, error)
	TransitionConversation(id, from, to string) error
	AppendMessage(m storage.Message) error
	RecentMessages(conversationID string, limit int) ([]storage.Message, error)
}

// AgentResolver resolves agent ids.
type AgentResolver interface {
	Resolve(id string) (agents.Agent, error)
}

// TaskExecutor carries out recognized tasks.
type TaskExecutor interface {
	ExecuteIntent(ctx context.Context, req tasks.Request, emit func(engine.Event) error) (tasks.Result, error)
}

// Input is one user message.
type Input struct {
	Content     string         `json:"content"`
	Attachments []attach.Input `json:"attachments,omitempty"`
}

// Config holds the service's tunables.
type Config struct {
	Timezone     string // applied to schedules parsed from chat
	HistoryLimit int
}

// Service is safe for concurrent use.
type Service struct {
	store   Store
	agents  AgentResolver
	tasks   TaskExecutor
	runner  engine.Runner
	budgets *timeouts.Registry
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
}

func New(store Store, resolver AgentResolver, taskExec TaskExecutor, runner engine.Runner,
	budgets *timeouts.Registry, m *metrics.Metrics, cfg Config) *Service {
	if budgets == nil {
		budgets = timeouts.New()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Service{
		store:   store,
		agents:  resolver,
		tasks:   taskExec,
		runner:  runner,
		budgets: budgets,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Start opens an active conversation. A non-empty opening becomes the
// first assistant message.
func (s *Service) Start(ctx context.Context, userID, agentID, title, opening string) (storage.Conversation, error) {
	return s.start(storage.Conversation{UserID: userID, AgentID: agentID, Title: title}, opening)
}

// StartFromBriefing opens a follow-up conversation for b. The briefing is
// the opening message; prompt is what the user is invited to ask next.
func (s *Service) StartFromBriefing(ctx context.Context, b storage.Briefing, prompt string) (storage.Conversation, error) {
	c, err := s.start(storage.Conversation{
		UserID:     b.UserID,
		AgentID:    b.AgentID,
		Title:      b.Title,
		BriefingID: b.ID,
	}, briefingOpening(b))
	if err != nil {
		return c, err
	}
	s.logger.Info("conversation started from briefing", "conversation_id", c.ID,
		"briefing_id", b.ID, "agent_id", b.AgentID, "prompt", prompt)
	return c, nil
}

func (s *Service) start(c storage.Conversation, opening string) (storage.Conversation, error) {
	agent, err := s.agents.Resolve(c.AgentID)
	if err != nil {
		return storage.Conversation{}, err
	}
	if strings.TrimSpace(c.UserID) == "" {
		return storage.Conversation{}, errors.New("conversation requires a user")
	}
	now := s.now()
	c.ID = uuid.New().String()
	c.AgentID = agent.ID
	c.Status = storage.ConversationActive
	c.CreatedAt = now
	if strings.TrimSpace(c.Title) == "" {
		c.Title = agent.Name
	}
	if err := s.store.CreateConversation(c); err != nil {
		return storage.Conversation{}, fmt.Errorf("creating conversation: %w", err)
	}
	if opening = strings.TrimSpace(opening); opening != "" {
		m := storage.Message{ID: uuid.New().String(), ConversationID: c.ID, Role: "assistant", Content: opening, CreatedAt: now}
		if err := s.store.AppendMessage(m); err != nil {
			return storage.Conversation{}, fmt.Errorf("appending opening message: %w", err)
		}
		c.LastMessageAt = now
	}
	return c, nil
}

func (s *Service) Get(id string) (storage.Conversation, error) {
	return s.store.GetConversation(id)
}

func (s *Service) List(userID string, limit int) ([]storage.Conversation, error) {
	return s.store.ListConversations(userID, limit)
}

// Messages returns up to limit of the latest messages, oldest first.
func (s *Service) Messages(id string, limit int) ([]storage.Message, error) {
	if _, err := s.store.GetConversation(id); err != nil {
		return nil, err
	}
	return s.store.RecentMessages(id, limit)
}

// RecentHistory returns the last n messages of a conversation, oldest first.
func (s *Service) RecentHistory(ctx context.Context, id string, n int) ([]storage.Message, error) {
	return s.store.RecentMessages(id, n)
}

// Archive moves an active conversation to archived.
func (s *Service) Archive(id string) error {
	return s.transition(id, storage.ConversationActive, storage.ConversationArchived)
}

// Close ends an active or archived conversation.
func (s *Service) Close(id string) error {
	err := s.transition(id, storage.ConversationActive, storage.ConversationClosed)
	if errors.Is(err, ErrInvalidTransition) {
		return s.transition(id, storage.ConversationArchived, storage.ConversationClosed)
	}
	return err
}

func (s *Service) transition(id, from, to string) error {
	err := s.store.TransitionConversation(id, from, to)
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	return err
}

func briefingOpening(b storage.Briefing) string {
	var sb strings.Builder
	sb.WriteString(b.Title)
	if b.Summary != "" && b.Summary != b.Title {
		sb.WriteString("\n\n")
		sb.WriteString(b.Summary)
	}
	if b.Impact != "" {
		sb.WriteString("\n\n")
		sb.WriteString(b.Impact)
	}
	return sb.String()
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "…"
}

// classify wraps the recognizer with the conversation's context.
func (s *Service) classify(c storage.Conversation, content string) (intent.Intent, bool) {
	return intent.Recognize(content, intent.Context{AgentID: c.AgentID, UserID: c.UserID, Timezone: s.cfg.Timezone})
}

// send delivers ev unless ctx ends first.
func send(ctx context.Context, out chan<- stream.Event, ev stream.Event) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func hasHan(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}
