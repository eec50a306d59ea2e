// Package briefing decides whether an analysis result is worth pushing and
// materializes Briefing records for its recipients.
package briefing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/staffd/internal/agents"
	"github.com/kalambet/staffd/internal/engine"
	"github.com/kalambet/staffd/internal/importance"
	"github.com/kalambet/staffd/internal/metrics"
	"github.com/kalambet/staffd/internal/storage"
	"github.com/kalambet/staffd/internal/timeouts"
)

// Outcome reasons for generations that produce nothing. They are policy
// results, not errors.
const (
	ReasonDuplicate     = "duplicate"
	ReasonLowImportance = "low importance"
	ReasonQuotaExceeded = "quota exceeded"
	ReasonDisabled      = "disabled"
	ReasonNoRecipients  = "no recipients"
	ReasonEmpty         = "empty analysis"
)

const (
	defaultDedupWindow = 24 * time.Hour
	defaultTTL         = 7 * 24 * time.Hour
	defaultFanout      = 8
)

// Store is the persistence the service needs.
type Store interface {
	BriefingHashExists(agentID, hash string, since time.Time) (bool, error)
	ReserveBriefingQuota(agentID, day string, n, limit int) (bool, error)
	ReleaseBriefingQuota(agentID, day string, n int) error
	ListSubscribers(agentID string) ([]string, error)
	CreateBriefings(bs []storage.Briefing) error
	GetBriefing(id string) (storage.Briefing, error)
	ListBriefings(userID, status string, limit int) ([]storage.Briefing, error)
	TransitionBriefing(id, from, to string, at time.Time) error
	LinkBriefingConversation(id, conversationID string) error
}

// Notifier is told about every briefing persisted with status new.
type Notifier interface {
	BriefingCreated(ctx context.Context, b storage.Briefing) error
}

// AgentResolver resolves agent ids for prompt-driven generations.
type AgentResolver interface {
	Resolve(id string) (agents.Agent, error)
}

// Request asks for briefings from one analysis result. When Text is empty
// the agent is run with Prompt to produce it.
type Request struct {
	AgentID       string
	Text          string
	Prompt        string
	Policy        storage.BriefingPolicy
	Signals       []importance.Signal // nil means extract from Text
	TargetUserIDs []string            // empty means all active subscribers
	JobID         string
	ReportRef     string
}

// Outcome is the machine-readable result of Generate.
type Outcome struct {
	Generated bool     `json:"generated"`
	Count     int      `json:"count"`
	IDs       []string `json:"ids,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Score     float64  `json:"score"`
	Priority  string   `json:"priority,omitempty"`
	Type      string   `json:"type,omitempty"`
	Title     string   `json:"title,omitempty"`
}

// Config holds the service's tunables.
type Config struct {
	DedupWindow time.Duration
	Location    *time.Location // quota day boundary
	TTL         time.Duration
	MaxFanout   int
}

// Service is the briefing policy engine.
type Service struct {
	store    Store
	notifier Notifier
	agents   AgentResolver
	runner   engine.Runner
	budgets  *timeouts.Registry
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger

	// agentLocks serializes dedup-check-to-persist per agent.
	agentLocks sync.Map

	mu   sync.RWMutex
	conv ConversationStarter
}

// New creates a Service. notifier, runner and m may be nil.
func New(store Store, notifier Notifier, resolver AgentResolver, runner engine.Runner,
	budgets *timeouts.Registry, m *metrics.Metrics, cfg Config) *Service {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MaxFanout <= 0 {
		cfg.MaxFanout = defaultFanout
	}
	if budgets == nil {
		budgets = timeouts.New()
	}
	return &Service{
		store:    store,
		notifier: notifier,
		agents:   resolver,
		runner:   runner,
		budgets:  budgets,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Generate runs the policy pipeline: obtain text, dedup, score, quota,
// materialize. Policy rejections come back as an Outcome with Reason set
// and a nil error.
func (s *Service) Generate(ctx context.Context, req Request) (Outcome, error) {
	out, err := s.generate(ctx, req)
	if err == nil {
		label := "generated"
		if !out.Generated {
			label = out.Reason
		}
		s.metrics.RecordBriefingOutcome(req.AgentID, label, out.Score)
	}
	return out, err
}

func (s *Service) generate(ctx context.Context, req Request) (Outcome, error) {
	if !req.Policy.Enabled {
		return Outcome{Reason: ReasonDisabled}, nil
	}

	text := strings.TrimSpace(req.Text)
	if text == "" && strings.TrimSpace(req.Prompt) != "" {
		var err error
		if text, err = s.analyze(ctx, req); err != nil {
			return Outcome{}, err
		}
	}
	if text == "" {
		return Outcome{Reason: ReasonEmpty}, nil
	}

	mu := s.agentLock(req.AgentID)
	mu.Lock()
	defer mu.Unlock()

	now := s.now()
	summary := Summarize(text)
	hash := ContentHash(summary)
	dup, err := s.store.BriefingHashExists(req.AgentID, hash, now.Add(-s.cfg.DedupWindow))
	if err != nil {
		return Outcome{}, fmt.Errorf("checking duplicate: %w", err)
	}
	if dup {
		return Outcome{Reason: ReasonDuplicate}, nil
	}

	signals := req.Signals
	if signals == nil {
		signals = importance.ExtractSignals(text)
	}
	score := importance.Score(text, signals)
	a := importance.Assessment{Signals: signals, Score: score, Band: importance.Band(score)}
	if score < req.Policy.MinImportanceScore {
		return Outcome{Reason: ReasonLowImportance, Score: score}, nil
	}

	recipients, err := s.recipients(req)
	if err != nil {
		return Outcome{}, err
	}
	if len(recipients) == 0 {
		return Outcome{Reason: ReasonNoRecipients, Score: score}, nil
	}

	day := now.In(s.cfg.Location).Format("2006-01-02")
	// One unit per recipient. A fan-out that does not fit the remaining
	// quota is refused as a whole.
	ok, err := s.store.ReserveBriefingQuota(req.AgentID, day, len(recipients), req.Policy.MaxDailyBriefings)
	if err != nil {
		return Outcome{}, fmt.Errorf("reserving quota: %w", err)
	}
	if !ok {
		return Outcome{Reason: ReasonQuotaExceeded, Score: score}, nil
	}

	bs := s.materialize(req, text, summary, hash, a, recipients, now)
	if err := s.store.CreateBriefings(bs); err != nil {
		if rerr := s.store.ReleaseBriefingQuota(req.AgentID, day, len(recipients)); rerr != nil {
			s.logger.Error("releasing briefing quota", "agent_id", req.AgentID, "error", rerr)
		}
		return Outcome{}, fmt.Errorf("persisting briefings: %w", err)
	}

	s.metrics.RecordBriefingsCreated(a.Band, len(bs))
	s.notify(ctx, bs)

	out := Outcome{
		Generated: true,
		Count:     len(bs),
		Score:     score,
		Priority:  a.Band,
		Type:      bs[0].Type,
		Title:     bs[0].Title,
	}
	for _, b := range bs {
		out.IDs = append(out.IDs, b.ID)
	}
	s.logger.Info("briefings generated", "agent_id", req.AgentID, "job_id", req.JobID,
		"count", len(bs), "score", score, "priority", a.Band)
	return out, nil
}

func (s *Service) analyze(ctx context.Context, req Request) (string, error) {
	if s.runner == nil || s.agents == nil {
		return "", errors.New("briefing: no agent runner configured")
	}
	agent, err := s.agents.Resolve(req.AgentID)
	if err != nil {
		return "", err
	}
	res, err := engine.Call(ctx, s.runner, engine.Request{
		AgentID:      agent.ID,
		Persona:      agent.Persona,
		Prompt:       req.Prompt,
		AllowedTools: agent.AllowedTools,
		WorkingScope: agent.WorkingScope,
		Model:        agent.Model,
	}, s.budgets, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Text), nil
}

func (s *Service) recipients(req Request) ([]string, error) {
	src := req.TargetUserIDs
	if len(src) == 0 {
		subs, err := s.store.ListSubscribers(req.AgentID)
		if err != nil {
			return nil, fmt.Errorf("listing subscribers: %w", err)
		}
		src = subs
	}
	seen := make(map[string]bool, len(src))
	var out []string
	for _, u := range src {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out, nil
}

// materialize builds one briefing per recipient, in recipient order.
func (s *Service) materialize(req Request, text, summary, hash string,
	a importance.Assessment, recipients []string, now time.Time) []storage.Briefing {
	title := Title(text)
	if title == "" {
		title = truncate(summary, maxTitleRunes)
	}
	typ := Classify(text, a)
	impact := Impact(text)

	out := make([]storage.Briefing, 0, len(recipients))
	for _, user := range recipients {
		out = append(out, storage.Briefing{
			ID:        uuid.New().String(),
			AgentID:   req.AgentID,
			UserID:    user,
			JobID:     req.JobID,
			Type:      typ,
			Priority:  a.Band,
			Title:     title,
			Summary:   summary,
			Impact:    impact,
			Actions:   defaultActions(title, req.ReportRef),
			ReportRef: req.ReportRef,
			ContextData: map[string]any{
				"source_text":  text,
				"generated_at": now.UTC().Format(time.RFC3339),
				"signals":      len(a.Signals),
			},
			Status:          storage.StatusNew,
			ImportanceScore: a.Score,
			ContentHash:     hash,
			CreatedAt:       now,
			ExpiresAt:       now.Add(s.cfg.TTL),
		})
	}
	return out
}

func (s *Service) notify(ctx context.Context, bs []storage.Briefing) {
	if s.notifier == nil {
		return
	}
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxFanout)
	for _, b := range bs {
		g.Go(func() error {
			if err := s.notifier.BriefingCreated(ctx, b); err != nil {
				s.logger.Warn("briefing notification failed", "briefing_id", b.ID, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (s *Service) agentLock(agentID string) *sync.Mutex {
	v, _ := s.agentLocks.LoadOrStore(agentID, &sync.Mutex{})
	return v.(*sync.Mutex)
}
