// Package tasks bridges chat-triggered work into the execution and
// briefing path used by scheduled jobs.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/staffd/internal/agents"
	"github.com/kalambet/staffd/internal/briefing"
	"github.com/kalambet/staffd/internal/engine"
	"github.com/kalambet/staffd/internal/intent"
	"github.com/kalambet/staffd/internal/scheduler"
	"github.com/kalambet/staffd/internal/storage"
	"github.com/kalambet/staffd/internal/timeouts"
)

// HistoryTurns is how many prior messages accompany a chat-triggered call.
const HistoryTurns = 20

// AgentResolver resolves agent ids.
type AgentResolver interface {
	Resolve(id string) (agents.Agent, error)
}

// Generator is the briefing policy engine.
type Generator interface {
	Generate(ctx context.Context, req briefing.Request) (briefing.Outcome, error)
}

// JobStore persists jobs created from chat.
type JobStore interface {
	CreateScheduledJob(j storage.ScheduledJob) error
	GetScheduledJob(id string) (storage.ScheduledJob, error)
	DeleteScheduledJob(id string) error
	Subscribe(agentID, userID string) error
}

// Registrar arms a persisted job.
type Registrar interface {
	Register(job storage.ScheduledJob) error
}

// HistorySource supplies recent conversation messages, oldest first.
type HistorySource interface {
	RecentHistory(ctx context.Context, conversationID string, n int) ([]storage.Message, error)
}

// Request is one chat-triggered task.
type Request struct {
	ConversationID string
	UserID         string
	AgentID        string
	Intent         intent.Intent
}

// JobConfirmation describes a job created by a monitoring request.
type JobConfirmation struct {
	JobID     string           `json:"job_id"`
	Schedule  storage.Schedule `json:"schedule"`
	NextRunAt time.Time        `json:"next_run_at"`
}

// Result is what a task produced.
type Result struct {
	Type               intent.Type       `json:"type,omitempty"`
	AgentID            string            `json:"agent_id"`
	Prompt             string            `json:"prompt"`
	Text               string            `json:"text,omitempty"`
	Cost               *engine.Cost      `json:"cost,omitempty"`
	Outcome            *briefing.Outcome `json:"outcome,omitempty"`
	Job                *JobConfirmation  `json:"job,omitempty"`
	NeedsClarification bool              `json:"needs_clarification,omitempty"`
	Question           string            `json:"question,omitempty"`
}

// Service executes tasks. It is safe for concurrent use.
type Service struct {
	agents    AgentResolver
	runner    engine.Runner
	briefings Generator
	jobs      JobStore
	scheduler Registrar
	budgets   *timeouts.Registry
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.RWMutex
	history HistorySource
}

func New(resolver AgentResolver, runner engine.Runner, briefings Generator, jobs JobStore,
	sched Registrar, budgets *timeouts.Registry) *Service {
	if budgets == nil {
		budgets = timeouts.New()
	}
	return &Service{
		agents:    resolver,
		runner:    runner,
		briefings: briefings,
		jobs:      jobs,
		scheduler: sched,
		budgets:   budgets,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// SetConversationService installs the conversation back-reference used for
// history. It is called once, after every service has been constructed.
func (s *Service) SetConversationService(h HistorySource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = h
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Execute runs prompt on an agent and returns the full text.
func (s *Service) Execute(ctx context.Context, agentID, prompt string) (Result, error) {
	agent, err := s.agents.Resolve(agentID)
	if err != nil {
		return Result{}, err
	}
	out, err := engine.Call(ctx, s.runner, request(agent, prompt, nil), s.budgets, nil)
	if err != nil {
		return Result{}, err
	}
	return Result{AgentID: agent.ID, Prompt: prompt, Text: strings.TrimSpace(out.Text), Cost: out.Cost}, nil
}

// ExecuteIntent carries out a recognized intent. Agent events are passed
// to emit as they arrive; emit may be nil.
func (s *Service) ExecuteIntent(ctx context.Context, req Request, emit func(engine.Event) error) (Result, error) {
	agent, err := s.agents.Resolve(req.AgentID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Type: req.Intent.Type, AgentID: agent.ID, Prompt: req.Intent.Prompt}

	switch req.Intent.Type {
	case intent.MonitoringSetup:
		if req.Intent.Schedule == nil {
			res.NeedsClarification = true
			res.Question = clarifyQuestion(req.Intent.Prompt)
			return res, nil
		}
		job, err := s.scheduleJob(agent, req)
		if err != nil {
			return res, err
		}
		res.Job = job
		return res, nil

	case intent.DataAnalysis, intent.ReportGeneration:
		out, err := engine.Call(ctx, s.runner, request(agent, req.Intent.Prompt, s.turns(ctx, req.ConversationID)), s.budgets, emit)
		res.Text = strings.TrimSpace(out.Text)
		res.Cost = out.Cost
		if err != nil {
			return res, err
		}
		if req.Intent.Type == intent.ReportGeneration && res.Text != "" {
			res.Outcome = s.report(ctx, agent, req, res.Text)
		}
		return res, nil

	default:
		return res, fmt.Errorf("unsupported task type %q", req.Intent.Type)
	}
}

// report hands a generated report to the briefing service. Failures are
// logged; the reply has already been produced.
func (s *Service) report(ctx context.Context, agent agents.Agent, req Request, text string) *briefing.Outcome {
	var targets []string
	if req.UserID != "" {
		targets = []string{req.UserID}
	}
	out, err := s.briefings.Generate(ctx, briefing.Request{
		AgentID:       agent.ID,
		Text:          text,
		Policy:        agent.DefaultPolicy,
		TargetUserIDs: targets,
		ReportRef:     "conversations/" + req.ConversationID,
	})
	if err != nil {
		s.logger.Error("generating briefing from chat report", "agent_id", agent.ID,
			"conversation_id", req.ConversationID, "error", err)
		return nil
	}
	return &out
}

func (s *Service) scheduleJob(agent agents.Agent, req Request) (*JobConfirmation, error) {
	sched := *req.Intent.Schedule
	if err := scheduler.Validate(sched); err != nil {
		return nil, err
	}
	now := s.now()
	job := storage.ScheduledJob{
		ID:         uuid.New().String(),
		Name:       jobName(req.Intent.Prompt),
		AgentID:    agent.ID,
		Schedule:   sched,
		TaskPrompt: req.Intent.Prompt,
		Policy:     agent.DefaultPolicy,
		IsActive:   true,
		CreatedBy:  req.UserID,
		CreatedAt:  now,
	}
	if err := s.jobs.CreateScheduledJob(job); err != nil {
		return nil, fmt.Errorf("creating scheduled job: %w", err)
	}
	if req.UserID != "" {
		if err := s.jobs.Subscribe(agent.ID, req.UserID); err != nil {
			s.discardJob(job.ID)
			return nil, fmt.Errorf("subscribing requester: %w", err)
		}
	}
	if err := s.scheduler.Register(job); err != nil {
		s.discardJob(job.ID)
		return nil, fmt.Errorf("registering scheduled job: %w", err)
	}
	// The scheduler persisted next_run_at with its own clock.
	stored, err := s.jobs.GetScheduledJob(job.ID)
	if err != nil {
		return nil, fmt.Errorf("reading scheduled job: %w", err)
	}
	s.logger.Info("scheduled job created from chat", "job_id", job.ID, "agent_id", agent.ID,
		"conversation_id", req.ConversationID, "next_run", stored.NextRunAt)
	return &JobConfirmation{JobID: job.ID, Schedule: sched, NextRunAt: stored.NextRunAt}, nil
}

// discardJob removes a job whose setup failed so it is never armed later.
func (s *Service) discardJob(id string) {
	if err := s.jobs.DeleteScheduledJob(id); err != nil {
		s.logger.Error("removing job after failed setup", "job_id", id, "error", err)
	}
}

// turns loads prior conversation messages. The newest user message is the
// one being handled and is dropped.
func (s *Service) turns(ctx context.Context, conversationID string) []engine.Turn {
	s.mu.RLock()
	h := s.history
	s.mu.RUnlock()
	if h == nil || conversationID == "" {
		return nil
	}
	msgs, err := h.RecentHistory(ctx, conversationID, HistoryTurns+1)
	if err != nil {
		s.logger.Warn("loading conversation history", "conversation_id", conversationID, "error", err)
		return nil
	}
	if n := len(msgs); n > 0 && msgs[n-1].Role == "user" {
		msgs = msgs[:n-1]
	}
	return Turns(msgs)
}

// Turns converts stored messages to agent history, including extracted
// attachment text.
func Turns(msgs []storage.Message) []engine.Turn {
	out := make([]engine.Turn, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		for _, a := range m.Attachments {
			if a.Text != "" {
				content += fmt.Sprintf("\n\n[Attachment: %s]\n%s", a.Name, a.Text)
			}
		}
		out = append(out, engine.Turn{Role: m.Role, Content: content})
	}
	return out
}

func request(agent agents.Agent, prompt string, history []engine.Turn) engine.Request {
	return engine.Request{
		AgentID:      agent.ID,
		Persona:      agent.Persona,
		Prompt:       prompt,
		History:      history,
		AllowedTools: agent.AllowedTools,
		WorkingScope: agent.WorkingScope,
		Model:        agent.Model,
	}
}

func clarifyQuestion(prompt string) string {
	if hasHan(prompt) {
		return "需要多久执行一次？例如“每天早上9点”或“每隔30分钟”。"
	}
	return `How often should I run this? For example "every day at 9am" or "every 30 minutes".`
}

func jobName(prompt string) string {
	const max = 40
	if utf8.RuneCountInString(prompt) <= max {
		return prompt
	}
	return string([]rune(prompt)[:max]) + "…"
}

func hasHan(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}
