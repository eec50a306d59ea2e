// Package executor runs one scheduled job to completion.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/staffd/internal/agents"
	"github.com/kalambet/staffd/internal/apperr"
	"github.com/kalambet/staffd/internal/briefing"
	"github.com/kalambet/staffd/internal/composer"
	"github.com/kalambet/staffd/internal/engine"
	"github.com/kalambet/staffd/internal/errtrack"
	"github.com/kalambet/staffd/internal/importance"
	"github.com/kalambet/staffd/internal/metrics"
	"github.com/kalambet/staffd/internal/storage"
	"github.com/kalambet/staffd/internal/timeouts"
)

// Run statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Keys of the run context carried to the next run.
const (
	CtxLastRunAt   = "last_run_at"
	CtxLastScore   = "last_score"
	CtxLastSummary = "last_summary"
	CtxLastOutcome = "last_outcome"
)

// Store is the persistence the executor needs.
type Store interface {
	GetJobTemplate(id string) (storage.JobTemplate, error)
	RecordRunSuccess(id string, at time.Time, result string, runCtx storage.RunContext) error
	RecordRunFailure(id string, at time.Time, errMsg string) error
}

// AgentResolver resolves a job's agent.
type AgentResolver interface {
	Resolve(id string) (agents.Agent, error)
}

// Generator is the briefing policy engine.
type Generator interface {
	Generate(ctx context.Context, req briefing.Request) (briefing.Outcome, error)
}

// RunResult reports one job run.
type RunResult struct {
	JobID     string            `json:"job_id"`
	Status    string            `json:"status"`
	Prompt    string            `json:"prompt"`
	Text      string            `json:"text,omitempty"`
	Outcome   *briefing.Outcome `json:"outcome,omitempty"`
	Error     string            `json:"error,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`

	Err error `json:"-"`
}

// Executor runs jobs. It is safe for concurrent use.
type Executor struct {
	store     Store
	agents    AgentResolver
	runner    engine.Runner
	briefings Generator
	budgets   *timeouts.Registry
	errors    *errtrack.Tracker
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// New creates an Executor. tracker and m may be nil.
func New(store Store, resolver AgentResolver, runner engine.Runner, briefings Generator,
	budgets *timeouts.Registry, tracker *errtrack.Tracker, m *metrics.Metrics) *Executor {
	if budgets == nil {
		budgets = timeouts.New()
	}
	return &Executor{
		store:     store,
		agents:    resolver,
		runner:    runner,
		briefings: briefings,
		budgets:   budgets,
		errors:    tracker,
		metrics:   m,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// SetClock overrides the time source.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// Run executes job once and records the result on the job. The returned
// RunResult is never nil-valued; Err is set when the run failed.
func (e *Executor) Run(ctx context.Context, job storage.ScheduledJob) RunResult {
	start := e.now()
	res := RunResult{JobID: job.ID, StartedAt: start}
	e.metrics.JobStarted()
	defer e.metrics.JobFinished()

	text, prompt, err := e.execute(ctx, job)
	res.Prompt = prompt
	res.Text = text

	var outcome briefing.Outcome
	if err == nil {
		outcome, err = e.briefings.Generate(ctx, briefing.Request{
			AgentID:   job.AgentID,
			Text:      text,
			Policy:    job.Policy,
			Signals:   importance.ExtractSignals(text),
			JobID:     job.ID,
			ReportRef: "jobs/" + job.ID + "/runs/" + start.UTC().Format("20060102T150405Z"),
		})
		if err != nil {
			err = fmt.Errorf("generating briefings: %w", err)
		}
	}

	end := e.now()
	res.Duration = end.Sub(start)
	if err != nil {
		return e.fail(job, res, end, err)
	}

	res.Status = StatusSuccess
	res.Outcome = &outcome
	result, merr := json.Marshal(outcome)
	if merr != nil {
		return e.fail(job, res, end, fmt.Errorf("encoding outcome: %w", merr))
	}
	if serr := e.store.RecordRunSuccess(job.ID, end, string(result), nextContext(end, text, outcome)); serr != nil {
		e.logger.Error("recording job success", "job_id", job.ID, "error", serr)
	}
	e.metrics.RecordJobRun(job.AgentID, StatusSuccess, res.Duration)
	e.logger.Info("job run finished", "job_id", job.ID, "agent_id", job.AgentID,
		"generated", outcome.Generated, "reason", outcome.Reason, "score", outcome.Score)
	return res
}

// execute resolves the prompt and agent and buffers the agent's output.
func (e *Executor) execute(ctx context.Context, job storage.ScheduledJob) (text, prompt string, err error) {
	cfg := job.InstanceConfig
	prompt = job.TaskPrompt
	if job.TemplateID != "" {
		tmpl, err := e.store.GetJobTemplate(job.TemplateID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", "", apperr.Config(fmt.Sprintf("job %s: template %q", job.ID, job.TemplateID), err)
			}
			return "", "", fmt.Errorf("loading template: %w", err)
		}
		cfg = composer.Merge(tmpl.DefaultConfig, job.InstanceConfig)
		if strings.TrimSpace(prompt) == "" {
			prompt = tmpl.Prompt
		}
	}
	prompt = composer.Interpolate(prompt, cfg, job.LastRunContext)
	if strings.TrimSpace(prompt) == "" {
		return "", prompt, apperr.Config(fmt.Sprintf("job %s: empty task prompt", job.ID), nil)
	}

	agent, err := e.agents.Resolve(job.AgentID)
	if err != nil {
		return "", prompt, err
	}

	out, err := engine.Call(ctx, e.runner, engine.Request{
		AgentID:      agent.ID,
		Persona:      agent.Persona,
		Prompt:       prompt,
		AllowedTools: agent.AllowedTools,
		WorkingScope: agent.WorkingScope,
		Model:        agent.Model,
	}, e.budgets, nil)
	if err != nil {
		return out.Text, prompt, err
	}
	return strings.TrimSpace(out.Text), prompt, nil
}

func (e *Executor) fail(job storage.ScheduledJob, res RunResult, at time.Time, err error) RunResult {
	res.Status = StatusFailed
	res.Err = err
	res.Error = err.Error()
	if serr := e.store.RecordRunFailure(job.ID, at, err.Error()); serr != nil {
		e.logger.Error("recording job failure", "job_id", job.ID, "error", serr)
	}
	if e.errors != nil {
		e.errors.RecordError(err, map[string]string{"job_id": job.ID, "agent_id": job.AgentID})
	}
	e.metrics.RecordJobRun(job.AgentID, StatusFailed, res.Duration)
	e.logger.Warn("job run failed", "job_id", job.ID, "agent_id", job.AgentID,
		"kind", apperr.Kind(err), "error", err)
	return res
}

func nextContext(at time.Time, text string, o briefing.Outcome) storage.RunContext {
	outcome := "generated"
	if !o.Generated {
		outcome = o.Reason
	}
	return storage.RunContext{
		CtxLastRunAt:   at.UTC().Format(time.RFC3339),
		CtxLastScore:   strconv.FormatFloat(o.Score, 'f', 2, 64),
		CtxLastSummary: briefing.Summarize(text),
		CtxLastOutcome: outcome,
	}
}
