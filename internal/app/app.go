// Package app builds the staffd object graph from configuration and runs
// its background loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/staffd/internal/agents"
	"github.com/kalambet/staffd/internal/api"
	"github.com/kalambet/staffd/internal/briefing"
	"github.com/kalambet/staffd/internal/config"
	"github.com/kalambet/staffd/internal/conversation"
	"github.com/kalambet/staffd/internal/engine"
	"github.com/kalambet/staffd/internal/errtrack"
	"github.com/kalambet/staffd/internal/executor"
	"github.com/kalambet/staffd/internal/metrics"
	"github.com/kalambet/staffd/internal/notify"
	"github.com/kalambet/staffd/internal/ollama"
	"github.com/kalambet/staffd/internal/proxy"
	"github.com/kalambet/staffd/internal/scheduler"
	"github.com/kalambet/staffd/internal/storage"
	"github.com/kalambet/staffd/internal/tasks"
	"github.com/kalambet/staffd/internal/timeouts"
)

const notifyPollInterval = 500 * time.Millisecond

// Options overrides parts of the graph. Zero values build everything from
// the configuration.
type Options struct {
	Version string
	Token   string
	Store   *storage.Store // opened from cfg.Storage.DataDir when nil
	Runner  engine.Runner  // built from cfg.Engine when nil
}

// App owns every long-lived service of a staffd process.
type App struct {
	cfg     config.Config
	version string
	token   string
	ownsDB  bool

	Store         *storage.Store
	Metrics       *metrics.Metrics
	Errors        *errtrack.Tracker
	Budgets       *timeouts.Registry
	Agents        *agents.Registry
	Runner        engine.Runner
	Executor      *executor.Executor
	Scheduler     *scheduler.Scheduler
	Briefings     *briefing.Service
	Tasks         *tasks.Service
	Conversations *conversation.Service
	Notifier      *notify.Worker
}

// New constructs every service and then performs the one wiring step that
// closes the briefing, task and conversation cycle.
func New(cfg config.Config, opts Options) (*App, error) {
	a := &App{cfg: cfg, version: opts.Version, token: opts.Token}

	a.Budgets = timeouts.New()
	for name, v := range cfg.Timeouts.Map() {
		if err := a.Budgets.SetString(name, v); err != nil {
			return nil, fmt.Errorf("timeouts.%s: %w", name, err)
		}
	}
	a.Budgets.Freeze()

	a.Metrics = metrics.New()
	a.Errors = errtrack.New(cfg.Errors.AlertEvery, cfg.Errors.History,
		errtrack.WithRecordFunc(a.Metrics.RecordError))

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	base := storage.BriefingPolicy{
		Enabled:            true,
		MinImportanceScore: cfg.Briefing.MinImportance,
		MaxDailyBriefings:  cfg.Briefing.MaxDaily,
	}
	if a.Agents, err = agents.Load(cfg.Agents.File, base); err != nil {
		return nil, err
	}

	a.Runner = opts.Runner
	if a.Runner == nil {
		if a.Runner, err = newRunner(cfg.Engine); err != nil {
			return nil, err
		}
	}

	a.Store = opts.Store
	if a.Store == nil {
		if a.Store, err = storage.Open(cfg.Storage.DataDir); err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		a.ownsDB = true
	}

	outbox := notify.NewOutbox(a.Store, 0)
	a.Briefings = briefing.New(a.Store, outbox, a.Agents, a.Runner, a.Budgets, a.Metrics, briefing.Config{
		DedupWindow: cfg.DedupWindow(),
		Location:    loc,
	})
	a.Executor = executor.New(a.Store, a.Agents, a.Runner, a.Briefings, a.Budgets, a.Errors, a.Metrics)
	a.Scheduler = scheduler.New(a.Store, a.Executor, scheduler.Options{
		MaxConcurrent: int64(cfg.Scheduler.MaxConcurrent),
		Budgets:       a.Budgets,
		Errors:        a.Errors,
		Metrics:       a.Metrics,
	})
	a.Tasks = tasks.New(a.Agents, a.Runner, a.Briefings, a.Store, a.Scheduler, a.Budgets)
	a.Conversations = conversation.New(a.Store, a.Agents, a.Tasks, a.Runner, a.Budgets, a.Metrics,
		conversation.Config{Timezone: cfg.Briefing.Timezone})

	a.Briefings.SetConversationService(a.Conversations)
	a.Tasks.SetConversationService(a.Conversations)

	a.Notifier = notify.NewWorker(a.Store, newNotifier(cfg.Notify), a.Metrics, notifyPollInterval)
	return a, nil
}

func newRunner(cfg config.EngineConfig) (engine.Runner, error) {
	switch cfg.Backend {
	case config.BackendOpenRouter:
		return engine.NewOpenRouterRunner(proxy.NewClient(cfg.OpenRouterAPIKey), cfg.Model), nil
	case config.BackendOllama:
		return engine.NewOllamaRunner(cfg.OllamaBaseURL, cfg.OllamaModel), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}

func newNotifier(cfg config.NotifyConfig) notify.Notifier {
	if cfg.WebhookURL != "" {
		return notify.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookToken)
	}
	return notify.NewLogNotifier(slog.Default())
}

// EnsureEngine checks that the agent backend can serve calls. A local
// Ollama backend gets its model pulled and warmed; progress goes to w.
func (a *App) EnsureEngine(ctx context.Context, w io.Writer) error {
	r, ok := a.Runner.(*engine.OllamaRunner)
	if !ok {
		return nil
	}
	return ollama.EnsureReady(ctx, r.Client(), a.cfg.Engine.OllamaModel, w)
}

// Run starts the scheduler and the notification worker and blocks until
// ctx is cancelled. The scheduler then gets the shutdown grace period to
// finish in-flight jobs.
func (a *App) Run(ctx context.Context) error {
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Notifier.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		err := a.Scheduler.Stop(context.Background())
		if errors.Is(err, scheduler.ErrGraceExceeded) {
			a.Errors.RecordError(err, nil)
		}
		return err
	})
	return g.Wait()
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return api.NewHandler(a.apiDeps())
}

func (a *App) apiDeps() api.Deps {
	return api.Deps{
		Token:         a.token,
		Version:       a.version,
		Store:         a.Store,
		Agents:        a.Agents,
		Scheduler:     a.Scheduler,
		Briefings:     a.Briefings,
		Conversations: a.Conversations,
		Errors:        a.Errors,
		Metrics:       a.Metrics,
		Budgets:       a.Budgets,
	}
}

// MCPServer returns the MCP server over the same services.
func (a *App) MCPServer() *server.MCPServer {
	return api.NewMCPServer(api.MCPDeps{
		Store:     a.Store,
		Jobs:      a.Scheduler,
		Briefings: a.Briefings,
		Tasks:     a.Tasks,
		Errors:    a.Errors,
		Timezone:  a.cfg.Briefing.Timezone,
		Version:   a.version,
	})
}

// Close releases the store when New opened it.
func (a *App) Close() error {
	if a.ownsDB {
		return a.Store.Close()
	}
	return nil
}
