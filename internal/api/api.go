// Package api is the HTTP surface of staffd: chat over SSE and WebSocket,
// scheduled jobs, briefings, health and metrics. mcp.go exposes a subset
// of the same operations as MCP tools.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/staffd/internal/agents"
	"github.com/kalambet/staffd/internal/apperr"
	"github.com/kalambet/staffd/internal/attach"
	"github.com/kalambet/staffd/internal/briefing"
	"github.com/kalambet/staffd/internal/conversation"
	"github.com/kalambet/staffd/internal/errtrack"
	"github.com/kalambet/staffd/internal/metrics"
	"github.com/kalambet/staffd/internal/scheduler"
	"github.com/kalambet/staffd/internal/storage"
	"github.com/kalambet/staffd/internal/timeouts"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds the services behind the HTTP API.
type Deps struct {
	Token         string
	Version       string
	Store         *storage.Store
	Agents        *agents.Registry
	Scheduler     *scheduler.Scheduler
	Briefings     *briefing.Service
	Conversations *conversation.Service
	Errors        *errtrack.Tracker
	Metrics       *metrics.Metrics // optional
	Budgets       *timeouts.Registry
}

// NewHandler returns the staffd router. /health and /metrics are public;
// everything under /v1 requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/agents", handleListAgents(deps))
		r.Get("/errors", handleErrors(deps))

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", handleCreateConversation(deps))
			r.Get("/", handleListConversations(deps))
			r.Get("/{id}", handleGetConversation(deps))
			r.Get("/{id}/messages", handleListMessages(deps))
			r.Post("/{id}/messages", handleSendMessage(deps))
			r.Get("/{id}/ws", handleConversationSocket(deps))
			r.Post("/{id}/archive", handleArchiveConversation(deps))
			r.Post("/{id}/close", handleCloseConversation(deps))
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", handleListJobs(deps))
			r.Post("/", handleCreateJob(deps))
			r.Get("/{id}", handleGetJob(deps))
			r.Patch("/{id}", handlePatchJob(deps))
			r.Delete("/{id}", handleDeleteJob(deps))
			r.Post("/{id}/run", handleRunJob(deps))
		})

		r.Route("/briefings", func(r chi.Router) {
			r.Get("/", handleListBriefings(deps))
			r.Post("/generate", handleGenerateBriefing(deps))
			r.Get("/{id}", handleGetBriefing(deps))
			r.Post("/{id}/read", handleReadBriefing(deps))
			r.Post("/{id}/act", handleActBriefing(deps))
			r.Post("/{id}/dismiss", handleDismissBriefing(deps))
		})
	})

	return r
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Health        string `json:"health"`
	Version       string `json:"version,omitempty"`
	ScheduledJobs int    `json:"scheduled_jobs"`
	Database      string `json:"database"`
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok", Health: errtrack.Healthy, Version: deps.Version, Database: "ok"}
		if deps.Errors != nil {
			resp.Health = deps.Errors.Health()
		}
		if deps.Scheduler != nil {
			resp.ScheduledJobs = len(deps.Scheduler.Entries())
		}
		code := http.StatusOK
		if err := deps.Store.Ping(); err != nil {
			resp.Status = "error"
			resp.Database = err.Error()
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

func handleListAgents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Agents.List())
	}
}

func handleErrors(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Errors.Snapshot())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	code, typ := http.StatusInternalServerError, "api_error"
	switch {
	case errors.Is(err, storage.ErrNotFound):
		code, typ = http.StatusNotFound, "not_found_error"
	case errors.Is(err, scheduler.ErrJobRunning),
		errors.Is(err, scheduler.ErrJobInactive),
		errors.Is(err, briefing.ErrInvalidTransition),
		errors.Is(err, conversation.ErrNotActive),
		errors.Is(err, conversation.ErrInvalidTransition):
		code, typ = http.StatusConflict, "conflict_error"
	case errors.Is(err, scheduler.ErrNotStarted), errors.Is(err, briefing.ErrNotWired):
		code, typ = http.StatusServiceUnavailable, "unavailable_error"
	case apperr.IsConfiguration(err),
		errors.Is(err, briefing.ErrUnknownAction),
		errors.Is(err, conversation.ErrEmptyMessage):
		code, typ = http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, attach.ErrTooLarge):
		code, typ = http.StatusRequestEntityTooLarge, "invalid_request_error"
	case apperr.IsTimeout(err):
		code, typ = http.StatusGatewayTimeout, "timeout_error"
	}
	httpError(w, code, typ, "%v", err)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
