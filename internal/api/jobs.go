package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/staffd/internal/apperr"
	"github.com/kalambet/staffd/internal/scheduler"
	"github.com/kalambet/staffd/internal/storage"
)

// ScheduleRequest is the wire form of a schedule. Interval is a Go
// duration string such as "6h".
type ScheduleRequest struct {
	Kind       string `json:"kind"`
	Expression string `json:"expression,omitempty"`
	Interval   string `json:"interval,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

func (s ScheduleRequest) toSchedule() (storage.Schedule, error) {
	out := storage.Schedule{
		Kind:       strings.TrimSpace(s.Kind),
		Expression: strings.TrimSpace(s.Expression),
		Timezone:   strings.TrimSpace(s.Timezone),
	}
	if s.Interval != "" {
		d, err := time.ParseDuration(s.Interval)
		if err != nil {
			return out, apperr.Config("schedule interval", err)
		}
		out.Interval = d
	}
	if err := scheduler.Validate(out); err != nil {
		return out, err
	}
	return out, nil
}

type CreateJobRequest struct {
	Name           string                  `json:"name"`
	AgentID        string                  `json:"agent_id"`
	TemplateID     string                  `json:"template_id"`
	TaskPrompt     string                  `json:"task_prompt"`
	Schedule       ScheduleRequest         `json:"schedule"`
	Policy         *storage.BriefingPolicy `json:"policy"`
	InstanceConfig map[string]any          `json:"instance_config"`
	IsActive       *bool                   `json:"is_active"`
	CreatedBy      string                  `json:"created_by"`
	Subscribers    []string                `json:"subscribers"`
}

// PatchJobRequest changes only the fields that are set.
type PatchJobRequest struct {
	Name           *string                 `json:"name"`
	TaskPrompt     *string                 `json:"task_prompt"`
	Schedule       *ScheduleRequest        `json:"schedule"`
	Policy         *storage.BriefingPolicy `json:"policy"`
	InstanceConfig map[string]any          `json:"instance_config"`
	IsActive       *bool                   `json:"is_active"`
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := deps.Store.ListScheduledJobs(r.URL.Query().Get("active") == "true")
		if err != nil {
			writeError(w, err)
			return
		}
		if jobs == nil {
			jobs = []storage.ScheduledJob{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Store.GetScheduledJob(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleCreateJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateJobRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.AgentID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "agent_id is required")
			return
		}
		if req.TaskPrompt == "" && req.TemplateID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "task_prompt or template_id is required")
			return
		}
		agent, err := deps.Agents.Resolve(req.AgentID)
		if err != nil {
			writeError(w, err)
			return
		}
		sched, err := req.Schedule.toSchedule()
		if err != nil {
			writeError(w, err)
			return
		}

		job := storage.ScheduledJob{
			ID:             uuid.New().String(),
			Name:           req.Name,
			AgentID:        agent.ID,
			TemplateID:     req.TemplateID,
			Schedule:       sched,
			TaskPrompt:     req.TaskPrompt,
			Policy:         agent.DefaultPolicy,
			InstanceConfig: req.InstanceConfig,
			IsActive:       true,
			CreatedBy:      req.CreatedBy,
		}
		if job.Name == "" {
			job.Name = agent.Name
		}
		if req.Policy != nil {
			job.Policy = *req.Policy
		}
		if req.IsActive != nil {
			job.IsActive = *req.IsActive
		}
		if err := deps.Store.CreateScheduledJob(job); err != nil {
			writeError(w, err)
			return
		}
		for _, u := range req.Subscribers {
			if err := deps.Store.Subscribe(job.AgentID, u); err != nil {
				writeError(w, err)
				return
			}
		}
		if err := deps.Scheduler.Register(job); err != nil {
			writeError(w, err)
			return
		}
		respondJob(w, deps, job.ID, http.StatusCreated)
	}
}

func handlePatchJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PatchJobRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		job, err := deps.Store.GetScheduledJob(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}

		if req.Name != nil {
			job.Name = *req.Name
		}
		if req.TaskPrompt != nil {
			job.TaskPrompt = *req.TaskPrompt
		}
		if req.Schedule != nil {
			if job.Schedule, err = req.Schedule.toSchedule(); err != nil {
				writeError(w, err)
				return
			}
		}
		if req.Policy != nil {
			if p := req.Policy.MinImportanceScore; p < 0 || p > 1 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "min_importance_score %v outside [0,1]", p)
				return
			}
			job.Policy = *req.Policy
		}
		if req.InstanceConfig != nil {
			job.InstanceConfig = req.InstanceConfig
		}
		if req.IsActive != nil {
			job.IsActive = *req.IsActive
		}

		if err := deps.Store.UpdateScheduledJobDefinition(job); err != nil {
			writeError(w, err)
			return
		}
		if !job.IsActive {
			if err := deps.Store.SetJobActive(job.ID, false); err != nil {
				writeError(w, err)
				return
			}
		}
		if err := deps.Scheduler.Register(job); err != nil {
			writeError(w, err)
			return
		}
		respondJob(w, deps, job.ID, http.StatusOK)
	}
}

func handleDeleteJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		deps.Scheduler.Unregister(id)
		if err := deps.Store.DeleteScheduledJob(id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleRunJob executes a job now and returns its run result. A run that
// failed is still a 200; the failure is in the result.
func handleRunJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Scheduler.RunNow(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, scheduler.ErrJobInactive) {
				httpError(w, http.StatusConflict, "conflict_error", "job is paused; resume it first")
				return
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func respondJob(w http.ResponseWriter, deps Deps, id string, code int) {
	job, err := deps.Store.GetScheduledJob(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, code, job)
}
