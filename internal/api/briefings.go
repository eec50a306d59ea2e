package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/staffd/internal/briefing"
	"github.com/kalambet/staffd/internal/storage"
)

const defaultBriefingLimit = 50

// GenerateBriefingRequest is the body of POST /briefings/generate. Either
// text or prompt must be set; with only a prompt the agent is run first.
type GenerateBriefingRequest struct {
	AgentID       string                  `json:"agent_id"`
	Text          string                  `json:"text"`
	Prompt        string                  `json:"prompt"`
	Policy        *storage.BriefingPolicy `json:"policy"`
	TargetUserIDs []string                `json:"target_user_ids"`
	ReportRef     string                  `json:"report_ref"`
}

type ActRequest struct {
	Action string `json:"action"`
}

func handleListBriefings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		userID := q.Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		list, err := deps.Briefings.List(userID, q.Get("status"), queryInt(r, "limit", defaultBriefingLimit))
		if err != nil {
			writeError(w, err)
			return
		}
		if list == nil {
			list = []storage.Briefing{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetBriefing(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := deps.Briefings.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func handleGenerateBriefing(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GenerateBriefingRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.Text == "" && req.Prompt == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text or prompt is required")
			return
		}
		agent, err := deps.Agents.Resolve(req.AgentID)
		if err != nil {
			writeError(w, err)
			return
		}
		policy := agent.DefaultPolicy
		if req.Policy != nil {
			policy = *req.Policy
		}

		out, err := deps.Briefings.Generate(r.Context(), briefing.Request{
			AgentID:       agent.ID,
			Text:          req.Text,
			Prompt:        req.Prompt,
			Policy:        policy,
			TargetUserIDs: req.TargetUserIDs,
			ReportRef:     req.ReportRef,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		code := http.StatusOK
		if out.Generated {
			code = http.StatusCreated
		}
		writeJSON(w, code, out)
	}
}

func handleReadBriefing(deps Deps) http.HandlerFunc {
	return briefingTransition(deps, deps.Briefings.MarkRead)
}

func handleDismissBriefing(deps Deps) http.HandlerFunc {
	return briefingTransition(deps, deps.Briefings.Dismiss)
}

func briefingTransition(deps Deps, apply func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := apply(id); err != nil {
			writeError(w, err)
			return
		}
		b, err := deps.Briefings.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func handleActBriefing(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ActRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		res, err := deps.Briefings.Act(r.Context(), chi.URLParam(r, "id"), req.Action)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
