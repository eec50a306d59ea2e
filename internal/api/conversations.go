package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/websocket"

	"github.com/kalambet/staffd/internal/attach"
	"github.com/kalambet/staffd/internal/conversation"
	"github.com/kalambet/staffd/internal/storage"
	"github.com/kalambet/staffd/internal/stream"
)

// Attachments travel base64-encoded inside JSON.
const maxMessageBodySize = 2*attach.MaxSize + maxRequestBodySize

type CreateConversationRequest struct {
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`
	Title   string `json:"title"`
	Opening string `json:"opening"`
}

func handleCreateConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateConversationRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.UserID == "" || req.AgentID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id and agent_id are required")
			return
		}
		c, err := deps.Conversations.Start(r.Context(), req.UserID, req.AgentID, req.Title, req.Opening)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

func handleListConversations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		list, err := deps.Conversations.List(userID, queryInt(r, "limit", 50))
		if err != nil {
			writeError(w, err)
			return
		}
		if list == nil {
			list = []storage.Conversation{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Conversations.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := deps.Conversations.Messages(chi.URLParam(r, "id"), queryInt(r, "limit", 0))
		if err != nil {
			writeError(w, err)
			return
		}
		if msgs == nil {
			msgs = []storage.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

// handleSendMessage streams the reply as server-sent events.
func handleSendMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in conversation.Input
		if !decodeBody(w, r, maxMessageBodySize, &in) {
			return
		}
		id := chi.URLParam(r, "id")
		events, err := deps.Conversations.HandleMessage(r.Context(), id, in)
		if err != nil {
			writeError(w, err)
			return
		}

		sse, err := stream.NewSSEWriter(w)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		deps.Metrics.StreamOpened()
		defer deps.Metrics.StreamClosed()

		if err := stream.Pump(r.Context(), events, sse, stream.OptionsFrom(deps.Budgets)); err != nil {
			slog.Debug("sse reply ended", "conversation_id", id, "error", err)
		}
	}
}

// handleConversationSocket upgrades to a WebSocket chat session. Client
// frames are {"type":"message","content":...}, {"type":"ping"} or
// {"type":"pong"}.
func handleConversationSocket(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Conversations.Get(id); err != nil {
			writeError(w, err)
			return
		}

		handle := func(ctx context.Context, frame []byte) (<-chan stream.Event, error) {
			var in conversation.Input
			if err := json.Unmarshal(frame, &in); err != nil {
				return nil, err
			}
			return deps.Conversations.HandleMessage(ctx, id, in)
		}

		websocket.Server{Handler: func(ws *websocket.Conn) {
			deps.Metrics.StreamOpened()
			defer deps.Metrics.StreamClosed()
			err := stream.Serve(r.Context(), ws, stream.SessionOptionsFrom(deps.Budgets), handle)
			slog.Debug("websocket session ended", "conversation_id", id, "error", err)
		}}.ServeHTTP(w, r)
	}
}

func handleArchiveConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		transitionConversation(w, r, deps, deps.Conversations.Archive)
	}
}

func handleCloseConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		transitionConversation(w, r, deps, deps.Conversations.Close)
	}
}

func transitionConversation(w http.ResponseWriter, r *http.Request, deps Deps, fn func(string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(id); err != nil {
		writeError(w, err)
		return
	}
	c, err := deps.Conversations.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
