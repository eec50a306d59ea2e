package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/staffd/internal/agents"
	"github.com/kalambet/staffd/internal/briefing"
	"github.com/kalambet/staffd/internal/conversation"
	"github.com/kalambet/staffd/internal/engine"
	"github.com/kalambet/staffd/internal/errtrack"
	"github.com/kalambet/staffd/internal/executor"
	"github.com/kalambet/staffd/internal/scheduler"
	"github.com/kalambet/staffd/internal/storage"
	"github.com/kalambet/staffd/internal/tasks"
	"github.com/kalambet/staffd/internal/timeouts"
)

const testToken = "test-token"

var basePolicy = storage.BriefingPolicy{Enabled: true, MinImportanceScore: 0.5, MaxDailyBriefings: 5}

// wordRunner streams text word by word and then a result.
func wordRunner(text string) engine.Runner {
	return engine.RunnerFunc(func(ctx context.Context, req engine.Request) (<-chan engine.Event, error) {
		ch := make(chan engine.Event, 16)
		go func() {
			defer close(ch)
			for _, w := range strings.SplitAfter(text, " ") {
				ch <- engine.Event{Type: engine.EventTextChunk, Content: w}
			}
			ch <- engine.Event{Type: engine.EventResult}
		}()
		return ch, nil
	})
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry, err := agents.New(agents.Builtin(), basePolicy)
	if err != nil {
		t.Fatal(err)
	}
	budgets := timeouts.New()
	tracker := errtrack.New(10, 5)
	runner := wordRunner("Hello from the agent")

	briefings := briefing.New(store, nil, registry, runner, budgets, nil, briefing.Config{Location: time.UTC})
	exec := executor.New(store, registry, runner, briefings, budgets, tracker, nil)
	sched := scheduler.New(store, exec, scheduler.Options{Budgets: budgets, Errors: tracker})
	taskSvc := tasks.New(registry, runner, briefings, store, sched, budgets)
	convs := conversation.New(store, registry, taskSvc, runner, budgets, nil, conversation.Config{Timezone: "UTC"})
	briefings.SetConversationService(convs)
	taskSvc.SetConversationService(convs)

	return Deps{
		Token:         testToken,
		Version:       "test",
		Store:         store,
		Agents:        registry,
		Scheduler:     sched,
		Briefings:     briefings,
		Conversations: convs,
		Errors:        tracker,
		Budgets:       budgets,
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	h := NewHandler(newTestDeps(t))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decode[HealthResponse](t, rec)
	if resp.Status != "ok" || resp.Health != errtrack.Healthy || resp.Version != "test" {
		t.Errorf("health = %+v", resp)
	}
}

func TestAuthRequired(t *testing.T) {
	h := NewHandler(newTestDeps(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/v1/agents", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	list := decode[[]agents.Agent](t, rec)
	if len(list) != 3 {
		t.Errorf("agents = %d, want 3", len(list))
	}
}

func TestRequestTokenFromQueryOnlyForUpgrades(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/c1/ws?access_token=abc", nil)
	if got := requestToken(req); got != "" {
		t.Errorf("plain request token = %q, want empty", got)
	}
	req.Header.Set("Upgrade", "websocket")
	if got := requestToken(req); got != "abc" {
		t.Errorf("upgrade request token = %q, want abc", got)
	}
}

func TestConversationSSE(t *testing.T) {
	h := NewHandler(newTestDeps(t))

	rec := do(t, h, http.MethodPost, "/v1/conversations", `{"user_id":"u1","agent_id":"data_analyst"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	c := decode[storage.Conversation](t, rec)

	rec = do(t, h, http.MethodPost, "/v1/conversations/"+c.ID+"/messages", `{"content":"hello there"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("send: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: done") {
		t.Errorf("stream has no done event:\n%s", body)
	}

	rec = do(t, h, http.MethodGet, "/v1/conversations/"+c.ID+"/messages", "")
	msgs := decode[[]storage.Message](t, rec)
	if len(msgs) != 2 || msgs[1].Role != "assistant" || msgs[1].Content != "Hello from the agent" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestConversationErrors(t *testing.T) {
	h := NewHandler(newTestDeps(t))

	if rec := do(t, h, http.MethodPost, "/v1/conversations", `{"user_id":"u1","agent_id":"ghost"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown agent: status = %d, want 400", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/conversations/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", rec.Code)
	}

	c := decode[storage.Conversation](t, do(t, h, http.MethodPost, "/v1/conversations", `{"user_id":"u1","agent_id":"data_analyst"}`))
	if rec := do(t, h, http.MethodPost, "/v1/conversations/"+c.ID+"/messages", `{"content":"  "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty message: status = %d, want 400", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/conversations/"+c.ID+"/archive", ""); rec.Code != http.StatusOK {
		t.Errorf("archive: status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/conversations/"+c.ID+"/messages", `{"content":"hi"}`); rec.Code != http.StatusConflict {
		t.Errorf("archived: status = %d, want 409", rec.Code)
	}
}

func TestJobLifecycle(t *testing.T) {
	h := NewHandler(newTestDeps(t))

	rec := do(t, h, http.MethodPost, "/v1/jobs", `{
		"agent_id": "ops_monitor",
		"task_prompt": "Check service health",
		"schedule": {"kind": "interval", "interval": "1h"}
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	job := decode[storage.ScheduledJob](t, rec)
	if job.Name != "Ops Monitor" || !job.IsActive || job.NextRunAt.IsZero() {
		t.Errorf("job = %+v", job)
	}
	if job.Policy.MinImportanceScore != basePolicy.MinImportanceScore {
		t.Errorf("policy = %+v, want agent default", job.Policy)
	}

	rec = do(t, h, http.MethodPatch, "/v1/jobs/"+job.ID, `{"is_active": false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if paused := decode[storage.ScheduledJob](t, rec); paused.IsActive || !paused.NextRunAt.IsZero() {
		t.Errorf("paused job = %+v", paused)
	}

	if rec := do(t, h, http.MethodPost, "/v1/jobs/"+job.ID+"/run", ""); rec.Code != http.StatusConflict {
		t.Errorf("run paused: status = %d, want 409", rec.Code)
	}

	if rec := do(t, h, http.MethodDelete, "/v1/jobs/"+job.ID, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/jobs/"+job.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("get deleted: status = %d, want 404", rec.Code)
	}
}

func TestCreateJobValidation(t *testing.T) {
	h := NewHandler(newTestDeps(t))
	tests := []struct {
		name string
		body string
	}{
		{"missing agent", `{"task_prompt":"x","schedule":{"kind":"manual"}}`},
		{"missing prompt", `{"agent_id":"ops_monitor","schedule":{"kind":"manual"}}`},
		{"short interval", `{"agent_id":"ops_monitor","task_prompt":"x","schedule":{"kind":"interval","interval":"30s"}}`},
		{"bad cron", `{"agent_id":"ops_monitor","task_prompt":"x","schedule":{"kind":"cron","expression":"61 * * * *"}}`},
		{"bad kind", `{"agent_id":"ops_monitor","task_prompt":"x","schedule":{"kind":"hourly"}}`},
		{"unknown agent", `{"agent_id":"ghost","task_prompt":"x","schedule":{"kind":"manual"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodPost, "/v1/jobs", tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRunJobNow(t *testing.T) {
	h := NewHandler(newTestDeps(t))

	job := decode[storage.ScheduledJob](t, do(t, h, http.MethodPost, "/v1/jobs", `{
		"agent_id": "data_analyst",
		"task_prompt": "Summarize yesterday's orders",
		"schedule": {"kind": "manual"}
	}`))

	rec := do(t, h, http.MethodPost, "/v1/jobs/"+job.ID+"/run", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("run: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	res := decode[executor.RunResult](t, rec)
	if res.Status != executor.StatusSuccess || res.Text != "Hello from the agent" {
		t.Errorf("result = %+v", res)
	}

	after := decode[storage.ScheduledJob](t, do(t, h, http.MethodGet, "/v1/jobs/"+job.ID, ""))
	if after.RunCount != 1 || after.SuccessCount != 1 {
		t.Errorf("counters = run %d, success %d", after.RunCount, after.SuccessCount)
	}
}

func TestBriefingFlow(t *testing.T) {
	h := NewHandler(newTestDeps(t))

	rec := do(t, h, http.MethodPost, "/v1/briefings/generate", `{
		"agent_id": "ops_monitor",
		"text": "[THRESHOLD] api p99 latency 2.3s exceeded threshold 1s\n[THRESHOLD] error rate 4% exceeded threshold 1%",
		"policy": {"enabled": true, "min_importance_score": 0.1, "max_daily_briefings": 5},
		"target_user_ids": ["u1"]
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("generate: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	out := decode[briefing.Outcome](t, rec)
	if !out.Generated || len(out.IDs) != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	id := out.IDs[0]

	list := decode[[]storage.Briefing](t, do(t, h, http.MethodGet, "/v1/briefings?user_id=u1&status=new", ""))
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("list = %+v", list)
	}

	if b := decode[storage.Briefing](t, do(t, h, http.MethodPost, "/v1/briefings/"+id+"/read", "")); b.Status != storage.StatusRead {
		t.Errorf("after read status = %q", b.Status)
	}

	rec = do(t, h, http.MethodPost, "/v1/briefings/"+id+"/act", `{"action":"start_conversation"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("act: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	res := decode[briefing.ActResult](t, rec)
	if res.ConversationID == "" || res.Briefing.Status != storage.StatusActioned {
		t.Errorf("act result = %+v", res)
	}
	if rec := do(t, h, http.MethodGet, "/v1/conversations/"+res.ConversationID, ""); rec.Code != http.StatusOK {
		t.Errorf("linked conversation: status = %d", rec.Code)
	}

	if rec := do(t, h, http.MethodPost, "/v1/briefings/"+id+"/dismiss", ""); rec.Code != http.StatusConflict {
		t.Errorf("dismiss actioned: status = %d, want 409", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/briefings/"+id+"/act", `{"action":"launch_rockets"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown action: status = %d, want 400", rec.Code)
	}
}

func TestListBriefingsRequiresUser(t *testing.T) {
	h := NewHandler(newTestDeps(t))
	if rec := do(t, h, http.MethodGet, "/v1/briefings", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
