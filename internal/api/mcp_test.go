package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/staffd/internal/engine"
	"github.com/kalambet/staffd/internal/errtrack"
	"github.com/kalambet/staffd/internal/executor"
	"github.com/kalambet/staffd/internal/importance"
	"github.com/kalambet/staffd/internal/intent"
	"github.com/kalambet/staffd/internal/storage"
	"github.com/kalambet/staffd/internal/tasks"
)

// --- mocks ---

type mockJobRunner struct {
	runFn func(ctx context.Context, id string) (executor.RunResult, error)
}

func (m *mockJobRunner) RunNow(ctx context.Context, id string) (executor.RunResult, error) {
	return m.runFn(ctx, id)
}

type mockBriefings struct {
	list []storage.Briefing
	err  error

	gotUser, gotStatus string
	gotLimit           int
}

func (m *mockBriefings) List(userID, status string, limit int) ([]storage.Briefing, error) {
	m.gotUser, m.gotStatus, m.gotLimit = userID, status, limit
	return m.list, m.err
}

type mockTasks struct {
	executeFn       func(ctx context.Context, agentID, prompt string) (tasks.Result, error)
	executeIntentFn func(ctx context.Context, req tasks.Request) (tasks.Result, error)
}

func (m *mockTasks) Execute(ctx context.Context, agentID, prompt string) (tasks.Result, error) {
	return m.executeFn(ctx, agentID, prompt)
}

func (m *mockTasks) ExecuteIntent(ctx context.Context, req tasks.Request, _ func(engine.Event) error) (tasks.Result, error) {
	return m.executeIntentFn(ctx, req)
}

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Store:     store,
		Jobs:      &mockJobRunner{},
		Briefings: &mockBriefings{},
		Tasks:     &mockTasks{},
		Errors:    errtrack.New(10, 5),
		Timezone:  "Asia/Shanghai",
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_RunJob(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	var gotID string
	deps.Jobs = &mockJobRunner{runFn: func(_ context.Context, id string) (executor.RunResult, error) {
		gotID = id
		return executor.RunResult{JobID: id, Status: executor.StatusSuccess, Text: "all normal"}, nil
	}}

	result, err := mcpRunJob(deps)(context.Background(), makeCallToolRequest("run_job", map[string]interface{}{
		"job_id": "job-1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if gotID != "job-1" {
		t.Errorf("RunNow got id %q", gotID)
	}

	var res executor.RunResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &res); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if res.Text != "all normal" {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestMCPTool_RunJob_FailedRunIsToolError(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Jobs = &mockJobRunner{runFn: func(_ context.Context, id string) (executor.RunResult, error) {
		return executor.RunResult{JobID: id, Status: executor.StatusFailed, Error: "agent timeout"}, nil
	}}

	result, _ := mcpRunJob(deps)(context.Background(), makeCallToolRequest("run_job", map[string]interface{}{
		"job_id": "job-1",
	}))
	if !result.IsError {
		t.Fatal("expected tool error for failed run")
	}
	if !strings.Contains(toolText(t, result), "agent timeout") {
		t.Errorf("text = %q", toolText(t, result))
	}
}

func TestMCPTool_RunJob_MissingID(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, _ := mcpRunJob(deps)(context.Background(), makeCallToolRequest("run_job", map[string]interface{}{}))
	if !result.IsError {
		t.Fatal("expected error for missing job_id")
	}
}

func TestMCPTool_ListBriefings(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	mb := &mockBriefings{list: []storage.Briefing{
		{ID: "b1", AgentID: "ops_monitor", Title: "Latency above threshold", Priority: importance.P1,
			ImportanceScore: 0.8, Status: storage.StatusNew, CreatedAt: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
	}}
	deps.Briefings = mb

	result, err := mcpListBriefings(deps)(context.Background(), makeCallToolRequest("list_briefings", map[string]interface{}{
		"user_id": "u1",
		"status":  "new",
		"limit":   500,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if mb.gotUser != "u1" || mb.gotStatus != "new" || mb.gotLimit != 100 {
		t.Errorf("List(%q, %q, %d), want (u1, new, 100)", mb.gotUser, mb.gotStatus, mb.gotLimit)
	}

	var out []map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(out) != 1 || out[0]["title"] != "Latency above threshold" {
		t.Errorf("briefings = %v", out)
	}
}

func TestMCPTool_ListBriefings_Empty(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, _ := mcpListBriefings(deps)(context.Background(), makeCallToolRequest("list_briefings", map[string]interface{}{
		"user_id": "u1",
	}))
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if text := toolText(t, result); text != "[]" {
		t.Errorf("expected empty array, got %s", text)
	}
}

func TestMCPTool_AskAgent(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Tasks = &mockTasks{executeFn: func(_ context.Context, agentID, prompt string) (tasks.Result, error) {
		if agentID != "data_analyst" || prompt != "How did orders do yesterday?" {
			t.Errorf("Execute(%q, %q)", agentID, prompt)
		}
		return tasks.Result{AgentID: agentID, Text: "Orders rose 4%."}, nil
	}}

	result, _ := mcpAskAgent(deps)(context.Background(), makeCallToolRequest("ask_agent", map[string]interface{}{
		"agent_id": "data_analyst",
		"prompt":   "How did orders do yesterday?",
	}))
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if text := toolText(t, result); text != "Orders rose 4%." {
		t.Errorf("text = %q", text)
	}
}

func TestMCPTool_AskAgent_Error(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Tasks = &mockTasks{executeFn: func(context.Context, string, string) (tasks.Result, error) {
		return tasks.Result{}, errors.New("model overloaded")
	}}

	result, _ := mcpAskAgent(deps)(context.Background(), makeCallToolRequest("ask_agent", map[string]interface{}{
		"agent_id": "data_analyst",
		"prompt":   "hi",
	}))
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	if !strings.Contains(toolText(t, result), "model overloaded") {
		t.Errorf("text = %q", toolText(t, result))
	}
}

func TestMCPTool_ScheduleMonitoring(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	var got tasks.Request
	deps.Tasks = &mockTasks{executeIntentFn: func(_ context.Context, req tasks.Request) (tasks.Result, error) {
		got = req
		return tasks.Result{Type: req.Intent.Type, Job: &tasks.JobConfirmation{JobID: "job-9", Schedule: *req.Intent.Schedule}}, nil
	}}

	result, _ := mcpScheduleMonitoring(deps)(context.Background(), makeCallToolRequest("schedule_monitoring", map[string]interface{}{
		"agent_id": "ops_monitor",
		"request":  "每天早上9点帮我检查订单数据",
		"user_id":  "u1",
	}))
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if got.Intent.Type != intent.MonitoringSetup || got.Intent.Schedule == nil {
		t.Fatalf("intent = %+v", got.Intent)
	}
	if got.Intent.Schedule.Kind != storage.ScheduleCron || got.Intent.Schedule.Timezone != "Asia/Shanghai" {
		t.Errorf("schedule = %+v", *got.Intent.Schedule)
	}
	if got.UserID != "u1" || got.AgentID != "ops_monitor" {
		t.Errorf("request = %+v", got)
	}
	if !strings.Contains(toolText(t, result), "job-9") {
		t.Errorf("text = %q", toolText(t, result))
	}
}

func TestMCPTool_ScheduleMonitoring_WithoutScheduleAsks(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Tasks = &mockTasks{executeIntentFn: func(_ context.Context, req tasks.Request) (tasks.Result, error) {
		if req.Intent.Schedule != nil {
			t.Errorf("unexpected schedule %+v", *req.Intent.Schedule)
		}
		return tasks.Result{NeedsClarification: true, Question: "How often should I check?"}, nil
	}}

	result, _ := mcpScheduleMonitoring(deps)(context.Background(), makeCallToolRequest("schedule_monitoring", map[string]interface{}{
		"agent_id": "ops_monitor",
		"request":  "keep an eye on the error rate",
	}))
	if !result.IsError {
		t.Fatal("expected clarification to be reported as tool error")
	}
	if toolText(t, result) != "How often should I check?" {
		t.Errorf("text = %q", toolText(t, result))
	}
}

func TestMCPResource_Jobs(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	job := storage.ScheduledJob{
		ID:         "job-1",
		Name:       "hourly health",
		AgentID:    "ops_monitor",
		Schedule:   storage.Schedule{Kind: storage.ScheduleInterval, Interval: time.Hour},
		TaskPrompt: "Check service health",
		IsActive:   true,
	}
	if err := store.CreateScheduledJob(job); err != nil {
		t.Fatalf("CreateScheduledJob: %v", err)
	}

	contents, err := mcpResourceJobs(deps)(context.Background(), makeReadResourceRequest("staffd://jobs"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var jobs []storage.ScheduledJob
	if err := json.Unmarshal([]byte(tc.Text), &jobs); err != nil {
		t.Fatalf("failed to parse jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-1" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestMCPResource_Health(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Errors.Record("agent_timeout", "agent call exceeded 60s", nil)

	contents, err := mcpResourceHealth(deps)(context.Background(), makeReadResourceRequest("staffd://health"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc := contents[0].(mcp.TextResourceContents)
	var snap errtrack.Snapshot
	if err := json.Unmarshal([]byte(tc.Text), &snap); err != nil {
		t.Fatalf("failed to parse snapshot: %v", err)
	}
	if snap.Counts["agent_timeout"] != 1 {
		t.Errorf("counts = %v", snap.Counts)
	}
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
