package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/staffd/internal/engine"
	"github.com/kalambet/staffd/internal/errtrack"
	"github.com/kalambet/staffd/internal/executor"
	"github.com/kalambet/staffd/internal/intent"
	"github.com/kalambet/staffd/internal/storage"
	"github.com/kalambet/staffd/internal/tasks"
)

// MCPJobRunner runs a scheduled job on demand.
type MCPJobRunner interface {
	RunNow(ctx context.Context, id string) (executor.RunResult, error)
}

// MCPBriefings lists a user's briefings.
type MCPBriefings interface {
	List(userID, status string, limit int) ([]storage.Briefing, error)
}

// MCPTasks executes agent calls and monitoring requests.
type MCPTasks interface {
	Execute(ctx context.Context, agentID, prompt string) (tasks.Result, error)
	ExecuteIntent(ctx context.Context, req tasks.Request, emit func(engine.Event) error) (tasks.Result, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Jobs      MCPJobRunner
	Briefings MCPBriefings
	Tasks     MCPTasks
	Errors    *errtrack.Tracker
	Timezone  string // applied to schedules parsed from monitoring requests
	Version   string
}

// NewMCPServer creates an MCP server with the staffd tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"staffd",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("staffd runs AI staff agents on schedules and turns their analyses into briefings."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("run_job",
			mcp.WithDescription("Run a scheduled job immediately and return its result."),
			mcp.WithString("job_id", mcp.Description("Scheduled job ID"), mcp.Required()),
		),
		mcpRunJob(deps),
	)

	s.AddTool(
		mcp.NewTool("list_briefings",
			mcp.WithDescription("List a user's briefings, newest first."),
			mcp.WithString("user_id", mcp.Description("Recipient user ID"), mcp.Required()),
			mcp.WithString("status", mcp.Description("Filter by status: new, read, actioned or dismissed")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of briefings (default 20)")),
		),
		mcpListBriefings(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_agent",
			mcp.WithDescription("Send a one-off task to an agent and return its full answer."),
			mcp.WithString("agent_id", mcp.Description("Agent ID, e.g. data_analyst"), mcp.Required()),
			mcp.WithString("prompt", mcp.Description("Task for the agent"), mcp.Required()),
		),
		mcpAskAgent(deps),
	)

	s.AddTool(
		mcp.NewTool("schedule_monitoring",
			mcp.WithDescription("Create a recurring monitoring job from a natural-language request such as \"check order data every day at 9am\"."),
			mcp.WithString("agent_id", mcp.Description("Agent that runs the job"), mcp.Required()),
			mcp.WithString("request", mcp.Description("What to monitor and when"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("User who receives the briefings")),
		),
		mcpScheduleMonitoring(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"staffd://jobs",
			"Scheduled Jobs",
			mcp.WithResourceDescription("Active scheduled jobs as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceJobs(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"staffd://health",
			"Service Health",
			mcp.WithResourceDescription("Error tracker snapshot and health status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceHealth(deps),
	)

	return s
}

func mcpRunJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		res, err := deps.Jobs.RunNow(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("run failed: %v", err)), nil
		}
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		if res.Status != executor.StatusSuccess {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListBriefings(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		list, err := deps.Briefings.List(userID, req.GetString("status", ""), limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing briefings failed: %v", err)), nil
		}
		if len(list) == 0 {
			return mcpText("[]"), nil
		}

		type briefingSummary struct {
			ID       string  `json:"id"`
			AgentID  string  `json:"agent_id"`
			Title    string  `json:"title"`
			Summary  string  `json:"summary"`
			Priority string  `json:"priority"`
			Score    float64 `json:"importance_score"`
			Status   string  `json:"status"`
			Created  string  `json:"created_at"`
		}
		out := make([]briefingSummary, len(list))
		for i, b := range list {
			out[i] = briefingSummary{
				ID:       b.ID,
				AgentID:  b.AgentID,
				Title:    b.Title,
				Summary:  b.Summary,
				Priority: b.Priority,
				Score:    b.ImportanceScore,
				Status:   b.Status,
				Created:  b.CreatedAt.Format(time.RFC3339),
			}
		}
		data, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal briefings: %v", err)), nil
		}
		return mcpText(string(data)), nil
	}
}

func mcpAskAgent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcpError("agent_id is required"), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}
		res, err := deps.Tasks.Execute(ctx, agentID, prompt)
		if err != nil {
			return mcpError(fmt.Sprintf("agent call failed: %v", err)), nil
		}
		return mcpText(res.Text), nil
	}
}

func mcpScheduleMonitoring(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcpError("agent_id is required"), nil
		}
		text, err := req.RequireString("request")
		if err != nil {
			return mcpError("request is required"), nil
		}
		userID := req.GetString("user_id", "")

		in, ok := intent.Recognize(text, intent.Context{AgentID: agentID, UserID: userID, Timezone: deps.Timezone})
		if !ok || in.Type != intent.MonitoringSetup {
			in = intent.Intent{Type: intent.MonitoringSetup, Prompt: intent.ResolvePrompt(text), Rule: "mcp"}
			if sched, found := intent.ParseSchedule(text, deps.Timezone); found {
				in.Schedule = &sched
			}
		}

		res, err := deps.Tasks.ExecuteIntent(ctx, tasks.Request{UserID: userID, AgentID: agentID, Intent: in}, nil)
		if err != nil {
			return mcpError(fmt.Sprintf("scheduling failed: %v", err)), nil
		}
		if res.NeedsClarification {
			return mcpError(res.Question), nil
		}
		b, err := json.Marshal(res.Job)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceJobs(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jobs, err := deps.Store.ListScheduledJobs(true)
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}
		if jobs == nil {
			jobs = []storage.ScheduledJob{}
		}
		return jsonResource(req.Params.URI, jobs)
	}
}

func mcpResourceHealth(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		snap := errtrack.Snapshot{Health: errtrack.Healthy}
		if deps.Errors != nil {
			snap = deps.Errors.Snapshot()
		}
		return jsonResource(req.Params.URI, snap)
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
