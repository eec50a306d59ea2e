package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional update finds the row in an
// unexpected state.
var ErrConflict = errors.New("conflict")

// Schedule kinds.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleManual   = "manual"
)

// Schedule describes when a ScheduledJob fires.
type Schedule struct {
	Kind       string        `json:"kind"`
	Expression string        `json:"expression,omitempty"` // 5-field cron, for ScheduleCron
	Interval   time.Duration `json:"interval,omitempty"`   // for ScheduleInterval
	Timezone   string        `json:"timezone,omitempty"`   // IANA name; empty means UTC
}

// Location resolves the schedule timezone, falling back to UTC.
func (s Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BriefingPolicy controls whether and how often a job produces briefings.
type BriefingPolicy struct {
	Enabled            bool    `json:"enabled"`
	MinImportanceScore float64 `json:"min_importance_score"`
	MaxDailyBriefings  int     `json:"max_daily_briefings"`
}

// RunContext is carried from one run of a job to the next.
type RunContext map[string]string

// ScheduledJob binds an agent, a prompt, a schedule and a briefing policy.
type ScheduledJob struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	AgentID        string         `json:"agent_id"`
	TemplateID     string         `json:"template_id,omitempty"`
	Schedule       Schedule       `json:"schedule"`
	TaskPrompt     string         `json:"task_prompt"`
	Policy         BriefingPolicy `json:"policy"`
	InstanceConfig map[string]any `json:"instance_config,omitempty"`
	LastRunContext RunContext     `json:"last_run_context,omitempty"`
	LastResult     string         `json:"last_result,omitempty"` // JSON-encoded briefing outcome of the last successful run
	LastError      string         `json:"last_error,omitempty"`
	RunCount       int            `json:"run_count"`
	SuccessCount   int            `json:"success_count"`
	FailureCount   int            `json:"failure_count"`
	LastRunAt      time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      time.Time      `json:"next_run_at"`
	IsActive       bool           `json:"is_active"`
	CreatedBy      string         `json:"created_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// JobTemplate holds defaults shared by many ScheduledJobs.
type JobTemplate struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	AgentID       string         `json:"agent_id"`
	Prompt        string         `json:"prompt"`
	DefaultConfig map[string]any `json:"default_config,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Briefing types.
const (
	BriefingAlert   = "alert"
	BriefingInsight = "insight"
	BriefingSummary = "summary"
	BriefingAction  = "action"
)

// Briefing statuses.
const (
	StatusNew       = "new"
	StatusRead      = "read"
	StatusActioned  = "actioned"
	StatusDismissed = "dismissed"
)

// Action kinds attached to briefings.
const (
	ActionViewReport        = "view_report"
	ActionStartConversation = "start_conversation"
)

// Action is a user-facing follow-up attached to a briefing.
type Action struct {
	Label   string            `json:"label"`
	Kind    string            `json:"kind"`
	Payload map[string]string `json:"payload,omitempty"`
	Prompt  string            `json:"prompt,omitempty"`
}

// Briefing is a scored, deduplicated notification for one recipient.
type Briefing struct {
	ID              string         `json:"id"`
	AgentID         string         `json:"agent_id"`
	UserID          string         `json:"user_id"`
	JobID           string         `json:"job_id,omitempty"`
	Type            string         `json:"type"`
	Priority        string         `json:"priority"`
	Title           string         `json:"title"`
	Summary         string         `json:"summary"`
	Impact          string         `json:"impact"`
	Actions         []Action       `json:"actions"`
	ReportRef       string         `json:"report_ref,omitempty"`
	ConversationID  string         `json:"conversation_id,omitempty"`
	ContextData     map[string]any `json:"context_data,omitempty"`
	Status          string         `json:"status"`
	ImportanceScore float64        `json:"importance_score"`
	ContentHash     string         `json:"content_hash"`
	CreatedAt       time.Time      `json:"created_at"`
	ReadAt          time.Time      `json:"read_at,omitempty"`
	ActionedAt      time.Time      `json:"actioned_at,omitempty"`
	ExpiresAt       time.Time      `json:"expires_at"`
}

// Conversation statuses.
const (
	ConversationActive   = "active"
	ConversationArchived = "archived"
	ConversationClosed   = "closed"
)

type Conversation struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	AgentID       string    `json:"agent_id"`
	Title         string    `json:"title"`
	Status        string    `json:"status"`
	BriefingID    string    `json:"briefing_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
}

// Attachment is file content sent with a chat message. Text holds extracted
// plain text when available.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int    `json:"size"`
	Text     string `json:"text,omitempty"`
}

type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Role           string       `json:"role"` // "user", "assistant", "system"
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// QueueJob is an entry in the background work queue (notification outbox).
type QueueJob struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
