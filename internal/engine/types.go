package engine

// EventType names an event emitted by an agent run.
type EventType string

const (
	EventTextChunk  EventType = "text_chunk"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventResult     EventType = "result"
	EventError      EventType = "error"
)

// Event is one element of an agent run's ordered output stream.
type Event struct {
	Type      EventType `json:"type"`
	Content   string    `json:"content,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	ToolInput string    `json:"tool_input,omitempty"`
	Cost      *Cost     `json:"cost,omitempty"`
}

// Cost is the accounting reported by the final result event.
type Cost struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	USD              float64 `json:"usd,omitempty"`
}

// Turn is one prior message of a conversation passed as context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one call to an agent: its role, the resolved prompt, the
// tool allowlist and the working scope.
type Request struct {
	AgentID      string
	Persona      string
	Prompt       string
	History      []Turn
	AllowedTools []string
	WorkingScope string
	// Model overrides the runner's default model when set.
	Model string
}
