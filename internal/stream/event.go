// Package stream delivers reply events to chat peers with the timing
// rules of the transport: periodic heartbeats, a per-chunk budget on the
// upstream generation, text coalescing and peer liveness checks.
package stream

// EventType names a reply event.
type EventType string

const (
	Start     EventType = "start"
	TextChunk EventType = "text_chunk"
	ToolUse   EventType = "tool_use"
	Heartbeat EventType = "heartbeat"
	Pong      EventType = "pong"
	Done      EventType = "done"
	Error     EventType = "error"
)

// Event is one frame sent to the peer.
type Event struct {
	Type           EventType `json:"type"`
	Content        string    `json:"content,omitempty"`
	ToolName       string    `json:"tool_name,omitempty"`
	ToolInput      string    `json:"tool_input,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	Data           any       `json:"data,omitempty"`
}

// Terminal reports whether ev ends a reply.
func (ev Event) Terminal() bool {
	return ev.Type == Done || ev.Type == Error
}

// Sink receives events bound for one peer.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Send(ev Event) error { return f(ev) }
