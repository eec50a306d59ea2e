package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/staffd/internal/proxy"
)

const defaultMaxHistoryTokens = 4000

// Composer assembles the chat messages sent to the model for one agent
// call: a system message describing the agent, as much recent history as
// fits the token budget, and the task prompt.
type Composer struct {
	MaxHistoryTokens int
}

// Input is everything an agent call carries.
type Input struct {
	Persona      string
	WorkingScope string
	AllowedTools []string
	History      []proxy.Message
	Prompt       string
}

// New creates a Composer with the given token budget for history.
// If maxHistoryTokens <= 0, the default (4000) is used.
func New(maxHistoryTokens int) *Composer {
	if maxHistoryTokens <= 0 {
		maxHistoryTokens = defaultMaxHistoryTokens
	}
	return &Composer{MaxHistoryTokens: maxHistoryTokens}
}

// Compose builds the message list. History is trimmed from the oldest end
// until it fits the budget; the system message and prompt are never dropped.
func (c *Composer) Compose(in Input) []proxy.Message {
	msgs := make([]proxy.Message, 0, len(in.History)+2)
	if sys := systemPrompt(in); sys != "" {
		msgs = append(msgs, proxy.Message{Role: "system", Content: sys})
	}

	remaining := c.MaxHistoryTokens
	start := len(in.History)
	for start > 0 {
		tokens := EstimateTokens(in.History[start-1].Content)
		if tokens > remaining {
			break
		}
		remaining -= tokens
		start--
	}
	for _, m := range in.History[start:] {
		if m.Role == "system" || strings.TrimSpace(m.Content) == "" {
			continue
		}
		msgs = append(msgs, m)
	}

	if p := strings.TrimSpace(in.Prompt); p != "" {
		msgs = append(msgs, proxy.Message{Role: "user", Content: p})
	}
	return msgs
}

func systemPrompt(in Input) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(in.Persona))
	if in.WorkingScope != "" {
		fmt.Fprintf(&sb, "\n\n[Working Scope]\n%s", in.WorkingScope)
	}
	if len(in.AllowedTools) > 0 {
		fmt.Fprintf(&sb, "\n\n[Allowed Tools]\n%s", strings.Join(in.AllowedTools, ", "))
	}
	return strings.TrimSpace(sb.String())
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
