package engine

import (
	"context"

	"github.com/kalambet/staffd/internal/composer"
	"github.com/kalambet/staffd/internal/proxy"
)

// Runner executes agent requests against a model-serving backend. The
// returned channel delivers events in order and is closed when the run
// ends. A failure after the run has started arrives as an EventError,
// which is always the last event.
type Runner interface {
	Run(ctx context.Context, req Request) (<-chan Event, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req Request) (<-chan Event, error)

func (f RunnerFunc) Run(ctx context.Context, req Request) (<-chan Event, error) {
	return f(ctx, req)
}

func compose(c *composer.Composer, req Request) []proxy.Message {
	history := make([]proxy.Message, len(req.History))
	for i, t := range req.History {
		history[i] = proxy.Message{Role: t.Role, Content: t.Content}
	}
	return c.Compose(composer.Input{
		Persona:      req.Persona,
		WorkingScope: req.WorkingScope,
		AllowedTools: req.AllowedTools,
		History:      history,
		Prompt:       req.Prompt,
	})
}

// send delivers ev unless ctx is done first.
func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
