package engine

import (
	"context"

	"github.com/kalambet/staffd/internal/composer"
	"github.com/kalambet/staffd/internal/proxy"
)

// OpenRouterRunner runs agents through the OpenRouter streaming API.
type OpenRouterRunner struct {
	client   *proxy.Client
	model    string
	composer *composer.Composer
}

// NewOpenRouterRunner creates a runner using model unless a request overrides it.
func NewOpenRouterRunner(client *proxy.Client, model string) *OpenRouterRunner {
	return &OpenRouterRunner{client: client, model: model, composer: composer.New(0)}
}

func (r *OpenRouterRunner) Run(ctx context.Context, req Request) (<-chan Event, error) {
	model := r.model
	if req.Model != "" {
		model = req.Model
	}
	body, err := r.client.Chat(ctx, proxy.ChatRequest{
		Model:    model,
		Messages: compose(r.composer, req),
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer body.Close()

		var cost *Cost
		err := proxy.ReadStream(body, func(c proxy.Chunk) error {
			if c.Content != "" {
				if !send(ctx, out, Event{Type: EventTextChunk, Content: c.Content}) {
					return ctx.Err()
				}
			}
			for _, tc := range c.ToolCalls {
				if tc.Function.Name == "" {
					continue
				}
				ev := Event{Type: EventToolUse, ToolName: tc.Function.Name, ToolInput: tc.Function.Arguments}
				if !send(ctx, out, ev) {
					return ctx.Err()
				}
			}
			if c.Usage != nil {
				cost = &Cost{
					PromptTokens:     c.Usage.PromptTokens,
					CompletionTokens: c.Usage.CompletionTokens,
					USD:              c.Usage.Cost,
				}
			}
			return nil
		})
		if err != nil {
			if ctx.Err() == nil {
				send(ctx, out, Event{Type: EventError, Content: err.Error()})
			}
			return
		}
		send(ctx, out, Event{Type: EventResult, Cost: cost})
	}()
	return out, nil
}
