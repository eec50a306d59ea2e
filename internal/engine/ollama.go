package engine

import (
	"context"

	"github.com/kalambet/staffd/internal/composer"
	"github.com/kalambet/staffd/internal/ollama"
)

// OllamaRunner runs agents against a local Ollama server.
type OllamaRunner struct {
	client   *ollama.Client
	model    string
	composer *composer.Composer
}

// NewOllamaRunner creates an OllamaRunner backed by an Ollama server at baseURL.
func NewOllamaRunner(baseURL, model string) *OllamaRunner {
	return &OllamaRunner{client: ollama.New(baseURL), model: model, composer: composer.New(0)}
}

// Client exposes the underlying Ollama client for startup checks.
func (r *OllamaRunner) Client() *ollama.Client {
	return r.client
}

func (r *OllamaRunner) Run(ctx context.Context, req Request) (<-chan Event, error) {
	model := r.model
	if req.Model != "" {
		model = req.Model
	}
	composed := compose(r.composer, req)
	msgs := make([]ollama.Message, len(composed))
	for i, m := range composed {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}

	out := make(chan Event)
	go func() {
		defer close(out)

		var cost *Cost
		err := r.client.ChatStream(ctx, model, msgs, func(ch ollama.ChatChunk) error {
			if ch.Message.Content != "" {
				if !send(ctx, out, Event{Type: EventTextChunk, Content: ch.Message.Content}) {
					return ctx.Err()
				}
			}
			if ch.Done {
				cost = &Cost{PromptTokens: ch.PromptEvalCount, CompletionTokens: ch.EvalCount}
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
