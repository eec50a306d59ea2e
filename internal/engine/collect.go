package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kalambet/staffd/internal/apperr"
	"github.com/kalambet/staffd/internal/timeouts"
)

// Output is the buffered result of one agent run.
type Output struct {
	Text     string
	ToolUses []Event
	Cost     *Cost
}

// Drain reads events until the stream closes, buffering text chunks into
// Output.Text. fn, when non-nil, sees every event first and may abort the
// run by returning an error. When no event arrives within chunk the run
// fails with a chunk TimeoutError. An EventError becomes an ExecutionError.
func Drain(ctx context.Context, events <-chan Event, chunk time.Duration, fn func(Event) error) (Output, error) {
	var out Output
	var sb strings.Builder

	timer := time.NewTimer(chunk)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-timer.C:
			return out, apperr.Timeout(timeouts.Chunk, nil)
		case ev, ok := <-events:
			if !ok {
				out.Text = sb.String()
				// A runner closes early when its context ends.
				return out, ctx.Err()
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(chunk)

			if fn != nil {
				if err := fn(ev); err != nil {
					return out, err
				}
			}
			switch ev.Type {
			case EventTextChunk:
				sb.WriteString(ev.Content)
			case EventToolUse:
				out.ToolUses = append(out.ToolUses, ev)
			case EventResult:
				out.Cost = ev.Cost
			case EventError:
				out.Text = sb.String()
				return out, apperr.Exec("agent run", errors.New(ev.Content))
			}
		}
	}
}

// Call runs req under the agent_call budget and buffers the whole stream,
// applying the chunk budget between events. Deadline expiry of the call
// budget is reported as a TimeoutError; a cancelled parent context is
// returned as is.
func Call(ctx context.Context, r Runner, req Request, budgets *timeouts.Registry, fn func(Event) error) (Output, error) {
	callCtx, cancel := context.WithTimeout(ctx, budgets.AgentCallTimeout())
	defer cancel()

	events, err := r.Run(callCtx, req)
	if err != nil {
		return Output{}, classify(ctx, callCtx, err)
	}
	out, err := Drain(callCtx, events, budgets.ChunkTimeout(), fn)
	if err != nil {
		return out, classify(ctx, callCtx, err)
	}
	return out, nil
}

func classify(parent, call context.Context, err error) error {
	if apperr.IsTimeout(err) || apperr.IsConfiguration(err) {
		return err
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return apperr.Timeout(timeouts.AgentCall, err)
	}
	return apperr.Exec("agent run", err)
}
