package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/staffd/internal/apperr"
	"github.com/kalambet/staffd/internal/timeouts"
)

// ErrIncomplete is returned when the upstream closes without done or error.
var ErrIncomplete = errors.New("stream ended without a terminal event")

// Options are the timing rules of one Pump.
type Options struct {
	Heartbeat time.Duration // zero disables heartbeats
	Chunk     time.Duration // longest gap between upstream events; zero disables
	Flush     time.Duration // text coalescing window; zero sends chunks as they come
}

// OptionsFrom reads the streaming budgets from the timeout registry.
func OptionsFrom(b *timeouts.Registry) Options {
	return Options{
		Heartbeat: b.HeartbeatInterval(),
		Chunk:     b.ChunkTimeout(),
		Flush:     b.FlushInterval(),
	}
}

// Pump forwards events to sink until a terminal event. Consecutive text
// chunks are merged within the flush window, heartbeats are sent on their
// own schedule whatever the upstream is doing, and an upstream silent for
// longer than the chunk budget ends the stream with an error event.
//
// Pump returns nil after forwarding a terminal event. Sink errors end the
// pump immediately since the peer is gone.
func Pump(ctx context.Context, events <-chan Event, sink Sink, opts Options) error {
	var heartbeat <-chan time.Time
	if opts.Heartbeat > 0 {
		t := time.NewTicker(opts.Heartbeat)
		defer t.Stop()
		heartbeat = t.C
	}

	var idle *time.Timer
	var idleC <-chan time.Time
	if opts.Chunk > 0 {
		idle = time.NewTimer(opts.Chunk)
		defer idle.Stop()
		idleC = idle.C
	}

	var pending strings.Builder
	var flush *time.Timer
	var flushC <-chan time.Time
	defer func() {
		if flush != nil {
			flush.Stop()
		}
	}()

	flushPending := func() error {
		if flush != nil {
			flush.Stop()
			flush, flushC = nil, nil
		}
		if pending.Len() == 0 {
			return nil
		}
		ev := Event{Type: TextChunk, Content: pending.String()}
		pending.Reset()
		return sink.Send(ev)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-heartbeat:
			if err := sink.Send(Event{Type: Heartbeat}); err != nil {
				return err
			}

		case <-flushC:
			flush, flushC = nil, nil
			if err := flushPending(); err != nil {
				return err
			}

		case <-idleC:
			if err := flushPending(); err != nil {
				return err
			}
			msg := fmt.Sprintf("no output from agent within %s", opts.Chunk)
			if err := sink.Send(Event{Type: Error, Content: msg}); err != nil {
				return err
			}
			return apperr.Timeout(timeouts.Chunk, nil)

		case ev, ok := <-events:
			if !ok {
				if err := flushPending(); err != nil {
					return err
				}
				if err := sink.Send(Event{Type: Error, Content: "reply stream ended unexpectedly"}); err != nil {
					return err
				}
				return ErrIncomplete
			}
			if idle != nil {
				resetTimer(idle, opts.Chunk)
			}
			if ev.Type == TextChunk && opts.Flush > 0 {
				if ev.Content == "" {
					continue
				}
				pending.WriteString(ev.Content)
				if flush == nil {
					flush = time.NewTimer(opts.Flush)
					flushC = flush.C
				}
				continue
			}
			if err := flushPending(); err != nil {
				return err
			}
			if err := sink.Send(ev); err != nil {
				return err
			}
			if ev.Terminal() {
				return nil
			}
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
