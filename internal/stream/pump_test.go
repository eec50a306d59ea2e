package stream

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/staffd/internal/apperr"
	"github.com/kalambet/staffd/internal/timeouts"
)

// recorder is a concurrency-safe Sink.
type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Send(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) without(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type != t {
			out = append(out, ev)
		}
	}
	return out
}

func TestPumpCoalescesTextChunks(t *testing.T) {
	events := make(chan Event, 8)
	events <- Event{Type: Start}
	events <- Event{Type: TextChunk, Content: "Hel"}
	events <- Event{Type: TextChunk, Content: "lo, "}
	events <- Event{Type: TextChunk, Content: "world"}
	events <- Event{Type: Done}

	rec := &recorder{}
	err := Pump(context.Background(), events, rec, Options{Chunk: time.Second, Flush: time.Hour})
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	got := rec.without(Heartbeat)
	if len(got) != 3 {
		t.Fatalf("events = %+v, want start, one merged chunk, done", got)
	}
	if got[1].Type != TextChunk || got[1].Content != "Hello, world" {
		t.Errorf("merged chunk = %+v", got[1])
	}
	if got[2].Type != Done {
		t.Errorf("last = %+v", got[2])
	}
}

func TestPumpFlushesAfterWindow(t *testing.T) {
	events := make(chan Event)
	rec := &recorder{}
	errc := make(chan error, 1)
	go func() {
		errc <- Pump(context.Background(), events, rec, Options{Chunk: time.Second, Flush: 10 * time.Millisecond})
	}()

	events <- Event{Type: TextChunk, Content: "a"}
	events <- Event{Type: TextChunk, Content: "b"}
	time.Sleep(50 * time.Millisecond)
	events <- Event{Type: TextChunk, Content: "c"}
	events <- Event{Type: Done}
	if err := <-errc; err != nil {
		t.Fatalf("Pump: %v", err)
	}

	var chunks []string
	for _, ev := range rec.without(Heartbeat) {
		if ev.Type == TextChunk {
			chunks = append(chunks, ev.Content)
		}
	}
	if strings.Join(chunks, "|") != "ab|c" {
		t.Errorf("chunks = %q, want [ab c]", chunks)
	}
}

func TestPumpHeartbeatsWhileUpstreamIsQuiet(t *testing.T) {
	events := make(chan Event)
	rec := &recorder{}
	errc := make(chan error, 1)
	go func() {
		errc <- Pump(context.Background(), events, rec, Options{Heartbeat: 10 * time.Millisecond, Chunk: time.Second})
	}()

	time.Sleep(60 * time.Millisecond)
	events <- Event{Type: Done}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	beats := 0
	for _, typ := range rec.types() {
		if typ == Heartbeat {
			beats++
		}
	}
	if beats < 2 {
		t.Errorf("heartbeats = %d, want at least 2 (%v)", beats, rec.types())
	}
}

func TestPumpChunkTimeout(t *testing.T) {
	events := make(chan Event, 1)
	events <- Event{Type: TextChunk, Content: "partial"}

	rec := &recorder{}
	err := Pump(context.Background(), events, rec, Options{Chunk: 20 * time.Millisecond, Flush: time.Millisecond})
	if !apperr.IsTimeout(err) {
		t.Fatalf("Pump = %v, want timeout", err)
	}
	got := rec.without(Heartbeat)
	if len(got) != 2 || got[0].Content != "partial" || got[1].Type != Error {
		t.Errorf("events = %+v, want partial text then error", got)
	}
}

func TestPumpUpstreamClosedEarly(t *testing.T) {
	events := make(chan Event)
	close(events)
	rec := &recorder{}
	if err := Pump(context.Background(), events, rec, Options{Chunk: time.Second}); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Pump = %v, want ErrIncomplete", err)
	}
	if types := rec.types(); len(types) != 1 || types[0] != Error {
		t.Errorf("events = %v", types)
	}
}

func TestPumpStopsOnSinkError(t *testing.T) {
	events := make(chan Event, 1)
	events <- Event{Type: Start}
	gone := errors.New("peer gone")
	if err := Pump(context.Background(), events, &recorder{err: gone}, Options{Chunk: time.Second}); !errors.Is(err, gone) {
		t.Errorf("Pump = %v, want sink error", err)
	}
}

func TestOptionsFromRegistry(t *testing.T) {
	opts := OptionsFrom(timeouts.New())
	if opts.Heartbeat != 15*time.Second || opts.Chunk != 60*time.Second || opts.Flush != 50*time.Millisecond {
		t.Errorf("OptionsFrom = %+v", opts)
	}
	s := SessionOptionsFrom(timeouts.New())
	if s.Pump.Heartbeat != 0 || s.Ping != 30*time.Second || s.Idle != 10*time.Minute {
		t.Errorf("SessionOptionsFrom = %+v", s)
	}
}

func TestSSEWriterFrames(t *testing.T) {
	rw := httptest.NewRecorder()
	w, err := NewSSEWriter(rw)
	if err != nil {
		t.Fatal(err)
	}
	w.Send(Event{Type: Start, ConversationID: "c1"})
	w.Send(Event{Type: TextChunk, Content: "hi"})

	if ct := rw.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	want := "id: 1\nevent: start\ndata: {\"type\":\"start\",\"conversation_id\":\"c1\"}\n\n" +
		"id: 2\nevent: text_chunk\ndata: {\"type\":\"text_chunk\",\"content\":\"hi\"}\n\n"
	if got := rw.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}
