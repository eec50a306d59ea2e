package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// SSEWriter writes events as server-sent events.
type SSEWriter struct {
	w  http.ResponseWriter
	f  http.Flusher
	id int64
}

// NewSSEWriter prepares w for an event stream.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &SSEWriter{w: w, f: f}, nil
}

// Send writes one event frame and flushes it.
func (s *SSEWriter) Send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	s.id++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.id, ev.Type, data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
