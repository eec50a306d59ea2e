package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrStopStream may be returned by a ReadStream callback to stop reading
// without reporting an error.
var ErrStopStream = errors.New("stop stream")

const maxSSELine = 1 << 20

// ReadStream decodes an OpenAI-style SSE body and calls fn for every delta
// until the [DONE] marker or EOF. Comment lines and keep-alives are skipped.
func ReadStream(r io.Reader, fn func(Chunk) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		data = bytes.TrimSpace(data)
		if string(data) == "[DONE]" {
			return nil
		}

		var raw streamChunk
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decoding stream chunk: %w", err)
		}
		if raw.Error != nil {
			return fmt.Errorf("upstream error: %s", raw.Error.Message)
		}

		c := Chunk{Usage: raw.Usage}
		for _, ch := range raw.Choices {
			c.Content += ch.Delta.Content
			c.ToolCalls = append(c.ToolCalls, ch.Delta.ToolCalls...)
			if ch.FinishReason != nil {
				c.FinishReason = *ch.FinishReason
			}
		}
		if c.Content == "" && len(c.ToolCalls) == 0 && c.Usage == nil && c.FinishReason == "" {
			continue
		}
		if err := fn(c); err != nil {
			if errors.Is(err, ErrStopStream) {
				return nil
			}
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}
