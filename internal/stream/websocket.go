package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/kalambet/staffd/internal/timeouts"
)

// Frame types sent by WebSocket clients.
const (
	FrameMessage = "message"
	FramePing    = "ping"
	FramePong    = "pong"
)

var (
	ErrPeerGone = errors.New("peer did not acknowledge heartbeat in time")
	ErrIdle     = errors.New("connection idle")
)

// Handler turns one client message frame into a reply stream. The raw
// frame is passed undecoded.
type Handler func(ctx context.Context, frame []byte) (<-chan Event, error)

// SessionOptions are the timing rules of a WebSocket session.
type SessionOptions struct {
	Heartbeat time.Duration // server ping interval
	Ping      time.Duration // how late an ack may arrive
	Idle      time.Duration // longest time without a client message
	Pump      Options
}

// SessionOptionsFrom reads the session budgets from the timeout registry.
func SessionOptionsFrom(b *timeouts.Registry) SessionOptions {
	p := OptionsFrom(b)
	p.Heartbeat = 0 // the session heartbeats the connection itself
	return SessionOptions{
		Heartbeat: b.HeartbeatInterval(),
		Ping:      b.PingTimeout(),
		Idle:      b.IdleTimeout(),
		Pump:      p,
	}
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.JSON.Send(c.conn, ev)
}

// Serve runs a chat session on conn until the peer leaves, stops
// acknowledging heartbeats, stays idle too long, or ctx ends. Any frame
// from the peer counts as a heartbeat ack. One reply streams at a time.
func Serve(ctx context.Context, conn *websocket.Conn, opts SessionOptions, handle Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	out := &wsConn{conn: conn}
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			var data []byte
			if err := websocket.Message.Receive(conn, &data); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(opts.Heartbeat)
	defer heartbeat.Stop()

	var ack *time.Timer
	var ackC <-chan time.Time
	stopAck := func() {
		if ack != nil {
			ack.Stop()
			ack, ackC = nil, nil
		}
	}
	defer stopAck()

	idle := time.NewTimer(opts.Idle)
	defer idle.Stop()

	busy := false
	replyDone := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case data, ok := <-frames:
			if !ok {
				err := <-readErr
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			stopAck()

			var f struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &f); err != nil {
				out.Send(Event{Type: Error, Content: "malformed frame"})
				continue
			}
			switch f.Type {
			case FramePing:
				if err := out.Send(Event{Type: Pong}); err != nil {
					return err
				}
			case FramePong:
			case FrameMessage:
				resetTimer(idle, opts.Idle)
				if busy {
					out.Send(Event{Type: Error, Content: "a reply is still streaming"})
					continue
				}
				busy = true
				go func() {
					defer func() { replyDone <- struct{}{} }()
					// The producer stops when the pump gives up on it.
					replyCtx, cancelReply := context.WithCancel(ctx)
					defer cancelReply()
					events, err := handle(replyCtx, data)
					if err != nil {
						out.Send(Event{Type: Error, Content: err.Error()})
						return
					}
					if err := Pump(replyCtx, events, out, opts.Pump); err != nil && ctx.Err() == nil {
						slog.Debug("websocket reply ended", "error", err)
					}
				}()
			default:
				out.Send(Event{Type: Error, Content: "unknown frame type " + f.Type})
			}

		case <-replyDone:
			busy = false
			resetTimer(idle, opts.Idle)

		case <-heartbeat.C:
			if err := out.Send(Event{Type: Heartbeat}); err != nil {
				return err
			}
			if ack == nil {
				ack = time.NewTimer(opts.Ping)
				ackC = ack.C
			}

		case <-ackC:
			return ErrPeerGone

		case <-idle.C:
			if busy {
				idle.Reset(opts.Idle)
				continue
			}
			out.Send(Event{Type: Error, Content: "connection idle"})
			return ErrIdle
		}
	}
}
