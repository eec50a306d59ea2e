package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/staffd/internal/apperr"
	"github.com/kalambet/staffd/internal/attach"
	"github.com/kalambet/staffd/internal/engine"
	"github.com/kalambet/staffd/internal/intent"
	"github.com/kalambet/staffd/internal/storage"
	"github.com/kalambet/staffd/internal/stream"
	"github.com/kalambet/staffd/internal/tasks"
)

// HandleMessage records a user message and returns the reply stream:
// start, then text_chunk and tool_use events, then done or error. The
// channel is closed after the terminal event or when ctx ends.
func (s *Service) HandleMessage(ctx context.Context, conversationID string, in Input) (<-chan stream.Event, error) {
	c, err := s.store.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if c.Status != storage.ConversationActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, c.ID, c.Status)
	}
	content := strings.TrimSpace(in.Content)
	if content == "" && len(in.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	atts := make([]storage.Attachment, 0, len(in.Attachments))
	for _, a := range in.Attachments {
		sa, err := attach.Extract(a)
		if errors.Is(err, attach.ErrTooLarge) {
			return nil, err
		}
		if err != nil {
			s.logger.Warn("attachment text extraction failed", "conversation_id", c.ID, "name", a.Name, "error", err)
		}
		atts = append(atts, sa)
	}

	userMsg := storage.Message{
		ID:             uuid.New().String(),
		ConversationID: c.ID,
		Role:           "user",
		Content:        content,
		Attachments:    atts,
		CreatedAt:      s.now(),
	}
	if err := s.store.AppendMessage(userMsg); err != nil {
		return nil, fmt.Errorf("appending user message: %w", err)
	}

	task, isTask := s.classify(c, content)
	label := "chat"
	if isTask {
		label = string(task.Type)
	}
	s.metrics.RecordChatMessage(label)

	out := make(chan stream.Event)
	go func() {
		defer close(out)
		if isTask {
			s.replyTask(ctx, c, task, atts, out)
		} else {
			s.replyChat(ctx, c, userMsg, out)
		}
	}()
	return out, nil
}

// forward adapts agent events to reply events.
func forward(ctx context.Context, out chan<- stream.Event) func(engine.Event) error {
	return func(ev engine.Event) error {
		switch ev.Type {
		case engine.EventTextChunk:
			return send(ctx, out, stream.Event{Type: stream.TextChunk, Content: ev.Content})
		case engine.EventToolUse:
			return send(ctx, out, stream.Event{Type: stream.ToolUse, ToolName: ev.ToolName, ToolInput: ev.ToolInput})
		}
		return nil
	}
}

func (s *Service) replyTask(ctx context.Context, c storage.Conversation, in intent.Intent,
	atts []storage.Attachment, out chan<- stream.Event) {
	replyID := uuid.New().String()
	if send(ctx, out, stream.Event{Type: stream.Start, ConversationID: c.ID, MessageID: replyID}) != nil {
		return
	}
	in.Prompt = withAttachments(in.Prompt, atts)
	res, err := s.tasks.ExecuteIntent(ctx, tasks.Request{
		ConversationID: c.ID,
		UserID:         c.UserID,
		AgentID:        c.AgentID,
		Intent:         in,
	}, forward(ctx, out))
	if err != nil {
		s.fail(ctx, c, err, out)
		return
	}

	text := res.Text
	if extra := taskReply(res); extra != "" {
		if send(ctx, out, stream.Event{Type: stream.TextChunk, Content: extra}) != nil {
			return
		}
		text = strings.TrimSpace(text + "\n\n" + extra)
	}
	s.finish(ctx, c, replyID, text, res, out)
}

func (s *Service) replyChat(ctx context.Context, c storage.Conversation, userMsg storage.Message, out chan<- stream.Event) {
	replyID := uuid.New().String()
	if send(ctx, out, stream.Event{Type: stream.Start, ConversationID: c.ID, MessageID: replyID}) != nil {
		return
	}
	agent, err := s.agents.Resolve(c.AgentID)
	if err != nil {
		s.fail(ctx, c, err, out)
		return
	}
	history, err := s.store.RecentMessages(c.ID, s.cfg.HistoryLimit+1)
	if err != nil {
		s.fail(ctx, c, fmt.Errorf("loading history: %w", err), out)
		return
	}
	if n := len(history); n > 0 && history[n-1].ID == userMsg.ID {
		history = history[:n-1]
	}

	o, err := engine.Call(ctx, s.runner, engine.Request{
		AgentID:      agent.ID,
		Persona:      agent.Persona,
		Prompt:       withAttachments(userMsg.Content, userMsg.Attachments),
		History:      tasks.Turns(history),
		AllowedTools: agent.AllowedTools,
		WorkingScope: agent.WorkingScope,
		Model:        agent.Model,
	}, s.budgets, forward(ctx, out))
	if err != nil {
		s.fail(ctx, c, err, out)
		return
	}
	s.finish(ctx, c, replyID, strings.TrimSpace(o.Text), nil, out)
}

// finish persists the assistant message and ends the stream with done.
func (s *Service) finish(ctx context.Context, c storage.Conversation, replyID, text string, data any, out chan<- stream.Event) {
	if text != "" {
		err := s.store.AppendMessage(storage.Message{
			ID:             replyID,
			ConversationID: c.ID,
			Role:           "assistant",
			Content:        text,
			CreatedAt:      s.now(),
		})
		if err != nil {
			s.fail(ctx, c, fmt.Errorf("appending reply: %w", err), out)
			return
		}
	}
	send(ctx, out, stream.Event{Type: stream.Done, ConversationID: c.ID, MessageID: replyID, Data: data})
}

func (s *Service) fail(ctx context.Context, c storage.Conversation, err error, out chan<- stream.Event) {
	if ctx.Err() != nil {
		return
	}
	s.logger.Error("conversation reply failed", "conversation_id", c.ID, "agent_id", c.AgentID, "error", err)
	send(ctx, out, stream.Event{Type: stream.Error, ConversationID: c.ID, Content: userError(err)})
}

func userError(err error) string {
	switch {
	case apperr.IsTimeout(err):
		return "The agent took too long to respond. Please try again."
	case apperr.IsConfiguration(err):
		return err.Error()
	default:
		return "The agent failed to respond: " + err.Error()
	}
}

// taskReply renders the parts of a task result the agent did not stream.
func taskReply(res tasks.Result) string {
	switch {
	case res.NeedsClarification:
		return res.Question
	case res.Job != nil:
		return scheduledReply(res)
	case res.Outcome != nil && res.Outcome.Generated:
		return fmt.Sprintf("Briefing created: %s (%s).", res.Outcome.Title, res.Outcome.Priority)
	}
	return ""
}

func scheduledReply(res tasks.Result) string {
	next := res.Job.NextRunAt
	if loc := res.Job.Schedule.Location(); loc != nil {
		next = next.In(loc)
	}
	if hasHan(res.Prompt) {
		return fmt.Sprintf("已创建定时任务，下次运行时间：%s。", next.Format("2006-01-02 15:04 MST"))
	}
	return fmt.Sprintf("Scheduled. Next run at %s.", next.Format(time.RFC1123))
}

func withAttachments(prompt string, atts []storage.Attachment) string {
	var sb strings.Builder
	sb.WriteString(prompt)
	for _, a := range atts {
		if a.Text == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n\n[Attachment: %s]\n%s", a.Name, truncate(a.Text, attach.MaxTextRunes))
	}
	return strings.TrimSpace(sb.String())
}
