package briefing

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/staffd/internal/storage"
)

var (
	ErrInvalidTransition = errors.New("invalid briefing status transition")
	ErrUnknownAction     = errors.New("unknown briefing action")
	ErrNotWired          = errors.New("conversation service not wired")
)

// ConversationStarter opens a follow-up conversation for a briefing.
type ConversationStarter interface {
	StartFromBriefing(ctx context.Context, b storage.Briefing, prompt string) (storage.Conversation, error)
}

// SetConversationService installs the conversation back-reference. It is
// called once, after every service has been constructed.
func (s *Service) SetConversationService(c ConversationStarter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv = c
}

func (s *Service) conversations() ConversationStarter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conv
}

func (s *Service) Get(id string) (storage.Briefing, error) {
	return s.store.GetBriefing(id)
}

// List returns a user's briefings, newest first. An empty status matches all.
func (s *Service) List(userID, status string, limit int) ([]storage.Briefing, error) {
	return s.store.ListBriefings(userID, status, limit)
}

// MarkRead moves a new briefing to read. Reading an already read briefing
// is a no-op.
func (s *Service) MarkRead(id string) error {
	err := s.transition(id, storage.StatusNew, storage.StatusRead)
	if errors.Is(err, ErrInvalidTransition) {
		if b, gerr := s.store.GetBriefing(id); gerr == nil && b.Status == storage.StatusRead {
			return nil
		}
	}
	return err
}

// MarkActioned moves a briefing to actioned, passing through read when it
// is still new.
func (s *Service) MarkActioned(id string) error {
	err := s.transition(id, storage.StatusRead, storage.StatusActioned)
	if !errors.Is(err, ErrInvalidTransition) {
		return err
	}
	if err := s.transition(id, storage.StatusNew, storage.StatusRead); err != nil {
		return err
	}
	return s.transition(id, storage.StatusRead, storage.StatusActioned)
}

// Dismiss moves a new briefing to dismissed.
func (s *Service) Dismiss(id string) error {
	return s.transition(id, storage.StatusNew, storage.StatusDismissed)
}

func (s *Service) transition(id, from, to string) error {
	err := s.store.TransitionBriefing(id, from, to, s.now())
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	return err
}

// ActResult describes what an action did.
type ActResult struct {
	Briefing       storage.Briefing `json:"briefing"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Prompt         string           `json:"prompt,omitempty"`
	ReportRef      string           `json:"report_ref,omitempty"`
}

// Act performs one of the briefing's actions and marks it actioned.
func (s *Service) Act(ctx context.Context, id, kind string) (ActResult, error) {
	b, err := s.store.GetBriefing(id)
	if err != nil {
		return ActResult{}, err
	}
	if b.Status == storage.StatusDismissed {
		return ActResult{}, fmt.Errorf("%w: briefing %s is dismissed", ErrInvalidTransition, id)
	}
	action, ok := findAction(b.Actions, kind)
	if !ok {
		return ActResult{}, fmt.Errorf("%w: %q", ErrUnknownAction, kind)
	}

	res := ActResult{}
	switch action.Kind {
	case storage.ActionViewReport:
		res.ReportRef = b.ReportRef
	case storage.ActionStartConversation:
		res.Prompt = action.Prompt
		if b.ConversationID != "" {
			res.ConversationID = b.ConversationID
			break
		}
		conv := s.conversations()
		if conv == nil {
			return ActResult{}, ErrNotWired
		}
		c, err := conv.StartFromBriefing(ctx, b, action.Prompt)
		if err != nil {
			return ActResult{}, fmt.Errorf("starting conversation: %w", err)
		}
		if err := s.store.LinkBriefingConversation(b.ID, c.ID); err != nil {
			return ActResult{}, fmt.Errorf("linking conversation: %w", err)
		}
		res.ConversationID = c.ID
	}

	if b.Status != storage.StatusActioned {
		if err := s.MarkActioned(id); err != nil {
			return ActResult{}, err
		}
	}
	if res.Briefing, err = s.store.GetBriefing(id); err != nil {
		return ActResult{}, err
	}
	return res, nil
}

func findAction(actions []storage.Action, kind string) (storage.Action, bool) {
	for _, a := range actions {
		if a.Kind == kind {
			return a, true
		}
	}
	return storage.Action{}, false
}
