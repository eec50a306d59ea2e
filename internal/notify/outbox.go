// Package notify delivers briefing notifications. Briefings are written to
// the storage work queue by Outbox and delivered by Worker, so a slow or
// failing endpoint never holds up briefing generation.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/staffd/internal/storage"
)

// JobType is the queue job type carrying one briefing notification.
const JobType = "briefing_notify"

const defaultMaxAttempts = 5

// Enqueuer is the queue write the outbox needs.
type Enqueuer interface {
	EnqueueJob(job storage.QueueJob) error
}

// Payload is the notification body for one briefing recipient.
type Payload struct {
	BriefingID      string           `json:"briefing_id"`
	UserID          string           `json:"user_id"`
	AgentID         string           `json:"agent_id"`
	JobID           string           `json:"job_id,omitempty"`
	Type            string           `json:"type"`
	Priority        string           `json:"priority"`
	Title           string           `json:"title"`
	Summary         string           `json:"summary"`
	Impact          string           `json:"impact,omitempty"`
	Actions         []storage.Action `json:"actions,omitempty"`
	ImportanceScore float64          `json:"importance_score"`
	CreatedAt       time.Time        `json:"created_at"`
}

// PayloadFor builds the notification body for b.
func PayloadFor(b storage.Briefing) Payload {
	return Payload{
		BriefingID:      b.ID,
		UserID:          b.UserID,
		AgentID:         b.AgentID,
		JobID:           b.JobID,
		Type:            b.Type,
		Priority:        b.Priority,
		Title:           b.Title,
		Summary:         b.Summary,
		Impact:          b.Impact,
		Actions:         b.Actions,
		ImportanceScore: b.ImportanceScore,
		CreatedAt:       b.CreatedAt,
	}
}

// Outbox implements the briefing service's Notifier by enqueueing.
type Outbox struct {
	store       Enqueuer
	maxAttempts int
}

// NewOutbox creates an Outbox. maxAttempts <= 0 uses 5.
func NewOutbox(store Enqueuer, maxAttempts int) *Outbox {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Outbox{store: store, maxAttempts: maxAttempts}
}

// BriefingCreated queues a notification for b.
func (o *Outbox) BriefingCreated(ctx context.Context, b storage.Briefing) error {
	data, err := json.Marshal(PayloadFor(b))
	if err != nil {
		return fmt.Errorf("encoding notification for %s: %w", b.ID, err)
	}
	err = o.store.EnqueueJob(storage.QueueJob{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(data),
		MaxAttempts: o.maxAttempts,
	})
	if err != nil {
		return fmt.Errorf("enqueueing notification for %s: %w", b.ID, err)
	}
	return nil
}
