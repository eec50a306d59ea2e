package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const webhookTimeout = 10 * time.Second

// Notifier delivers one notification.
type Notifier interface {
	Notify(ctx context.Context, p Payload) error
}

// WebhookNotifier POSTs each payload as JSON. Any non-2xx status is a
// failed delivery.
type WebhookNotifier struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewWebhookNotifier creates a notifier for url. A non-empty token is sent
// as a bearer credential.
func NewWebhookNotifier(url, token string) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		token:      token,
		httpClient: &http.Client{Timeout: webhookTimeout},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "staffd")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// LogNotifier writes notifications to the log. It is used when no webhook
// is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, p Payload) error {
	n.logger.InfoContext(ctx, "briefing notification",
		"briefing_id", p.BriefingID,
		"user_id", p.UserID,
		"agent_id", p.AgentID,
		"priority", p.Priority,
		"title", p.Title,
	)
	return nil
}
