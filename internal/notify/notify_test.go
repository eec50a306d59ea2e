package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kalambet/staffd/internal/metrics"
	"github.com/kalambet/staffd/internal/storage"
)

type mockNotifier struct {
	mu       sync.Mutex
	got      []Payload
	notifyFn func(ctx context.Context, p Payload) error
}

func (m *mockNotifier) Notify(ctx context.Context, p Payload) error {
	m.mu.Lock()
	m.got = append(m.got, p)
	m.mu.Unlock()
	if m.notifyFn != nil {
		return m.notifyFn(ctx, p)
	}
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T) (*storage.Store, *clock) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	c := &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	s.SetClock(c.Now)
	return s, c
}

func sampleBriefing(id string) storage.Briefing {
	return storage.Briefing{
		ID:              id,
		AgentID:         "ops_monitor",
		UserID:          "u1",
		Type:            "alert",
		Priority:        "P0",
		Title:           "api p99 latency 2.3s",
		Summary:         "Three thresholds exceeded.",
		ImportanceScore: 0.9,
		Actions:         []storage.Action{{Label: "Discuss", Kind: storage.ActionStartConversation}},
	}
}

// recordingStore remembers the ids of enqueued jobs.
type recordingStore struct {
	*storage.Store
	ids []string
}

func (r *recordingStore) EnqueueJob(job storage.QueueJob) error {
	r.ids = append(r.ids, job.ID)
	return r.Store.EnqueueJob(job)
}

func enqueue(t *testing.T, store *storage.Store, maxAttempts int) *recordingStore {
	t.Helper()
	rec := &recordingStore{Store: store}
	if err := NewOutbox(rec, maxAttempts).BriefingCreated(context.Background(), sampleBriefing("b1")); err != nil {
		t.Fatalf("BriefingCreated: %v", err)
	}
	return rec
}

func onlyJob(t *testing.T, rec *recordingStore) storage.QueueJob {
	t.Helper()
	if len(rec.ids) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(rec.ids))
	}
	j, err := rec.GetQueueJob(rec.ids[0])
	if err != nil {
		t.Fatalf("GetQueueJob: %v", err)
	}
	return j
}

func TestOutboxEnqueuesPayload(t *testing.T) {
	store, _ := openTestStore(t)
	j := onlyJob(t, enqueue(t, store, 0))
	if j.Type != JobType || j.Status != "pending" || j.MaxAttempts != defaultMaxAttempts {
		t.Errorf("job = %+v", j)
	}
	var p Payload
	if err := json.Unmarshal([]byte(j.PayloadJSON), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.BriefingID != "b1" || p.UserID != "u1" || p.Priority != "P0" || len(p.Actions) != 1 {
		t.Errorf("payload = %+v", p)
	}
}

func TestWorker_DeliversJob(t *testing.T) {
	store, _ := openTestStore(t)
	rec := enqueue(t, store, 0)

	n := &mockNotifier{}
	m := metrics.New()
	w := NewWorker(store, n, m, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if len(n.got) != 1 || n.got[0].BriefingID != "b1" {
		t.Fatalf("delivered = %+v", n.got)
	}
	if j := onlyJob(t, rec); j.Status != "completed" {
		t.Errorf("status = %q, want completed", j.Status)
	}
	if got := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("delivered")); got != 1 {
		t.Errorf("delivered metric = %v, want 1", got)
	}

	didWork, err = w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("empty queue RunOnce = %v, %v", didWork, err)
	}
}

func TestWorker_RetryWithBackoff(t *testing.T) {
	store, clk := openTestStore(t)
	rec := enqueue(t, store, 3)

	calls := 0
	n := &mockNotifier{notifyFn: func(context.Context, Payload) error {
		calls++
		if calls == 1 {
			return errors.New("connection refused")
		}
		return nil
	}}
	w := NewWorker(store, n, nil, 0)
	ctx := context.Background()

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 1: %v", err)
	}
	j := onlyJob(t, rec)
	if j.Status != "pending" || j.Attempts != 1 || j.LastError != "connection refused" {
		t.Fatalf("after 1st fail: %+v", j)
	}

	// Still inside the 2s backoff.
	if didWork, _ := w.RunOnce(ctx); didWork {
		t.Fatal("job claimed before its backoff elapsed")
	}

	clk.Advance(2 * time.Second)
	if didWork, _ := w.RunOnce(ctx); !didWork {
		t.Fatal("job not claimed after backoff")
	}
	if j := onlyJob(t, rec); j.Status != "completed" {
		t.Errorf("status = %q, want completed", j.Status)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store, clk := openTestStore(t)
	rec := enqueue(t, store, 3)

	m := metrics.New()
	w := NewWorker(store, &mockNotifier{notifyFn: func(context.Context, Payload) error {
		return fmt.Errorf("permanent error")
	}}, m, 0)

	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		clk.Advance(time.Minute)
	}

	if j := onlyJob(t, rec); j.Status != "failed" || j.Attempts != 3 {
		t.Errorf("final job = %+v, want failed after 3 attempts", j)
	}
	if got := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("failed")); got != 3 {
		t.Errorf("failed metric = %v, want 3", got)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store, _ := openTestStore(t)
	w := NewWorker(store, &mockNotifier{}, nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWebhookNotifier(t *testing.T) {
	var gotAuth, gotType string
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "secret")
	if err := n.Notify(context.Background(), PayloadFor(sampleBriefing("b1"))); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if gotAuth != "Bearer secret" || gotType != "application/json" {
		t.Errorf("headers = %q, %q", gotAuth, gotType)
	}
	if got.BriefingID != "b1" || got.Title != "api p99 latency 2.3s" {
		t.Errorf("payload = %+v", got)
	}
}

func TestWebhookNotifierRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, "").Notify(context.Background(), Payload{BriefingID: "b1"})
	if err == nil {
		t.Fatal("expected error for 502")
	}
}
