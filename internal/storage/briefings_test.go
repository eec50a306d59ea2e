package storage

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func sampleBriefing(id, user string, created time.Time) Briefing {
	return Briefing{
		ID:              id,
		AgentID:         "ops_monitor",
		UserID:          user,
		Type:            BriefingAlert,
		Priority:        "P0",
		Title:           "API latency over threshold",
		Summary:         "p99 latency exceeded threshold for 20 minutes",
		Actions:         []Action{{Label: "View report", Kind: ActionViewReport}},
		ContextData:     map[string]any{"source_text": "raw"},
		ImportanceScore: 0.9,
		ContentHash:     "hash-1",
		CreatedAt:       created,
		ExpiresAt:       created.Add(7 * 24 * time.Hour),
	}
}

func TestBriefingRoundTripAndList(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	err := s.CreateBriefings([]Briefing{
		sampleBriefing("b1", "u1", now),
		sampleBriefing("b2", "u1", now.Add(time.Minute)),
		sampleBriefing("b3", "u2", now),
	})
	if err != nil {
		t.Fatalf("CreateBriefings: %v", err)
	}

	got, err := s.GetBriefing("b1")
	if err != nil {
		t.Fatalf("GetBriefing: %v", err)
	}
	if got.Status != StatusNew {
		t.Errorf("Status = %q, want new", got.Status)
	}
	if len(got.Actions) != 1 || got.Actions[0].Kind != ActionViewReport {
		t.Errorf("Actions = %+v", got.Actions)
	}
	if got.ContextData["source_text"] != "raw" {
		t.Errorf("ContextData = %v", got.ContextData)
	}

	list, err := s.ListBriefings("u1", "", 10)
	if err != nil {
		t.Fatalf("ListBriefings: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListBriefings = %d items, want 2", len(list))
	}
	if list[0].ID != "b2" {
		t.Errorf("newest briefing = %q, want b2", list[0].ID)
	}
}

func TestBriefingHashExistsWindow(t *testing.T) {
	s := openTestStore(t)
	created := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	if err := s.CreateBriefings([]Briefing{sampleBriefing("b1", "u1", created)}); err != nil {
		t.Fatalf("CreateBriefings: %v", err)
	}

	ok, err := s.BriefingHashExists("ops_monitor", "hash-1", created.Add(-time.Hour))
	if err != nil || !ok {
		t.Errorf("inside window: %v, %v", ok, err)
	}
	ok, _ = s.BriefingHashExists("ops_monitor", "hash-1", created.Add(time.Hour))
	if ok {
		t.Error("hash outside window reported as existing")
	}
	ok, _ = s.BriefingHashExists("data_analyst", "hash-1", created.Add(-time.Hour))
	if ok {
		t.Error("hash leaked across agents")
	}
}

func TestTransitionBriefing(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	if err := s.CreateBriefings([]Briefing{sampleBriefing("b1", "u1", now)}); err != nil {
		t.Fatalf("CreateBriefings: %v", err)
	}

	if err := s.TransitionBriefing("b1", StatusNew, StatusRead, now.Add(time.Minute)); err != nil {
		t.Fatalf("new->read: %v", err)
	}
	if err := s.TransitionBriefing("b1", StatusNew, StatusDismissed, now); err != ErrConflict {
		t.Errorf("stale transition = %v, want ErrConflict", err)
	}
	if err := s.TransitionBriefing("zzz", StatusNew, StatusRead, now); err != ErrNotFound {
		t.Errorf("missing = %v, want ErrNotFound", err)
	}
	got, _ := s.GetBriefing("b1")
	if got.Status != StatusRead || !got.ReadAt.Equal(now.Add(time.Minute)) {
		t.Errorf("after read: status=%s read_at=%v", got.Status, got.ReadAt)
	}
}

func TestReserveBriefingQuota(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		ok, err := s.ReserveBriefingQuota("a", "2026-05-01", 1, 3)
		if err != nil || !ok {
			t.Fatalf("reserve %d: %v, %v", i, ok, err)
		}
	}
	ok, err := s.ReserveBriefingQuota("a", "2026-05-01", 1, 3)
	if err != nil {
		t.Fatalf("ReserveBriefingQuota: %v", err)
	}
	if ok {
		t.Error("fourth reservation succeeded with max 3")
	}
	ok, _ = s.ReserveBriefingQuota("a", "2026-05-02", 1, 3)
	if !ok {
		t.Error("new day should have fresh quota")
	}

	if err := s.ReleaseBriefingQuota("a", "2026-05-01", 1); err != nil {
		t.Fatalf("ReleaseBriefingQuota: %v", err)
	}
	if n, _ := s.BriefingQuotaUsed("a", "2026-05-01"); n != 2 {
		t.Errorf("used after release = %d, want 2", n)
	}
	if ok, _ := s.ReserveBriefingQuota("a", "2026-05-03", 1, 0); ok {
		t.Error("zero max must never reserve")
	}
}

func TestReserveBriefingQuotaMultipleUnits(t *testing.T) {
	s := openTestStore(t)
	if ok, _ := s.ReserveBriefingQuota("a", "2026-05-01", 4, 3); ok {
		t.Error("reservation larger than the limit succeeded")
	}
	if n, _ := s.BriefingQuotaUsed("a", "2026-05-01"); n != 0 {
		t.Errorf("used after refused reservation = %d, want 0", n)
	}

	if ok, err := s.ReserveBriefingQuota("a", "2026-05-01", 2, 3); err != nil || !ok {
		t.Fatalf("reserve 2 of 3: %v, %v", ok, err)
	}
	if ok, _ := s.ReserveBriefingQuota("a", "2026-05-01", 2, 3); ok {
		t.Error("reservation past the limit succeeded")
	}
	if n, _ := s.BriefingQuotaUsed("a", "2026-05-01"); n != 2 {
		t.Errorf("used = %d, want 2", n)
	}
	if ok, _ := s.ReserveBriefingQuota("a", "2026-05-01", 1, 3); !ok {
		t.Error("reservation filling the limit exactly failed")
	}

	if err := s.ReleaseBriefingQuota("a", "2026-05-01", 5); err != nil {
		t.Fatalf("ReleaseBriefingQuota: %v", err)
	}
	if n, _ := s.BriefingQuotaUsed("a", "2026-05-01"); n != 0 {
		t.Errorf("used after over-release = %d, want 0", n)
	}
}

func TestReserveBriefingQuotaConcurrent(t *testing.T) {
	s := openTestStore(t)
	const quota = 5
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ReserveBriefingQuota("agent", "2026-05-01", 1, quota)
			if err != nil {
				t.Errorf("ReserveBriefingQuota: %v", err)
				return
			}
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if granted != quota {
		t.Errorf("granted = %d, want %d", granted, quota)
	}
}

func TestSubscriptions(t *testing.T) {
	s := openTestStore(t)
	for _, u := range []string{"u1", "u2", "u3"} {
		if err := s.Subscribe("ops_monitor", u); err != nil {
			t.Fatalf("Subscribe(%s): %v", u, err)
		}
	}
	if err := s.Unsubscribe("ops_monitor", "u2"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	subs, err := s.ListSubscribers("ops_monitor")
	if err != nil {
		t.Fatalf("ListSubscribers: %v", err)
	}
	if fmt.Sprint(subs) != "[u1 u3]" {
		t.Errorf("subscribers = %v, want [u1 u3]", subs)
	}
	if err := s.Subscribe("ops_monitor", "u2"); err != nil {
		t.Fatalf("re-Subscribe: %v", err)
	}
	subs, _ = s.ListSubscribers("ops_monitor")
	if len(subs) != 3 {
		t.Errorf("after resubscribe = %v", subs)
	}
}
