package errtrack

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kalambet/staffd/internal/apperr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestTracker(alertEvery, history int, alerts *[]int) (*Tracker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := New(alertEvery, history,
		WithClock(clk.now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAlertFunc(func(kind string, count int, last Record) {
			*alerts = append(*alerts, count)
		}),
	)
	return tr, clk
}

func TestAlertExactlyAtMultiples(t *testing.T) {
	var alerts []int
	tr, _ := newTestTracker(10, 20, &alerts)

	for i := 0; i < 35; i++ {
		tr.Record("execution", fmt.Sprintf("fail %d", i), nil)
	}
	want := []int{10, 20, 30}
	if len(alerts) != len(want) {
		t.Fatalf("alerts = %v, want %v", alerts, want)
	}
	for i := range want {
		if alerts[i] != want[i] {
			t.Errorf("alert[%d] = %d, want %d", i, alerts[i], want[i])
		}
	}
}

func TestAlertCountedPerKind(t *testing.T) {
	var alerts []int
	tr, _ := newTestTracker(3, 20, &alerts)
	for i := 0; i < 2; i++ {
		tr.Record("timeout", "slow", nil)
		tr.Record("execution", "broken", nil)
	}
	if len(alerts) != 0 {
		t.Fatalf("got %d alerts before any kind reached 3", len(alerts))
	}
	tr.Record("timeout", "slow", nil)
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	var alerts []int
	tr, _ := newTestTracker(100, 3, &alerts)
	for i := 0; i < 5; i++ {
		tr.Record("execution", fmt.Sprintf("m%d", i), nil)
	}
	recent := tr.Recent("execution")
	if len(recent) != 3 {
		t.Fatalf("len(recent) = %d, want 3", len(recent))
	}
	if recent[0].Message != "m2" || recent[2].Message != "m4" {
		t.Errorf("recent = %v, want m2..m4", recent)
	}
	if tr.Count("execution") != 5 {
		t.Errorf("Count = %d, want 5", tr.Count("execution"))
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	var alerts []int
	tr, _ := newTestTracker(10, 5, &alerts)
	ctx := map[string]string{"job_id": "j1"}
	tr.Record("execution", "boom", ctx)
	ctx["job_id"] = "mutated"

	snap := tr.Snapshot()
	snap.Recent["execution"][0].Context["job_id"] = "also mutated"
	snap.Counts["execution"] = 99

	again := tr.Recent("execution")
	if got := again[0].Context["job_id"]; got != "j1" {
		t.Errorf("stored context = %q, want j1", got)
	}
	if tr.Count("execution") != 1 {
		t.Errorf("Count = %d after mutating snapshot", tr.Count("execution"))
	}
}

func TestHealthBands(t *testing.T) {
	var alerts []int
	tr, clk := newTestTracker(3, 5, &alerts)
	if h := tr.Health(); h != Healthy {
		t.Fatalf("empty tracker health = %s", h)
	}
	tr.Record("execution", "a", nil)
	if h := tr.Health(); h != Degraded {
		t.Errorf("health after 1 = %s, want degraded", h)
	}
	tr.Record("execution", "b", nil)
	tr.Record("timeout", "c", nil)
	if h := tr.Health(); h != Unhealthy {
		t.Errorf("health after 3 = %s, want unhealthy", h)
	}
	clk.t = clk.t.Add(6 * time.Minute)
	if h := tr.Health(); h != Healthy {
		t.Errorf("health after window = %s, want healthy", h)
	}
}

func TestRecordErrorClassifies(t *testing.T) {
	var alerts []int
	tr, _ := newTestTracker(10, 5, &alerts)
	tr.RecordError(apperr.Timeout("chunk", nil), nil)
	tr.RecordError(apperr.Config("unknown agent", nil), nil)
	tr.RecordError(errors.New("plain"), nil)
	tr.RecordError(nil, nil)

	for _, kind := range []string{apperr.KindTimeout, apperr.KindConfiguration, apperr.KindInternal} {
		if tr.Count(kind) != 1 {
			t.Errorf("Count(%s) = %d, want 1", kind, tr.Count(kind))
		}
	}
	if got := len(tr.Kinds()); got != 3 {
		t.Errorf("Kinds() len = %d, want 3", got)
	}
}

func TestRecordFuncSeesEveryRecord(t *testing.T) {
	var kinds []string
	tr := New(10, 5, WithRecordFunc(func(kind string) { kinds = append(kinds, kind) }))
	tr.Record("timeout", "a", nil)
	tr.Record("execution", "b", nil)
	if len(kinds) != 2 || kinds[0] != "timeout" || kinds[1] != "execution" {
		t.Errorf("kinds = %v", kinds)
	}
}
