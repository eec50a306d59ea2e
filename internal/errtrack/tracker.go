// Package errtrack counts failures by kind, keeps a bounded history per kind
// and raises a log alert every N occurrences of the same kind.
package errtrack

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kalambet/staffd/internal/apperr"
)

// Health bands reported by Health.
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

const healthWindow = 5 * time.Minute

// Record is one tracked failure. Callers only ever see copies.
type Record struct {
	Kind      string            `json:"kind"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Context   map[string]string `json:"context,omitempty"`
}

// Snapshot is a point-in-time copy of the tracker state.
type Snapshot struct {
	Counts map[string]int      `json:"counts"`
	Recent map[string][]Record `json:"recent"`
	Health string              `json:"health"`
}

// AlertFunc is invoked once per threshold crossing.
type AlertFunc func(kind string, count int, last Record)

// Tracker is safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	alertEvery int
	history    int
	counts     map[string]int
	recent     map[string][]Record
	times      []time.Time // all kinds, ascending, trimmed to healthWindow
	now        func() time.Time
	onAlert    AlertFunc
	onRecord   func(kind string)
	logger     *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithAlertFunc installs an extra alert hook, called after the log alert.
func WithAlertFunc(fn AlertFunc) Option {
	return func(t *Tracker) { t.onAlert = fn }
}

// WithRecordFunc installs a hook called for every record, e.g. a metrics counter.
func WithRecordFunc(fn func(kind string)) Option {
	return func(t *Tracker) { t.onRecord = fn }
}

// WithLogger sets the logger alerts are written to.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New creates a tracker that alerts every alertEvery records of one kind and
// retains the last history records per kind.
func New(alertEvery, history int, opts ...Option) *Tracker {
	if alertEvery <= 0 {
		alertEvery = 10
	}
	if history <= 0 {
		history = 20
	}
	t := &Tracker{
		alertEvery: alertEvery,
		history:    history,
		counts:     make(map[string]int),
		recent:     make(map[string][]Record),
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Record stores a failure of the given kind.
func (t *Tracker) Record(kind, message string, ctx map[string]string) {
	t.mu.Lock()
	now := t.now()
	rec := Record{Kind: kind, Message: message, Timestamp: now, Context: copyMap(ctx)}

	t.counts[kind]++
	count := t.counts[kind]

	ring := append(t.recent[kind], rec)
	if len(ring) > t.history {
		ring = append([]Record(nil), ring[len(ring)-t.history:]...)
	}
	t.recent[kind] = ring

	t.times = append(t.times, now)
	t.trimLocked(now)

	alert := count%t.alertEvery == 0
	hook := t.onAlert
	t.mu.Unlock()

	if t.onRecord != nil {
		t.onRecord(kind)
	}
	if !alert {
		return
	}
	t.logger.Error("error threshold reached",
		"kind", kind,
		"count", count,
		"message", message,
	)
	if hook != nil {
		hook(kind, count, copyRecord(rec))
	}
}

// RecordError classifies err and records it. Nil errors are ignored.
func (t *Tracker) RecordError(err error, ctx map[string]string) {
	if err == nil {
		return
	}
	t.Record(apperr.Kind(err), err.Error(), ctx)
}

// Count returns the total recorded for kind.
func (t *Tracker) Count(kind string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[kind]
}

// Recent returns copies of the retained records for kind, oldest first.
func (t *Tracker) Recent(kind string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyRecords(t.recent[kind])
}

// Health derives a band from failures recorded in the last five minutes.
func (t *Tracker) Health() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.healthLocked()
}

func (t *Tracker) healthLocked() string {
	t.trimLocked(t.now())
	switch n := len(t.times); {
	case n == 0:
		return Healthy
	case n < t.alertEvery:
		return Degraded
	default:
		return Unhealthy
	}
}

// Snapshot returns a deep copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		Counts: make(map[string]int, len(t.counts)),
		Recent: make(map[string][]Record, len(t.recent)),
		Health: t.healthLocked(),
	}
	for k, v := range t.counts {
		s.Counts[k] = v
	}
	for k, v := range t.recent {
		s.Recent[k] = copyRecords(v)
	}
	return s
}

// Kinds returns every kind seen so far, sorted.
func (t *Tracker) Kinds() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	kinds := make([]string, 0, len(t.counts))
	for k := range t.counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (t *Tracker) trimLocked(now time.Time) {
	cutoff := now.Add(-healthWindow)
	i := 0
	for i < len(t.times) && t.times[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		t.times = append(t.times[:0], t.times[i:]...)
	}
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyRecord(r Record) Record {
	r.Context = copyMap(r.Context)
	return r
}

func copyRecords(rs []Record) []Record {
	out := make([]Record, len(rs))
	for i, r := range rs {
		out[i] = copyRecord(r)
	}
	return out
}
