// Package timeouts holds the process-wide table of time budgets consumed by
// every suspension point: stream heartbeats, peer acks, idle connections,
// agent calls, stream chunks, buffer flushes and the shutdown grace period.
//
// A Registry is built once at startup, overridden from configuration, then
// frozen. After Freeze it is read-only.
package timeouts

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Budget names.
const (
	Heartbeat     = "heartbeat"
	Ping          = "ping"
	Idle          = "idle"
	AgentCall     = "agent_call"
	Chunk         = "chunk"
	Flush         = "flush"
	ShutdownGrace = "shutdown_grace"
)

// ErrFrozen is returned by Set after Freeze has been called.
var ErrFrozen = errors.New("timeout registry is frozen")

func defaults() map[string]time.Duration {
	return map[string]time.Duration{
		Heartbeat:     15 * time.Second,
		Ping:          30 * time.Second,
		Idle:          10 * time.Minute,
		AgentCall:     5 * time.Minute,
		Chunk:         60 * time.Second,
		Flush:         50 * time.Millisecond,
		ShutdownGrace: 30 * time.Second,
	}
}

// Registry is a named table of durations.
type Registry struct {
	mu      sync.RWMutex
	budgets map[string]time.Duration
	frozen  bool
}

// New returns a Registry populated with the default budgets.
func New() *Registry {
	return &Registry{budgets: defaults()}
}

// Set overrides a single budget. It fails for unknown names, non-positive
// durations, and after Freeze.
func (r *Registry) Set(name string, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, ok := r.budgets[name]; !ok {
		return fmt.Errorf("unknown timeout %q", name)
	}
	if d <= 0 {
		return fmt.Errorf("timeout %q must be positive, got %s", name, d)
	}
	r.budgets[name] = d
	return nil
}

// SetString parses d with time.ParseDuration and calls Set. An empty string
// leaves the budget unchanged.
func (r *Registry) SetString(name, d string) error {
	if d == "" {
		return nil
	}
	parsed, err := time.ParseDuration(d)
	if err != nil {
		return fmt.Errorf("parsing timeout %q: %w", name, err)
	}
	return r.Set(name, parsed)
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns the named budget, or zero for unknown names.
func (r *Registry) Get(name string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.budgets[name]
}

// All returns a copy of every budget, keyed by name.
func (r *Registry) All() map[string]time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]time.Duration, len(r.budgets))
	for k, v := range r.budgets {
		out[k] = v
	}
	return out
}

// Names returns the known budget names in sorted order.
func Names() []string {
	d := defaults()
	names := make([]string, 0, len(d))
	for k := range d {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) HeartbeatInterval() time.Duration { return r.Get(Heartbeat) }
func (r *Registry) PingTimeout() time.Duration       { return r.Get(Ping) }
func (r *Registry) IdleTimeout() time.Duration       { return r.Get(Idle) }
func (r *Registry) AgentCallTimeout() time.Duration  { return r.Get(AgentCall) }
func (r *Registry) ChunkTimeout() time.Duration      { return r.Get(Chunk) }
func (r *Registry) FlushInterval() time.Duration     { return r.Get(Flush) }
func (r *Registry) ShutdownGracePeriod() time.Duration {
	return r.Get(ShutdownGrace)
}
