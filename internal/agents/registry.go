// Package agents resolves agent role identifiers to their execution context.
package agents

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/staffd/internal/apperr"
	"github.com/kalambet/staffd/internal/storage"
)

var (
	ErrUnknownAgent   = errors.New("unknown agent")
	ErrMissingPersona = errors.New("agent has no persona")
)

// Agent is a named role executed by the model-serving collaborator.
type Agent struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Persona       string                 `json:"persona"`
	AllowedTools  []string               `json:"allowed_tools"`
	WorkingScope  string                 `json:"working_scope"`
	Model         string                 `json:"model,omitempty"`
	DefaultPolicy storage.BriefingPolicy `json:"default_policy"`
}

// Definition is the on-disk form of an Agent. Unset policy fields inherit
// the process-wide briefing defaults.
type Definition struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Persona      string            `yaml:"persona"`
	AllowedTools []string          `yaml:"allowed_tools"`
	WorkingScope string            `yaml:"working_scope"`
	Model        string            `yaml:"model"`
	Policy       *PolicyDefinition `yaml:"default_policy"`
}

type PolicyDefinition struct {
	Enabled            *bool    `yaml:"enabled"`
	MinImportanceScore *float64 `yaml:"min_importance_score"`
	MaxDailyBriefings  *int     `yaml:"max_daily_briefings"`
}

type file struct {
	Agents []Definition `yaml:"agents"`
}

// Registry is read-only after construction.
type Registry struct {
	byID map[string]Agent
	ids  []string
}

// Validate checks the fields required to run an agent.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("agent: id is required")
	}
	if strings.TrimSpace(d.Persona) == "" {
		return fmt.Errorf("agent %q: %w", d.ID, ErrMissingPersona)
	}
	if d.Policy != nil {
		if p := d.Policy.MinImportanceScore; p != nil && (*p < 0 || *p > 1) {
			return fmt.Errorf("agent %q: min_importance_score %v outside [0,1]", d.ID, *p)
		}
		if m := d.Policy.MaxDailyBriefings; m != nil && *m < 0 {
			return fmt.Errorf("agent %q: max_daily_briefings must not be negative", d.ID)
		}
	}
	return nil
}

// Normalized trims strings, drops empty tools and resolves the default
// policy against base.
func (d Definition) Normalized(base storage.BriefingPolicy) Agent {
	a := Agent{
		ID:            strings.TrimSpace(d.ID),
		Name:          strings.TrimSpace(d.Name),
		Persona:       strings.TrimSpace(d.Persona),
		WorkingScope:  strings.TrimSpace(d.WorkingScope),
		Model:         strings.TrimSpace(d.Model),
		DefaultPolicy: base,
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	for _, t := range d.AllowedTools {
		if t = strings.TrimSpace(t); t != "" {
			a.AllowedTools = append(a.AllowedTools, t)
		}
	}
	if p := d.Policy; p != nil {
		if p.Enabled != nil {
			a.DefaultPolicy.Enabled = *p.Enabled
		}
		if p.MinImportanceScore != nil {
			a.DefaultPolicy.MinImportanceScore = *p.MinImportanceScore
		}
		if p.MaxDailyBriefings != nil {
			a.DefaultPolicy.MaxDailyBriefings = *p.MaxDailyBriefings
		}
	}
	return a
}

// New builds a registry from definitions.
func New(defs []Definition, base storage.BriefingPolicy) (*Registry, error) {
	r := &Registry{byID: make(map[string]Agent, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		n := d.Normalized(base)
		if _, dup := r.byID[n.ID]; dup {
			return nil, fmt.Errorf("agent %q defined twice", n.ID)
		}
		r.byID[n.ID] = n
		r.ids = append(r.ids, n.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Parse decodes a YAML document with a top-level agents list.
func Parse(data []byte, base storage.BriefingPolicy) (*Registry, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("agents: definition payload is empty")
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("agents: decode definitions: %w", err)
	}
	if len(f.Agents) == 0 {
		return nil, fmt.Errorf("agents: no agents defined")
	}
	return New(f.Agents, base)
}

// Load reads path. A missing file yields the built-in agents.
func Load(path string, base storage.BriefingPolicy) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return New(Builtin(), base)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(Builtin(), base)
		}
		return nil, fmt.Errorf("agents: read %s: %w", path, err)
	}
	r, err := Parse(data, base)
	if err != nil {
		return nil, fmt.Errorf("agents: %s: %w", path, err)
	}
	return r, nil
}

// Resolve returns the agent for id. Failures are configuration errors.
func (r *Registry) Resolve(id string) (Agent, error) {
	a, ok := r.byID[strings.TrimSpace(id)]
	if !ok {
		return Agent{}, apperr.Config(fmt.Sprintf("agent %q", id), ErrUnknownAgent)
	}
	if a.Persona == "" {
		return Agent{}, apperr.Config(fmt.Sprintf("agent %q", id), ErrMissingPersona)
	}
	a.AllowedTools = append([]string(nil), a.AllowedTools...)
	return a, nil
}

// List returns every agent sorted by id.
func (r *Registry) List() []Agent {
	out := make([]Agent, 0, len(r.ids))
	for _, id := range r.ids {
		a := r.byID[id]
		a.AllowedTools = append([]string(nil), a.AllowedTools...)
		out = append(out, a)
	}
	return out
}
