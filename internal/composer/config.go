package composer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kalambet/staffd/internal/storage"
)

// lastPrefix addresses the previous run's context inside a prompt.
const lastPrefix = "last."

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_][A-Za-z0-9_.\-]*)\s*\}\}`)

// Merge layers overrides on top of defaults and returns a new map. Nested
// maps are merged key by key; any other override value replaces the default.
// Neither input is modified.
func Merge(defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = cloneValue(v)
	}
	for k, v := range overrides {
		dst, dok := out[k].(map[string]any)
		src, sok := v.(map[string]any)
		if dok && sok {
			out[k] = Merge(dst, src)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	return Merge(m, nil)
}

// Interpolate replaces {{name}} placeholders with values from cfg and
// {{last.name}} placeholders with values from the previous run context.
// Dotted names walk nested maps. Placeholders that resolve to nothing are
// left in place unchanged.
func Interpolate(prompt string, cfg map[string]any, last storage.RunContext) string {
	return placeholderRe.ReplaceAllStringFunc(prompt, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if key, ok := strings.CutPrefix(name, lastPrefix); ok {
			if v, found := last[key]; found {
				return v
			}
		}
		if v, ok := lookup(cfg, name); ok {
			return format(v)
		}
		return match
	})
}

// Placeholders returns the distinct placeholder names in prompt, in order
// of first appearance.
func Placeholders(prompt string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range placeholderRe.FindAllStringSubmatch(prompt, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

func lookup(cfg map[string]any, name string) (any, bool) {
	if v, ok := cfg[name]; ok && v != nil {
		return v, true
	}
	parts := strings.Split(name, ".")
	var cur any = cfg
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func format(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
