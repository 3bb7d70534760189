package config

import (
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jdsingh122918/forge/internal/hooks"
	"github.com/jdsingh122918/forge/internal/phase"
)

// ParseContextLimit resolves a forge.toml context_limit value ("N%" or an
// absolute integer) to the fraction the Context Compactor's Tracker
// expects. An absolute integer is divided by tokenWindow; a trailing "%"
// is parsed as a percentage. An unparseable or empty value returns 0,
// which selects the compactor's own 85% default.
func ParseContextLimit(raw string, tokenWindow int) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if strings.HasSuffix(raw, "%") {
		n, err := strconv.ParseFloat(strings.TrimSuffix(raw, "%"), 64)
		if err != nil || n <= 0 {
			return 0
		}
		return n / 100
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil || n <= 0 || tokenWindow <= 0 {
		return 0
	}
	return n / float64(tokenWindow)
}

// ApplyDefaults fills every phase field forge.toml's [defaults] section
// covers but the phase itself left unset. It does not mutate the input
// slice; it returns a new one.
func ApplyDefaults(phases []phase.Phase, d DefaultsConfig) []phase.Phase {
	out := make([]phase.Phase, len(phases))
	for i, p := range phases {
		if p.Budget <= 0 && d.Budget > 0 {
			p.Budget = d.Budget
		}
		if p.PermissionMode == "" && d.PermissionMode != "" {
			p.PermissionMode = phase.PermissionMode(d.PermissionMode)
		}
		out[i] = p
	}
	return out
}

// ApplyOverrides applies every [phases.overrides."GLOB"] block whose glob
// matches a phase's number or name, in map-iteration order composed onto
// the phase (later-matching overrides win field-by-field, mirroring the
// Hook Dispatcher's "later mutations see earlier ones" composition rule).
// It does not mutate the input slice.
func ApplyOverrides(phases []phase.Phase, overrides map[string]PhaseOverride) ([]phase.Phase, error) {
	if len(overrides) == 0 {
		return phases, nil
	}
	out := make([]phase.Phase, len(phases))
	copy(out, phases)

	for glob, ov := range overrides {
		for i, p := range out {
			numMatch, err := doublestar.Match(glob, p.Number)
			if err != nil {
				return nil, err
			}
			nameMatch, err := doublestar.Match(glob, p.Name)
			if err != nil {
				return nil, err
			}
			if !numMatch && !nameMatch {
				continue
			}
			if ov.Budget > 0 {
				p.Budget = ov.Budget
			}
			if ov.PermissionMode != "" {
				p.PermissionMode = phase.PermissionMode(ov.PermissionMode)
			}
			if len(ov.Skills) > 0 {
				p.Skills = append([]string(nil), ov.Skills...)
			}
			if len(ov.DependsOn) > 0 {
				p.DependsOn = append([]string(nil), ov.DependsOn...)
			}
			out[i] = p
		}
	}
	return out, nil
}

// BuildHooks converts the [[hooks.definitions]] entries loaded from
// forge.toml into the Hook Dispatcher's declared-hook list. Hooks
// are process-wide configuration loaded once; BuildHooks is meant to be
// called a single time per run, before any phase starts.
func BuildHooks(defs []HookDefinition) []hooks.Hook {
	out := make([]hooks.Hook, 0, len(defs))
	for _, d := range defs {
		out = append(out, hooks.Hook{
			Event:          hooks.LifecycleEvent(d.Event),
			Pattern:        d.Pattern,
			Kind:           hooks.Kind(d.Kind),
			Command:        d.Command,
			PromptTemplate: d.PromptTemplate,
		})
	}
	return out
}
