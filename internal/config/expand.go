package config

// DefaultsConfig maps to the [defaults] section in forge.toml: the
// fallback values applied to a phase when its own phases.json entry, or a
// matching [phases.overrides."GLOB"] block, leaves the field unset.
type DefaultsConfig struct {
	// Budget is the iteration budget applied when a phase omits "budget".
	Budget int `toml:"budget"`

	// AutoApproveThreshold is the Arbiter confidence below which a
	// decision is force-escalated regardless of what the Arbiter
	// returned.
	AutoApproveThreshold float64 `toml:"auto_approve_threshold"`

	// PermissionMode is the fallback permission mode: strict, standard,
	// autonomous, or readonly.
	PermissionMode string `toml:"permission_mode"`

	// ContextLimit is either a percentage string ("85%") or an absolute
	// token count ("6000"); see ParseContextLimit.
	ContextLimit string `toml:"context_limit"`

	// SkipPermissions disables all approval-hook gating when true,
	// equivalent to every phase running under PermissionAutonomous
	// without the progress-regression check.
	SkipPermissions bool `toml:"skip_permissions"`
}

// PhaseOverride maps to one [phases.overrides."GLOB"] block: a set of
// per-phase field overrides applied to every phase whose number or name
// matches GLOB. A zero value for a field means "do not override".
type PhaseOverride struct {
	Budget         int      `toml:"budget"`
	PermissionMode string   `toml:"permission_mode"`
	Skills         []string `toml:"skills"`
	DependsOn      []string `toml:"depends_on"`
}

// PhasesConfig maps to the [phases] section, whose only recognized child
// table is overrides.
type PhasesConfig struct {
	Overrides map[string]PhaseOverride `toml:"overrides"`
}

// HookDefinition maps to one [[hooks.definitions]] array entry.
type HookDefinition struct {
	// Event is one of PrePhase, PostPhase, PreIteration, PostIteration,
	// OnFailure, OnApproval.
	Event string `toml:"event"`

	// Pattern is a glob matched against a phase's number or name.
	Pattern string `toml:"pattern"`

	// Kind is "command" or "prompt".
	Kind string `toml:"kind"`

	// Command is the subprocess to run when Kind == "command".
	Command string `toml:"command"`

	// PromptTemplate is the fixed system template used when
	// Kind == "prompt".
	PromptTemplate string `toml:"prompt_template"`
}

// HooksConfig maps to the [hooks] section.
type HooksConfig struct {
	Definitions []HookDefinition `toml:"definitions"`
}

// SkillsConfig maps to the [skills] section: a flat global list of named
// prompt fragments available to every phase via Phase.Skills.
type SkillsConfig struct {
	Global []string `toml:"global"`
}

// SwarmReviewConfig maps to the review settings nested under [swarm].
type SwarmReviewConfig struct {
	Specialists       []string `toml:"specialists"`
	Gating            []string `toml:"gating"`
	Resolution        string   `toml:"resolution"`
	MaxFixAttempts    int      `toml:"max_fix_attempts"`
	ArbiterConfidence float64  `toml:"arbiter_confidence"`
	EscalateOn        []string `toml:"escalate_on"`
}

// SwarmConfig maps to the [swarm] section: whether the Review Pipeline's
// specialist fan-out is enabled, which backend drives it, and the concurrency
// cap for the specialist group (separate from max_parallel's phase cap).
type SwarmConfig struct {
	Enabled   bool              `toml:"enabled"`
	Backend   string            `toml:"backend"`
	MaxAgents int               `toml:"max_agents"`
	Review    SwarmReviewConfig `toml:"review"`
}
