package config

// NewDefaults returns a Config populated with all default values.
// These defaults match the PRD-specified defaults for a Go CLI project.
func NewDefaults() *Config {
	return &Config{
		Project: ProjectConfig{
			TasksDir:       "docs/tasks",
			TaskStateFile:  "docs/tasks/task-state.conf",
			ProgressFile:   "docs/tasks/PROGRESS.md",
			LogDir:         "scripts/logs",
			PromptDir:      "prompts",
			BranchTemplate: "phase/{phase_id}-{slug}",
		},
		Agents:    map[string]AgentConfig{},
		Workflows: map[string]WorkflowConfig{},
		Defaults: DefaultsConfig{
			Budget:                8,
			AutoApproveThreshold:  0.7,
			PermissionMode:        "standard",
			ContextLimit:          "85%",
			SkipPermissions:       false,
		},
		Swarm: SwarmConfig{
			Enabled:   false,
			Backend:   "native",
			MaxAgents: 4,
			Review: SwarmReviewConfig{
				Specialists:       []string{"security", "performance", "architecture", "simplicity"},
				Gating:            []string{"security", "architecture"},
				Resolution:        "manual",
				MaxFixAttempts:    2,
				ArbiterConfidence: 0.7,
			},
		},
	}
}
