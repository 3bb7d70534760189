package cli

import (
	"fmt"

	"github.com/jdsingh122918/forge/internal/agent"
	"github.com/jdsingh122918/forge/internal/config"
	"github.com/jdsingh122918/forge/internal/logging"
)

// agentSelectFlags carries the agent-selection inputs buildAgentRegistry
// needs: which agent is about to be used, and an optional --model override
// for that agent only. Every command that talks to an agent (run, dashboard,
// fix, issue, pr, prd, review) constructs one of these to call
// buildAgentRegistry.
type agentSelectFlags struct {
	Agent string
	Model string
}

// charmLogger is the minimal interface satisfied by *charmbracelet/log.Logger.
// It uses interface{} for the message argument, unlike the string-typed
// interfaces required by internal packages.
type charmLogger interface {
	Info(msg interface{}, kv ...interface{})
	Debug(msg interface{}, kv ...interface{})
}

// runnerLogger wraps a charmbracelet/log.Logger to satisfy the runner and
// scheduler logger interfaces, which require Info(msg string, ...) with a
// string first argument rather than interface{}.
type runnerLogger struct {
	logger charmLogger
}

func (l *runnerLogger) Info(msg string, kv ...interface{}) {
	l.logger.Info(msg, kv...)
}

func (l *runnerLogger) Debug(msg string, kv ...interface{}) {
	l.logger.Debug(msg, kv...)
}

func (l *runnerLogger) Error(msg string, kv ...interface{}) {
	l.logger.Info(msg, kv...)
}

func (l *runnerLogger) Warn(msg string, kv ...interface{}) {
	l.logger.Info(msg, kv...)
}

// agentDebugLogger wraps a charmbracelet/log.Logger to satisfy the agent
// package's unexported claudeLogger and codexLogger interfaces, which require
// Debug(msg string, ...).
type agentDebugLogger struct {
	logger charmLogger
}

func (l *agentDebugLogger) Debug(msg string, kv ...interface{}) {
	l.logger.Debug(msg, kv...)
}

// buildAgentRegistry creates an agent registry populated with Claude, Codex,
// and Gemini adapters. Agent configurations are sourced from the resolved
// config (config.AgentConfig) and converted to agent.AgentConfig for the
// agent constructors. If --model is set and matches the selected agent, that
// agent's configured model is overridden.
func buildAgentRegistry(agentCfgs map[string]config.AgentConfig, flags agentSelectFlags) (*agent.Registry, error) {
	registry := agent.NewRegistry()

	// toAgentCfg converts a config.AgentConfig to agent.AgentConfig.
	// Both types have identical fields; this conversion is required because
	// they are defined in separate packages.
	toAgentCfg := func(c config.AgentConfig) agent.AgentConfig {
		return agent.AgentConfig{
			Command:        c.Command,
			Model:          c.Model,
			Effort:         c.Effort,
			PromptTemplate: c.PromptTemplate,
			AllowedTools:   c.AllowedTools,
		}
	}

	// Retrieve configs and convert. Zero-value config.AgentConfig is safe.
	claudeCfg := toAgentCfg(agentCfgs["claude"])
	codexCfg := toAgentCfg(agentCfgs["codex"])
	geminiCfg := toAgentCfg(agentCfgs["gemini"])

	// Apply --model override only to the selected agent.
	if flags.Model != "" {
		switch flags.Agent {
		case "claude":
			claudeCfg.Model = flags.Model
		case "codex":
			codexCfg.Model = flags.Model
		case "gemini":
			geminiCfg.Model = flags.Model
		}
	}

	// Set default CLI commands when not configured.
	if claudeCfg.Command == "" {
		claudeCfg.Command = "claude"
	}
	if codexCfg.Command == "" {
		codexCfg.Command = "codex"
	}

	// Construct and register agents.
	// Wrap charmbracelet loggers in agentDebugLogger adapters to satisfy
	// the agent package's unexported logger interfaces (Debug(string, ...)).
	claudeLog := &agentDebugLogger{logger: logging.New("claude")}
	codexLog := &agentDebugLogger{logger: logging.New("codex")}

	if err := registry.Register(agent.NewClaudeAgent(claudeCfg, claudeLog)); err != nil {
		return nil, fmt.Errorf("registering claude agent: %w", err)
	}
	if err := registry.Register(agent.NewCodexAgent(codexCfg, codexLog)); err != nil {
		return nil, fmt.Errorf("registering codex agent: %w", err)
	}
	if err := registry.Register(agent.NewGeminiAgent(geminiCfg)); err != nil {
		return nil, fmt.Errorf("registering gemini agent: %w", err)
	}

	return registry, nil
}

// availableAgentNames returns the set of agent identifiers buildAgentRegistry
// can construct, regardless of configuration. Used for flag validation error
// messages.
func availableAgentNames() []string {
	return []string{"claude", "codex", "gemini"}
}
