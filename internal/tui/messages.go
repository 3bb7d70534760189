package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// ---------------------------------------------------------------------------
// Agent Messages
// ---------------------------------------------------------------------------

// AgentOutputMsg represents a single line of output from an agent process.
// Stream is either "stdout" or "stderr".
type AgentOutputMsg struct {
	// Agent is the name of the agent that produced this output (e.g. "claude").
	Agent string
	// Line is the raw text line received from the agent process.
	Line string
	// Stream indicates whether the line came from stdout or stderr.
	Stream string
	// Timestamp records when this line was received.
	Timestamp time.Time
}

// AgentStatus represents the current lifecycle state of an agent.
type AgentStatus int

const (
	// AgentIdle means the agent is available but not currently processing work.
	AgentIdle AgentStatus = iota
	// AgentRunning means the agent is actively executing a task.
	AgentRunning
	// AgentCompleted means the agent finished its task successfully.
	AgentCompleted
	// AgentFailed means the agent encountered a terminal error.
	AgentFailed
	// AgentRateLimited means the agent is paused due to provider rate limits.
	AgentRateLimited
	// AgentWaiting means the agent is waiting for a dependency or resource.
	AgentWaiting
)

// agentStatusStrings maps each AgentStatus constant to its human-readable label.
var agentStatusStrings = []string{
	"idle",
	"running",
	"completed",
	"failed",
	"rate_limited",
	"waiting",
}

// String returns a human-readable label for the AgentStatus.
// Returns "unknown" for values outside the defined range.
func (s AgentStatus) String() string {
	if int(s) < 0 || int(s) >= len(agentStatusStrings) {
		return "unknown"
	}
	return agentStatusStrings[s]
}

// AgentStatusMsg signals an agent lifecycle change.
// It is dispatched whenever an agent transitions between states (e.g. from
// AgentIdle to AgentRunning when a task begins).
type AgentStatusMsg struct {
	// Agent is the name of the agent whose status changed (e.g. "claude").
	Agent string
	// Status is the new lifecycle state of the agent.
	Status AgentStatus
	// Task is the identifier of the task being processed, if applicable.
	Task string
	// Detail is an optional human-readable description of the transition.
	Detail string
	// Timestamp records when the status transition occurred.
	Timestamp time.Time
}

// ---------------------------------------------------------------------------
// Rate Limit Messages
// ---------------------------------------------------------------------------

// RateLimitMsg signals a rate-limit event with countdown information.
// The TUI uses ResetAfter / ResetAt to display a live countdown timer until
// the provider allows new requests.
type RateLimitMsg struct {
	// Provider is the AI provider that issued the rate limit (e.g. "anthropic").
	Provider string
	// Agent is the agent name that hit the rate limit (e.g. "claude").
	Agent string
	// ResetAfter is the duration to wait before the rate limit clears.
	ResetAfter time.Duration
	// ResetAt is the absolute time at which the rate limit is expected to clear.
	ResetAt time.Time
	// Timestamp records when the rate-limit event was detected.
	Timestamp time.Time
}

// ---------------------------------------------------------------------------
// Internal TUI Messages
// ---------------------------------------------------------------------------

// TickMsg is sent periodically to trigger timer updates such as rate-limit
// countdowns and elapsed-time displays.
type TickMsg struct {
	// Time is the wall-clock time at which the tick fired.
	Time time.Time
}

// ErrorMsg represents a non-fatal error to display in the event log.
// Fatal errors should cause program termination via tea.Quit; ErrorMsg is
// reserved for recoverable issues that the user should be aware of.
type ErrorMsg struct {
	// Source identifies the component that generated the error (e.g. "loop", "agent").
	Source string
	// Detail is the human-readable error description.
	Detail string
	// Timestamp records when the error was observed.
	Timestamp time.Time
}

// FocusChangedMsg signals that keyboard focus moved to a different panel.
// The TUI dispatches this message whenever the user navigates between the
// sidebar, agent panel, and event log.
type FocusChangedMsg struct {
	// Panel is the panel that has received focus.
	// FocusPanel is defined in app.go (same package).
	Panel FocusPanel
}

// PipelineStartMsg signals that the pipeline should begin executing with the
// given configuration. It is dispatched after the setup wizard completes.
type PipelineStartMsg struct {
	// Config is the pipeline configuration collected from the wizard.
	Config PipelineWizardConfig
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// TickCmd returns a tea.Cmd that sends a single TickMsg after duration d.
// Use this helper instead of time.After in goroutines to stay within Bubble
// Tea's Elm architecture and avoid data races.
func TickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg{Time: t}
	})
}

// TickEvery returns a tea.Cmd that sends a TickMsg after duration d.
// The caller's Update handler should call TickEvery again upon receiving a
// TickMsg to create recurring ticks via the recursive scheduling pattern:
//
//	case TickMsg:
//	    // update state...
//	    return m, TickEvery(interval)
func TickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg{Time: t}
	})
}
