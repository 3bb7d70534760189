package runner

import (
	"context"

	"github.com/jdsingh122918/forge/internal/phase"
	"github.com/jdsingh122918/forge/internal/signal"
)

// Status is the terminal or suspended state a PhaseResult reports.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// PhaseResult is what RunPhase returns once a phase finishes driving
// iterations.
type PhaseResult struct {
	Status     Status
	Iterations int
	Summary    string
	Reason     string // populated when Status == StatusFailed
}

// Decomposer resolves a runtime decomposition request raised by a
// SpawnSubphase or RequestDecomposition signal: it synthesizes and
// schedules child phases and blocks until they all reach a terminal state.
// Runner depends on this narrow interface rather than importing the
// scheduler or decompose packages directly, the same way hooks depends on
// PromptInvoker instead of agent.Agent.
type Decomposer interface {
	Resolve(ctx context.Context, parent phase.Phase, triggeredBy signal.Kind, specs []signal.SpawnSpec) error
}
