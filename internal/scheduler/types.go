package scheduler

import (
	"context"

	"github.com/jdsingh122918/forge/internal/phase"
	"github.com/jdsingh122918/forge/internal/runner"
	"github.com/jdsingh122918/forge/internal/signal"
)

// Executor drives a single Phase to a terminal PhaseResult. Satisfied by
// *runner.Runner; named narrowly so tests can fake it.
type Executor interface {
	RunPhase(ctx context.Context, ph phase.Phase, goal string) (runner.PhaseResult, error)
}

// DiffSource supplies the unified diff of files changed while a phase ran,
// for the Review Pipeline to inspect. A nil DiffSource yields an empty diff,
// which every specialist still reviews (an empty diff is a legitimate, if
// unlikely, verdict input).
type DiffSource interface {
	Diff(ctx context.Context, phaseNumber string) (string, error)
}

// Config bundles the DAG Scheduler's run-wide settings.
type Config struct {
	// MaxParallel bounds the number of phases dispatched concurrently.
	// <= 0 selects 1 (strictly sequential).
	MaxParallel int

	// FailFast stops dispatching new phases once any phase fails, letting
	// in-flight phases finish. false lets independent branches continue;
	// only the failed phase's transitive dependents are skipped.
	FailFast bool
}

// RunResult is the final snapshot Execute returns: every node's terminal
// status, plus the subsets callers most often need directly.
type RunResult struct {
	Statuses map[string]phase.Status
	Failed   []string
	Skipped  []string
	Ok       bool // true iff no phase ended Failed or Cancelled
}

// decomposeRequest is what a Decomposer adapter sends to the dispatch loop
// when a running phase triggers runtime decomposition. The loop handles it
// synchronously between dispatch rounds, so Graph mutation never races with
// the goroutines draining completions.
type decomposeRequest struct {
	parent phase.Phase
	kind   signal.Kind
	specs  []signal.SpawnSpec
	done   chan error
}
