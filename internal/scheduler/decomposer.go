package scheduler

import (
	"context"

	"github.com/jdsingh122918/forge/internal/phase"
	"github.com/jdsingh122918/forge/internal/runner"
	"github.com/jdsingh122918/forge/internal/signal"
)

// decomposerAdapter implements runner.Decomposer by handing the spawn off
// to the dispatch loop and blocking the calling Runner goroutine until the
// resulting children all reach a terminal status. This keeps Graph
// mutation on the single dispatch goroutine, preserving single-writer
// discipline, while letting Runner.RunPhase treat decomposition as an ordinary
// synchronous call.
type decomposerAdapter struct {
	requests chan<- decomposeRequest
}

// NewDecomposerAdapter builds the runner.Decomposer a Runner needs and the
// request channel the owning Scheduler reads from. Both ends are wired by
// the caller: the adapter into runner.New, the channel into scheduler.New.
func NewDecomposerAdapter() (runner.Decomposer, chan decomposeRequest) {
	ch := make(chan decomposeRequest)
	return &decomposerAdapter{requests: ch}, ch
}

func (d *decomposerAdapter) Resolve(ctx context.Context, parent phase.Phase, triggeredBy signal.Kind, specs []signal.SpawnSpec) error {
	done := make(chan error, 1)
	req := decomposeRequest{parent: parent, kind: triggeredBy, specs: specs, done: done}

	select {
	case d.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
