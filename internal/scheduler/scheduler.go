// Package scheduler implements the DAG Scheduler: a single dispatch
// loop that walks a phase.Graph, launching ready phases through an Executor
// up to a bounded parallelism limit, gating each completion through the
// Review Pipeline, and folding decomposition requests back into the
// same graph without a second scheduler instance.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/jdsingh122918/forge/internal/decompose"
	"github.com/jdsingh122918/forge/internal/eventbus"
	"github.com/jdsingh122918/forge/internal/gating"
	"github.com/jdsingh122918/forge/internal/logging"
	"github.com/jdsingh122918/forge/internal/phase"
	"github.com/jdsingh122918/forge/internal/runner"
	"github.com/jdsingh122918/forge/internal/runstate"
)

var logger = logging.New("scheduler")

// pendingDecomposition tracks the children of one in-flight decomposition
// request until every child reaches a terminal status.
type pendingDecomposition struct {
	remaining map[string]bool
	failed    bool
	done      chan error
}

// completion is what runOne sends back to the dispatch loop once a phase's
// Executor call returns.
type completion struct {
	number string
	result runner.PhaseResult
	err    error
}

// Option configures optional Scheduler collaborators.
type Option func(*Scheduler)

// WithGate wires a Review Pipeline; phases with Review configured are
// gated through it after completing. Omitting this disables gating
// entirely, even for phases that declare a ReviewConfig.
func WithGate(g *gating.Pipeline) Option {
	return func(s *Scheduler) { s.gate = g }
}

// WithDiffSource supplies the changed-file diff handed to the Review
// Pipeline. Omitting this reviews every gated phase against an empty diff.
func WithDiffSource(d DiffSource) Option {
	return func(s *Scheduler) { s.diff = d }
}

// WithSynthesizer wires the LLM call the Decomposition Engine uses to
// propose sub-phases for a bare request-decomposition signal. Omitting
// this fails such requests outright.
func WithSynthesizer(sy decompose.StallSynthesizer) Option {
	return func(s *Scheduler) { s.synth = sy }
}

// WithLog attaches the Run-State Log the scheduler appends Skipped
// records to. Phase-local events remain the Runner's responsibility.
func WithLog(l *runstate.Log) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithBus attaches the Event Bus the scheduler publishes Skipped, review,
// and DagCompleted events to.
func WithBus(b *eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// Scheduler drives every phase in a Graph to completion. One Scheduler
// owns exactly one Graph for the duration of Execute; the Graph's nodes
// are mutated only from Execute's own goroutine.
type Scheduler struct {
	graph *phase.Graph
	exec  Executor
	reqs  <-chan decomposeRequest
	cfg   Config

	gate  *gating.Pipeline
	diff  DiffSource
	synth decompose.StallSynthesizer
	log   *runstate.Log
	bus   *eventbus.Bus

	pending map[string]*pendingDecomposition
}

// New builds a Scheduler. exec drives individual phases (ordinarily a
// *runner.Runner built with the runner.Decomposer half of
// NewDecomposerAdapter); reqs is the channel half of that same adapter.
func New(g *phase.Graph, exec Executor, reqs chan decomposeRequest, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		graph:   g,
		exec:    exec,
		reqs:    reqs,
		cfg:     cfg,
		pending: make(map[string]*pendingDecomposition),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute walks the Graph to completion: dispatching every Ready phase up
// to cfg.MaxParallel at a time, handling completions and decomposition
// requests on a single goroutine, and returning once no phase is running
// and none remain dispatchable.
func (s *Scheduler) Execute(ctx context.Context) (RunResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	completions := make(chan completion)
	inflight := 0
	cancelled := false

	dispatch := func() {
		if cancelled {
			return
		}
		for _, num := range s.graph.Ready() {
			if s.cfg.MaxParallel > 0 && inflight >= s.cfg.MaxParallel {
				return
			}
			node := s.graph.Node(num)
			node.Status = phase.StatusRunning
			node.StartedAt = time.Now().UnixNano()
			inflight++
			ph := node.Phase
			go s.runOne(runCtx, ph, completions)
		}
	}

	dispatch()

	for inflight > 0 {
		select {
		case req := <-s.reqs:
			s.handleDecomposeRequest(runCtx, req)
			dispatch()
		case comp := <-completions:
			inflight--
			s.handleCompletion(comp, func() {
				if !cancelled {
					cancelled = true
					cancel()
				}
			})
			dispatch()
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				cancel()
			}
		}
	}

	return s.result(cancelled), nil
}

func (s *Scheduler) runOne(ctx context.Context, ph phase.Phase, completions chan<- completion) {
	result, err := s.exec.RunPhase(ctx, ph, ph.Description)

	if err == nil && result.Status == runner.StatusCompleted && s.gate != nil && ph.Review != nil {
		diff := ""
		if s.diff != nil {
			d, derr := s.diff.Diff(ctx, ph.Number)
			if derr != nil {
				logger.Warn("diff source failed, gating without diff context", "phase", ph.Number, "error", derr)
			} else {
				diff = d
			}
		}

		remaining := ph.Budget - result.Iterations
		s.publish(eventbus.Event{Kind: eventbus.KindReviewStarted, Phase: ph.Number})
		outcome, gerr := s.gate.Run(ctx, ph, diff, remaining)
		if gerr != nil {
			err = gerr
		} else {
			result.Iterations += outcome.AdditionalIterations
			s.publish(eventbus.Event{Kind: eventbus.KindReviewCompleted, Phase: ph.Number, Success: outcome.Passed, Reason: outcome.Reason})
			if !outcome.Passed {
				result.Status = runner.StatusFailed
				result.Reason = "gating: " + outcome.Reason
			}
		}
	}

	completions <- completion{number: ph.Number, result: result, err: err}
}

func (s *Scheduler) handleCompletion(comp completion, triggerFailFast func()) {
	node := s.graph.Node(comp.number)
	node.CompletedAt = time.Now().UnixNano()
	node.IterationsUsed = comp.result.Iterations

	switch {
	case comp.err != nil:
		node.Status = phase.StatusFailed
		node.FailureReason = comp.err.Error()
	case comp.result.Status == runner.StatusCompleted:
		node.Status = phase.StatusCompleted
	case comp.result.Status == runner.StatusFailed:
		node.Status = phase.StatusFailed
		node.FailureReason = comp.result.Reason
	case comp.result.Status == runner.StatusCancelled:
		node.Status = phase.StatusCancelled
		node.FailureReason = comp.result.Reason
	default:
		node.Status = phase.StatusFailed
		node.FailureReason = fmt.Sprintf("unrecognized executor status %q", comp.result.Status)
	}

	if node.Status == phase.StatusFailed || node.Status == phase.StatusCancelled {
		for _, sk := range s.graph.PropagateFailure(comp.number) {
			s.appendLog(sk, runstate.EventSkipped, "upstream failed: "+comp.number)
			s.publish(eventbus.Event{Kind: eventbus.KindPhaseSkipped, Phase: sk, Reason: "upstream failed: " + comp.number})
		}
		if s.cfg.FailFast {
			triggerFailFast()
		}
	}
	s.graph.RefreshReadiness()

	s.resolvePending(comp.number, node.Status)
}

// handleDecomposeRequest builds and inserts the children a decomposition
// signal requested, registering the request to be acknowledged once every
// child reaches a terminal status.
func (s *Scheduler) handleDecomposeRequest(ctx context.Context, req decomposeRequest) {
	logger.Info("decomposition requested", "phase", req.parent.Number, "trigger", req.kind)

	specs := req.specs
	if len(specs) == 0 {
		if s.synth == nil {
			req.done <- fmt.Errorf("scheduler: phase %q requested decomposition with no spawn specs and no synthesizer configured", req.parent.Number)
			return
		}
		synthesized, err := decompose.Synthesize(ctx, s.synth, req.parent, "requested decomposition without explicit sub-phases")
		if err != nil {
			req.done <- err
			return
		}
		specs = synthesized
	}

	children, err := decompose.BuildChildren(req.parent, specs, req.parent.Budget)
	if err != nil {
		req.done <- err
		return
	}

	if err := s.graph.Insert(children); err != nil {
		req.done <- err
		return
	}

	remaining := make(map[string]bool, len(children))
	for _, c := range children {
		remaining[c.Number] = true
	}
	s.pending[req.parent.Number] = &pendingDecomposition{remaining: remaining, done: req.done}
}

// resolvePending marks number terminal in every pending decomposition that
// spawned it, acknowledging any decomposition whose children are now all
// terminal.
func (s *Scheduler) resolvePending(number string, status phase.Status) {
	for parent, pd := range s.pending {
		if !pd.remaining[number] {
			continue
		}
		delete(pd.remaining, number)
		if !status.SatisfiesDependency() {
			pd.failed = true
		}
		if len(pd.remaining) == 0 {
			if pd.failed {
				pd.done <- fmt.Errorf("scheduler: sub-phases spawned by phase %q did not all complete", parent)
			} else {
				pd.done <- nil
			}
			delete(s.pending, parent)
		}
	}
}

func (s *Scheduler) result(cancelled bool) RunResult {
	out := RunResult{Statuses: make(map[string]phase.Status, s.graph.Len()), Ok: true}

	for _, num := range s.graph.Numbers() {
		node := s.graph.Node(num)
		if !node.Status.Terminal() {
			node.Status = phase.StatusCancelled
			if cancelled {
				node.FailureReason = "run cancelled before this phase was dispatched"
			} else {
				node.FailureReason = "phase never became ready"
			}
		}
		out.Statuses[num] = node.Status

		switch node.Status {
		case phase.StatusFailed:
			out.Failed = append(out.Failed, num)
			out.Ok = false
		case phase.StatusSkipped:
			out.Skipped = append(out.Skipped, num)
		case phase.StatusCancelled:
			out.Ok = false
		}
	}

	s.publish(eventbus.Event{Kind: eventbus.KindDagCompleted, Success: out.Ok})
	return out
}

func (s *Scheduler) appendLog(phaseNum string, event runstate.Event, payload string) {
	if s.log == nil {
		return
	}
	if err := s.log.Append(phaseNum, event, payload); err != nil {
		logger.Warn("run-state log append failed", "phase", phaseNum, "event", event, "error", err)
	}
}

func (s *Scheduler) publish(evt eventbus.Event) {
	if s.bus == nil {
		return
	}
	evt.Timestamp = time.Now()
	s.bus.Publish(evt)
}
