package runner

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jdsingh122918/forge/internal/agent"
	"github.com/jdsingh122918/forge/internal/compactor"
	"github.com/jdsingh122918/forge/internal/eventbus"
	"github.com/jdsingh122918/forge/internal/hooks"
	"github.com/jdsingh122918/forge/internal/logging"
	"github.com/jdsingh122918/forge/internal/phase"
	"github.com/jdsingh122918/forge/internal/runstate"
	"github.com/jdsingh122918/forge/internal/signal"
)

var logger = logging.New("runner")

// writeHeuristics are patterns an OnAction-style readonly gate pattern-
// matches against raw LLM output to heuristically detect a file-write tool
// call.
var writeHeuristics = regexp.MustCompile(`(?i)\b(Write|Edit|MultiEdit)\(|(?m)^\s*(rm|mv|cp|sed -i|>>?)\s`)

// Config bundles the fixed, per-run settings that apply across every phase
// a single Runner drives.
type Config struct {
	Model        string
	Effort       string
	WorkDir      string
	TokenWindow  int
	ContextLimit float64 // fraction of TokenWindow; 0 selects the compactor default
}

// Runner drives one Phase at a time through the iteration state
// machine. It is not safe for concurrent use on the same Phase, but a
// scheduler may hold one Runner per in-flight phase.
type Runner struct {
	Agent      agent.Agent
	Hooks      *hooks.Dispatcher
	Bus        *eventbus.Bus
	Log        *runstate.Log
	Decomposer Decomposer
	Config     Config
}

// New builds a Runner with the given collaborators. bus and log may be nil
// to disable event publication and run-state persistence respectively
// (useful in tests); decomposer may be nil, in which case a decomposition
// signal fails the phase with StatusFailed/"decomposition_unavailable".
func New(ag agent.Agent, hd *hooks.Dispatcher, bus *eventbus.Bus, log *runstate.Log, decomposer Decomposer, cfg Config) *Runner {
	return &Runner{Agent: ag, Hooks: hd, Bus: bus, Log: log, Decomposer: decomposer, Config: cfg}
}

// RunPhase drives ph through iterations until a Promise is kept, the budget
// is exhausted, a hook vetoes progress, or ctx is cancelled.
func (r *Runner) RunPhase(ctx context.Context, ph phase.Phase, goal string) (PhaseResult, error) {
	r.appendLog(ph.Number, runstate.EventStarted, "")
	r.publish(eventbus.Event{Kind: eventbus.KindPhaseStarted, Phase: ph.Number})

	prePhase, err := r.Hooks.Dispatch(ctx, hooks.Context{Event: hooks.EventPrePhase, Phase: ph.Number, PhaseName: ph.Name})
	if err != nil {
		return r.fail(ph, 0, fmt.Sprintf("PrePhase hook error: %v", err))
	}
	if prePhase.Kind == hooks.ResultBlock {
		return r.fail(ph, 0, "PrePhase hook vetoed: "+prePhase.Reason)
	}

	tracker := compactor.NewTracker(r.Config.TokenWindow, r.Config.ContextLimit)
	var records []compactor.Record
	blockerOrPivot := ""
	lastProgress := -1       // most recent progress percent observed, for autonomous regression detection
	consecutiveRegressions := 0
	requireAutonomousApproval := false

	for iteration := 1; iteration <= ph.Budget; iteration++ {
		if err := ctx.Err(); err != nil {
			return PhaseResult{Status: StatusCancelled, Iterations: iteration - 1}, err
		}

		if blocked, reason, err := r.gateIterationEntry(ctx, ph, iteration, requireAutonomousApproval); err != nil {
			return r.fail(ph, iteration-1, fmt.Sprintf("approval gate error: %v", err))
		} else if blocked {
			return r.fail(ph, iteration-1, "iteration approval rejected: "+reason)
		}

		prompt, err := buildPrompt(ph, goal, records, blockerOrPivot)
		if err != nil {
			return r.fail(ph, iteration-1, err.Error())
		}

		preIter, err := r.Hooks.Dispatch(ctx, hooks.Context{
			Event: hooks.EventPreIteration, Phase: ph.Number, PhaseName: ph.Name,
			Iteration: iteration, Prompt: prompt,
		})
		if err != nil {
			return r.fail(ph, iteration-1, fmt.Sprintf("PreIteration hook error: %v", err))
		}
		switch preIter.Kind {
		case hooks.ResultBlock:
			return r.fail(ph, iteration-1, "PreIteration hook vetoed: "+preIter.Reason)
		case hooks.ResultMutate:
			prompt = preIter.Prompt
		}

		start := time.Now()
		result, err := r.Agent.Run(ctx, agent.RunOpts{
			Prompt:       prompt,
			Model:        r.Config.Model,
			Effort:       r.Config.Effort,
			OutputFormat: agent.OutputFormatStreamJSON,
			WorkDir:      r.Config.WorkDir,
		})
		if err != nil {
			return r.fail(ph, iteration-1, fmt.Sprintf("agent invocation failed: %v", err))
		}
		logger.Debug("iteration complete", "phase", ph.Number, "iteration", iteration, "duration", time.Since(start))

		if _, err := r.Hooks.Dispatch(ctx, hooks.Context{
			Event: hooks.EventPostIteration, Phase: ph.Number, PhaseName: ph.Name, Iteration: iteration,
		}); err != nil {
			return r.fail(ph, iteration-1, fmt.Sprintf("PostIteration hook error: %v", err))
		}

		if ph.EffectivePermissionMode() == phase.PermissionReadonly && writeHeuristics.MatchString(result.Stdout) {
			return r.fail(ph, iteration, "write action rejected under readonly permission mode")
		}

		signals := signal.Parse(result.Stdout)
		iterProgress := -1
		var spawnKind signal.Kind
		var spawnSpecs []signal.SpawnSpec
		completed := false

		for _, sig := range signals {
			switch sig.Kind {
			case signal.KindPromise:
				if sig.Promise == ph.PromiseToken {
					completed = true
				}
			case signal.KindProgress:
				iterProgress = sig.Progress
			case signal.KindPivot:
				blockerOrPivot = sig.Text
			case signal.KindBlocker:
				blockerOrPivot = sig.Text
				if ph.EffectivePermissionMode() == phase.PermissionStrict {
					approval, err := r.Hooks.Dispatch(ctx, hooks.Context{
						Event: hooks.EventOnApproval, Phase: ph.Number, PhaseName: ph.Name,
						Iteration: iteration, Reason: sig.Text,
					})
					if err != nil {
						return r.fail(ph, iteration, fmt.Sprintf("blocker approval error: %v", err))
					}
					if approval.Kind == hooks.ResultBlock {
						return r.fail(ph, iteration, "blocker rejected: "+approval.Reason)
					}
				}
			case signal.KindSpawnSubphase, signal.KindRequestDecomposition:
				spawnKind = sig.Kind
				if sig.Spawn != nil {
					spawnSpecs = append(spawnSpecs, *sig.Spawn)
				}
			}
		}

		if completed {
			return r.complete(ph, iteration, tracker)
		}

		if spawnKind != "" {
			return r.decompose(ctx, ph, iteration, spawnKind, spawnSpecs, tracker)
		}

		if iterProgress >= 0 {
			if lastProgress >= 0 && iterProgress < lastProgress {
				consecutiveRegressions++
			} else {
				consecutiveRegressions = 0
			}
			lastProgress = iterProgress
		}
		requireAutonomousApproval = consecutiveRegressions >= 2

		records = append(records, compactor.Record{
			Sequence:       iteration,
			Prompt:         prompt,
			RawOutput:      result.Stdout,
			Progress:       iterProgress,
			BlockerOrPivot: blockerOrPivot,
		})
		tracker.Observe(result.Stdout)

		if tracker.ShouldCompact() {
			newRecords, summary := compactor.Compact(records, goal)
			records = newRecords
			tracker.Reset(estimateRecords(records))
			r.appendLog(ph.Number, runstate.EventCompacted, summary)
			r.publish(eventbus.Event{Kind: eventbus.KindPhaseCompacted, Phase: ph.Number, Iters: iteration})
		}

		r.appendLog(ph.Number, runstate.EventIter, fmt.Sprintf("iteration %d", iteration))
		r.publish(eventbus.Event{Kind: eventbus.KindPhaseProgress, Phase: ph.Number, Iters: iteration, Percent: maxInt(iterProgress, 0)})
	}

	if _, err := r.Hooks.Dispatch(ctx, hooks.Context{Event: hooks.EventOnFailure, Phase: ph.Number, PhaseName: ph.Name, Reason: "budget exhausted"}); err != nil {
		logger.Warn("OnFailure hook error", "phase", ph.Number, "error", err)
	}
	return r.fail(ph, ph.Budget, "budget_exhausted")
}

// gateIterationEntry decides, per the phase's permission mode, whether
// iteration requires human approval before prompting, and requests it via
// the OnApproval hook when it does.
func (r *Runner) gateIterationEntry(ctx context.Context, ph phase.Phase, iteration int, requireAutonomousApproval bool) (blocked bool, reason string, err error) {
	var needsApproval bool
	switch ph.EffectivePermissionMode() {
	case phase.PermissionStrict:
		needsApproval = true
	case phase.PermissionStandard, phase.PermissionReadonly:
		needsApproval = iteration == 1
	case phase.PermissionAutonomous:
		needsApproval = requireAutonomousApproval
	}
	if !needsApproval {
		return false, "", nil
	}

	result, err := r.Hooks.Dispatch(ctx, hooks.Context{
		Event: hooks.EventOnApproval, Phase: ph.Number, PhaseName: ph.Name, Iteration: iteration,
	})
	if err != nil {
		return false, "", err
	}
	if result.Kind == hooks.ResultBlock {
		return true, result.Reason, nil
	}
	return false, "", nil
}

func (r *Runner) complete(ph phase.Phase, iteration int, tracker *compactor.Tracker) (PhaseResult, error) {
	r.appendLog(ph.Number, runstate.EventCompleted, fmt.Sprintf("iterations=%d", iteration))
	r.publish(eventbus.Event{Kind: eventbus.KindPhaseCompleted, Phase: ph.Number, Iters: iteration, Success: true})
	return PhaseResult{Status: StatusCompleted, Iterations: iteration}, nil
}

func (r *Runner) decompose(ctx context.Context, ph phase.Phase, iteration int, kind signal.Kind, specs []signal.SpawnSpec, tracker *compactor.Tracker) (PhaseResult, error) {
	if r.Decomposer == nil {
		return r.fail(ph, iteration, "decomposition_unavailable")
	}

	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	r.appendLog(ph.Number, runstate.EventSubphaseSpawned, fmt.Sprintf("%v", names))
	r.publish(eventbus.Event{Kind: eventbus.KindSubphaseSpawned, Phase: ph.Number, Children: names})

	if err := r.Decomposer.Resolve(ctx, ph, kind, specs); err != nil {
		return r.fail(ph, iteration, fmt.Sprintf("decomposition failed: %v", err))
	}
	return r.complete(ph, iteration, tracker)
}

func (r *Runner) fail(ph phase.Phase, iterations int, reason string) (PhaseResult, error) {
	r.appendLog(ph.Number, runstate.EventFailed, reason)
	r.publish(eventbus.Event{Kind: eventbus.KindPhaseFailed, Phase: ph.Number, Iters: iterations, Reason: reason})
	return PhaseResult{Status: StatusFailed, Iterations: iterations, Reason: reason}, nil
}

func (r *Runner) appendLog(phaseNum string, event runstate.Event, payload string) {
	if r.Log == nil {
		return
	}
	if err := r.Log.Append(phaseNum, event, payload); err != nil {
		logger.Warn("run-state log append failed", "phase", phaseNum, "event", event, "error", err)
	}
}

func (r *Runner) publish(evt eventbus.Event) {
	if r.Bus == nil {
		return
	}
	evt.Timestamp = time.Now()
	r.Bus.Publish(evt)
}

// estimateRecords recomputes a token estimate from scratch over the
// surviving records after Compact, so Tracker.Reset starts from an accurate
// baseline rather than zero.
func estimateRecords(records []compactor.Record) int {
	total := 0
	for _, rec := range records {
		total += len(rec.RawOutput) / 4
	}
	return total
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
