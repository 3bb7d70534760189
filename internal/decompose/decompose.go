// Package decompose implements the Decomposition Engine: turning a
// SpawnSubphase or RequestDecomposition signal into a set of child Phases
// numbered parent.1, parent.2, ... whose budgets never exceed the parent's
// remaining budget, plus an integration child when more than one sibling
// was spawned.
//
// decompose itself never touches a Graph or a Scheduler; BuildChildren is
// pure, and Synthesize is a single LLM call. The caller (internal/scheduler)
// owns inserting the returned Phases into the DAG and driving them to
// completion, preserving single-writer discipline over PhaseNode mutation.
package decompose

import (
	"context"
	"fmt"
	"math"

	"github.com/jdsingh122918/forge/internal/agent"
	"github.com/jdsingh122918/forge/internal/jsonutil"
	"github.com/jdsingh122918/forge/internal/phase"
	"github.com/jdsingh122918/forge/internal/signal"
)

// ErrNoSpecs is returned by BuildChildren when specs is empty.
var ErrNoSpecs = fmt.Errorf("decompose: no spawn specs to build children from")

// BuildChildren constructs child Phases for parent, following a fixed
// numbering, budget, and integration-child scheme:
//
//   - children are numbered parent.1, parent.2, ... in specs order;
//   - if the specs' budgets sum to more than remainingBudget, every
//     budget is scaled down proportionally (floor, minimum 1);
//   - when more than one child is spawned and budget remains after
//     scaling, a final integration child parent.N+1 is appended,
//     depending on every other child, consuming the leftover budget.
//
// The sum of all returned children's budgets never exceeds remainingBudget.
func BuildChildren(parent phase.Phase, specs []signal.SpawnSpec, remainingBudget int) ([]phase.Phase, error) {
	if len(specs) == 0 {
		return nil, ErrNoSpecs
	}
	if remainingBudget < 1 {
		return nil, fmt.Errorf("decompose: parent %q has no remaining budget", parent.Number)
	}

	sum := 0
	for _, s := range specs {
		b := s.Budget
		if b < 1 {
			b = 1
		}
		sum += b
	}

	scale := 1.0
	if sum > remainingBudget {
		scale = float64(remainingBudget) / float64(sum)
	}

	children := make([]phase.Phase, 0, len(specs)+1)
	names := make([]string, 0, len(specs))
	used := 0

	for i, s := range specs {
		number := fmt.Sprintf("%s.%d", parent.Number, i+1)
		budget := s.Budget
		if budget < 1 {
			budget = 1
		}
		if scale < 1.0 {
			budget = int(math.Floor(float64(budget) * scale))
			if budget < 1 {
				budget = 1
			}
		}
		used += budget
		names = append(names, number)
		children = append(children, phase.Phase{
			Number:         number,
			Name:           s.Name,
			Description:    s.Reasoning,
			PromiseToken:   s.Promise,
			Budget:         budget,
			DependsOn:      s.DependsOn,
			Skills:         parent.Skills,
			PermissionMode: parent.PermissionMode,
		})
	}

	// Cap to remainingBudget even after floor-rounding drift.
	if used > remainingBudget {
		overflow := used - remainingBudget
		for i := len(children) - 1; i >= 0 && overflow > 0; i-- {
			reducible := children[i].Budget - 1
			if reducible <= 0 {
				continue
			}
			cut := reducible
			if cut > overflow {
				cut = overflow
			}
			children[i].Budget -= cut
			used -= cut
			overflow -= cut
		}
	}

	leftover := remainingBudget - used
	if len(specs) > 1 && leftover > 0 {
		integrationNumber := fmt.Sprintf("%s.%d", parent.Number, len(specs)+1)
		children = append(children, phase.Phase{
			Number:         integrationNumber,
			Name:           parent.Name + " integration",
			Description:    "integrates the work of " + parent.Number + "'s spawned sub-phases",
			PromiseToken:   parent.PromiseToken,
			Budget:         leftover,
			DependsOn:      names,
			Skills:         parent.Skills,
			PermissionMode: parent.PermissionMode,
		})
	}

	return children, nil
}

// StallSynthesizer is the minimal LLM surface Synthesize needs. It mirrors
// hooks.PromptInvoker's shape: a system prompt plus a user payload in,
// raw text out, so callers can adapt the same agent.Agent wrapper used
// for Prompt hooks without decompose importing agent.Agent directly.
type StallSynthesizer interface {
	Invoke(ctx context.Context, systemPrompt, userPayload string) (string, error)
}

const synthesisSystemPrompt = `You are the decomposition assistant for a stalled development phase. ` +
	`Given the phase's goal and its stalled state, propose 1 to 4 smaller sub-phases that would ` +
	`together accomplish the original goal. Respond with ONLY a JSON array of objects, each shaped ` +
	`{"name": string, "promise": string, "budget": integer, "depends_on": [string], "reasoning": string}. ` +
	`depends_on may reference other proposed sub-phases by their "name" field.`

// Synthesize asks an LLM to propose spawn specs for a phase that triggered
// decomposition without supplying its own SpawnSubphase payload (a bare
// RequestDecomposition, or a stall detected by iteration-budget heuristics).
func Synthesize(ctx context.Context, inv StallSynthesizer, ph phase.Phase, stallContext string) ([]signal.SpawnSpec, error) {
	payload := fmt.Sprintf("phase: %s (%s)\ngoal: %s\nbudget: %d\nstalled_state: %s",
		ph.Number, ph.Name, ph.Description, ph.Budget, stallContext)

	out, err := inv.Invoke(ctx, synthesisSystemPrompt, payload)
	if err != nil {
		return nil, fmt.Errorf("decompose: synthesizing spawn specs: %w", err)
	}

	var specs []signal.SpawnSpec
	if err := jsonutil.ExtractInto(out, &specs); err != nil {
		return nil, fmt.Errorf("decompose: parsing synthesized spawn specs: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("decompose: synthesizer returned no spawn specs")
	}
	return specs, nil
}

// IsStalled reports whether an in-flight iteration has crossed the
// stall threshold: more than half the phase's budget consumed with
// measured progress still below the configured ceiling. cfg may be nil,
// selecting the package defaults (50% budget, 30% progress ceiling).
func IsStalled(ph phase.Phase, iteration, lastProgress int) bool {
	fraction := defaultStallBudgetFraction
	ceiling := defaultStallProgressCeiling
	if ph.Decomposition != nil {
		if ph.Decomposition.StallBudgetFraction > 0 {
			fraction = ph.Decomposition.StallBudgetFraction
		}
		if ph.Decomposition.StallProgressCeiling > 0 {
			ceiling = ph.Decomposition.StallProgressCeiling
		}
	}
	if lastProgress < 0 || lastProgress >= ceiling {
		return false
	}
	return float64(iteration) > fraction*float64(ph.Budget)
}

const (
	defaultStallBudgetFraction  = 0.5
	defaultStallProgressCeiling = 30
)

// agentInvoker adapts an agent.Agent into a StallSynthesizer, the same
// pattern hooks.runPrompt uses to bridge agent.Agent into PromptInvoker.
type agentInvoker struct {
	ag     agent.Agent
	model  string
	effort string
}

// NewAgentSynthesizer wraps ag as a StallSynthesizer for Synthesize.
func NewAgentSynthesizer(ag agent.Agent, model, effort string) StallSynthesizer {
	return &agentInvoker{ag: ag, model: model, effort: effort}
}

func (a *agentInvoker) Invoke(ctx context.Context, systemPrompt, userPayload string) (string, error) {
	result, err := a.ag.Run(ctx, agent.RunOpts{
		Prompt: systemPrompt + "\n\n" + userPayload,
		Model:  a.model,
		Effort: a.effort,
	})
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}
