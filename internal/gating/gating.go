// Package gating implements the Review Pipeline: after a phase
// completes, it spawns specialist reviewers in parallel, aggregates their
// findings, and gates progress. A failed gating specialist is resolved
// manually (an approval hook), automatically (bounded fix-and-re-review
// cycles via a fresh Iteration Runner invocation), or by delegating to the
// Arbiter.
package gating

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jdsingh122918/forge/internal/agent"
	"github.com/jdsingh122918/forge/internal/arbiter"
	"github.com/jdsingh122918/forge/internal/hooks"
	"github.com/jdsingh122918/forge/internal/jsonutil"
	"github.com/jdsingh122918/forge/internal/logging"
	"github.com/jdsingh122918/forge/internal/phase"
	"github.com/jdsingh122918/forge/internal/runner"
)

var logger = logging.New("gating")

// Specialist is one of the four reviewer roles.
type Specialist string

const (
	SpecialistSecurity      Specialist = "security"
	SpecialistPerformance   Specialist = "performance"
	SpecialistArchitecture  Specialist = "architecture"
	SpecialistSimplicity    Specialist = "simplicity"
)

// Verdict is a specialist's per-review outcome, distinct from the generic
// review package's APPROVED/CHANGES_NEEDED/BLOCKING vocabulary: the
// gating ReviewReport schema uses pass/warn/fail.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictWarn Verdict = "warn"
	VerdictFail Verdict = "fail"
)

// Finding is one ReviewFinding: severity, location, issue, suggestion.
type Finding struct {
	Severity   string `json:"severity"`
	File       string `json:"file"`
	Line       int    `json:"line"`
	Issue      string `json:"issue"`
	Suggestion string `json:"suggestion"`
}

// Report is one specialist's aggregated findings and verdict.
type Report struct {
	Specialist Specialist
	Verdict    Verdict
	Findings   []Finding
}

// defaultSpecialists is every role run when a phase's ReviewConfig omits
// Specialists.
var defaultSpecialists = []Specialist{
	SpecialistSecurity, SpecialistPerformance, SpecialistArchitecture, SpecialistSimplicity,
}

// defaultGating is which roles gate (vs merely advise) when ReviewConfig
// omits Gating: security and architecture gate; performance and
// simplicity advise.
var defaultGating = map[Specialist]bool{
	SpecialistSecurity:     true,
	SpecialistArchitecture: true,
}

const defaultMaxFixAttempts = 3

// specialistPrompts holds the fixed system prompt each role reviews with.
var specialistPrompts = map[Specialist]string{
	SpecialistSecurity: "You are a security reviewer. Examine the diff for injection, authz/authn " +
		"gaps, secret leakage, and unsafe deserialization.",
	SpecialistPerformance: "You are a performance reviewer. Examine the diff for algorithmic blowups, " +
		"unnecessary allocations, and blocking calls on hot paths.",
	SpecialistArchitecture: "You are an architecture reviewer. Examine the diff for layering violations, " +
		"leaky abstractions, and coupling that will make the codebase harder to change.",
	SpecialistSimplicity: "You are a simplicity reviewer. Examine the diff for unneeded complexity, " +
		"dead code, and speculative generality beyond what was asked for.",
}

const jsonSchemaExample = `{"verdict": "pass"|"warn"|"fail", "findings": [{"severity": "info"|"warning"|"critical", "file": string, "line": integer, "issue": string, "suggestion": string}]}`

// ReRunner is the narrow surface gating needs to re-drive a phase through
// one more Iteration Runner pass during an auto-fix cycle. Satisfied by
// *runner.Runner.
type ReRunner interface {
	RunPhase(ctx context.Context, ph phase.Phase, goal string) (runner.PhaseResult, error)
}

// Outcome is what Run returns: whether the phase may proceed, and how many
// additional iterations the fix cycle consumed (to be folded into the
// phase's iterations-used count by the caller).
type Outcome struct {
	Reports             []Report
	Passed              bool
	Reason              string // populated when !Passed
	AdditionalIterations int
}

// Pipeline runs the phase-level Review Pipeline for one phase.
type Pipeline struct {
	Agent       agent.Agent
	Model       string
	Effort      string
	Concurrency int // specialist fan-out width; independent of max_parallel
	Hooks       *hooks.Dispatcher
	Arbiter     *arbiter.Arbiter
	ReRunner    ReRunner
}

// New builds a Pipeline. concurrency <= 0 is clamped to the number of
// specialists (at most 4), matching the "N specialists in parallel" wording.
func New(ag agent.Agent, model, effort string, concurrency int, hd *hooks.Dispatcher, arb *arbiter.Arbiter, rerunner ReRunner) *Pipeline {
	if concurrency <= 0 {
		concurrency = len(defaultSpecialists)
	}
	return &Pipeline{Agent: ag, Model: model, Effort: effort, Concurrency: concurrency, Hooks: hd, Arbiter: arb, ReRunner: rerunner}
}

// Run executes the Review Pipeline for ph after it has Completed, with
// diff the unified diff of files changed during the phase, and
// remainingBudget the iterations still available (used by the Arbiter and
// by the auto-fix cycle's MaxFixAttempts cap).
func (p *Pipeline) Run(ctx context.Context, ph phase.Phase, diff string, remainingBudget int) (Outcome, error) {
	if ph.Review == nil {
		return Outcome{Passed: true}, nil
	}
	cfg := ph.Review

	specialists := toSpecialists(cfg.Specialists)
	if len(specialists) == 0 {
		specialists = defaultSpecialists
	}
	gatingSet := toGatingSet(cfg.Gating)

	maxAttempts := cfg.MaxFixAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxFixAttempts
	}

	additionalIterations := 0
	for attempt := 0; ; attempt++ {
		reports, err := p.runSpecialists(ctx, ph, diff, specialists)
		if err != nil {
			return Outcome{}, err
		}

		failing := failingGating(reports, gatingSet)
		if len(failing) == 0 {
			return Outcome{Reports: reports, Passed: true, AdditionalIterations: additionalIterations}, nil
		}

		proceed, retry, reason, err := p.resolve(ctx, ph, cfg, failing, remainingBudget-additionalIterations, attempt, maxAttempts)
		if err != nil {
			return Outcome{}, err
		}
		if proceed {
			return Outcome{Reports: reports, Passed: true, AdditionalIterations: additionalIterations}, nil
		}
		if !retry {
			return Outcome{Reports: reports, Passed: false, Reason: reason, AdditionalIterations: additionalIterations}, nil
		}
		additionalIterations++
	}
}

// resolve applies one resolution attempt for a set of failing gating
// findings and reports whether the phase may proceed, should retry (one
// more fix-and-re-review cycle), or must fail outright.
func (p *Pipeline) resolve(ctx context.Context, ph phase.Phase, cfg *phase.ReviewConfig, failing []Report, remainingBudget, attempt, maxAttempts int) (proceed, retry bool, reason string, err error) {
	switch cfg.Resolution {
	case phase.ResolutionAuto:
		if attempt >= maxAttempts {
			return false, false, "gating review failed after max_fix_attempts auto-fix cycles", nil
		}
		if err := p.runFixIteration(ctx, ph, findingsSummary(failing)); err != nil {
			return false, false, fmt.Sprintf("auto-fix iteration failed: %v", err), nil
		}
		return false, true, "", nil

	case phase.ResolutionArbiter:
		if p.Arbiter == nil {
			return false, false, "resolution=arbiter configured but no Arbiter is wired", nil
		}
		decision, err := p.Arbiter.Decide(ctx, toArbiterFindings(failing), remainingBudget, ph.Number, ph.Name)
		if err != nil {
			return false, false, "", err
		}
		switch decision.Decision {
		case arbiter.DecisionProceed:
			return true, false, "", nil
		case arbiter.DecisionFix:
			if attempt >= maxAttempts {
				return false, false, "arbiter requested FIX but max_fix_attempts already consumed", nil
			}
			if err := p.runFixIteration(ctx, ph, decision.FixInstructions); err != nil {
				return false, false, fmt.Sprintf("arbiter fix iteration failed: %v", err), nil
			}
			return false, true, "", nil
		default: // arbiter.DecisionEscalate
			return p.requestApproval(ctx, ph, decision.EscalationSummary)
		}

	default: // phase.ResolutionManual, or unset
		return p.requestApproval(ctx, ph, findingsSummary(failing))
	}
}

func (p *Pipeline) requestApproval(ctx context.Context, ph phase.Phase, reason string) (proceed, retry bool, failReason string, err error) {
	if p.Hooks == nil {
		return false, false, "gating review failed and no OnApproval hook is configured for manual resolution", nil
	}
	result, err := p.Hooks.Dispatch(ctx, hooks.Context{
		Event: hooks.EventOnApproval, Phase: ph.Number, PhaseName: ph.Name, Reason: reason,
	})
	if err != nil {
		return false, false, "", err
	}
	if result.Kind == hooks.ResultBlock {
		return false, false, "gating review rejected by approval hook: " + result.Reason, nil
	}
	return true, false, "", nil
}

func (p *Pipeline) runFixIteration(ctx context.Context, ph phase.Phase, findings string) error {
	if p.ReRunner == nil {
		return fmt.Errorf("gating: auto/arbiter resolution requires a ReRunner")
	}
	fixPh := ph
	fixPh.Description = ph.Description + "\n\nAddress the following review findings:\n" + findings
	result, err := p.ReRunner.RunPhase(ctx, fixPh, ph.Description)
	if err != nil {
		return err
	}
	if result.Status != runner.StatusCompleted {
		return fmt.Errorf("fix iteration ended in status %s: %s", result.Status, result.Reason)
	}
	return nil
}

func (p *Pipeline) runSpecialists(ctx context.Context, ph phase.Phase, diff string, specialists []Specialist) ([]Report, error) {
	reports := make([]Report, len(specialists))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Concurrency)

	var mu sync.Mutex
	for i, spec := range specialists {
		i, spec := i, spec
		g.Go(func() error {
			report := p.runOne(gctx, ph, diff, spec)
			mu.Lock()
			reports[i] = report
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// runOne invokes a single specialist. A malformed response defaults to
// warn with a synthetic finding rather than failing the phase outright.
func (p *Pipeline) runOne(ctx context.Context, ph phase.Phase, diff string, spec Specialist) Report {
	systemPrompt := specialistPrompts[spec]
	userPrompt := fmt.Sprintf("%s\n\nPhase: %s (%s)\n\nRespond with ONLY a JSON object of the shape:\n%s\n\nDiff:\n%s",
		systemPrompt, ph.Number, ph.Name, jsonSchemaExample, diff)

	result, err := p.Agent.Run(ctx, agent.RunOpts{Prompt: userPrompt, Model: p.Model, Effort: p.Effort})
	if err != nil {
		logger.Warn("specialist invocation failed", "specialist", spec, "phase", ph.Number, "error", err)
		return Report{Specialist: spec, Verdict: VerdictWarn, Findings: []Finding{
			{Severity: "info", Issue: fmt.Sprintf("specialist invocation failed: %v", err)},
		}}
	}

	var parsed struct {
		Verdict  Verdict   `json:"verdict"`
		Findings []Finding `json:"findings"`
	}
	if err := jsonutil.ExtractInto(result.Stdout, &parsed); err != nil {
		logger.Warn("specialist report parse failure, defaulting to warn", "specialist", spec, "phase", ph.Number, "error", err)
		return Report{Specialist: spec, Verdict: VerdictWarn, Findings: []Finding{
			{Severity: "info", Issue: "failed to parse specialist report: " + err.Error()},
		}}
	}
	if parsed.Verdict != VerdictPass && parsed.Verdict != VerdictWarn && parsed.Verdict != VerdictFail {
		parsed.Verdict = VerdictWarn
	}
	return Report{Specialist: spec, Verdict: parsed.Verdict, Findings: parsed.Findings}
}

func toSpecialists(names []string) []Specialist {
	out := make([]Specialist, 0, len(names))
	for _, n := range names {
		out = append(out, Specialist(n))
	}
	return out
}

func toGatingSet(names []string) map[Specialist]bool {
	if len(names) == 0 {
		return defaultGating
	}
	set := make(map[Specialist]bool, len(names))
	for _, n := range names {
		set[Specialist(n)] = true
	}
	return set
}

func failingGating(reports []Report, gatingSet map[Specialist]bool) []Report {
	var failing []Report
	for _, r := range reports {
		if gatingSet[r.Specialist] && r.Verdict == VerdictFail {
			failing = append(failing, r)
		}
	}
	return failing
}

func toArbiterFindings(reports []Report) []arbiter.Finding {
	var out []arbiter.Finding
	for _, r := range reports {
		for _, f := range r.Findings {
			out = append(out, arbiter.Finding{
				Type: string(r.Specialist), Severity: f.Severity, File: f.File, Line: f.Line, Description: f.Issue,
			})
		}
	}
	return out
}

func findingsSummary(reports []Report) string {
	summary := ""
	for _, r := range reports {
		for _, f := range r.Findings {
			summary += fmt.Sprintf("- [%s/%s] %s:%d %s (%s)\n", r.Specialist, f.Severity, f.File, f.Line, f.Issue, f.Suggestion)
		}
	}
	return summary
}
