// Package arbiter implements the Arbiter: an LLM-driven resolver
// for gating reviews that a phase's Review Pipeline failed. It never runs
// iterations or touches the DAG itself; internal/gating calls Decide and
// acts on the returned Decision.
package arbiter

import (
	"context"
	"fmt"
	"strings"

	"github.com/jdsingh122918/forge/internal/jsonutil"
	"github.com/jdsingh122918/forge/internal/logging"
)

var logger = logging.New("arbiter")

// Decision is the tagged selector of an Arbiter's resolution.
type Decision string

const (
	DecisionProceed  Decision = "PROCEED"
	DecisionFix      Decision = "FIX"
	DecisionEscalate Decision = "ESCALATE"
)

// Finding is the minimal shape of a gating finding the Arbiter reasons
// about. Type is the specialist role or finding category that escalate_on
// matches against.
type Finding struct {
	Type        string
	Severity    string
	File        string
	Line        int
	Description string
}

// Response is the parsed shape of the Arbiter's LLM call:
// {decision, reasoning, confidence, fix_instructions?, escalation_summary?}.
type Response struct {
	Decision           Decision `json:"decision"`
	Reasoning          string   `json:"reasoning"`
	Confidence         float64  `json:"confidence"`
	FixInstructions    string   `json:"fix_instructions,omitempty"`
	EscalationSummary  string   `json:"escalation_summary,omitempty"`
}

// Invoker is the minimal LLM surface Decide needs: a system prompt plus a
// user payload in, raw text out. Mirrors hooks.PromptInvoker so the same
// agent.Agent wrapper can serve both.
type Invoker interface {
	Invoke(ctx context.Context, systemPrompt, userPayload string) (string, error)
}

// Arbiter resolves failed gating reviews.
type Arbiter struct {
	Invoker             Invoker
	ConfidenceThreshold float64  // arbiter_confidence; forces ESCALATE below this
	EscalateOn          []string // finding Types that always force ESCALATE
}

// New builds an Arbiter. threshold <= 0 selects 0.7, matching the corpus's
// convention of a conservative default confidence bar.
func New(inv Invoker, threshold float64, escalateOn []string) *Arbiter {
	if threshold <= 0 {
		threshold = 0.7
	}
	return &Arbiter{Invoker: inv, ConfidenceThreshold: threshold, EscalateOn: escalateOn}
}

const systemPrompt = `You are the arbiter for a failed gating code review on an autonomous ` +
	`development phase. Given the phase, its remaining iteration budget, and the findings that ` +
	`failed gating, decide whether to PROCEED (the findings do not actually block), FIX (worth one ` +
	`more iteration with the findings injected into the prompt), or ESCALATE (requires human ` +
	`approval). Respond with ONLY a JSON object: ` +
	`{"decision": "PROCEED"|"FIX"|"ESCALATE", "reasoning": string, "confidence": number between 0 and 1, ` +
	`"fix_instructions": string (required if decision is FIX), "escalation_summary": string (required if decision is ESCALATE)}.`

// Decide calls the Arbiter's LLM and applies the two forced-escalation
// rules: confidence below the threshold forces ESCALATE
// regardless of the LLM's stated decision, and any finding whose Type
// appears in EscalateOn overrides to ESCALATE outright.
func (a *Arbiter) Decide(ctx context.Context, findings []Finding, remainingBudget int, phaseNumber, phaseName string) (Response, error) {
	if overridden, reason := a.checkEscalateOn(findings); overridden {
		return Response{
			Decision:          DecisionEscalate,
			Reasoning:         "forced by escalate_on",
			Confidence:        1,
			EscalationSummary: reason,
		}, nil
	}

	payload := buildPayload(findings, remainingBudget, phaseNumber, phaseName)
	out, err := a.Invoker.Invoke(ctx, systemPrompt, payload)
	if err != nil {
		return Response{}, fmt.Errorf("arbiter: invoking LLM: %w", err)
	}

	var resp Response
	if err := jsonutil.ExtractInto(out, &resp); err != nil {
		return Response{}, fmt.Errorf("arbiter: parsing response: %w", err)
	}

	if resp.Confidence < a.ConfidenceThreshold {
		logger.Info("arbiter confidence below threshold, forcing escalate",
			"phase", phaseNumber, "confidence", resp.Confidence, "threshold", a.ConfidenceThreshold)
		resp.Decision = DecisionEscalate
		if resp.EscalationSummary == "" {
			resp.EscalationSummary = resp.Reasoning
		}
	}

	return resp, nil
}

func (a *Arbiter) checkEscalateOn(findings []Finding) (bool, string) {
	if len(a.EscalateOn) == 0 {
		return false, ""
	}
	set := make(map[string]bool, len(a.EscalateOn))
	for _, t := range a.EscalateOn {
		set[t] = true
	}
	for _, f := range findings {
		if set[f.Type] {
			return true, fmt.Sprintf("finding type %q is configured to always escalate (%s)", f.Type, f.Description)
		}
	}
	return false, ""
}

func buildPayload(findings []Finding, remainingBudget int, phaseNumber, phaseName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "phase: %s (%s)\nremaining_budget: %d\nfindings:\n", phaseNumber, phaseName, remainingBudget)
	for _, f := range findings {
		fmt.Fprintf(&b, "- [%s/%s] %s:%d %s\n", f.Type, f.Severity, f.File, f.Line, f.Description)
	}
	return b.String()
}
