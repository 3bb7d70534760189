package gating_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdsingh122918/forge/internal/agent"
	"github.com/jdsingh122918/forge/internal/arbiter"
	"github.com/jdsingh122918/forge/internal/gating"
	"github.com/jdsingh122918/forge/internal/hooks"
	"github.com/jdsingh122918/forge/internal/phase"
	"github.com/jdsingh122918/forge/internal/runner"
)

// fakeAgent returns a fixed response regardless of prompt, recording how
// many times it was invoked.
type fakeAgent struct {
	responses []string
	calls     int
}

func (f *fakeAgent) Name() string { return "fake" }
func (f *fakeAgent) Run(_ context.Context, _ agent.RunOpts) (*agent.RunResult, error) {
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return &agent.RunResult{Stdout: f.responses[idx], ExitCode: 0}, nil
}
func (f *fakeAgent) CheckPrerequisites() error                                  { return nil }
func (f *fakeAgent) ParseRateLimit(string) (*agent.RateLimitInfo, bool)         { return nil, false }
func (f *fakeAgent) DryRunCommand(agent.RunOpts) string                        { return "" }

const passReport = `{"verdict":"pass","findings":[]}`
const failSecurityReport = `{"verdict":"fail","findings":[{"severity":"critical","file":"auth.go","line":10,"issue":"sql injection","suggestion":"use parameterized queries"}]}`

func basePhase() phase.Phase {
	return phase.Phase{
		Number: "05", Name: "build feature", PromiseToken: "05 DONE", Budget: 10,
		Review: &phase.ReviewConfig{
			Specialists: []string{"security"},
			Gating:      []string{"security"},
		},
	}
}

func TestRun_PassesWhenNoReviewConfigured(t *testing.T) {
	p := gating.New(&fakeAgent{responses: []string{passReport}}, "", "", 1, nil, nil, nil)
	ph := phase.Phase{Number: "01", Review: nil}
	out, err := p.Run(context.Background(), ph, "", 10)
	require.NoError(t, err)
	assert.True(t, out.Passed)
}

func TestRun_PassesWhenSpecialistPasses(t *testing.T) {
	p := gating.New(&fakeAgent{responses: []string{passReport}}, "", "", 1, nil, nil, nil)
	out, err := p.Run(context.Background(), basePhase(), "diff", 10)
	require.NoError(t, err)
	assert.True(t, out.Passed)
}

type fakeRerunner struct {
	result runner.PhaseResult
}

func (f *fakeRerunner) RunPhase(_ context.Context, _ phase.Phase, _ string) (runner.PhaseResult, error) {
	return f.result, nil
}

func TestRun_ManualResolutionBlockedFailsPhase(t *testing.T) {
	ph := basePhase()
	ph.Review.Resolution = phase.ResolutionManual

	dispatcher := hooks.NewDispatcher([]hooks.Hook{
		{Event: hooks.EventOnApproval, Pattern: "*", Kind: hooks.KindCommand, Command: "exit 1"},
	}, nil)

	p := gating.New(&fakeAgent{responses: []string{failSecurityReport}}, "", "", 1, dispatcher, nil, nil)
	out, err := p.Run(context.Background(), ph, "diff", 10)
	require.NoError(t, err)
	assert.False(t, out.Passed)
}

func TestRun_ManualResolutionApprovedProceeds(t *testing.T) {
	ph := basePhase()
	ph.Review.Resolution = phase.ResolutionManual

	dispatcher := hooks.NewDispatcher([]hooks.Hook{
		{Event: hooks.EventOnApproval, Pattern: "*", Kind: hooks.KindCommand, Command: "exit 0"},
	}, nil)

	p := gating.New(&fakeAgent{responses: []string{failSecurityReport}}, "", "", 1, dispatcher, nil, nil)
	out, err := p.Run(context.Background(), ph, "diff", 10)
	require.NoError(t, err)
	assert.True(t, out.Passed)
}

func TestRun_AutoResolutionFixesThenPasses(t *testing.T) {
	ph := basePhase()
	ph.Review.Resolution = phase.ResolutionAuto
	ph.Review.MaxFixAttempts = 2

	rerunner := &fakeRerunner{result: runner.PhaseResult{Status: runner.StatusCompleted, Iterations: 1}}
	p := gating.New(&fakeAgent{responses: []string{failSecurityReport, passReport}}, "", "", 1, nil, nil, rerunner)
	out, err := p.Run(context.Background(), ph, "diff", 10)
	require.NoError(t, err)
	assert.True(t, out.Passed)
	assert.Equal(t, 1, out.AdditionalIterations)
}

func TestRun_AutoResolutionExhaustsAttempts(t *testing.T) {
	ph := basePhase()
	ph.Review.Resolution = phase.ResolutionAuto
	ph.Review.MaxFixAttempts = 1

	rerunner := &fakeRerunner{result: runner.PhaseResult{Status: runner.StatusCompleted, Iterations: 1}}
	p := gating.New(&fakeAgent{responses: []string{failSecurityReport, failSecurityReport}}, "", "", 1, nil, nil, rerunner)
	out, err := p.Run(context.Background(), ph, "diff", 10)
	require.NoError(t, err)
	assert.False(t, out.Passed)
}

type fakeArbiterInvoker struct {
	response string
}

func (f *fakeArbiterInvoker) Invoke(_ context.Context, _, _ string) (string, error) {
	return f.response, nil
}

func TestRun_ArbiterProceedOverridesGatingFailure(t *testing.T) {
	ph := basePhase()
	ph.Review.Resolution = phase.ResolutionArbiter

	arb := arbiter.New(&fakeArbiterInvoker{response: `{"decision":"PROCEED","confidence":0.95}`}, 0.7, nil)
	p := gating.New(&fakeAgent{responses: []string{failSecurityReport}}, "", "", 1, nil, arb, nil)
	out, err := p.Run(context.Background(), ph, "diff", 10)
	require.NoError(t, err)
	assert.True(t, out.Passed)
}
