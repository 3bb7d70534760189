package runner_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdsingh122918/forge/internal/agent"
	"github.com/jdsingh122918/forge/internal/hooks"
	"github.com/jdsingh122918/forge/internal/phase"
	"github.com/jdsingh122918/forge/internal/runner"
	"github.com/jdsingh122918/forge/internal/signal"
)

func basePhase() phase.Phase {
	return phase.Phase{
		Number:       "01",
		Name:         "scaffold",
		Description:  "scaffold the project",
		PromiseToken: "SCAFFOLD COMPLETE",
		Budget:       3,
	}
}

func newTestRunner(ag agent.Agent, decomposer runner.Decomposer) *runner.Runner {
	return runner.New(ag, hooks.NewDispatcher(nil, nil), nil, nil, decomposer,
		runner.Config{TokenWindow: 100000, ContextLimit: 0.85})
}

func TestRunPhase_CompletesOnPromise(t *testing.T) {
	ag := agent.NewMockAgent("mock").WithRunFunc(func(ctx context.Context, opts agent.RunOpts) (*agent.RunResult, error) {
		return &agent.RunResult{Stdout: "<progress>50</progress><promise>SCAFFOLD COMPLETE</promise>"}, nil
	})
	r := newTestRunner(ag, nil)

	result, err := r.RunPhase(context.Background(), basePhase(), "build the scaffold")
	require.NoError(t, err)
	assert.Equal(t, runner.StatusCompleted, result.Status)
	assert.Equal(t, 1, result.Iterations)
}

func TestRunPhase_IgnoresWrongPromiseToken(t *testing.T) {
	calls := 0
	ag := agent.NewMockAgent("mock").WithRunFunc(func(ctx context.Context, opts agent.RunOpts) (*agent.RunResult, error) {
		calls++
		if calls < 3 {
			return &agent.RunResult{Stdout: "<promise>WRONG TOKEN</promise>"}, nil
		}
		return &agent.RunResult{Stdout: "<promise>SCAFFOLD COMPLETE</promise>"}, nil
	})
	r := newTestRunner(ag, nil)

	ph := basePhase()
	ph.Budget = 5
	result, err := r.RunPhase(context.Background(), ph, "build the scaffold")
	require.NoError(t, err)
	assert.Equal(t, runner.StatusCompleted, result.Status)
	assert.Equal(t, 3, result.Iterations)
}

func TestRunPhase_BudgetExhausted(t *testing.T) {
	ag := agent.NewMockAgent("mock").WithRunFunc(func(ctx context.Context, opts agent.RunOpts) (*agent.RunResult, error) {
		return &agent.RunResult{Stdout: "<progress>10</progress>"}, nil
	})
	r := newTestRunner(ag, nil)

	ph := basePhase()
	ph.Budget = 2
	result, err := r.RunPhase(context.Background(), ph, "build the scaffold")
	require.NoError(t, err)
	assert.Equal(t, runner.StatusFailed, result.Status)
	assert.Equal(t, "budget_exhausted", result.Reason)
	assert.Equal(t, 2, result.Iterations)
}

func TestRunPhase_PrePhaseHookVetoes(t *testing.T) {
	ag := agent.NewMockAgent("mock")
	declared := []hooks.Hook{
		{Event: hooks.EventPrePhase, Pattern: "*", Kind: hooks.KindCommand, Command: "echo -n 'not ready'; exit 1"},
	}
	r := runner.New(ag, hooks.NewDispatcher(declared, nil), nil, nil, nil, runner.Config{TokenWindow: 1000})

	result, err := r.RunPhase(context.Background(), basePhase(), "build the scaffold")
	require.NoError(t, err)
	assert.Equal(t, runner.StatusFailed, result.Status)
	assert.Contains(t, result.Reason, "PrePhase hook vetoed")
	assert.Len(t, ag.Calls, 0, "agent must never be invoked when PrePhase blocks")
}

func TestRunPhase_StrictModeBlockerRejected(t *testing.T) {
	ag := agent.NewMockAgent("mock").WithRunFunc(func(ctx context.Context, opts agent.RunOpts) (*agent.RunResult, error) {
		return &agent.RunResult{Stdout: "<blocker>missing credentials</blocker>"}, nil
	})
	declared := []hooks.Hook{
		{Event: hooks.EventOnApproval, Pattern: "*", Kind: hooks.KindCommand, Command: "exit 1"},
	}
	r := runner.New(ag, hooks.NewDispatcher(declared, nil), nil, nil, nil, runner.Config{TokenWindow: 1000})

	ph := basePhase()
	ph.PermissionMode = phase.PermissionStrict
	result, err := r.RunPhase(context.Background(), ph, "build the scaffold")
	require.NoError(t, err)
	assert.Equal(t, runner.StatusFailed, result.Status)
	assert.Contains(t, result.Reason, "blocker rejected")
}

func TestRunPhase_ReadonlyModeRejectsWriteHeuristic(t *testing.T) {
	ag := agent.NewMockAgent("mock").WithRunFunc(func(ctx context.Context, opts agent.RunOpts) (*agent.RunResult, error) {
		return &agent.RunResult{Stdout: "calling Write(path=\"main.go\")"}, nil
	})
	r := newTestRunner(ag, nil)

	ph := basePhase()
	ph.PermissionMode = phase.PermissionReadonly
	result, err := r.RunPhase(context.Background(), ph, "build the scaffold")
	require.NoError(t, err)
	assert.Equal(t, runner.StatusFailed, result.Status)
	assert.Contains(t, result.Reason, "readonly")
}

type stubDecomposer struct {
	called bool
	err    error
}

func (s *stubDecomposer) Resolve(ctx context.Context, parent phase.Phase, kind signal.Kind, specs []signal.SpawnSpec) error {
	s.called = true
	return s.err
}

func TestRunPhase_SpawnSubphaseDelegatesToDecomposer(t *testing.T) {
	ag := agent.NewMockAgent("mock").WithRunFunc(func(ctx context.Context, opts agent.RunOpts) (*agent.RunResult, error) {
		return &agent.RunResult{Stdout: `<spawn_subphase>{"name":"child","promise":"CHILD DONE","budget":3}</spawn_subphase>`}, nil
	})
	decomposer := &stubDecomposer{}
	r := newTestRunner(ag, decomposer)

	result, err := r.RunPhase(context.Background(), basePhase(), "build the scaffold")
	require.NoError(t, err)
	assert.True(t, decomposer.called)
	assert.Equal(t, runner.StatusCompleted, result.Status)
}

func TestRunPhase_SpawnSubphaseWithNoDecomposerFails(t *testing.T) {
	ag := agent.NewMockAgent("mock").WithRunFunc(func(ctx context.Context, opts agent.RunOpts) (*agent.RunResult, error) {
		return &agent.RunResult{Stdout: "<request-decomposition/>"}, nil
	})
	r := newTestRunner(ag, nil)

	result, err := r.RunPhase(context.Background(), basePhase(), "build the scaffold")
	require.NoError(t, err)
	assert.Equal(t, runner.StatusFailed, result.Status)
	assert.Equal(t, "decomposition_unavailable", result.Reason)
}

func TestRunPhase_AgentErrorFailsPhase(t *testing.T) {
	ag := agent.NewMockAgent("mock").WithRunFunc(func(ctx context.Context, opts agent.RunOpts) (*agent.RunResult, error) {
		return nil, fmt.Errorf("subprocess exec failed")
	})
	r := newTestRunner(ag, nil)

	result, err := r.RunPhase(context.Background(), basePhase(), "build the scaffold")
	require.NoError(t, err)
	assert.Equal(t, runner.StatusFailed, result.Status)
	assert.Contains(t, result.Reason, "agent invocation failed")
}

func TestRunPhase_ContextCancelledMidRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	ag := agent.NewMockAgent("mock").WithRunFunc(func(ctx context.Context, opts agent.RunOpts) (*agent.RunResult, error) {
		calls++
		if calls == 1 {
			cancel()
		}
		return &agent.RunResult{Stdout: "<progress>20</progress>"}, nil
	})
	r := newTestRunner(ag, nil)

	ph := basePhase()
	ph.Budget = 5
	result, err := r.RunPhase(ctx, ph, "build the scaffold")
	require.Error(t, err)
	assert.Equal(t, runner.StatusCancelled, result.Status)
}
