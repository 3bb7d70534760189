package phase_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdsingh122918/forge/internal/phase"
)

func mkPhase(number string, deps ...string) phase.Phase {
	return phase.Phase{
		Number:       number,
		Name:         "phase " + number,
		PromiseToken: "DONE " + number,
		Budget:       8,
		DependsOn:    deps,
	}
}

func TestBuild_LinearChain(t *testing.T) {
	g, err := phase.Build([]phase.Phase{
		mkPhase("01"),
		mkPhase("02", "01"),
		mkPhase("03", "02"),
	})
	require.NoError(t, err)
	require.Equal(t, 3, g.Len())

	assert.Equal(t, phase.StatusReady, g.Node("01").Status)
	assert.Equal(t, phase.StatusBlocked, g.Node("02").Status)
	assert.Equal(t, phase.StatusBlocked, g.Node("03").Status)

	assert.Equal(t, 0, g.Node("01").Wave)
	assert.Equal(t, 1, g.Node("02").Wave)
	assert.Equal(t, 2, g.Node("03").Wave)
}

func TestBuild_DiamondWaves(t *testing.T) {
	g, err := phase.Build([]phase.Phase{
		mkPhase("01"),
		mkPhase("02", "01"),
		mkPhase("03", "01"),
		mkPhase("04", "02", "03"),
	})
	require.NoError(t, err)

	assert.Equal(t, 0, g.Node("01").Wave)
	assert.Equal(t, 1, g.Node("02").Wave)
	assert.Equal(t, 1, g.Node("03").Wave)
	assert.Equal(t, 2, g.Node("04").Wave)

	assert.ElementsMatch(t, []string{"01"}, g.Ready())
}

func TestBuild_DuplicateNumber(t *testing.T) {
	_, err := phase.Build([]phase.Phase{
		mkPhase("01"),
		mkPhase("01"),
	})
	require.Error(t, err)
	var dupErr *phase.DuplicateNumberError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, "01", dupErr.Number)
}

func TestBuild_UnknownDependency(t *testing.T) {
	_, err := phase.Build([]phase.Phase{
		mkPhase("01", "99"),
	})
	require.Error(t, err)
	var unkErr *phase.UnknownDependencyError
	require.ErrorAs(t, err, &unkErr)
	assert.Equal(t, "99", unkErr.Dep)
}

func TestBuild_Cycle(t *testing.T) {
	_, err := phase.Build([]phase.Phase{
		mkPhase("01", "03"),
		mkPhase("02", "01"),
		mkPhase("03", "02"),
	})
	require.Error(t, err)
	var cycErr *phase.CycleError
	require.ErrorAs(t, err, &cycErr)
	assert.NotEmpty(t, cycErr.Path)
}

func TestBuild_EmptyBudget(t *testing.T) {
	p := mkPhase("01")
	p.Budget = 0
	_, err := phase.Build([]phase.Phase{p})
	require.Error(t, err)
	var budErr *phase.EmptyBudgetError
	require.ErrorAs(t, err, &budErr)
}

func TestGraph_RefreshReadiness(t *testing.T) {
	g, err := phase.Build([]phase.Phase{
		mkPhase("01"),
		mkPhase("02", "01"),
	})
	require.NoError(t, err)

	g.Node("01").Status = phase.StatusCompleted
	became := g.RefreshReadiness()
	assert.Equal(t, []string{"02"}, became)
	assert.Equal(t, phase.StatusReady, g.Node("02").Status)
}

func TestGraph_PropagateFailure_SkipsCascade(t *testing.T) {
	g, err := phase.Build([]phase.Phase{
		mkPhase("01"),
		mkPhase("02", "01"),
		mkPhase("03", "02"),
	})
	require.NoError(t, err)

	g.Node("01").Status = phase.StatusFailed
	skipped := g.PropagateFailure("01")

	assert.ElementsMatch(t, []string{"02", "03"}, skipped)
	assert.Equal(t, phase.StatusSkipped, g.Node("02").Status)
	assert.Equal(t, "upstream failed", g.Node("02").FailureReason)
	assert.Equal(t, phase.StatusSkipped, g.Node("03").Status)
}

func TestGraph_Insert_Decomposition(t *testing.T) {
	g, err := phase.Build([]phase.Phase{
		mkPhase("05"),
	})
	require.NoError(t, err)

	g.Node("05").Status = phase.StatusRunning

	err = g.Insert([]phase.Phase{
		mkPhase("05.1"),
		mkPhase("05.2"),
		mkPhase("05.3", "05.1", "05.2"),
	})
	require.NoError(t, err)

	assert.Equal(t, 4, g.Len())
	assert.Equal(t, phase.StatusReady, g.Node("05.1").Status)
	assert.Equal(t, phase.StatusReady, g.Node("05.2").Status)
	assert.Equal(t, phase.StatusBlocked, g.Node("05.3").Status)
}

func TestGraph_Insert_RejectsCycle(t *testing.T) {
	g, err := phase.Build([]phase.Phase{
		mkPhase("01"),
	})
	require.NoError(t, err)

	err = g.Insert([]phase.Phase{
		{Number: "01.1", PromiseToken: "X", Budget: 1, DependsOn: []string{"01.1"}},
	})
	require.Error(t, err)
}

func TestGraph_EmptyDAG(t *testing.T) {
	g, err := phase.Build(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, g.Len())
	assert.Empty(t, g.Ready())
}
