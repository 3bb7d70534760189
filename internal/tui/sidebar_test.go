package tui

import (
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdsingh122918/forge/internal/eventbus"
)

// stripANSISidebar removes ANSI escape sequences from a string so tests can
// inspect raw content without terminal colour codes.
func stripANSISidebar(s string) string {
	var out strings.Builder
	i := 0
	for i < len(s) {
		if s[i] == '\x1b' && i+1 < len(s) && s[i+1] == '[' {
			i += 2
			for i < len(s) && s[i] != 'm' {
				i++
			}
			i++ // skip 'm'
			continue
		}
		out.WriteByte(s[i])
		i++
	}
	return out.String()
}

// applySidebarMsg applies a single message to the SidebarModel and returns the
// updated model plus any command.
func applySidebarMsg(m SidebarModel, msg tea.Msg) (SidebarModel, tea.Cmd) {
	return m.Update(msg)
}

// makeSidebar is a convenience constructor for tests that creates a dimensioned,
// focused sidebar.
func makeSidebar(t *testing.T, width, height int) SidebarModel {
	t.Helper()
	m := NewSidebarModel(DefaultTheme())
	m.SetDimensions(width, height)
	m.SetFocused(true)
	return m
}

// phaseEvent builds an eventbus.Event for use in tests.
func phaseEvent(kind eventbus.Kind, phase, message string) eventbus.Event {
	return eventbus.Event{
		Kind:      kind,
		Phase:     phase,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// ---- PhaseStatus ----

func TestPhaseStatus_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status PhaseStatus
		want   string
	}{
		{PhasePending, "pending"},
		{PhaseRunning, "running"},
		{PhaseReviewing, "reviewing"},
		{PhaseCompleted, "completed"},
		{PhaseFailed, "failed"},
		{PhaseSkipped, "skipped"},
		{PhaseStatus(99), "unknown"},
		{PhaseStatus(-1), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestPhaseStatus_IotaValues(t *testing.T) {
	t.Parallel()
	assert.Equal(t, PhaseStatus(0), PhasePending)
	assert.Equal(t, PhaseStatus(1), PhaseRunning)
	assert.Equal(t, PhaseStatus(2), PhaseReviewing)
	assert.Equal(t, PhaseStatus(3), PhaseCompleted)
	assert.Equal(t, PhaseStatus(4), PhaseFailed)
	assert.Equal(t, PhaseStatus(5), PhaseSkipped)
}

// ---- phaseStatusFromKind ----

func TestPhaseStatusFromKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind eventbus.Kind
		want PhaseStatus
	}{
		{eventbus.KindPhaseCompleted, PhaseCompleted},
		{eventbus.KindPhaseFailed, PhaseFailed},
		{eventbus.KindPhaseSkipped, PhaseSkipped},
		{eventbus.KindReviewStarted, PhaseReviewing},
		{eventbus.KindPhaseStarted, PhaseRunning},
		{eventbus.KindPhaseProgress, PhaseRunning},
		{eventbus.KindPhaseCompacted, PhaseRunning},
		{eventbus.Kind("unknown"), PhaseRunning},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			got := phaseStatusFromKind(tt.kind)
			assert.Equal(t, tt.want, got)
		})
	}
}

// ---- NewSidebarModel ----

func TestNewSidebarModel_EmptyPhaseList(t *testing.T) {
	t.Parallel()
	m := NewSidebarModel(DefaultTheme())
	assert.Empty(t, m.phases, "new sidebar must have empty phase list")
	assert.Equal(t, 0, m.selectedIdx)
	assert.Equal(t, 0, m.scrollOffset)
	assert.False(t, m.focused)
}

func TestNewSidebarModel_ZeroDimensions(t *testing.T) {
	t.Parallel()
	m := NewSidebarModel(DefaultTheme())
	assert.Equal(t, 0, m.width)
	assert.Equal(t, 0, m.height)
}

// ---- SetDimensions ----

func TestSidebarModel_SetDimensions(t *testing.T) {
	t.Parallel()
	m := NewSidebarModel(DefaultTheme())
	m.SetDimensions(30, 40)
	assert.Equal(t, 30, m.width)
	assert.Equal(t, 40, m.height)
}

func TestSidebarModel_SetDimensions_UpdatesExisting(t *testing.T) {
	t.Parallel()
	m := NewSidebarModel(DefaultTheme())
	m.SetDimensions(30, 40)
	m.SetDimensions(50, 60)
	assert.Equal(t, 50, m.width)
	assert.Equal(t, 60, m.height)
}

// ---- SetFocused ----

func TestSidebarModel_SetFocused(t *testing.T) {
	t.Parallel()
	m := NewSidebarModel(DefaultTheme())
	assert.False(t, m.focused)
	m.SetFocused(true)
	assert.True(t, m.focused)
	m.SetFocused(false)
	assert.False(t, m.focused)
}

// ---- SelectedPhase ----

func TestSidebarModel_SelectedPhase_EmptyList(t *testing.T) {
	t.Parallel()
	m := NewSidebarModel(DefaultTheme())
	assert.Equal(t, "", m.SelectedPhase())
}

func TestSidebarModel_SelectedPhase_ReturnsID(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "02", ""))
	assert.Equal(t, "02", m.SelectedPhase())
}

func TestSidebarModel_SelectedPhase_MultiplePhases(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "01", ""))
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "02", ""))
	// Default selection is index 0.
	assert.Equal(t, "01", m.SelectedPhase())

	// Navigate down.
	m, _ = applySidebarMsg(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'j'}})
	assert.Equal(t, "02", m.SelectedPhase())
}

// ---- Update: eventbus.Event ----

func TestSidebarModel_Update_PhaseEvent_AddsNewPhase(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)
	m, cmd := applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "02", ""))
	require.Nil(t, cmd)
	require.Len(t, m.phases, 1)
	assert.Equal(t, "02", m.phases[0].ID)
	assert.Equal(t, PhaseRunning, m.phases[0].Status)
}

func TestSidebarModel_Update_PhaseEvent_UpdatesExistingPhase(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "02", "step-1"))
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseCompleted, "02", "done"))

	require.Len(t, m.phases, 1, "duplicate phase ID must not add a second entry")
	assert.Equal(t, PhaseCompleted, m.phases[0].Status)
	assert.Equal(t, "done", m.phases[0].Detail)
}

func TestSidebarModel_Update_PhaseEvent_PreservesInsertionOrder(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "01", ""))
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "02", ""))
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "03", ""))

	require.Len(t, m.phases, 3)
	assert.Equal(t, "01", m.phases[0].ID)
	assert.Equal(t, "02", m.phases[1].ID)
	assert.Equal(t, "03", m.phases[2].ID)
}

func TestSidebarModel_Update_PhaseEvent_StatusTransitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind   eventbus.Kind
		status PhaseStatus
	}{
		{eventbus.KindPhaseStarted, PhaseRunning},
		{eventbus.KindPhaseCompleted, PhaseCompleted},
		{eventbus.KindPhaseFailed, PhaseFailed},
		{eventbus.KindReviewStarted, PhaseReviewing},
		{eventbus.KindPhaseSkipped, PhaseSkipped},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			m := makeSidebar(t, 30, 20)
			m, _ = applySidebarMsg(m, phaseEvent(tt.kind, "01", ""))
			require.Len(t, m.phases, 1)
			assert.Equal(t, tt.status, m.phases[0].Status)
		})
	}
}

func TestSidebarModel_Update_PhaseEvent_EmptyPhase_Ignored(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)
	m, _ = applySidebarMsg(m, eventbus.Event{Kind: eventbus.KindDagCompleted, Timestamp: time.Now()})
	assert.Empty(t, m.phases, "events without a Phase must not add an entry")
}

func TestSidebarModel_Update_PhaseEvent_SpawnsChildEntries(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)
	m, _ = applySidebarMsg(m, eventbus.Event{
		Kind:      eventbus.KindSubphaseSpawned,
		Phase:     "02",
		Children:  []string{"02.1", "02.2"},
		Timestamp: time.Now(),
	})

	require.Len(t, m.phases, 3, "parent plus two children must be tracked")
	assert.Equal(t, "02", m.phases[0].ID)
	assert.Equal(t, "02.1", m.phases[1].ID)
	assert.Equal(t, "02.2", m.phases[2].ID)
	assert.Equal(t, PhasePending, m.phases[1].Status)
}

// ---- Update: FocusChangedMsg ----

func TestSidebarModel_Update_FocusChangedMsg_SetFocused(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)
	m.SetFocused(false)

	m, _ = applySidebarMsg(m, FocusChangedMsg{Panel: FocusSidebar})
	assert.True(t, m.focused)
}

func TestSidebarModel_Update_FocusChangedMsg_ClearFocus(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)

	m, _ = applySidebarMsg(m, FocusChangedMsg{Panel: FocusAgentPanel})
	assert.False(t, m.focused)

	m, _ = applySidebarMsg(m, FocusChangedMsg{Panel: FocusEventLog})
	assert.False(t, m.focused)
}

// ---- Update: KeyMsg navigation ----

func TestSidebarModel_Update_KeyMsg_NavigationWhenFocused(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)
	// Add three phases.
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "01", ""))
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "02", ""))
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "03", ""))

	assert.Equal(t, 0, m.selectedIdx)

	// j moves down.
	m, _ = applySidebarMsg(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'j'}})
	assert.Equal(t, 1, m.selectedIdx)

	// Down arrow moves down.
	m, _ = applySidebarMsg(m, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 2, m.selectedIdx)

	// k moves up.
	m, _ = applySidebarMsg(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'k'}})
	assert.Equal(t, 1, m.selectedIdx)

	// Up arrow moves up.
	m, _ = applySidebarMsg(m, tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, 0, m.selectedIdx)
}

func TestSidebarModel_Update_KeyMsg_ClampsAtBoundaries(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "01", ""))

	// Moving up from index 0 stays at 0.
	m, _ = applySidebarMsg(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'k'}})
	assert.Equal(t, 0, m.selectedIdx)

	// Moving down from last entry stays at last.
	m, _ = applySidebarMsg(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'j'}})
	assert.Equal(t, 0, m.selectedIdx)
}

func TestSidebarModel_Update_KeyMsg_IgnoredWhenNotFocused(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)
	m.SetFocused(false)
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "01", ""))
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "02", ""))

	initial := m.selectedIdx
	m, _ = applySidebarMsg(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'j'}})
	assert.Equal(t, initial, m.selectedIdx, "navigation should not change selection when unfocused")
}

func TestSidebarModel_Update_KeyMsg_EmptyList_NoPanic(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)
	assert.NotPanics(t, func() {
		m, _ = applySidebarMsg(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'j'}})
	})
}

// ---- View ----

func TestSidebarModel_View_ContainsPhasesHeader(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)
	view := stripANSISidebar(m.View())
	assert.Contains(t, view, "PHASES")
}

func TestSidebarModel_View_EmptyList_ShowsPlaceholder(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)
	view := stripANSISidebar(m.View())
	assert.Contains(t, view, "No phases")
}

func TestSidebarModel_View_ShowsPhaseIDs(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "01", ""))
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "02", ""))

	view := stripANSISidebar(m.View())
	assert.Contains(t, view, "01")
	assert.Contains(t, view, "02")
}

func TestSidebarModel_View_ShowsStatusIndicators(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind      eventbus.Kind
		indicator string
	}{
		{eventbus.KindPhaseStarted, "●"},
		{eventbus.KindReviewStarted, "◐"},
		{eventbus.KindPhaseCompleted, "✓"},
		{eventbus.KindPhaseFailed, "✗"},
		{eventbus.KindPhaseSkipped, "⊘"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			m := makeSidebar(t, 30, 20)
			m, _ = applySidebarMsg(m, phaseEvent(tt.kind, "01", ""))
			view := stripANSISidebar(m.View())
			assert.Contains(t, view, tt.indicator,
				"status indicator %q not found for kind %q", tt.indicator, tt.kind)
		})
	}
}

func TestSidebarModel_View_PadsToHeight(t *testing.T) {
	t.Parallel()
	// Use a raw sidebar without the container style to count lines reliably.
	m := NewSidebarModel(DefaultTheme())
	m.SetDimensions(0, 10) // width=0 skips container style
	m.SetFocused(true)

	view := m.View()
	lineCount := strings.Count(view, "\n")
	assert.GreaterOrEqual(t, lineCount, 9,
		"view should be padded to approximately the configured height")
}

func TestSidebarModel_View_ZeroDimensions_ReturnsEmpty(t *testing.T) {
	t.Parallel()
	m := NewSidebarModel(DefaultTheme())
	// No SetDimensions call — both are zero.
	view := m.View()
	assert.Empty(t, view)
}

func TestSidebarModel_View_LongIDTruncated(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 20, 20)
	longID := strings.Repeat("x", 100)
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, longID, ""))

	view := stripANSISidebar(m.View())
	assert.NotContains(t, view, longID)
	assert.Contains(t, view, "…")
}

func TestSidebarModel_View_WidthConstraint(t *testing.T) {
	t.Parallel()
	width := 25
	m := makeSidebar(t, width, 20)
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "02", ""))

	view := m.View()
	for _, line := range strings.Split(view, "\n") {
		stripped := stripANSISidebar(line)
		assert.LessOrEqual(t, lipgloss.Width(stripped), width,
			"line exceeds configured width: %q", stripped)
	}
}

func TestSidebarModel_View_ContainsFutureSectionPlaceholders(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 30)
	view := stripANSISidebar(m.View())
	assert.Contains(t, view, "AGENTS", "agent activity section header must be present")
	assert.Contains(t, view, "PROGRESS", "phase progress section header must be present")
}

// ---- Scrolling ----

func TestSidebarModel_View_Scroll_SelectedAlwaysVisible(t *testing.T) {
	t.Parallel()
	// Use a small height so scrolling is triggered.
	m := makeSidebar(t, 30, 6)
	for i := 0; i < 8; i++ {
		id := string(rune('a' + i))
		m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, id, ""))
	}

	// Navigate to the last entry.
	for i := 0; i < 7; i++ {
		m, _ = applySidebarMsg(m, tea.KeyMsg{Type: tea.KeyDown})
	}

	selectedID := m.SelectedPhase()
	view := stripANSISidebar(m.View())
	assert.Contains(t, view, selectedID,
		"selected phase %q must be visible after scrolling", selectedID)
}

// ---- clampIdx ----

func TestClampIdx(t *testing.T) {
	t.Parallel()
	tests := []struct {
		idx  int
		n    int
		want int
	}{
		{0, 5, 0},
		{4, 5, 4},
		{5, 5, 4},  // over end → n-1
		{-1, 5, 0}, // below start → 0
		{2, 3, 2},
		{0, 1, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run("", func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, clampIdx(tt.idx, tt.n))
		})
	}
}

// ---- adjustScroll ----

func TestAdjustScroll(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		offset   int
		selected int
		visible  int
		want     int
	}{
		{name: "selected in window — no change", offset: 0, selected: 2, visible: 5, want: 0},
		{name: "selected below window — scroll down", offset: 0, selected: 5, visible: 5, want: 1},
		{name: "selected above window — scroll up", offset: 3, selected: 1, visible: 5, want: 1},
		{name: "zero visible — returns zero", offset: 2, selected: 5, visible: 0, want: 0},
		{name: "selected at end of window", offset: 0, selected: 4, visible: 5, want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, adjustScroll(tt.offset, tt.selected, tt.visible))
		})
	}
}

// ---- truncateName ----

func TestTruncateName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		input    string
		maxWidth int
		wantEll  bool // whether ellipsis should appear
	}{
		{name: "short name fits", input: "abc", maxWidth: 10, wantEll: false},
		{name: "exact fit", input: "hello", maxWidth: 5, wantEll: false},
		{name: "one over", input: "hello!", maxWidth: 5, wantEll: true},
		{name: "long name", input: strings.Repeat("x", 50), maxWidth: 10, wantEll: true},
		{name: "zero width", input: "abc", maxWidth: 0, wantEll: false},
		{name: "empty input", input: "", maxWidth: 10, wantEll: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := truncateName(tt.input, tt.maxWidth)
			if tt.wantEll {
				assert.Contains(t, result, "…", "expected ellipsis in truncated name")
				assert.LessOrEqual(t, lipgloss.Width(result), tt.maxWidth,
					"truncated name must fit within maxWidth")
			} else {
				assert.NotContains(t, result, "…")
			}
		})
	}
}

// ---- PhaseProgressSection ----

func TestNewPhaseProgressSection_ZeroValues(t *testing.T) {
	t.Parallel()
	pp := NewPhaseProgressSection(DefaultTheme())
	assert.Equal(t, 0, pp.totalPhases)
	assert.Equal(t, 0, pp.completedPhases)
	assert.Equal(t, "", pp.currentPhase)
	assert.Equal(t, 0, pp.percent)
	assert.Equal(t, 0, pp.iters)
}

func TestPhaseProgressSection_SetTotals(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name            string
		totalPhases     int
		wantTotalPhases int
	}{
		{name: "positive value", totalPhases: 5, wantTotalPhases: 5},
		{name: "zero value", totalPhases: 0, wantTotalPhases: 0},
		{name: "negative clamped", totalPhases: -3, wantTotalPhases: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pp := NewPhaseProgressSection(DefaultTheme())
			pp.SetTotals(tt.totalPhases)
			assert.Equal(t, tt.wantTotalPhases, pp.totalPhases)
		})
	}
}

func TestPhaseProgressSection_Update_PhaseStarted_Resets(t *testing.T) {
	t.Parallel()
	pp := NewPhaseProgressSection(DefaultTheme())
	pp.percent = 80
	pp.iters = 4
	pp = pp.Update(eventbus.Event{Kind: eventbus.KindPhaseStarted, Phase: "02"})
	assert.Equal(t, "02", pp.currentPhase)
	assert.Equal(t, 0, pp.percent)
	assert.Equal(t, 0, pp.iters)
}

func TestPhaseProgressSection_Update_PhaseProgress(t *testing.T) {
	t.Parallel()
	pp := NewPhaseProgressSection(DefaultTheme())
	pp = pp.Update(eventbus.Event{Kind: eventbus.KindPhaseProgress, Phase: "02", Percent: 40, Iters: 2})
	assert.Equal(t, "02", pp.currentPhase)
	assert.Equal(t, 40, pp.percent)
	assert.Equal(t, 2, pp.iters)
}

func TestPhaseProgressSection_Update_PhaseCompleted_Increments(t *testing.T) {
	t.Parallel()
	pp := NewPhaseProgressSection(DefaultTheme())
	pp.SetTotals(3)
	for i := 0; i < 2; i++ {
		pp = pp.Update(eventbus.Event{Kind: eventbus.KindPhaseCompleted, Phase: fmt.Sprintf("%02d", i)})
	}
	assert.Equal(t, 2, pp.completedPhases)
	assert.Equal(t, 100, pp.percent)
}

func TestPhaseProgressSection_Update_DagCompleted_SnapsTo100(t *testing.T) {
	t.Parallel()
	pp := NewPhaseProgressSection(DefaultTheme())
	pp.percent = 50
	pp = pp.Update(eventbus.Event{Kind: eventbus.KindDagCompleted})
	assert.Equal(t, 100, pp.percent)
}

func TestPhaseProgressSection_Update_UnhandledKind_NoChange(t *testing.T) {
	t.Parallel()
	pp := NewPhaseProgressSection(DefaultTheme())
	pp.percent = 25
	pp = pp.Update(eventbus.Event{Kind: eventbus.KindBridgeBranchCreated})
	assert.Equal(t, 25, pp.percent, "unhandled kind must not change percent")
}

func TestPhaseProgressSection_View_NoPhases_ShowsPlaceholder(t *testing.T) {
	t.Parallel()
	pp := NewPhaseProgressSection(DefaultTheme())
	view := stripANSISidebar(pp.View(30))
	assert.Contains(t, view, "No phases")
	assert.Contains(t, view, "Phase: --")
}

func TestPhaseProgressSection_View_WithPhases_ShowsBar(t *testing.T) {
	t.Parallel()
	pp := NewPhaseProgressSection(DefaultTheme())
	pp.SetTotals(5)
	pp = pp.Update(eventbus.Event{Kind: eventbus.KindPhaseCompleted, Phase: "01"})
	pp = pp.Update(eventbus.Event{Kind: eventbus.KindPhaseCompleted, Phase: "02"})
	view := stripANSISidebar(pp.View(30))
	assert.Contains(t, view, "Phases")
	assert.Contains(t, view, "2/5 done")
}

func TestPhaseProgressSection_View_CurrentPhase_ShowsPercentAndIters(t *testing.T) {
	t.Parallel()
	pp := NewPhaseProgressSection(DefaultTheme())
	pp = pp.Update(eventbus.Event{Kind: eventbus.KindPhaseProgress, Phase: "02", Percent: 40, Iters: 3})
	view := stripANSISidebar(pp.View(30))
	assert.Contains(t, view, "Phase: 02")
	assert.Contains(t, view, "40%")
	assert.Contains(t, view, "3 iters")
}

func TestPhaseProgressSection_View_ZeroWidth_NoPanic(t *testing.T) {
	t.Parallel()
	pp := NewPhaseProgressSection(DefaultTheme())
	pp = pp.Update(eventbus.Event{Kind: eventbus.KindPhaseProgress, Phase: "02", Percent: 10, Iters: 1})
	assert.NotPanics(t, func() {
		_ = pp.View(0)
	})
}

// ---- SidebarModel: SetTotals ----

func TestSidebarModel_SetTotals_Delegates(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 40)
	m.SetTotals(8)
	assert.Equal(t, 8, m.progress.totalPhases)
}

func TestSidebarModel_View_PhaseProgressRendered(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 40)
	m.SetTotals(5)
	m, _ = applySidebarMsg(m, eventbus.Event{Kind: eventbus.KindPhaseProgress, Phase: "02", Percent: 40, Iters: 2})
	view := stripANSISidebar(m.View())
	assert.Contains(t, view, "Phase: 02", "phase header must appear in sidebar view")
	assert.Contains(t, view, "40%", "percent must appear in sidebar view")
}

// ---- Integration: sequence of messages ----

func TestSidebarModel_Integration_SequentialMessages(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)

	// Add three phases.
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "01", "step-1"))
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "02", ""))
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "03", "T-007"))

	require.Len(t, m.phases, 3)

	// Transition phase 02 to completed.
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseCompleted, "02", "step-2"))
	assert.Equal(t, PhaseCompleted, m.phases[1].Status)

	// Navigate to phase 03.
	m, _ = applySidebarMsg(m, tea.KeyMsg{Type: tea.KeyDown})
	m, _ = applySidebarMsg(m, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, "03", m.SelectedPhase())

	// View should contain all three IDs.
	view := stripANSISidebar(m.View())
	assert.Contains(t, view, "01")
	assert.Contains(t, view, "02")
	assert.Contains(t, view, "03")
}

func TestSidebarModel_Integration_FocusToggle(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "01", ""))
	m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "02", ""))

	// Lose focus → navigation should do nothing.
	m, _ = applySidebarMsg(m, FocusChangedMsg{Panel: FocusAgentPanel})
	before := m.selectedIdx
	m, _ = applySidebarMsg(m, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, before, m.selectedIdx)

	// Regain focus → navigation should work.
	m, _ = applySidebarMsg(m, FocusChangedMsg{Panel: FocusSidebar})
	m, _ = applySidebarMsg(m, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, m.selectedIdx)
}

func TestSidebarModel_Integration_DuplicateEvents_Idempotent(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 20)
	for i := 0; i < 5; i++ {
		m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, "01", ""))
	}
	assert.Len(t, m.phases, 1, "duplicate events must not add multiple entries")
}

func TestSidebarModel_Integration_DagProgression(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 35, 50)
	m.SetTotals(3)

	for _, id := range []string{"01", "02", "03"} {
		m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseStarted, id, ""))
		m, _ = applySidebarMsg(m, eventbus.Event{Kind: eventbus.KindPhaseProgress, Phase: id, Percent: 100, Iters: 2})
		m, _ = applySidebarMsg(m, phaseEvent(eventbus.KindPhaseCompleted, id, ""))
	}

	assert.Equal(t, 3, m.progress.completedPhases)
	for _, entry := range m.phases {
		assert.Equal(t, PhaseCompleted, entry.Status)
	}

	m, _ = applySidebarMsg(m, eventbus.Event{Kind: eventbus.KindDagCompleted})
	view := stripANSISidebar(m.View())
	assert.Contains(t, view, "3/3 done")
}

func TestSidebarModel_View_ProgressSectionHeader_AlwaysPresent(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 30, 40)
	view := stripANSISidebar(m.View())
	assert.Contains(t, view, "PROGRESS",
		"PROGRESS section header must always be rendered in the sidebar view")
}

func TestSidebarModel_View_BarWidth_ConstrainedToSidebarWidth(t *testing.T) {
	t.Parallel()
	m := makeSidebar(t, 28, 50)
	m.SetTotals(3)
	m, _ = applySidebarMsg(m, eventbus.Event{Kind: eventbus.KindPhaseProgress, Phase: "01", Percent: 50, Iters: 2})

	view := m.View()
	for i, line := range strings.Split(view, "\n") {
		stripped := stripANSISidebar(line)
		assert.LessOrEqual(t, lipgloss.Width(stripped), 28,
			"line %d exceeds sidebar width: %q", i, stripped)
	}
}

// ---- Benchmark ----

func BenchmarkPhaseProgressSection_View(b *testing.B) {
	pp := NewPhaseProgressSection(DefaultTheme())
	pp.SetTotals(5)
	pp = pp.Update(eventbus.Event{Kind: eventbus.KindPhaseProgress, Phase: "03", Percent: 60, Iters: 4})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pp.View(40)
	}
}

func BenchmarkSidebarModel_View_WithProgress(b *testing.B) {
	m := NewSidebarModel(DefaultTheme())
	m.SetDimensions(35, 40)
	m.SetFocused(true)
	m.SetTotals(5)
	m.progress = m.progress.Update(eventbus.Event{Kind: eventbus.KindPhaseProgress, Phase: "02", Percent: 40, Iters: 2})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.View()
	}
}
