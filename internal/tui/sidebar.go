package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jdsingh122918/forge/internal/eventbus"
)

// ---------------------------------------------------------------------------
// PhaseStatus
// ---------------------------------------------------------------------------

// PhaseStatus represents the lifecycle state of a DAG phase node for display
// purposes in the sidebar.
type PhaseStatus int

const (
	// PhasePending means the node is known (from a DagCompleted-less run) but
	// has not yet been dispatched by the scheduler.
	PhasePending PhaseStatus = iota
	// PhaseRunning means the Iteration Runner is actively working the node.
	PhaseRunning
	// PhaseReviewing means the node has finished its iterations and is in the
	// review gate.
	PhaseReviewing
	// PhaseCompleted means the node passed review and the scheduler marked it
	// done.
	PhaseCompleted
	// PhaseFailed means the node exhausted its budget or the review gate
	// rejected it past the retry limit.
	PhaseFailed
	// PhaseSkipped means the scheduler skipped the node (failed dependency).
	PhaseSkipped
)

// phaseStatusStrings maps each PhaseStatus constant to its string label.
var phaseStatusStrings = []string{
	"pending",
	"running",
	"reviewing",
	"completed",
	"failed",
	"skipped",
}

// String returns a human-readable label for the PhaseStatus.
// Returns "unknown" for values outside the defined range.
func (s PhaseStatus) String() string {
	if int(s) < 0 || int(s) >= len(phaseStatusStrings) {
		return "unknown"
	}
	return phaseStatusStrings[s]
}

// phaseStatusFromKind maps an eventbus.Kind to a PhaseStatus. Kinds that
// don't carry a terminal or review transition (e.g. KindPhaseCompacted,
// KindSubphaseSpawned) leave the node Running.
func phaseStatusFromKind(k eventbus.Kind) PhaseStatus {
	switch k {
	case eventbus.KindPhaseCompleted:
		return PhaseCompleted
	case eventbus.KindPhaseFailed:
		return PhaseFailed
	case eventbus.KindPhaseSkipped:
		return PhaseSkipped
	case eventbus.KindReviewStarted:
		return PhaseReviewing
	default:
		return PhaseRunning
	}
}

// ---------------------------------------------------------------------------
// PhaseEntry
// ---------------------------------------------------------------------------

// PhaseEntry holds the display data for a single DAG node rendered in the
// sidebar phase list.
type PhaseEntry struct {
	// ID is the phase identifier (e.g. "02" or "02.1" for a decomposed
	// subphase), used as the deduplication key.
	ID string
	// Status is the current lifecycle state.
	Status PhaseStatus
	// StartedAt records when the node was first observed.
	StartedAt time.Time
	// Detail is optional context such as the event's Message or Reason.
	Detail string
	// Wave is the dependency wave the node was dispatched in.
	Wave int
}

// ---------------------------------------------------------------------------
// PhaseProgressSection
// ---------------------------------------------------------------------------

// PhaseProgressSection tracks DAG-wide and current-phase completion for the
// sidebar. It is a value type; all mutations return a new copy, consistent
// with the Bubble Tea Elm-architecture pattern used throughout the TUI
// package.
type PhaseProgressSection struct {
	theme Theme

	totalPhases     int
	completedPhases int

	currentPhase string
	percent      int
	iters        int
}

// NewPhaseProgressSection creates a PhaseProgressSection with the given theme
// and zero-initialised counters.
func NewPhaseProgressSection(theme Theme) PhaseProgressSection {
	return PhaseProgressSection{theme: theme}
}

// SetTotals initialises the total number of DAG nodes. Negative values are
// treated as zero.
func (pp *PhaseProgressSection) SetTotals(totalPhases int) {
	if totalPhases < 0 {
		totalPhases = 0
	}
	pp.totalPhases = totalPhases
}

// Update processes an eventbus.Event and returns the updated section.
//
//	KindPhaseStarted   — sets currentPhase, resets percent/iters.
//	KindPhaseProgress  — updates currentPhase, percent, and iters.
//	KindPhaseCompleted — increments completedPhases.
//	KindDagCompleted   — snaps percent to 100.
func (pp PhaseProgressSection) Update(ev eventbus.Event) PhaseProgressSection {
	switch ev.Kind {
	case eventbus.KindPhaseStarted:
		pp.currentPhase = ev.Phase
		pp.percent = 0
		pp.iters = 0

	case eventbus.KindPhaseProgress:
		pp.currentPhase = ev.Phase
		pp.percent = ev.Percent
		pp.iters = ev.Iters

	case eventbus.KindPhaseCompleted:
		pp.completedPhases++
		pp.percent = 100

	case eventbus.KindDagCompleted:
		pp.percent = 100

	default:
	}

	return pp
}

// View renders the phase progress section as a string constrained to width
// columns. It renders two sub-sections:
//
//  1. Overall DAG progress   (header "Phases", bar, "N/M done")
//  2. Current phase progress (header "Phase: {id}", bar, percentage, iters)
func (pp PhaseProgressSection) View(width int) string {
	var sb strings.Builder

	sb.WriteString(pp.theme.SidebarTitle.Render("Phases"))
	sb.WriteString("\n")

	if pp.totalPhases == 0 {
		sb.WriteString(pp.theme.SidebarItem.Render("No phases"))
		sb.WriteString("\n")
	} else {
		completed := pp.completedPhases
		if completed > pp.totalPhases {
			completed = pp.totalPhases
		}
		fraction := float64(completed) / float64(pp.totalPhases)

		barWidth := width - 2
		if barWidth < 1 {
			barWidth = 1
		}

		sb.WriteString(pp.theme.ProgressBar(fraction, barWidth))
		sb.WriteString("\n")
		sb.WriteString(pp.theme.ProgressLabel.Render(fmt.Sprintf("%d/%d done", completed, pp.totalPhases)))
		sb.WriteString("\n")
	}

	sb.WriteString("\n")

	header := fmt.Sprintf("Phase: %s", pp.currentPhase)
	if pp.currentPhase == "" {
		header = "Phase: --"
	}
	sb.WriteString(pp.theme.SidebarTitle.Render(header))
	sb.WriteString("\n")

	barWidth := width - 2
	if barWidth < 1 {
		barWidth = 1
	}
	fraction := float64(pp.percent) / 100
	sb.WriteString(pp.theme.ProgressBar(fraction, barWidth))
	sb.WriteString("\n")
	sb.WriteString(pp.theme.ProgressPercent.Render(fmt.Sprintf("%d%% (%d iters)", pp.percent, pp.iters)))
	sb.WriteString("\n")

	return sb.String()
}

// ---------------------------------------------------------------------------
// ProviderRateLimit
// ---------------------------------------------------------------------------

// ProviderRateLimit tracks the rate-limit state for a single provider.
// It is a value type used inside RateLimitSection.
type ProviderRateLimit struct {
	// Provider is the AI provider name (e.g. "anthropic", "openai").
	Provider string
	// Agent is the agent name that hit the rate limit (e.g. "claude").
	Agent string
	// ResetAt is the absolute time at which the rate limit is expected to clear.
	ResetAt time.Time
	// Remaining is the time left until the rate limit clears, recalculated on
	// each TickMsg using time.Until(ResetAt).
	Remaining time.Duration
	// Active is true while the countdown is running (Remaining > 0).
	Active bool
}

// ---------------------------------------------------------------------------
// RateLimitSection
// ---------------------------------------------------------------------------

// RateLimitSection renders the rate-limit status display in the sidebar.
// It tracks per-provider state and drives a per-second countdown timer via
// TickCmd. It is a value type consistent with Bubble Tea's Elm architecture.
type RateLimitSection struct {
	theme Theme
	// providers maps provider name → rate-limit state.
	providers map[string]*ProviderRateLimit
	// order holds provider names in stable insertion order for rendering.
	order []string
}

// NewRateLimitSection creates a RateLimitSection initialised with the given
// theme and an empty provider map.
func NewRateLimitSection(theme Theme) RateLimitSection {
	return RateLimitSection{
		theme:     theme,
		providers: make(map[string]*ProviderRateLimit),
	}
}

// Update handles RateLimitMsg and TickMsg messages and returns the updated
// section together with a follow-up command.
//
//   - RateLimitMsg: registers or updates the named provider's reset time, marks
//     it Active, and returns TickCmd(time.Second) to start the countdown.
//   - TickMsg: recalculates Remaining = time.Until(ResetAt) for every provider
//     and clears Active when Remaining has reached zero. Returns TickCmd if any
//     provider is still active; nil otherwise.
func (rl RateLimitSection) Update(msg tea.Msg) (RateLimitSection, tea.Cmd) {
	switch msg := msg.(type) {
	case RateLimitMsg:
		rl = rl.applyRateLimitMsg(msg)
		return rl, TickCmd(time.Second)

	case TickMsg:
		_ = msg // tick time not needed; Remaining is recalculated via time.Until(ResetAt)
		rl = rl.tick()
		if rl.HasActiveLimit() {
			return rl, TickCmd(time.Second)
		}
		return rl, nil
	}

	return rl, nil
}

// applyRateLimitMsg updates (or inserts) the provider entry from a RateLimitMsg.
// It copies the providers map and order slice to honour value-receiver semantics.
func (rl RateLimitSection) applyRateLimitMsg(msg RateLimitMsg) RateLimitSection {
	key := msg.Provider
	if key == "" {
		key = msg.Agent
	}

	// Determine ResetAt: prefer the explicit ResetAt if non-zero; otherwise
	// derive from ResetAfter relative to the message timestamp.
	resetAt := msg.ResetAt
	if resetAt.IsZero() {
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		resetAt = ts.Add(msg.ResetAfter)
	}

	remaining := time.Until(resetAt)
	if remaining < 0 {
		remaining = 0
	}

	// Copy providers map for immutability.
	newProviders := make(map[string]*ProviderRateLimit, len(rl.providers))
	for k, v := range rl.providers {
		cp := *v
		newProviders[k] = &cp
	}

	newOrder := rl.order
	if _, exists := newProviders[key]; !exists {
		// Append to order only for new providers; copy the slice first.
		newOrder = make([]string, len(rl.order)+1)
		copy(newOrder, rl.order)
		newOrder[len(rl.order)] = key
	}

	newProviders[key] = &ProviderRateLimit{
		Provider:  msg.Provider,
		Agent:     msg.Agent,
		ResetAt:   resetAt,
		Remaining: remaining,
		Active:    true,
	}

	rl.providers = newProviders
	rl.order = newOrder
	return rl
}

// tick recalculates Remaining for every provider and deactivates expired ones.
func (rl RateLimitSection) tick() RateLimitSection {
	if len(rl.providers) == 0 {
		return rl
	}

	newProviders := make(map[string]*ProviderRateLimit, len(rl.providers))
	for k, v := range rl.providers {
		cp := *v
		if cp.Active {
			cp.Remaining = time.Until(cp.ResetAt)
			if cp.Remaining <= 0 {
				cp.Remaining = 0
				cp.Active = false
			}
		}
		newProviders[k] = &cp
	}

	rl.providers = newProviders
	return rl
}

// HasActiveLimit returns true when at least one provider currently has Active == true.
func (rl RateLimitSection) HasActiveLimit() bool {
	for _, prl := range rl.providers {
		if prl.Active {
			return true
		}
	}
	return false
}

// View renders the "Rate Limits" section header followed by one line per known
// provider. Lines are truncated to fit within width columns.
//
// Format per provider:
//   - No active limit: "{name}: OK"
//   - Active limit:    "{name}: WAIT M:SS"
//
// When no providers are known, a placeholder "No limits" line is shown instead.
func (rl RateLimitSection) View(width int) string {
	var sb strings.Builder

	sb.WriteString(rl.theme.SidebarTitle.Render("Rate Limits"))
	sb.WriteString("\n")

	if len(rl.order) == 0 {
		sb.WriteString(rl.theme.SidebarItem.Render("No limits"))
		sb.WriteString("\n")
		return sb.String()
	}

	for _, key := range rl.order {
		prl, ok := rl.providers[key]
		if !ok {
			continue
		}

		name := prl.Provider
		if name == "" {
			name = prl.Agent
		}
		if name == "" {
			name = key
		}

		var line string
		if prl.Active {
			countdown := formatCountdown(prl.Remaining)
			suffix := ": " + rl.theme.StatusWaiting.Render("WAIT "+countdown)
			if width > 0 {
				// Reserve width for the suffix before truncating the name.
				suffixWidth := lipgloss.Width(": WAIT " + countdown)
				nameAllowed := width - suffixWidth
				if nameAllowed < 1 {
					nameAllowed = 1
				}
				line = truncateName(name, nameAllowed) + suffix
			} else {
				line = name + suffix
			}
		} else {
			suffix := ": " + rl.theme.StatusCompleted.Render("OK")
			if width > 0 {
				suffixWidth := lipgloss.Width(": OK")
				nameAllowed := width - suffixWidth
				if nameAllowed < 1 {
					nameAllowed = 1
				}
				line = truncateName(name, nameAllowed) + suffix
			} else {
				line = name + suffix
			}
		}

		sb.WriteString(rl.theme.SidebarItem.Render(line))
		sb.WriteString("\n")
	}

	return sb.String()
}

// formatCountdown formats a duration as "M:SS" (under 1 hour) or "H:MM:SS"
// (1 hour or more). Negative durations return "0:00".
func formatCountdown(d time.Duration) string {
	if d <= 0 {
		return "0:00"
	}

	totalSec := int(d.Seconds())
	h := totalSec / 3600
	m := (totalSec % 3600) / 60
	s := totalSec % 60

	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// ---------------------------------------------------------------------------
// SidebarModel
// ---------------------------------------------------------------------------

// SidebarModel is the Bubble Tea sub-model for the sidebar panel.
// It maintains the DAG phase list, the phase progress section, and the
// rate-limit status section.
//
// Update returns (SidebarModel, tea.Cmd) — not (tea.Model, tea.Cmd) — so the
// parent App must store the returned value in its own sidebar field.
type SidebarModel struct {
	theme  Theme
	width  int
	height int

	// focused indicates whether the sidebar currently holds keyboard focus.
	focused bool

	// phases is the ordered list of tracked DAG nodes.
	phases []PhaseEntry
	// phaseIndex maps PhaseEntry.ID → slice index for O(1) dedup.
	phaseIndex map[string]int
	// selectedIdx is the index of the currently highlighted phase.
	selectedIdx int
	// scrollOffset is the first visible row index inside the phase list.
	scrollOffset int

	// progress tracks overall and current-phase completion.
	progress PhaseProgressSection

	// rateLimits holds the per-provider rate-limit countdown display.
	rateLimits RateLimitSection
}

// NewSidebarModel creates a SidebarModel with the given theme and an empty
// phase list. Dimensions default to zero until SetDimensions is called.
func NewSidebarModel(theme Theme) SidebarModel {
	return SidebarModel{
		theme:      theme,
		phaseIndex: make(map[string]int),
		progress:   NewPhaseProgressSection(theme),
		rateLimits: NewRateLimitSection(theme),
	}
}

// SetTotals initialises the total DAG node count shown in the progress
// section. It delegates to PhaseProgressSection.SetTotals.
func (m *SidebarModel) SetTotals(totalPhases int) {
	m.progress.SetTotals(totalPhases)
}

// SetDimensions updates the sidebar panel size. This should be called
// whenever the parent App processes a tea.WindowSizeMsg.
func (m *SidebarModel) SetDimensions(width, height int) {
	m.width = width
	m.height = height
}

// SetFocused sets whether the sidebar has keyboard focus. When focused is
// false, navigation key events are ignored.
func (m *SidebarModel) SetFocused(focused bool) {
	m.focused = focused
}

// SelectedPhase returns the ID of the currently selected phase, or an empty
// string when the phase list is empty.
func (m SidebarModel) SelectedPhase() string {
	if len(m.phases) == 0 {
		return ""
	}
	if m.selectedIdx < 0 || m.selectedIdx >= len(m.phases) {
		return ""
	}
	return m.phases[m.selectedIdx].ID
}

// ---------------------------------------------------------------------------
// Update
// ---------------------------------------------------------------------------

// Update processes incoming tea.Msg values and returns the updated model and
// any follow-up command.
//
// Handled messages:
//   - eventbus.Event  — adds or updates a phase in the list and feeds the
//     progress section
//   - RateLimitMsg    — registers or updates a provider rate-limit countdown
//   - TickMsg         — advances the rate-limit countdown timers
//   - FocusChangedMsg — updates the focused flag
//   - tea.KeyMsg      — j/k/up/down navigation when focused
func (m SidebarModel) Update(msg tea.Msg) (SidebarModel, tea.Cmd) {
	switch msg := msg.(type) {
	case eventbus.Event:
		m = m.handlePhaseEvent(msg)
		m.progress = m.progress.Update(msg)

	case RateLimitMsg:
		var cmd tea.Cmd
		m.rateLimits, cmd = m.rateLimits.Update(msg)
		return m, cmd

	case TickMsg:
		var cmd tea.Cmd
		m.rateLimits, cmd = m.rateLimits.Update(msg)
		return m, cmd

	case FocusChangedMsg:
		m.focused = msg.Panel == FocusSidebar

	case tea.KeyMsg:
		if m.focused {
			m = m.handleKeyMsg(msg)
		}
	}

	return m, nil
}

// handlePhaseEvent adds a new PhaseEntry or updates the status of an existing
// one. Event.Phase is used as the deduplication key. Events with no phase
// (e.g. KindDagCompleted) leave the list unchanged.
func (m SidebarModel) handlePhaseEvent(ev eventbus.Event) SidebarModel {
	id := ev.Phase
	if id == "" {
		return m
	}

	status := phaseStatusFromKind(ev.Kind)
	detail := ev.Message
	if detail == "" {
		detail = ev.Reason
	}

	if idx, exists := m.phaseIndex[id]; exists {
		updated := make([]PhaseEntry, len(m.phases))
		copy(updated, m.phases)
		updated[idx].Status = status
		updated[idx].Detail = detail
		updated[idx].Wave = ev.Wave
		m.phases = updated
	} else {
		entry := PhaseEntry{
			ID:        id,
			Status:    status,
			StartedAt: ev.Timestamp,
			Detail:    detail,
			Wave:      ev.Wave,
		}

		newIndex := make(map[string]int, len(m.phaseIndex)+1)
		for k, v := range m.phaseIndex {
			newIndex[k] = v
		}
		newIndex[id] = len(m.phases)
		m.phaseIndex = newIndex

		m.phases = append(m.phases, entry)
	}

	// A decomposed node spawns subphase entries of its own via later events;
	// the parent's own entry still reflects its own progress here.
	for _, child := range ev.Children {
		if _, exists := m.phaseIndex[child]; !exists {
			newIndex := make(map[string]int, len(m.phaseIndex)+1)
			for k, v := range m.phaseIndex {
				newIndex[k] = v
			}
			newIndex[child] = len(m.phases)
			m.phaseIndex = newIndex
			m.phases = append(m.phases, PhaseEntry{ID: child, Status: PhasePending, StartedAt: ev.Timestamp})
		}
	}

	return m
}

// handleKeyMsg processes navigation key events when the sidebar is focused.
func (m SidebarModel) handleKeyMsg(msg tea.KeyMsg) SidebarModel {
	n := len(m.phases)
	if n == 0 {
		return m
	}

	switch msg.Type {
	case tea.KeyRunes:
		switch string(msg.Runes) {
		case "j":
			m.selectedIdx = clampIdx(m.selectedIdx+1, n)
		case "k":
			m.selectedIdx = clampIdx(m.selectedIdx-1, n)
		}
	case tea.KeyDown:
		m.selectedIdx = clampIdx(m.selectedIdx+1, n)
	case tea.KeyUp:
		m.selectedIdx = clampIdx(m.selectedIdx-1, n)
	default:
	}

	m.scrollOffset = adjustScroll(m.scrollOffset, m.selectedIdx, m.listHeight())
	return m
}

// clampIdx clamps idx to [0, n-1].
func clampIdx(idx, n int) int {
	if idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}

// adjustScroll ensures the selected row is visible in the scroll window.
// It returns the updated scroll offset.
func adjustScroll(offset, selected, visible int) int {
	if visible <= 0 {
		return 0
	}
	if selected < offset {
		return selected
	}
	if selected >= offset+visible {
		return selected - visible + 1
	}
	return offset
}

// ---------------------------------------------------------------------------
// View helpers
// ---------------------------------------------------------------------------

// listHeight returns the number of rows available for phase entries inside
// the sidebar, accounting for the section header and separators.
func (m SidebarModel) listHeight() int {
	const headerRows = 2 // header line + margin-bottom blank line
	h := m.height - headerRows
	if h < 0 {
		return 0
	}
	return h
}

// phaseIndicator returns a styled Unicode symbol for the given PhaseStatus.
//
//	PhaseRunning   → "●"  (theme.StatusRunning)
//	PhaseReviewing → "◐"  (theme.StatusWaiting)
//	PhaseCompleted → "✓"  (theme.StatusCompleted)
//	PhaseFailed    → "✗"  (theme.StatusFailed)
//	PhaseSkipped   → "⊘"  (theme.StatusBlocked)
//	PhasePending   → "○"  (theme.StatusBlocked)
func (m SidebarModel) phaseIndicator(status PhaseStatus) string {
	switch status {
	case PhaseRunning:
		return m.theme.StatusRunning.Render("●")
	case PhaseReviewing:
		return m.theme.StatusWaiting.Render("◐")
	case PhaseCompleted:
		return m.theme.StatusCompleted.Render("✓")
	case PhaseFailed:
		return m.theme.StatusFailed.Render("✗")
	case PhaseSkipped:
		return m.theme.StatusBlocked.Render("⊘")
	default: // PhasePending and unknown values
		return m.theme.StatusBlocked.Render("○")
	}
}

// truncateName truncates name to fit within maxWidth visible columns.
// If the name is wider it is shortened and an ellipsis "…" (1 column wide) is
// appended. If maxWidth <= 0 an empty string is returned.
func truncateName(name string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	w := lipgloss.Width(name)
	if w <= maxWidth {
		return name
	}
	// Walk runes until we consume maxWidth-1 columns (leave room for "…").
	target := maxWidth - 1
	var sb strings.Builder
	col := 0
	for _, r := range name {
		rw := lipgloss.Width(string(r))
		if col+rw > target {
			break
		}
		sb.WriteRune(r)
		col += rw
	}
	sb.WriteString("…")
	return sb.String()
}

// phaseListView renders the phase list section (header + entries or
// placeholder). It does not apply the outer container style; that is handled
// by View().
func (m SidebarModel) phaseListView() string {
	var sb strings.Builder

	header := m.theme.SidebarTitle.Render("PHASES")
	sb.WriteString(header)
	sb.WriteString("\n")

	if len(m.phases) == 0 {
		placeholder := m.theme.SidebarItem.Render("No phases")
		sb.WriteString(placeholder)
		return sb.String()
	}

	visible := m.listHeight()
	if visible < 1 {
		visible = 1
	}

	start := m.scrollOffset
	end := start + visible
	if end > len(m.phases) {
		end = len(m.phases)
	}

	nameWidth := m.width - 2 // indicator + space
	if nameWidth < 1 {
		nameWidth = 1
	}

	for i := start; i < end; i++ {
		entry := m.phases[i]
		indicator := m.phaseIndicator(entry.Status)
		name := truncateName(entry.ID, nameWidth)
		line := indicator + " " + name

		if i == m.selectedIdx {
			if m.focused {
				sb.WriteString(m.theme.SidebarActive.Render(line))
			} else {
				sb.WriteString(m.theme.SidebarInactive.Render(line))
			}
		} else {
			sb.WriteString(m.theme.SidebarItem.Render(line))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// ---------------------------------------------------------------------------
// View
// ---------------------------------------------------------------------------

// View renders the full sidebar panel as a string sized to the configured
// width and height. Sections are stacked vertically:
//
//  1. Phase list
//  2. Separator
//  3. Agent activity
//  4. Separator
//  5. Rate limits
//  6. Separator
//  7. Phase progress
//  8. Padding rows to fill height
func (m SidebarModel) View() string {
	if m.width == 0 && m.height == 0 {
		return ""
	}

	var sb strings.Builder

	// Section 1: phase list.
	sb.WriteString(m.phaseListView())
	sb.WriteString("\n")

	// Section 2: agent activity placeholder.
	agentHeader := m.theme.SidebarTitle.Render("AGENTS")
	sb.WriteString(agentHeader)
	sb.WriteString("\n")
	sb.WriteString(m.theme.SidebarItem.Render("(agent activity)"))
	sb.WriteString("\n")
	sb.WriteString("\n")

	// Section 3: rate limits.
	sb.WriteString(m.rateLimits.View(m.width))
	sb.WriteString("\n")

	// Section 4: phase progress.
	progressHeader := m.theme.SidebarTitle.Render("PROGRESS")
	sb.WriteString(progressHeader)
	sb.WriteString("\n")
	sb.WriteString(m.progress.View(m.width))
	sb.WriteString("\n")

	content := sb.String()

	renderedLines := strings.Count(content, "\n")

	content = strings.TrimRight(content, "\n")

	remaining := m.height - renderedLines
	if remaining > 0 {
		content += strings.Repeat("\n", remaining)
	}

	if m.width > 0 {
		innerWidth := m.width - 1 // 1 for the right border character
		if innerWidth < 0 {
			innerWidth = 0
		}
		return m.theme.SidebarContainer.
			Width(innerWidth).
			Render(content)
	}

	return content
}
