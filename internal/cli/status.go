package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jdsingh122918/forge/internal/config"
	"github.com/jdsingh122918/forge/internal/phase"
	"github.com/jdsingh122918/forge/internal/runstate"
)

// statusFlags holds the flag values for the status command.
type statusFlags struct {
	PhasesFile  string // --phases-file, the DAG definition to report on
	RunStateLog string // --run-state-log, the append-only log to replay
	Phase       string // --phase <number>, empty means all phases
	JSON        bool   // --json for structured output
	Verbose     bool   // --verbose for dependency and signal details
}

// statusPhaseOutput is the JSON output type for a single phase.
type statusPhaseOutput struct {
	Number         string   `json:"number"`
	Name           string   `json:"name"`
	Status         string   `json:"status"`
	Wave           int      `json:"wave"`
	IterationsUsed int      `json:"iterations_used"`
	Budget         int      `json:"budget"`
	DependsOn      []string `json:"depends_on,omitempty"`
	LastEvent      string   `json:"last_event,omitempty"`
	LastEventAt    string   `json:"last_event_at,omitempty"`
	FailureReason  string   `json:"failure_reason,omitempty"`
}

// statusOutput is the top-level JSON output type for the status command.
type statusOutput struct {
	ProjectName string              `json:"project_name"`
	TotalPhases int                 `json:"total_phases"`
	Completed   int                 `json:"completed"`
	OverallPct  float64             `json:"overall_percent"`
	CurrentWave int                 `json:"current_wave"`
	Phases      []statusPhaseOutput `json:"phases"`
}

// newStatusCmd creates the "forge status" command.
func newStatusCmd() *cobra.Command {
	var flags statusFlags

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show phase DAG status with progress bars",
		Long: `Display the status of every phase in phases.json, replaying the
run-state log to recover each phase's last-known status, iteration count,
and failure reason.

Use --verbose to see dependency edges and the most recent signal per phase.
Use --json for structured output suitable for scripting.`,
		Example: `  # Show the whole graph
  forge status

  # Show only phase 05
  forge status --phase 05

  # Show dependency and signal detail
  forge status --verbose

  # Structured JSON output
  forge status --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, args, flags)
		},
	}

	cmd.Flags().StringVar(&flags.PhasesFile, "phases-file", "phases.json", "Path to the phases.json DAG definition")
	cmd.Flags().StringVar(&flags.RunStateLog, "run-state-log", ".forge/run-state.log", "Path to the append-only run-state log")
	cmd.Flags().StringVar(&flags.Phase, "phase", "", "Filter to a single phase number (empty = all phases)")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "Output structured JSON to stdout")
	cmd.Flags().BoolVar(&flags.Verbose, "verbose", false, "Show dependency edges and last-signal details per phase")

	return cmd
}

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

// runStatus is the command's RunE function. Loads phases.json, replays the
// run-state log to recover last-known status, and renders output.
func runStatus(cmd *cobra.Command, _ []string, flags statusFlags) error {
	resolved, _, err := loadAndResolveConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := resolved.Config

	phases, err := loadSpecPhases(flags.PhasesFile)
	if err != nil {
		return err
	}
	phases = config.ApplyDefaults(phases, cfg.Defaults)

	graph, err := phase.Build(phases)
	if err != nil {
		return fmt.Errorf("building phase graph from %q: %w", flags.PhasesFile, err)
	}

	entries, err := runstate.Read(flags.RunStateLog)
	if err != nil {
		return fmt.Errorf("reading run-state log: %w", err)
	}
	snapshot := buildPhaseSnapshots(graph, entries)

	if flags.Phase != "" {
		snap, ok := findSnapshot(snapshot, flags.Phase)
		if !ok {
			return fmt.Errorf("phase %q not found", flags.Phase)
		}
		snapshot = []phaseSnapshot{snap}
	}

	if flags.JSON {
		return renderStatusJSON(cmd.OutOrStdout(), cfg, snapshot)
	}

	out := cmd.ErrOrStderr()
	projectName := cfg.Project.Name
	if projectName == "" {
		projectName = "forge"
	}

	fmt.Fprintln(out, renderStatusSummary(snapshot, projectName))

	for _, snap := range snapshot {
		fmt.Fprintln(out, renderPhaseStatus(snap, flags.Verbose))
	}

	return nil
}

// phaseSnapshot merges a phase graph node with the last-observed event for
// that phase in the run-state log, so the command can report status
// without rebuilding a live Graph via the scheduler.
type phaseSnapshot struct {
	Number         string
	Name           string
	Status         phase.Status
	Wave           int
	Budget         int
	IterationsUsed int
	DependsOn      []string
	FailureReason  string
	LastEvent      runstate.Event
	LastEventAt    time.Time
}

// buildPhaseSnapshots derives a display status for every node in graph by
// replaying entries: a phase with no log entries keeps the graph's built-in
// Ready/Blocked status; a phase with entries reports the status implied by
// its most recent event.
func buildPhaseSnapshots(graph *phase.Graph, entries []runstate.Entry) []phaseSnapshot {
	iterCounts := make(map[string]int)
	lastEntry := make(map[string]runstate.Entry)
	for _, e := range entries {
		if e.Event == runstate.EventIter {
			iterCounts[e.Phase]++
		}
		lastEntry[e.Phase] = e
	}

	numbers := graph.Numbers()
	snapshots := make([]phaseSnapshot, 0, len(numbers))
	for _, num := range numbers {
		node := graph.Node(num)
		snap := phaseSnapshot{
			Number:         num,
			Name:           node.Phase.Name,
			Status:         node.Status,
			Wave:           node.Wave,
			Budget:         node.Phase.Budget,
			IterationsUsed: iterCounts[num],
			DependsOn:      node.Phase.DependsOn,
			FailureReason:  node.FailureReason,
		}
		if e, ok := lastEntry[num]; ok {
			snap.LastEvent = e.Event
			snap.LastEventAt = e.Timestamp
			snap.Status = statusFromEvent(e.Event, node.Status)
			if e.Event == runstate.EventFailed && snap.FailureReason == "" {
				snap.FailureReason = e.Payload
			}
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots
}

// statusFromEvent maps the most recent run-state log event for a phase to
// the display status it implies. fallback is the graph's static Build-time
// status, used for events that don't change displayed status (e.g. a
// subphase spawn mid-run leaves the parent running).
func statusFromEvent(e runstate.Event, fallback phase.Status) phase.Status {
	switch e {
	case runstate.EventStarted, runstate.EventIter, runstate.EventSubphaseSpawned, runstate.EventCompacted:
		return phase.StatusRunning
	case runstate.EventCompleted:
		return phase.StatusCompleted
	case runstate.EventFailed:
		return phase.StatusFailed
	case runstate.EventSkipped:
		return phase.StatusSkipped
	default:
		return fallback
	}
}

func findSnapshot(snapshots []phaseSnapshot, number string) (phaseSnapshot, bool) {
	for _, s := range snapshots {
		if s.Number == number {
			return s, true
		}
	}
	return phaseSnapshot{}, false
}

// renderStatusJSON serialises the phase snapshots to JSON and writes it to w.
func renderStatusJSON(w io.Writer, cfg *config.Config, snapshots []phaseSnapshot) error {
	phaseOutputs := make([]statusPhaseOutput, 0, len(snapshots))
	completed := 0
	for _, snap := range snapshots {
		if snap.Status == phase.StatusCompleted {
			completed++
		}
		po := statusPhaseOutput{
			Number:         snap.Number,
			Name:           snap.Name,
			Status:         string(snap.Status),
			Wave:           snap.Wave,
			IterationsUsed: snap.IterationsUsed,
			Budget:         snap.Budget,
			DependsOn:      snap.DependsOn,
			FailureReason:  snap.FailureReason,
		}
		if snap.LastEvent != "" {
			po.LastEvent = string(snap.LastEvent)
			po.LastEventAt = snap.LastEventAt.Format(time.RFC3339Nano)
		}
		phaseOutputs = append(phaseOutputs, po)
	}

	overallPct := 0.0
	if len(snapshots) > 0 {
		overallPct = float64(completed) / float64(len(snapshots)) * 100
	}

	out := statusOutput{
		ProjectName: cfg.Project.Name,
		TotalPhases: len(snapshots),
		Completed:   completed,
		OverallPct:  overallPct,
		CurrentWave: currentWave(snapshots),
		Phases:      phaseOutputs,
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// renderStatusSummary returns an overall project summary header string.
//
//	Forge Status - my-project
//	=====================================
//	Overall: 5/12 phases completed (41%)
//	Current Wave: 2
func renderStatusSummary(snapshots []phaseSnapshot, projectName string) string {
	completed := 0
	for _, snap := range snapshots {
		if snap.Status == phase.StatusCompleted {
			completed++
		}
	}

	overallPct := 0.0
	if len(snapshots) > 0 {
		overallPct = float64(completed) / float64(len(snapshots)) * 100
	}

	headerStyle := lipgloss.NewStyle().Bold(true)
	sepStyle := lipgloss.NewStyle()

	title := fmt.Sprintf("Forge Status - %s", projectName)
	sep := strings.Repeat("=", len(title))

	var sb strings.Builder
	sb.WriteString(headerStyle.Render(title))
	sb.WriteString("\n")
	sb.WriteString(sepStyle.Render(sep))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Overall: %d/%d phases completed (%.0f%%)", completed, len(snapshots), overallPct))
	sb.WriteString("\n")

	if wave := currentWave(snapshots); wave >= 0 {
		sb.WriteString(fmt.Sprintf("Current Wave: %d", wave))
		sb.WriteString("\n")
	}

	return sb.String()
}

// renderPhaseStatus returns a styled string for a single phase with a
// progress bar over its iteration budget, its status badge, and (when
// verbose) its dependency edges and most recent signal.
//
//	Phase 05: Core Implementation
//	████████████░░░░░░░░ running (3/8 iterations)
func renderPhaseStatus(snap phaseSnapshot, verbose bool) string {
	const progressBarWidth = 40

	phaseStyle := lipgloss.NewStyle().Bold(true)
	statusStyle := statusBadgeStyle(snap.Status)

	pct := 0.0
	if snap.Budget > 0 {
		pct = float64(snap.IterationsUsed) / float64(snap.Budget)
		if pct > 1 {
			pct = 1
		}
	}

	header := phaseStyle.Render(fmt.Sprintf("Phase %s: %s", snap.Number, snap.Name))

	bar := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(progressBarWidth),
		progress.WithoutPercentage(),
	)
	barStr := bar.ViewAs(pct)

	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("\n")
	sb.WriteString(barStr)
	sb.WriteString(" ")
	sb.WriteString(statusStyle.Render(string(snap.Status)))
	sb.WriteString(fmt.Sprintf(" (%d/%d iterations)", snap.IterationsUsed, snap.Budget))
	sb.WriteString("\n")

	if snap.FailureReason != "" {
		sb.WriteString(fmt.Sprintf("  failure: %s\n", snap.FailureReason))
	}

	if verbose {
		if len(snap.DependsOn) > 0 {
			sb.WriteString(fmt.Sprintf("  depends on: %s\n", strings.Join(snap.DependsOn, ", ")))
		}
		if snap.LastEvent != "" {
			sb.WriteString(fmt.Sprintf("  last signal: %s at %s\n", snap.LastEvent, snap.LastEventAt.Format(time.RFC3339)))
		}
	}

	return sb.String()
}

// statusBadgeStyle returns a lipgloss style color-coding a phase status for
// terminal display.
func statusBadgeStyle(s phase.Status) lipgloss.Style {
	switch s {
	case phase.StatusCompleted:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	case phase.StatusRunning, phase.StatusReady:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	case phase.StatusFailed:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("9")) // red
	case phase.StatusSkipped, phase.StatusCancelled:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("8")) // dark gray
	default: // Blocked, Pending
		return lipgloss.NewStyle()
	}
}

// currentWave returns the lowest Wave containing a phase that is not yet
// terminal, or -1 if every phase is terminal.
func currentWave(snapshots []phaseSnapshot) int {
	sorted := make([]phaseSnapshot, len(snapshots))
	copy(sorted, snapshots)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Wave < sorted[j].Wave
	})
	for _, snap := range sorted {
		if !snap.Status.Terminal() {
			return snap.Wave
		}
	}
	return -1
}
