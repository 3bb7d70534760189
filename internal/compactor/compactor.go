package compactor

import (
	"fmt"
	"sort"
	"strings"
)

// charsPerToken is the heuristic divisor used to turn raw output character
// counts into a token estimate. No tokenizer library is wired here; see
// DESIGN.md for why a heuristic matches the rest of the corpus's treatment
// of token counts as incidental, not precisely computed, data.
const charsPerToken = 4

// defaultThresholdFraction is the fraction of the token window at which
// compaction triggers by default.
const defaultThresholdFraction = 0.85

// Record is one iteration's contribution to a phase's running context.
// Goal, Progress, BlockerOrPivot, and ChangedFiles are exactly the fields
// a compaction summary needs to retain; Prompt and RawOutput are
// what compaction discards.
type Record struct {
	Sequence       int
	Prompt         string
	RawOutput      string
	Progress       int // -1 if no <progress> signal this iteration
	BlockerOrPivot string
	ChangedFiles   []string
}

// Tracker accumulates a running token estimate across iterations and
// decides when the Context Budget threshold has been crossed.
type Tracker struct {
	// TokenWindow is the LLM's context window size, in tokens.
	TokenWindow int

	// ThresholdFraction is context_limit from forge.toml, e.g. 0.85 for
	// "85%". Zero means defaultThresholdFraction.
	ThresholdFraction float64

	estimate int
}

// NewTracker builds a Tracker for the given window size and threshold
// fraction (0 selects the default).
func NewTracker(tokenWindow int, thresholdFraction float64) *Tracker {
	if thresholdFraction <= 0 {
		thresholdFraction = defaultThresholdFraction
	}
	return &Tracker{TokenWindow: tokenWindow, ThresholdFraction: thresholdFraction}
}

// Observe folds one iteration's raw output into the running estimate and
// returns the updated total.
func (t *Tracker) Observe(rawOutput string) int {
	t.estimate += len(rawOutput) / charsPerToken
	return t.estimate
}

// Estimate returns the current running token estimate.
func (t *Tracker) Estimate() int {
	return t.estimate
}

// ShouldCompact reports whether the running estimate has crossed
// ThresholdFraction of TokenWindow.
func (t *Tracker) ShouldCompact() bool {
	return float64(t.estimate) >= t.ThresholdFraction*float64(t.TokenWindow)
}

// Reset zeroes the running estimate, called after Compact replaces history
// with a summary so accounting restarts from the surviving tail.
func (t *Tracker) Reset(newEstimate int) {
	t.estimate = newEstimate
}

// Compact replaces all but the last two records with a single synthetic
// summary record. It returns the new record slice (summary +
// surviving tail) and the summary text. Panics are avoided by no-op'ing
// when there are fewer than 3 records to begin with.
func Compact(records []Record, goal string) ([]Record, string) {
	if len(records) < 3 {
		return records, ""
	}

	toSummarize := records[:len(records)-2]
	tail := records[len(records)-2:]

	summary := buildSummary(goal, toSummarize)
	summaryRecord := Record{
		Sequence:  toSummarize[len(toSummarize)-1].Sequence,
		RawOutput: summary,
		Progress:  -1,
	}

	out := make([]Record, 0, 1+len(tail))
	out = append(out, summaryRecord)
	out = append(out, tail...)
	return out, summary
}

// buildSummary synthesizes the compaction summary text, retaining the
// phase goal, the last observed Progress percent, the latest Blocker or
// Pivot text, and the union of changed files -- and nothing else: LLM
// exploratory reasoning and superseded attempts are discarded.
func buildSummary(goal string, records []Record) string {
	lastProgress := -1
	lastBlockerOrPivot := ""
	changed := map[string]bool{}

	for _, r := range records {
		if r.Progress >= 0 {
			lastProgress = r.Progress
		}
		if r.BlockerOrPivot != "" {
			lastBlockerOrPivot = r.BlockerOrPivot
		}
		for _, f := range r.ChangedFiles {
			changed[f] = true
		}
	}

	files := make([]string, 0, len(changed))
	for f := range changed {
		files = append(files, f)
	}
	sort.Strings(files)

	var b strings.Builder
	fmt.Fprintf(&b, "goal: %s", goal)
	if lastProgress >= 0 {
		fmt.Fprintf(&b, "; progress: %d%%", lastProgress)
	}
	if lastBlockerOrPivot != "" {
		fmt.Fprintf(&b, "; blocker_or_pivot: %s", lastBlockerOrPivot)
	}
	if len(files) > 0 {
		fmt.Fprintf(&b, "; changed_files: %s", strings.Join(files, ", "))
	}
	return b.String()
}
