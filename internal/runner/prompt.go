package runner

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/jdsingh122918/forge/internal/compactor"
	"github.com/jdsingh122918/forge/internal/phase"
)

// basePromptTemplate uses [[ and ]] delimiters, the same convention the
// implementation loop's templates use, to avoid colliding with {{ }} that
// commonly appears inside phase descriptions and JSON payloads.
const basePromptTemplate = `You are driving phase [[.Number]]: [[.Name]].

## Goal

[[.Goal]]

## Phase Description

[[.Description]]
[[if .Skills]]
## Injected Skills

[[range .Skills]]- [[.]]
[[end]][[end]]
## Prior Iterations

[[if .History]][[.History]][[else]]None yet -- this is the first iteration.[[end]]
[[if .BlockerOrPivot]]
## Latest Blocker or Pivot

[[.BlockerOrPivot]]
[[end]]
## Instructions

Emit <promise>[[.PromiseToken]]</promise> once this phase's goal is fully met.
Emit <progress>N</progress> with your completion percentage as you work.
If you are stuck, emit <blocker>reason</blocker>. If you are changing
approach, emit <pivot>reason</pivot>. If this phase is too large for the
remaining iteration budget, emit <request-decomposition/> or
<spawn_subphase>{"name":"...","promise":"...","budget":N}</spawn_subphase>.
`

var basePrompt = template.Must(template.New("iteration").Delims("[[", "]]").Parse(basePromptTemplate))

// promptData is the substitution set for basePromptTemplate.
type promptData struct {
	Number         string
	Name           string
	Description    string
	Goal           string
	Skills         []string
	History        string
	BlockerOrPivot string
	PromiseToken   string
}

// buildPrompt renders the iteration prompt from the phase descriptor, the
// run goal, the accumulated compaction records (prior-iteration summaries),
// and the latest Blocker or Pivot text.
func buildPrompt(ph phase.Phase, goal string, records []compactor.Record, blockerOrPivot string) (string, error) {
	data := promptData{
		Number:         ph.Number,
		Name:           ph.Name,
		Description:    ph.Description,
		Goal:           goal,
		Skills:         ph.Skills,
		History:        renderHistory(records),
		BlockerOrPivot: blockerOrPivot,
		PromiseToken:   ph.PromiseToken,
	}

	var buf bytes.Buffer
	if err := basePrompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering iteration prompt: %w", err)
	}
	return buf.String(), nil
}

// renderHistory summarizes prior iterations as one line per record: a
// compaction summary record renders its RawOutput verbatim (it already is a
// summary); an un-compacted record renders its progress percent.
func renderHistory(records []compactor.Record) string {
	if len(records) == 0 {
		return ""
	}
	lines := make([]string, 0, len(records))
	for _, r := range records {
		if r.Prompt == "" {
			// A record with no recorded Prompt is a compaction summary
			// record, not a real iteration; render its RawOutput verbatim.
			lines = append(lines, fmt.Sprintf("- iteration %d summary: %s", r.Sequence, r.RawOutput))
			continue
		}
		line := fmt.Sprintf("- iteration %d", r.Sequence)
		if r.Progress >= 0 {
			line += fmt.Sprintf(": %d%% complete", r.Progress)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
