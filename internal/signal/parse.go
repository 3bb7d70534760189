package signal

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
)

var (
	rePromise = regexp.MustCompile(`(?s)<promise>(.*?)</promise>`)
	reProgress = regexp.MustCompile(`<progress>\s*(\d+)%?\s*</progress>`)
	reBlocker = regexp.MustCompile(`(?s)<blocker>(.*?)</blocker>`)
	rePivot = regexp.MustCompile(`(?s)<pivot>(.*?)</pivot>`)
	reSpawn = regexp.MustCompile(`(?s)<spawn_subphase>(.*?)</spawn_subphase>`)
	reRequestDecomp = regexp.MustCompile(`<request-decomposition\s*/>`)
)

// match is an internal helper pairing a byte offset with the Signal it
// produced, so all tag kinds can be merged and sorted into left-to-right
// appearance order.
type match struct {
	start int
	sig   Signal
}

// Parse extracts the ordered list of Signals present in text. Tags may
// appear anywhere, interleaved with other output; multiple signals of the
// same kind may appear in one call. Malformed <spawn_subphase> JSON yields
// a synthetic Blocker instead of an error.
func Parse(text string) []Signal {
	var matches []match

	for _, loc := range rePromise.FindAllStringSubmatchIndex(text, -1) {
		matches = append(matches, match{loc[0], Signal{Kind: KindPromise, Promise: text[loc[2]:loc[3]]}})
	}

	for _, loc := range reProgress.FindAllStringSubmatchIndex(text, -1) {
		n, err := strconv.Atoi(text[loc[2]:loc[3]])
		if err != nil {
			continue
		}
		matches = append(matches, match{loc[0], Signal{Kind: KindProgress, Progress: clampPercent(n)}})
	}

	for _, loc := range reBlocker.FindAllStringSubmatchIndex(text, -1) {
		matches = append(matches, match{loc[0], Signal{Kind: KindBlocker, Text: text[loc[2]:loc[3]]}})
	}

	for _, loc := range rePivot.FindAllStringSubmatchIndex(text, -1) {
		matches = append(matches, match{loc[0], Signal{Kind: KindPivot, Text: text[loc[2]:loc[3]]}})
	}

	for _, loc := range reSpawn.FindAllStringSubmatchIndex(text, -1) {
		body := text[loc[2]:loc[3]]
		var spec SpawnSpec
		if err := json.Unmarshal([]byte(body), &spec); err != nil {
			matches = append(matches, match{loc[0], Signal{Kind: KindBlocker, Text: "invalid subphase JSON"}})
			continue
		}
		matches = append(matches, match{loc[0], Signal{Kind: KindSpawnSubphase, Spawn: &spec}})
	}

	for _, loc := range reRequestDecomp.FindAllStringIndex(text, -1) {
		matches = append(matches, match{loc[0], Signal{Kind: KindRequestDecomposition}})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].start < matches[j].start
	})

	out := make([]Signal, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.sig)
	}
	return out
}

func clampPercent(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
