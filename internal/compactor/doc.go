// Package compactor implements the Context Budget / Compactor: a
// running token-estimate tracker over a phase's iteration history, and the
// summarization step that collapses older iterations into a single
// compaction summary once the estimate crosses a configured threshold.
package compactor
