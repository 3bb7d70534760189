// Package runner implements the Iteration Runner: the state machine
// that drives a single Phase through repeated LLM subprocess invocations,
// evaluating Signal Parser output after each iteration until a Promise is
// kept, the iteration budget is exhausted, or the phase is handed off to
// decomposition.
package runner
