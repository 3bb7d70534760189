// Package signal extracts the tagged-union Signal variants (<promise>,
// <progress>, <blocker>, <pivot>, <spawn_subphase>,
// <request-decomposition/>) that the driving LLM emits inline in its
// free-form output.
//
// Parse scans left-to-right and tolerates tags interleaved with
// surrounding prose. Malformed <spawn_subphase> JSON degrades to a
// synthetic Blocker rather than failing the iteration.
package signal
