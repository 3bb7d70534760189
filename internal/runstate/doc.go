// Package runstate implements the Run-State Log and per-phase Checkpoint
// persistence.
//
// The log is an append-only, pipe-delimited text file; appends are
// serialized by a mutex held only for the duration of a single line write,
// and a recovery scan on startup rebuilds the last-known status map for
// every phase. Checkpoints are written atomically (temp file then rename)
// and are validated against a workspace content hash before a run resumes.
package runstate
