// Package phase defines the immutable Phase descriptor and the directed
// acyclic graph built from a set of phases.
//
// A Phase is the unit of orchestrated LLM work: it carries a stable number,
// a dependency list, an iteration budget, and a promise token the driving
// LLM must emit to signal completion. Build constructs a Graph from a flat
// slice of Phases, validating uniqueness, dependency references, and
// acyclicity, and computes display-only wave numbers via Kahn's algorithm.
package phase
