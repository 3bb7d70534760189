package phase

import (
	"fmt"
	"sort"
)

// Status is the scheduling status of a PhaseNode. The scheduler is the sole
// writer of Node.Status; all other readers treat it as a snapshot.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal status: no further transitions
// are expected once a node reaches one of these.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

// SatisfiesDependency reports whether a dependent may treat a node in this
// status as having satisfied a depends_on edge. Completed and Skipped both
// satisfy; Failed and Cancelled propagate as upstream failure instead.
func (s Status) SatisfiesDependency() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// Node is the scheduler's mutable view of one Phase. Node is created once
// at graph build time and is thereafter owned exclusively by the scheduler
// (single-writer); Iteration Runners receive read-only snapshots.
type Node struct {
	Phase Phase

	Status Status

	// Wave is a display-only Kahn's-algorithm level: the set of phases
	// whose dependencies are all resolved at the same levelling step. It
	// is never used by the scheduler as a dispatch barrier.
	Wave int

	IterationsUsed int
	StartedAt      int64 // unix nanos, 0 if not started
	CompletedAt    int64 // unix nanos, 0 if not completed

	LastSignals []string

	// FailureReason is set when Status is Failed, Skipped, or Cancelled.
	FailureReason string

	// Dependents are the Numbers of phases whose DependsOn includes this
	// node's Phase.Number. Populated at Build time, fixed thereafter
	// except for Decomposition insertions which go through Graph.Insert.
	Dependents []string
}

// Graph is a directed acyclic graph over Phases, keyed by Phase.Number.
// Once built, edges mean "a must complete before b": a is in b's DependsOn.
type Graph struct {
	nodes map[string]*Node
	order []string // insertion order, for deterministic iteration
}

// Error kinds returned by Build and Insert. Tested with errors.As.
type (
	// UnknownDependencyError is returned when a phase's depends_on
	// references a number not present in the phase set.
	UnknownDependencyError struct {
		Phase string
		Dep   string
	}

	// CycleError is returned when the dependency graph contains a cycle.
	// Path lists the Numbers forming the cycle in traversal order.
	CycleError struct {
		Path []string
	}

	// DuplicateNumberError is returned when two phases share a Number.
	DuplicateNumberError struct {
		Number string
	}

	// EmptyBudgetError is returned when a phase's Budget is < 1.
	EmptyBudgetError struct {
		Phase string
	}
)

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("phase %q depends on unknown phase %q", e.Phase, e.Dep)
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected among phases: %v", e.Path)
}

func (e *DuplicateNumberError) Error() string {
	return fmt.Sprintf("duplicate phase number %q", e.Number)
}

func (e *EmptyBudgetError) Error() string {
	return fmt.Sprintf("phase %q has budget < 1", e.Phase)
}

// Build constructs a Graph from a flat slice of Phases. It validates
// uniqueness of Number, that every DependsOn entry references a real
// phase, that Budget >= 1, and that the resulting graph is acyclic. Waves
// are computed via Kahn's algorithm for display purposes only.
func Build(phases []Phase) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*Node, len(phases))}

	for _, p := range phases {
		if _, exists := g.nodes[p.Number]; exists {
			return nil, &DuplicateNumberError{Number: p.Number}
		}
		if p.Budget < 1 {
			return nil, &EmptyBudgetError{Phase: p.Number}
		}
		g.nodes[p.Number] = &Node{Phase: p, Status: StatusPending}
		g.order = append(g.order, p.Number)
	}

	for _, number := range g.order {
		node := g.nodes[number]
		for _, dep := range node.Phase.DependsOn {
			depNode, ok := g.nodes[dep]
			if !ok {
				return nil, &UnknownDependencyError{Phase: number, Dep: dep}
			}
			depNode.Dependents = append(depNode.Dependents, number)
		}
	}

	if cyclePath := detectCycle(g); cyclePath != nil {
		return nil, &CycleError{Path: cyclePath}
	}

	computeWaves(g)

	for _, number := range g.order {
		node := g.nodes[number]
		if len(node.Phase.DependsOn) == 0 {
			node.Status = StatusReady
		} else {
			node.Status = StatusBlocked
		}
	}

	return g, nil
}

// detectCycle performs a DFS with a recursion stack; returns the cycle path
// if one is found, or nil.
func detectCycle(g *Graph) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.order))
	var path []string

	var visit func(n string) []string
	visit = func(n string) []string {
		color[n] = gray
		path = append(path, n)
		for _, dep := range g.nodes[n].Phase.DependsOn {
			switch color[dep] {
			case gray:
				// Found the back edge; slice path from dep's position.
				for i, v := range path {
					if v == dep {
						return append(append([]string{}, path[i:]...), dep)
					}
				}
				return []string{dep, n}
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}
		color[n] = black
		path = path[:len(path)-1]
		return nil
	}

	for _, n := range g.order {
		if color[n] == white {
			if cyc := visit(n); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// computeWaves assigns Node.Wave via iterative Kahn-style levelling: wave 0
// is every phase with no dependencies; wave k+1 is every phase whose
// dependencies are all in waves <= k.
func computeWaves(g *Graph) {
	assigned := make(map[string]bool, len(g.order))
	remaining := append([]string{}, g.order...)
	wave := 0

	for len(remaining) > 0 {
		var next []string
		var ready []string
		for _, n := range remaining {
			node := g.nodes[n]
			allAssigned := true
			for _, dep := range node.Phase.DependsOn {
				if !assigned[dep] {
					allAssigned = false
					break
				}
			}
			if allAssigned {
				ready = append(ready, n)
			} else {
				next = append(next, n)
			}
		}
		if len(ready) == 0 {
			// Should be unreachable post-cycle-check; bail out defensively.
			break
		}
		for _, n := range ready {
			g.nodes[n].Wave = wave
			assigned[n] = true
		}
		remaining = next
		wave++
	}
}

// Node returns the node for the given phase number, or nil if not present.
func (g *Graph) Node(number string) *Node {
	return g.nodes[number]
}

// Numbers returns all phase numbers in deterministic (insertion) order.
func (g *Graph) Numbers() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Ready returns the numbers of all nodes currently in StatusReady, sorted
// deterministically by (Wave, Number) ascending per the scheduler's
// tie-breaking rule.
func (g *Graph) Ready() []string {
	var ready []string
	for _, n := range g.order {
		if g.nodes[n].Status == StatusReady {
			ready = append(ready, n)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		ni, nj := g.nodes[ready[i]], g.nodes[ready[j]]
		if ni.Wave != nj.Wave {
			return ni.Wave < nj.Wave
		}
		return ready[i] < ready[j]
	})
	return ready
}

// RefreshReadiness transitions Blocked nodes to Ready when all of their
// dependencies satisfy (Completed or Skipped), and returns the numbers that
// changed. Called by the scheduler after any node terminates.
func (g *Graph) RefreshReadiness() []string {
	var becameReady []string
	for _, n := range g.order {
		node := g.nodes[n]
		if node.Status != StatusBlocked && node.Status != StatusPending {
			continue
		}
		allSatisfied := true
		for _, dep := range node.Phase.DependsOn {
			if !g.nodes[dep].Status.SatisfiesDependency() {
				allSatisfied = false
				break
			}
		}
		if allSatisfied {
			node.Status = StatusReady
			becameReady = append(becameReady, n)
		}
	}
	return becameReady
}

// PropagateFailure marks every transitive dependent of failedNumber as
// Skipped with reason "upstream failed", unless stopAt is non-nil and a
// dependent is not in stopAt's transitive-dependent set (used to implement
// fail_fast=false partial-wave semantics, where only the failed phase's own
// downstream set is skipped).
func (g *Graph) PropagateFailure(failedNumber string) []string {
	var skipped []string
	visited := make(map[string]bool)

	var visit func(n string)
	visit = func(n string) {
		for _, dep := range g.nodes[n].Dependents {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			node := g.nodes[dep]
			if node.Status.Terminal() {
				continue
			}
			node.Status = StatusSkipped
			node.FailureReason = "upstream failed"
			skipped = append(skipped, dep)
			visit(dep)
		}
	}
	visit(failedNumber)
	return skipped
}

// Insert adds newly-constructed child Phases to the graph (Decomposition
// Engine). Children must reference only existing phase numbers (or
// each other) in DependsOn; Insert re-validates acyclicity and re-derives
// Dependents for affected nodes. Insert never removes or mutates existing
// Phase descriptors, only adds Nodes and updates Dependents lists.
func (g *Graph) Insert(children []Phase) error {
	for _, p := range children {
		if _, exists := g.nodes[p.Number]; exists {
			return &DuplicateNumberError{Number: p.Number}
		}
		if p.Budget < 1 {
			return &EmptyBudgetError{Phase: p.Number}
		}
	}

	added := make([]string, 0, len(children))
	for _, p := range children {
		g.nodes[p.Number] = &Node{Phase: p, Status: StatusBlocked}
		g.order = append(g.order, p.Number)
		added = append(added, p.Number)
	}
	for _, number := range added {
		node := g.nodes[number]
		for _, dep := range node.Phase.DependsOn {
			depNode, ok := g.nodes[dep]
			if !ok {
				return &UnknownDependencyError{Phase: number, Dep: dep}
			}
			depNode.Dependents = append(depNode.Dependents, number)
		}
	}

	if cyclePath := detectCycle(g); cyclePath != nil {
		return &CycleError{Path: cyclePath}
	}

	computeWaves(g)
	g.RefreshReadiness()
	return nil
}
