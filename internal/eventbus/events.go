package eventbus

import "time"

// Kind identifies the variant of a PhaseEvent. Values mirror the
// WorkflowEvent WE* constant style, generalized from per-step workflow
// events to per-phase DAG events.
type Kind string

const (
	KindPhaseStarted    Kind = "phase_started"
	KindPhaseProgress   Kind = "phase_progress"
	KindPhaseCompleted  Kind = "phase_completed"
	KindPhaseFailed     Kind = "phase_failed"
	KindPhaseSkipped    Kind = "phase_skipped"
	KindPhaseCompacted  Kind = "phase_compacted"
	KindReviewStarted   Kind = "review_started"
	KindReviewCompleted Kind = "review_completed"
	KindSubphaseSpawned Kind = "subphase_spawned"
	KindDagCompleted    Kind = "dag_completed"

	// Bridge events: one per Pipeline Bridge step, in addition to
	// the per-phase events the scheduler it wraps already emits.
	KindBridgeBranchCreated    Kind = "bridge_branch_created"
	KindBridgePhasesGenerated  Kind = "bridge_phases_generated"
	KindBridgePRCreated        Kind = "bridge_pr_created"
	KindBridgeFailed           Kind = "bridge_failed"
	KindBridgeCancelled        Kind = "bridge_cancelled"
)

// Event is a single typed message published on the bus. Only the fields
// relevant to Kind are populated; consumers switch on Kind.
type Event struct {
	Kind      Kind      `json:"kind"`
	Phase     string    `json:"phase,omitempty"`
	Wave      int       `json:"wave,omitempty"`
	Percent   int       `json:"percent,omitempty"`
	Iters     int       `json:"iters,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Children  []string  `json:"children,omitempty"`
	Success   bool      `json:"success,omitempty"`
	Message   string    `json:"message,omitempty"`
	Branch    string    `json:"branch,omitempty"`
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
