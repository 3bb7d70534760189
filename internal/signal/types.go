package signal

// Kind identifies the variant of a parsed Signal.
type Kind string

const (
	KindPromise               Kind = "promise"
	KindProgress              Kind = "progress"
	KindBlocker               Kind = "blocker"
	KindPivot                 Kind = "pivot"
	KindSpawnSubphase         Kind = "spawn_subphase"
	KindRequestDecomposition  Kind = "request_decomposition"
)

// SpawnSpec is the decoded payload of a <spawn_subphase>{json}</spawn_subphase>
// tag.
type SpawnSpec struct {
	Name      string   `json:"name"`
	Promise   string   `json:"promise"`
	Budget    int      `json:"budget"`
	DependsOn []string `json:"depends_on,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
}

// Signal is a single tagged-union value extracted from LLM output. Exactly
// one of the typed fields is meaningful, selected by Kind; this mirrors the
// exhaustive tagged-union dispatch style used throughout the codebase for
// hooks, specialist roles, and phase statuses.
type Signal struct {
	Kind Kind

	// Promise holds the token text when Kind == KindPromise.
	Promise string

	// Progress holds 0-100 when Kind == KindProgress.
	Progress int

	// Text holds free-form text when Kind is KindBlocker or KindPivot.
	Text string

	// Spawn holds the decoded spec when Kind == KindSpawnSubphase. Nil,
	// with Text set to a parse-failure description, if the JSON was
	// malformed -- in that case Kind is actually KindBlocker (see Parse).
	Spawn *SpawnSpec
}
