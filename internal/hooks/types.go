package hooks

import "context"

// LifecycleEvent identifies one of the six points at which hooks may run.
type LifecycleEvent string

const (
	EventPrePhase      LifecycleEvent = "PrePhase"
	EventPostPhase     LifecycleEvent = "PostPhase"
	EventPreIteration  LifecycleEvent = "PreIteration"
	EventPostIteration LifecycleEvent = "PostIteration"
	EventOnFailure     LifecycleEvent = "OnFailure"
	EventOnApproval    LifecycleEvent = "OnApproval"
)

// Kind distinguishes a Command hook (external subprocess) from a Prompt
// hook (LLM call).
type Kind string

const (
	KindCommand Kind = "command"
	KindPrompt  Kind = "prompt"
)

// Hook is one declared lifecycle extension point, loaded once from
// configuration and never mutated during a run.
type Hook struct {
	Event   LifecycleEvent
	Pattern string // glob over phase number or name
	Kind    Kind

	// Command is the subprocess to invoke when Kind == KindCommand.
	Command string

	// PromptTemplate is the fixed system template used when
	// Kind == KindPrompt.
	PromptTemplate string
}

// ResultKind is the tagged-union selector for HookResult.
type ResultKind string

const (
	ResultContinue ResultKind = "continue"
	ResultBlock    ResultKind = "block"
	ResultMutate   ResultKind = "mutate"
)

// Result is the outcome of dispatching one hook or a whole chain.
type Result struct {
	Kind ResultKind

	// Reason is set when Kind == ResultBlock.
	Reason string

	// Prompt is the mutated prompt when Kind == ResultMutate.
	Prompt string
}

// Context is the payload handed to every hook invocation: JSON-encoded for
// Command hooks' stdin, and summarized into the Prompt hook's user message.
type Context struct {
	Event   LifecycleEvent `json:"event"`
	Phase   string         `json:"phase"`
	PhaseName string       `json:"phase_name"`
	Iteration int          `json:"iteration,omitempty"`
	Prompt    string       `json:"prompt,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// PromptInvoker is the minimal surface a Prompt hook needs from an LLM
// adapter: send a system prompt plus a JSON-encoded context, get back raw
// text to parse as a structured decision. Implementations wrap
// agent.Agent; hooks itself never imports the agent package directly,
// keeping this dependency injected and mockable in tests.
type PromptInvoker interface {
	Invoke(ctx context.Context, systemPrompt, userPayload string) (string, error)
}
