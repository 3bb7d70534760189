// Package hooks implements the Hook Dispatcher: process-wide,
// declaration-order lifecycle extension points that may veto an iteration
// or mutate its prompt.
//
// A Command hook is an external subprocess receiving a JSON-encoded
// Context on stdin; its exit code selects the HookResult. A Prompt hook
// asks a small LLM for a structured decision via an injected PromptInvoker.
// Hooks loaded at process start are never mutated during a run; the
// Dispatcher itself holds no run-specific state beyond the declared list.
package hooks
