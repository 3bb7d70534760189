package hooks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jdsingh122918/forge/internal/jsonutil"
)

// promptDecision is the structured JSON answer a Prompt hook's LLM call
// must return.
type promptDecision struct {
	Action string `json:"action"` // "continue" | "block" | "mutate"
	Reason string `json:"reason,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

// runPrompt invokes invoker with h.PromptTemplate as the system prompt and
// a JSON-encoded hctx as the user payload, then parses the structured
// decision out of free-form output via jsonutil. A missing invoker,
// invocation error, or unparseable answer all default to continue with a
// logged warning.
func runPrompt(ctx context.Context, h Hook, hctx Context, invoker PromptInvoker) (Result, error) {
	if invoker == nil {
		logger.Warn("prompt hook declared with no invoker configured, treating as continue",
			"pattern", h.Pattern, "event", h.Event)
		return Result{Kind: ResultContinue}, nil
	}

	payload, err := json.Marshal(hctx)
	if err != nil {
		return Result{}, fmt.Errorf("encoding hook context: %w", err)
	}

	raw, err := invoker.Invoke(ctx, h.PromptTemplate, string(payload))
	if err != nil {
		logger.Warn("prompt hook invocation failed, treating as continue", "error", err)
		return Result{Kind: ResultContinue}, nil
	}

	var decision promptDecision
	if err := jsonutil.ExtractInto(raw, &decision); err != nil {
		logger.Warn("prompt hook returned unparseable answer, treating as continue", "error", err)
		return Result{Kind: ResultContinue}, nil
	}

	switch decision.Action {
	case "block":
		return Result{Kind: ResultBlock, Reason: decision.Reason}, nil
	case "mutate":
		if decision.Prompt == "" {
			logger.Warn("prompt hook returned mutate with no prompt, treating as continue")
			return Result{Kind: ResultContinue}, nil
		}
		return Result{Kind: ResultMutate, Prompt: decision.Prompt}, nil
	default:
		return Result{Kind: ResultContinue}, nil
	}
}
