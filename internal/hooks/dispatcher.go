package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jdsingh122918/forge/internal/logging"
)

var logger = logging.New("hooks")

// Dispatcher runs the declared hooks matching an event and phase pattern,
// in declaration order. The first Block short-circuits the chain; Mutate
// results compose, with later mutations seeing the prompt produced by
// earlier ones.
type Dispatcher struct {
	hooks   []Hook
	invoker PromptInvoker
}

// NewDispatcher builds a Dispatcher from a process-wide hook list loaded
// once at startup, and the PromptInvoker used for Kind == KindPrompt hooks.
// invoker may be nil if no Prompt hooks are declared.
func NewDispatcher(declared []Hook, invoker PromptInvoker) *Dispatcher {
	return &Dispatcher{hooks: declared, invoker: invoker}
}

// Dispatch runs every hook matching hctx.Event and hctx.Phase/PhaseName in
// declaration order. Hooks MUST be idempotent under retries: the caller
// may re-invoke Dispatch after a partial failure (e.g. process crash
// between a Command hook's exit and the caller recording its result).
func (d *Dispatcher) Dispatch(ctx context.Context, hctx Context) (Result, error) {
	result := Result{Kind: ResultContinue}

	for _, h := range d.hooks {
		if h.Event != hctx.Event {
			continue
		}
		if !matches(h.Pattern, hctx.Phase, hctx.PhaseName) {
			continue
		}

		// Later mutations see earlier ones: feed the accumulated prompt
		// forward into hctx for the next hook in the chain.
		if result.Kind == ResultMutate {
			hctx.Prompt = result.Prompt
		}

		r, err := d.runOne(ctx, h, hctx)
		if err != nil {
			return Result{}, fmt.Errorf("hooks: dispatching %s/%s: %w", h.Event, h.Pattern, err)
		}

		switch r.Kind {
		case ResultBlock:
			return r, nil
		case ResultMutate:
			result = r
		case ResultContinue:
			if result.Kind != ResultMutate {
				result = r
			}
		}
	}

	return result, nil
}

func matches(pattern, number, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if ok, _ := doublestar.Match(pattern, number); ok {
		return true
	}
	if ok, _ := doublestar.Match(pattern, name); ok {
		return true
	}
	return false
}

func (d *Dispatcher) runOne(ctx context.Context, h Hook, hctx Context) (Result, error) {
	switch h.Kind {
	case KindCommand:
		return runCommand(ctx, h, hctx)
	case KindPrompt:
		return runPrompt(ctx, h, hctx, d.invoker)
	default:
		return Result{}, fmt.Errorf("unknown hook kind %q", h.Kind)
	}
}

// commandResult mirrors a minimal exit-code protocol: 0 = continue,
// 1 = block (stdout holds the reason), 2 = mutate (stdout holds the new
// prompt).
func runCommand(ctx context.Context, h Hook, hctx Context) (Result, error) {
	payload, err := json.Marshal(hctx)
	if err != nil {
		return Result{}, fmt.Errorf("encoding hook context: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", h.Command)
	cmd.Stdin = bytes.NewReader(payload)

	out, err := cmd.Output()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			// Failed to spawn at all: treat as continue with a warning.
			logger.Warn("command hook failed to spawn", "command", h.Command, "error", err)
			return Result{Kind: ResultContinue}, nil
		}
	}

	switch exitCode {
	case 0:
		return Result{Kind: ResultContinue}, nil
	case 1:
		return Result{Kind: ResultBlock, Reason: string(out)}, nil
	case 2:
		return Result{Kind: ResultMutate, Prompt: string(out)}, nil
	default:
		logger.Warn("command hook exited with unrecognized code, treating as continue",
			"command", h.Command, "exit_code", exitCode)
		return Result{Kind: ResultContinue}, nil
	}
}
