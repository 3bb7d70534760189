package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jdsingh122918/forge/internal/eventbus"
)

// EventBridge converts backend channel reads into tea.Cmd values the Bubble
// Tea runtime can dispatch to the App model. It is intended to be used as a
// tea.Cmd producer that reads from backend channels and forwards events into
// the Bubble Tea program.
//
// All methods are goroutine-safe: they spawn a background goroutine that reads
// from the given channel and returns a tea.Cmd that can be placed in a Batch.
// The goroutines respect the provided context for cancellation.
type EventBridge struct{}

// NewEventBridge creates a new EventBridge. No internal state is maintained;
// the struct exists to provide a namespaced API for the bridge helpers.
func NewEventBridge() EventBridge {
	return EventBridge{}
}

// AgentOutputCmd returns a tea.Cmd that reads a single AgentOutputMsg from
// ch and forwards it unchanged. The command sends nil when the channel is
// closed or ctx is done.
//
// Because AgentOutputMsg is already a TUI message type, no conversion is
// needed. This helper exists for symmetry with the other bridge methods.
func (b EventBridge) AgentOutputCmd(ctx context.Context, ch <-chan AgentOutputMsg) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			return msg
		}
	}
}

// PhaseEventCmd returns a tea.Cmd that reads a single eventbus.Event from ch
// and forwards it unchanged; since tea.Msg is interface{}, eventbus.Event
// needs no conversion struct of its own. The command sends nil when the
// channel is closed or ctx is done.
//
// Usage: call repeatedly inside App.Update to keep draining the channel:
//
//	case eventbus.Event:
//	    // handle...
//	    return a, bridge.PhaseEventCmd(ctx, ch)
func (b EventBridge) PhaseEventCmd(ctx context.Context, ch <-chan eventbus.Event) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			return ev
		}
	}
}

// SendPhaseEvent is a convenience function that sends an eventbus.Event to
// the Bubble Tea program p, for use from a monitoring goroutine draining a
// scheduler's Event Bus outside the Elm update loop.
func SendPhaseEvent(p *tea.Program, ev eventbus.Event) {
	p.Send(ev)
}

// SendAgentOutput is a convenience function that sends an AgentOutputMsg to
// the Bubble Tea program p with the given agent name, output line, stream
// label, and timestamp.
func SendAgentOutput(p *tea.Program, agent, line, stream string, ts time.Time) {
	p.Send(AgentOutputMsg{
		Agent:     agent,
		Line:      line,
		Stream:    stream,
		Timestamp: ts,
	})
}
