// Package eventbus implements Forge's in-process event bus: a bounded
// multi-producer channel of typed PhaseEvents delivered to external
// observers (the TUI dashboard, audit sinks, hook handlers).
//
// The bus never blocks a producer: sends to a full or unsubscribed consumer
// are dropped. The Run-State Log, not the event bus, is the authoritative
// history of a run; the bus exists purely for incremental-state observers.
package eventbus
