// Package events models the gateway's narrow, enumerated event surface.
// Per the REDESIGN FLAGS in spec.md, the source's dynamic string-typed
// event emitter is replaced with a closed set of event kinds delivered
// through a single host-provided sink interface — no ad-hoc subscription.
package events

import "time"

// Kind enumerates every event the gateway can emit (see spec.md §6).
type Kind string

const (
	KindCanaryPromote  Kind = "canary:promote"
	KindCanaryRollback Kind = "canary:rollback"
	KindCanaryComplete Kind = "canary:complete"
	KindCanaryPaused   Kind = "canary:paused"
	KindCanaryResumed  Kind = "canary:resumed"
	KindCanaryStarted  Kind = "canary:started"

	KindCircuitOpen     Kind = "circuit:open"
	KindCircuitHalfOpen Kind = "circuit:half-open"
	KindCircuitClose    Kind = "circuit:close"

	KindRateLimitExceeded Kind = "rate-limit:exceeded"

	KindRouteError   Kind = "route:error"
	KindRouteTimeout Kind = "route:timeout"

	KindConfigReloaded Kind = "config:reloaded"
)

// Event is a single structured occurrence, carrying the fields every
// consumer needs regardless of kind: when it happened, which route/service
// it concerns, and a free-form payload specific to the kind.
type Event struct {
	Timestamp time.Time
	Kind      Kind
	Route     string
	Service   string
	Data      map[string]any
}

// Sink receives emitted events. The host application supplies a concrete
// Sink (e.g. one that fans out to logging and a metrics exporter); the
// gateway core never knows how events are consumed.
type Sink interface {
	Emit(Event)
}

// NopSink discards every event. Used as the default when the host supplies
// none, so emitting code never needs a nil check.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// FuncSink adapts a plain function to the Sink interface.
type FuncSink func(Event)

func (f FuncSink) Emit(e Event) { f(e) }
