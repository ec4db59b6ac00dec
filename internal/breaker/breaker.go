// Package breaker implements the gateway's circuit breaker component: a
// three-state breaker (CLOSED/OPEN/HALF_OPEN) registry-keyed by name, so
// callers pointed at the same service share state. It wraps
// sony/gobreaker/v2, translating the spec's failureThreshold/cooldownMs/
// halfOpenMaxCalls configuration onto gobreaker's Settings and re-emitting
// state transitions as gateway events.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/wudi/canary-gateway/internal/events"
	"github.com/wudi/canary-gateway/internal/gwerrors"
)

// Config parameterizes one breaker instance.
type Config struct {
	FailureThreshold int
	CooldownMs       int
	HalfOpenMaxCalls int
}

// Breaker wraps a single gobreaker instance and exposes the spec's
// Execute contract: run a thunk, and when the circuit is open, fail fast
// with gwerrors.KindCircuitOpen without invoking the thunk at all.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[any]
}

func newBreaker(name string, cfg Config, sink events.Sink) *Breaker {
	failureThreshold := uint32(cfg.FailureThreshold)
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	cooldown := time.Duration(cfg.CooldownMs) * time.Millisecond
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	halfOpenMax := uint32(cfg.HalfOpenMaxCalls)
	if halfOpenMax == 0 {
		halfOpenMax = 1
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpenMax,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(breakerName string, from, to gobreaker.State) {
			if sink == nil {
				return
			}
			kind := stateChangeKind(to)
			if kind == "" {
				return
			}
			sink.Emit(events.Event{
				Timestamp: time.Now(),
				Kind:      kind,
				Service:   breakerName,
				Data: map[string]any{
					"from": from.String(),
					"to":   to.String(),
				},
			})
		},
	}

	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

func stateChangeKind(to gobreaker.State) events.Kind {
	switch to {
	case gobreaker.StateOpen:
		return events.KindCircuitOpen
	case gobreaker.StateHalfOpen:
		return events.KindCircuitHalfOpen
	case gobreaker.StateClosed:
		return events.KindCircuitClose
	default:
		return ""
	}
}

// Execute runs fn through the breaker. When the breaker is open, fn is
// never invoked and a *gwerrors.GatewayError of KindCircuitOpen is
// returned instead.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, gwerrors.New(gwerrors.KindCircuitOpen, "circuit breaker is open").WithService(b.name)
		}
		return nil, err
	}
	return result, nil
}

// State reports the breaker's current state as a string (closed, open,
// half-open), used by the optional status snapshot.
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Counts returns the breaker's rolling request/failure counters.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// Snapshot is a JSON-serializable view of one breaker's state, grounded
// on the teacher's BreakerSnapshot shape, exposed for an optional
// read-only status surface — never an admin UI.
type Snapshot struct {
	Name               string `json:"name"`
	State              string `json:"state"`
	Requests           uint32 `json:"requests"`
	TotalSuccesses     uint32 `json:"total_successes"`
	TotalFailures      uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

func (b *Breaker) Snapshot() Snapshot {
	counts := b.cb.Counts()
	return Snapshot{
		Name:                b.name,
		State:               b.State(),
		Requests:            counts.Requests,
		TotalSuccesses:      counts.TotalSuccesses,
		TotalFailures:       counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
}

// Registry is keyed by breaker name (typically "gateway:<serviceName>"),
// so two proxies pointed at the same service share one breaker's state.
type Registry struct {
	mu       sync.RWMutex
	sink     events.Sink
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry. sink may be nil, in
// which case state-change events are dropped.
func NewRegistry(sink events.Sink) *Registry {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Registry{sink: sink, breakers: make(map[string]*Breaker)}
}

// GetOrCreate returns the named breaker, creating it with cfg on first
// use. Subsequent calls with the same name ignore cfg and return the
// existing breaker.
func (r *Registry) GetOrCreate(name string, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = newBreaker(name, cfg, r.sink)
	r.breakers[name] = b
	return b
}

// Snapshots returns a point-in-time view of every registered breaker.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
