// Package canary implements the gateway's canary engine: a per-route
// state machine managing progressive rollout between a stable and a
// canary version, with automatic promotion/rollback driven by a
// sliding-window evaluation loop.
package canary

import (
	"math/rand"
	"sync"
	"time"

	"github.com/wudi/canary-gateway/internal/config"
	"github.com/wudi/canary-gateway/internal/events"
	"github.com/wudi/canary-gateway/internal/metrics"
)

// State names the canary engine's lifecycle state, per the spec's own
// vocabulary (not the teacher's pending/progressing/completed names).
type State string

const (
	StateActive     State = "ACTIVE"
	StatePromoted   State = "PROMOTED"
	StateRolledBack State = "ROLLED_BACK"
	StatePaused     State = "PAUSED"
)

// Target names which side of a canary split a request lands on.
type Target string

const (
	TargetStable Target = "stable"
	TargetCanary Target = "canary"
)

// Trigger distinguishes an automatic evaluation-driven rollback from a
// manually invoked one, carried on the canary:rollback event.
type Trigger string

const (
	TriggerAuto   Trigger = "auto"
	TriggerManual Trigger = "manual"
)

// Snapshot is a JSON-serializable, point-in-time view of one engine.
type Snapshot struct {
	RouteID       string             `json:"route_id"`
	State         string             `json:"state"`
	StableVersion string             `json:"stable_version"`
	CanaryVersion string             `json:"canary_version"`
	StableWeight  int                `json:"stable_weight"`
	CanaryWeight  int                `json:"canary_weight"`
	StepIndex     int                `json:"step_index"`
	TotalSteps    int                `json:"total_steps"`
	Stable        metrics.Snapshot   `json:"stable_metrics"`
	Canary        metrics.Snapshot   `json:"canary_metrics"`
}

// Decision is the outcome of one evaluation tick.
type Decision int

const (
	HoldDecision Decision = iota
	PromoteDecision
	RollbackDecision
)

// CustomEvaluator lets the host supply a strategy="custom" decision
// function, given the canary's current metrics snapshot.
type CustomEvaluator func(canary metrics.Snapshot) Decision

// Controller manages a single route's canary rollout.
type Controller struct {
	routeID string
	cfg     config.CanaryCfg

	evaluationWindow time.Duration
	stepInterval     time.Duration
	customEvaluator  CustomEvaluator

	sink events.Sink

	mu            sync.Mutex
	state         State
	stableWeight  int
	canaryWeight  int
	stepIndex     int
	steps         []int

	stableMetrics *metrics.Collector
	canaryMetrics *metrics.Collector

	evalTicker    *time.Ticker
	evalStop      chan struct{}
	promotionTimer *time.Timer
	wg            sync.WaitGroup
}

// New constructs a Controller for routeID from cfg. The evaluation loop
// is not started until Start is called.
func New(routeID string, cfg config.CanaryCfg, sink events.Sink) *Controller {
	if sink == nil {
		sink = events.NopSink{}
	}

	evalWindow := parseDurationOrMs(cfg.Promotion.EvaluationWindow, 5*time.Minute)
	stepInterval := parseDurationOrMs(cfg.Promotion.StepInterval, 10*time.Minute)

	steps := cfg.Promotion.Steps
	if len(steps) == 0 {
		steps = []int{100}
	}

	return &Controller{
		routeID:          routeID,
		cfg:              cfg,
		evaluationWindow: evalWindow,
		stepInterval:     stepInterval,
		sink:             sink,
		state:            StateActive,
		stableWeight:     cfg.Stable.Weight,
		canaryWeight:     cfg.Canary.Weight,
		steps:            steps,
		stableMetrics:    metrics.New(evalWindow),
		canaryMetrics:    metrics.New(evalWindow),
	}
}

// SetCustomEvaluator installs the strategy="custom" decision function.
func (c *Controller) SetCustomEvaluator(fn CustomEvaluator) {
	c.mu.Lock()
	c.customEvaluator = fn
	c.mu.Unlock()
}

// Start launches the evaluation loop and emits canary:started.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.evalTicker != nil {
		c.mu.Unlock()
		return
	}
	c.evalTicker = time.NewTicker(c.evaluationWindow)
	c.evalStop = make(chan struct{})
	ticker := c.evalTicker
	stop := c.evalStop
	c.mu.Unlock()

	c.emit(events.KindCanaryStarted, nil)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ticker.C:
				c.evaluate()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the evaluation loop and any pending promotion timer.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.evalTicker != nil {
		c.evalTicker.Stop()
		close(c.evalStop)
		c.evalTicker = nil
	}
	c.clearPromotionTimerLocked()
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) clearPromotionTimerLocked() {
	if c.promotionTimer != nil {
		c.promotionTimer.Stop()
		c.promotionTimer = nil
	}
}

// SelectVersion picks stable or canary by independent weighted random
// sampling on the current canaryWeight; not sticky across calls.
func (c *Controller) SelectVersion() Target {
	c.mu.Lock()
	weight := c.canaryWeight
	c.mu.Unlock()

	if rand.Intn(100) < weight {
		return TargetCanary
	}
	return TargetStable
}

// GetVersion maps a Target to the configured version string for that side.
func (c *Controller) GetVersion(target Target) string {
	if target == TargetCanary {
		return c.cfg.Canary.Version
	}
	return c.cfg.Stable.Version
}

// RecordSuccess/RecordFailure feed the per-target metrics collector the
// evaluation loop reads from.
func (c *Controller) RecordSuccess(target Target, duration time.Duration) {
	c.collectorFor(target).RecordSuccess(duration)
}

func (c *Controller) RecordFailure(target Target, duration time.Duration, reason string) {
	c.collectorFor(target).RecordFailure(duration, reason)
}

func (c *Controller) collectorFor(target Target) *metrics.Collector {
	if target == TargetCanary {
		return c.canaryMetrics
	}
	return c.stableMetrics
}

// State returns the engine's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Promote is the manual control: immediately schedules the next step
// advance, same as an automatic promote decision.
func (c *Controller) Promote() {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.schedulePromotion()
}

// Rollback is the manual control: immediately rolls back with a manual
// trigger.
func (c *Controller) Rollback() {
	c.mu.Lock()
	if c.state != StateActive && c.state != StatePaused {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.doRollback(TriggerManual)
}

// Pause halts the promotion timer (the evaluation ticker keeps firing but
// evaluate() no-ops outside ACTIVE) and transitions to PAUSED.
func (c *Controller) Pause() {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.state = StatePaused
	c.clearPromotionTimerLocked()
	c.mu.Unlock()
	c.emit(events.KindCanaryPaused, nil)
}

// Resume restores ACTIVE and lets the evaluation loop resume deciding.
func (c *Controller) Resume() {
	c.mu.Lock()
	if c.state != StatePaused {
		c.mu.Unlock()
		return
	}
	c.state = StateActive
	c.mu.Unlock()
	c.emit(events.KindCanaryResumed, nil)
}

// evaluate runs one evaluation tick: gate on minRequests, then decide
// per the configured strategy and act.
func (c *Controller) evaluate() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateActive {
		return
	}

	snap := c.canaryMetrics.GetSnapshot()
	if snap.TotalCalls < int64(c.cfg.Promotion.MinRequests) {
		return // hold: not enough requests yet
	}

	d := c.decide(snap)
	switch d {
	case PromoteDecision:
		if c.cfg.Promotion.AutoPromote {
			c.schedulePromotion()
		}
	case RollbackDecision:
		if c.cfg.Promotion.AutoRollback {
			c.doRollback(TriggerAuto)
		}
	}
}

func (c *Controller) decide(canarySnap metrics.Snapshot) Decision {
	switch c.cfg.Promotion.Strategy {
	case "latency":
		if c.cfg.Promotion.LatencyThreshold > 0 && canarySnap.P99Ms > float64(c.cfg.Promotion.LatencyThreshold) {
			return RollbackDecision
		}
		return PromoteDecision
	case "custom":
		c.mu.Lock()
		fn := c.customEvaluator
		c.mu.Unlock()
		if fn == nil {
			return HoldDecision
		}
		return fn(canarySnap)
	default: // "error-rate"
		if c.cfg.Promotion.ErrorThreshold > 0 && canarySnap.FailureRate > c.cfg.Promotion.ErrorThreshold {
			return RollbackDecision
		}
		return PromoteDecision
	}
}

// schedulePromotion arms the promotion timer unless one is already
// outstanding, so only one step advance can be in flight and repeated
// promote decisions do not push a pending advance further out.
func (c *Controller) schedulePromotion() {
	c.mu.Lock()
	if c.state != StateActive || c.promotionTimer != nil {
		c.mu.Unlock()
		return
	}
	c.promotionTimer = time.AfterFunc(c.stepInterval, c.advanceStep)
	c.mu.Unlock()
}

// advanceStep fires when the promotion timer elapses: advances to the
// next configured step weight, or completes the rollout if steps are
// exhausted.
func (c *Controller) advanceStep() {
	c.mu.Lock()
	c.clearPromotionTimerLocked()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}

	nextIndex := c.stepIndex + 1
	if nextIndex >= len(c.steps) {
		c.canaryWeight = 100
		c.stableWeight = 0
		c.state = StatePromoted
		c.stopEvalLocked()
		c.mu.Unlock()
		c.emit(events.KindCanaryComplete, nil)
		return
	}

	c.stepIndex = nextIndex
	c.canaryWeight = c.steps[nextIndex]
	c.stableWeight = 100 - c.canaryWeight
	weight := c.canaryWeight
	c.canaryMetrics.Reset()
	c.mu.Unlock()

	c.emit(events.KindCanaryPromote, map[string]any{"step": nextIndex, "canaryWeight": weight})
}

// doRollback sets canaryWeight=0, freezes the engine in ROLLED_BACK, and
// stops all timers.
func (c *Controller) doRollback(trigger Trigger) {
	c.mu.Lock()
	if c.state != StateActive && c.state != StatePaused {
		c.mu.Unlock()
		return
	}
	c.canaryWeight = 0
	c.stableWeight = 100
	c.state = StateRolledBack
	c.clearPromotionTimerLocked()
	c.stopEvalLocked()
	c.mu.Unlock()

	c.emit(events.KindCanaryRollback, map[string]any{"trigger": string(trigger)})
}

// stopEvalLocked stops the evaluation ticker. Caller must hold mu.
func (c *Controller) stopEvalLocked() {
	if c.evalTicker != nil {
		c.evalTicker.Stop()
		if c.evalStop != nil {
			close(c.evalStop)
		}
		c.evalTicker = nil
		c.evalStop = nil
	}
}

func (c *Controller) emit(kind events.Kind, data map[string]any) {
	c.sink.Emit(events.Event{
		Timestamp: time.Now(),
		Kind:      kind,
		Route:     c.routeID,
		Data:      data,
	})
}

// Snapshot returns a JSON-serializable view of the engine's current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		RouteID:       c.routeID,
		State:         string(c.state),
		StableVersion: c.cfg.Stable.Version,
		CanaryVersion: c.cfg.Canary.Version,
		StableWeight:  c.stableWeight,
		CanaryWeight:  c.canaryWeight,
		StepIndex:     c.stepIndex,
		TotalSteps:    len(c.steps),
		Stable:        c.stableMetrics.GetSnapshot(),
		Canary:        c.canaryMetrics.GetSnapshot(),
	}
}

// parseDurationOrMs accepts either a Go duration string ("5m") or a bare
// millisecond integer encoded as a numeral string, per the config
// schema's "duration string like 5m or ms number" note.
func parseDurationOrMs(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if ms := parsePositiveInt(raw); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func parsePositiveInt(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
