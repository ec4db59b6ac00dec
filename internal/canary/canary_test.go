package canary

import (
	"testing"
	"time"

	"github.com/wudi/canary-gateway/internal/config"
)

func testCfg() config.CanaryCfg {
	return config.CanaryCfg{
		Stable: config.CanaryTargetCfg{Version: "v1", Weight: 90},
		Canary: config.CanaryTargetCfg{Version: "v2", Weight: 10},
		Promotion: config.PromotionCfg{
			Strategy:         "error-rate",
			ErrorThreshold:   5,
			EvaluationWindow: "20ms",
			StepInterval:     "20ms",
			Steps:            []int{10, 50, 100},
			AutoPromote:      true,
			AutoRollback:     true,
			MinRequests:      3,
		},
	}
}

func TestSelectVersionRespectsWeight(t *testing.T) {
	c := New("route-1", testCfg(), nil)
	canaryCount := 0
	const trials = 2000
	for i := 0; i < trials; i++ {
		if c.SelectVersion() == TargetCanary {
			canaryCount++
		}
	}
	ratio := float64(canaryCount) / float64(trials)
	if ratio < 0.05 || ratio > 0.16 {
		t.Fatalf("expected roughly 10%% canary selection, got %.3f", ratio)
	}
}

func TestGetVersionMapsTargetToConfiguredVersion(t *testing.T) {
	c := New("route-1", testCfg(), nil)
	if c.GetVersion(TargetStable) != "v1" {
		t.Fatalf("expected stable version v1")
	}
	if c.GetVersion(TargetCanary) != "v2" {
		t.Fatalf("expected canary version v2")
	}
}

func TestAutoRollbackOnHighErrorRate(t *testing.T) {
	c := New("route-1", testCfg(), nil)
	c.Start()
	defer c.Stop()

	for i := 0; i < 5; i++ {
		c.RecordFailure(TargetCanary, time.Millisecond, "upstream-timeout")
	}

	deadline := time.After(2 * time.Second)
	for {
		if c.State() == StateRolledBack {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected rollback, state stayed %s", c.State())
		case <-time.After(10 * time.Millisecond):
		}
	}

	snap := c.Snapshot()
	if snap.CanaryWeight != 0 || snap.StableWeight != 100 {
		t.Fatalf("expected weights reset after rollback, got %+v", snap)
	}
}

func TestAutoPromoteAdvancesThroughStepsToCompletion(t *testing.T) {
	c := New("route-2", testCfg(), nil)
	c.Start()
	defer c.Stop()

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				c.RecordSuccess(TargetCanary, time.Millisecond)
				time.Sleep(time.Millisecond)
			}
		}
	}()
	defer close(stop)

	deadline := time.After(3 * time.Second)
	for {
		if c.State() == StatePromoted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected promotion to complete, state stayed %s (snapshot %+v)", c.State(), c.Snapshot())
		case <-time.After(10 * time.Millisecond):
		}
	}

	snap := c.Snapshot()
	if snap.CanaryWeight != 100 {
		t.Fatalf("expected canary weight 100 after full promotion, got %d", snap.CanaryWeight)
	}
}

func TestManualRollbackFreezesState(t *testing.T) {
	c := New("route-3", testCfg(), nil)
	c.Start()
	c.Rollback()
	// Rollback is synchronous with respect to state visibility once the
	// call returns since doRollback mutates under the lock before return.
	if c.State() != StateRolledBack {
		t.Fatalf("expected immediate rollback, got %s", c.State())
	}
	c.Stop()

	// A promote in a terminal state must not reopen the engine.
	c.Promote()
	if c.State() != StateRolledBack {
		t.Fatalf("expected state to remain frozen, got %s", c.State())
	}
}

func TestPauseHaltsPromotionThenResumeRestores(t *testing.T) {
	c := New("route-4", testCfg(), nil)
	c.Start()
	defer c.Stop()

	c.Pause()
	if c.State() != StatePaused {
		t.Fatalf("expected paused state")
	}
	c.schedulePromotion() // even if called, should no-op outside ACTIVE
	time.Sleep(50 * time.Millisecond)
	if c.Snapshot().StepIndex != 0 {
		t.Fatalf("expected no step advance while paused")
	}

	c.Resume()
	if c.State() != StateActive {
		t.Fatalf("expected active state after resume")
	}
}
