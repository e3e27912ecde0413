package provider

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/domain"
)

func TestCircuitOpensAfterThreshold(t *testing.T) {
	t.Parallel()
	var changes []domain.CircuitState
	c := NewCircuit("p", 3, time.Minute, func(_ string, s domain.CircuitState) {
		changes = append(changes, s)
	})
	now := time.Now()

	c.RecordFailure(now)
	c.RecordFailure(now)
	if !c.Allow(now) {
		t.Fatal("circuit should stay closed below threshold")
	}
	c.RecordFailure(now)
	if c.Allow(now) {
		t.Fatal("circuit should be open after 3 failures")
	}
	if len(changes) != 1 || changes[0] != domain.CircuitOpen {
		t.Fatalf("unexpected transitions: %v", changes)
	}
}

func TestCircuitSuccessResetsFailures(t *testing.T) {
	t.Parallel()
	c := NewCircuit("p", 3, time.Minute, nil)
	now := time.Now()

	c.RecordFailure(now)
	c.RecordFailure(now)
	c.RecordSuccess(now)
	c.RecordFailure(now)
	c.RecordFailure(now)
	if got := c.Snapshot(); got.State != domain.CircuitClosed || got.ConsecutiveFailures != 2 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if c.Snapshot().LastSuccess.IsZero() {
		t.Fatal("expected last success to be recorded")
	}
}

func TestCircuitHalfOpenAdmitsSingleTrial(t *testing.T) {
	t.Parallel()
	c := NewCircuit("p", 1, time.Second, nil)
	now := time.Now()
	c.RecordFailure(now)

	later := now.Add(2 * time.Second)
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Allow(later) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 1 {
		t.Fatalf("expected exactly one trial call, got %d", admitted.Load())
	}
	if c.Snapshot().State != domain.CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", c.Snapshot().State)
	}
}

func TestCircuitFailedTrialReopens(t *testing.T) {
	t.Parallel()
	c := NewCircuit("p", 1, time.Second, nil)
	now := time.Now()
	c.RecordFailure(now)

	trialAt := now.Add(2 * time.Second)
	if !c.Allow(trialAt) {
		t.Fatal("expected trial call to be admitted")
	}
	c.RecordFailure(trialAt)
	if c.Snapshot().State != domain.CircuitOpen {
		t.Fatalf("expected open after failed trial call, got %s", c.Snapshot().State)
	}
	if c.Allow(trialAt.Add(500 * time.Millisecond)) {
		t.Fatal("cool-down should restart after a failed trial call")
	}
	if !c.Allow(trialAt.Add(2 * time.Second)) {
		t.Fatal("expected a new trial call after the second cool-down")
	}
}

func TestCircuitAbandonReleasesTrial(t *testing.T) {
	t.Parallel()
	c := NewCircuit("p", 1, time.Second, nil)
	now := time.Now()
	c.RecordFailure(now)

	later := now.Add(2 * time.Second)
	if !c.Allow(later) {
		t.Fatal("expected a trial call")
	}
	if c.Allow(later) {
		t.Fatal("second trial call must wait")
	}
	c.Abandon()
	if !c.Allow(later) {
		t.Fatal("expected a trial call after abandon")
	}
}
