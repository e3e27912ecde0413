package provider

import (
	"sync/atomic"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/domain"
)

// HealthTracker decides whether a provider may be called and records the
// outcome of each call. Implementations must be safe for concurrent use.
type HealthTracker interface {
	// Allow reports whether a call may be attempted now. In the half-open
	// state exactly one caller is admitted as the trial call.
	Allow(now time.Time) bool
	RecordSuccess(now time.Time)
	RecordFailure(now time.Time)
	// Abandon releases an admitted trial call whose call was cancelled by the caller.
	Abandon()
	Snapshot() domain.ProviderHealthState
}

// StateListener is notified when a circuit changes state.
type StateListener func(provider string, state domain.CircuitState)

// Circuit is a lock-free HealthTracker.
type Circuit struct {
	name      string
	threshold int32
	coolDown  time.Duration
	listener  StateListener

	state       atomic.Int32
	failures    atomic.Int32
	openedAt    atomic.Int64
	lastSuccess atomic.Int64
	inTrial     atomic.Bool
}

// NewCircuit creates a closed circuit that opens after threshold consecutive
// failures and half-opens after coolDown.
func NewCircuit(name string, threshold int, coolDown time.Duration, listener StateListener) *Circuit {
	if threshold <= 0 {
		threshold = 3
	}
	return &Circuit{
		name:      name,
		threshold: int32(threshold),
		coolDown:  coolDown,
		listener:  listener,
	}
}

func (c *Circuit) current() domain.CircuitState {
	return domain.CircuitState(c.state.Load())
}

func (c *Circuit) transition(from, to domain.CircuitState) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if c.listener != nil {
		c.listener(c.name, to)
	}
	return true
}

// Allow implements HealthTracker.
func (c *Circuit) Allow(now time.Time) bool {
	switch c.current() {
	case domain.CircuitClosed:
		return true
	case domain.CircuitOpen:
		if now.Sub(time.Unix(0, c.openedAt.Load())) < c.coolDown {
			return false
		}
		c.transition(domain.CircuitOpen, domain.CircuitHalfOpen)
		return c.inTrial.CompareAndSwap(false, true)
	case domain.CircuitHalfOpen:
		return c.inTrial.CompareAndSwap(false, true)
	}
	return false
}

// RecordSuccess implements HealthTracker.
func (c *Circuit) RecordSuccess(now time.Time) {
	c.failures.Store(0)
	c.lastSuccess.Store(now.UnixNano())
	if c.current() != domain.CircuitClosed {
		c.inTrial.Store(false)
		c.transition(c.current(), domain.CircuitClosed)
	}
}

// RecordFailure implements HealthTracker.
func (c *Circuit) RecordFailure(now time.Time) {
	if c.current() == domain.CircuitHalfOpen {
		c.openedAt.Store(now.UnixNano())
		c.transition(domain.CircuitHalfOpen, domain.CircuitOpen)
		c.inTrial.Store(false)
		return
	}

	n := c.failures.Add(1)
	if n >= c.threshold && c.current() == domain.CircuitClosed {
		c.openedAt.Store(now.UnixNano())
		c.transition(domain.CircuitClosed, domain.CircuitOpen)
	}
}

// Abandon implements HealthTracker.
func (c *Circuit) Abandon() {
	c.inTrial.Store(false)
}

// Snapshot implements HealthTracker.
func (c *Circuit) Snapshot() domain.ProviderHealthState {
	s := domain.ProviderHealthState{
		Provider:            c.name,
		ConsecutiveFailures: int(c.failures.Load()),
		State:               c.current(),
	}
	if ts := c.lastSuccess.Load(); ts > 0 {
		s.LastSuccess = time.Unix(0, ts)
	}
	return s
}
