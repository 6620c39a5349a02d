// Package resilience guards the worker's external providers — the STT
// streaming endpoint and the post-call LLM backend — with circuit
// breakers and ordered failover groups. A tripped primary is bypassed
// in favour of the next healthy fallback until its cool-off elapses.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the
// breaker is open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the breaker's current operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls; enough
	// successes close the breaker, any failure reopens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Defaults applied by [NewCircuitBreaker] for zero config fields.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 3
)

// CircuitBreakerConfig tunes one breaker.
type CircuitBreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// MaxFailures is how many consecutive failures trip the breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// HalfOpenMax bounds concurrent probe calls in half-open; the same
	// number of successes closes the breaker again.
	HalfOpenMax int
}

// CircuitBreaker is a three-state breaker (closed, open, half-open).
// Safe for concurrent use.
type CircuitBreaker struct {
	name    string
	trip    int
	cooloff time.Duration
	probes  int
	now     func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int // probes admitted this half-open round
	probeOK  int
}

// NewCircuitBreaker creates a closed breaker, filling zero config
// fields with the package defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultHalfOpenMax
	}
	return &CircuitBreaker{
		name:    cfg.Name,
		trip:    cfg.MaxFailures,
		cooloff: cfg.ResetTimeout,
		probes:  cfg.HalfOpenMax,
		now:     time.Now,
	}
}

// Execute runs fn unless the breaker rejects the call. The call's
// outcome feeds the failure accounting; fn's error is returned as-is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.settle(err)
	return err
}

// admit decides whether a call may proceed, transitioning open to
// half-open when the cool-off has elapsed.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooloff {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.inFlight, cb.probeOK = 0, 0
		slog.Info("circuit breaker probing", "name", cb.name)
	case StateHalfOpen:
		if cb.inFlight >= cb.probes {
			return ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.inFlight++
	}
	return nil
}

// settle records the call outcome.
func (cb *CircuitBreaker) settle(callErr error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if callErr != nil {
		cb.openedAt = cb.now()
		if cb.state == StateHalfOpen {
			cb.state = StateOpen
			cb.failures = cb.trip
			slog.Warn("circuit breaker reopened", "name", cb.name)
			return
		}
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.trip {
			cb.state = StateOpen
			slog.Warn("circuit breaker opened",
				"name", cb.name, "consecutive_failures", cb.failures)
		}
		return
	}

	if cb.state == StateHalfOpen {
		cb.probeOK++
		if cb.probeOK >= cb.probes {
			cb.state = StateClosed
			cb.failures = 0
			slog.Info("circuit breaker closed", "name", cb.name)
		}
		return
	}
	cb.failures = 0
}

// State reports the effective state: an open breaker whose cool-off has
// elapsed reports half-open even though the transition happens on the
// next Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cooloff {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.inFlight, cb.probeOK = 0, 0
	slog.Info("circuit breaker reset", "name", cb.name)
}
