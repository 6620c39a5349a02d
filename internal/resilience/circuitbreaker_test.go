package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// testBreaker creates a breaker whose clock the test advances manually.
func testBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(cfg)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return at }
	return cb, &at
}

func failN(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for range n {
		if err := cb.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("Execute() = %v, want %v", err, errBoom)
		}
	}
}

func TestBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "stt"})
	if cb.trip != DefaultMaxFailures {
		t.Errorf("trip = %d, want %d", cb.trip, DefaultMaxFailures)
	}
	if cb.cooloff != DefaultResetTimeout {
		t.Errorf("cooloff = %v, want %v", cb.cooloff, DefaultResetTimeout)
	}
	if cb.probes != DefaultHalfOpenMax {
		t.Errorf("probes = %d, want %d", cb.probes, DefaultHalfOpenMax)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("initial State() = %v, want closed", got)
	}
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	cb, _ := testBreaker(CircuitBreakerConfig{MaxFailures: 3})

	failN(t, cb, 2)
	if got := cb.State(); got != StateClosed {
		t.Fatalf("State() = %v, want closed", got)
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}

	// The success reset the streak; two more failures must not trip it.
	failN(t, cb, 2)
	if got := cb.State(); got != StateClosed {
		t.Fatalf("State() after reset streak = %v, want closed", got)
	}
}

func TestBreakerOpensAndRejects(t *testing.T) {
	cb, _ := testBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute})

	failN(t, cb, 2)
	if got := cb.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Execute() while open = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("fn ran while the breaker was open")
	}
}

func TestBreakerClosesAfterSuccessfulProbes(t *testing.T) {
	cb, at := testBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Minute,
		HalfOpenMax:  2,
	})

	failN(t, cb, 1)
	*at = at.Add(time.Minute)

	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("State() after cool-off = %v, want half-open", got)
	}
	for i := range 2 {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: Execute() = %v, want nil", i, err)
		}
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("State() after probes = %v, want closed", got)
	}
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	cb, at := testBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})

	failN(t, cb, 1)
	*at = at.Add(time.Minute)

	failN(t, cb, 1) // the probe fails
	if got := cb.State(); got != StateOpen {
		t.Fatalf("State() after failed probe = %v, want open", got)
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Execute() = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerReset(t *testing.T) {
	cb, _ := testBreaker(CircuitBreakerConfig{MaxFailures: 1})

	failN(t, cb, 1)
	if got := cb.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	cb.Reset()
	if got := cb.State(); got != StateClosed {
		t.Fatalf("State() after Reset = %v, want closed", got)
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute() after Reset = %v, want nil", err)
	}
}

func TestStateString(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
