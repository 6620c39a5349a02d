package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestGroupPrefersPrimary(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("backup", "backup")

	var used string
	if err := fg.Execute(func(v string) error { used = v; return nil }); err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if used != "primary" {
		t.Fatalf("used = %q, want primary", used)
	}
}

func TestGroupFailsOverInOrder(t *testing.T) {
	fg := NewFallbackGroup("a", "a", FallbackConfig{})
	fg.AddFallback("b", "b")
	fg.AddFallback("c", "c")

	var tried []string
	err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		if v != "c" {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(tried) != len(want) {
		t.Fatalf("tried = %v, want %v", tried, want)
	}
	for i := range want {
		if tried[i] != want[i] {
			t.Fatalf("tried = %v, want %v", tried, want)
		}
	}
}

func TestGroupAllFail(t *testing.T) {
	fg := NewFallbackGroup("a", "a", FallbackConfig{})
	fg.AddFallback("b", "b")

	err := fg.Execute(func(string) error { return errBoom })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("Execute() = %v, want ErrAllFailed", err)
	}
}

func TestGroupSkipsOpenBreaker(t *testing.T) {
	fg := NewFallbackGroup("a", "a", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("b", "b")

	// Two failing rounds trip the primary's breaker.
	for range 2 {
		_ = fg.Execute(func(v string) error {
			if v == "a" {
				return errBoom
			}
			return nil
		})
	}

	calls := 0
	var used string
	if err := fg.Execute(func(v string) error { calls++; used = v; return nil }); err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if calls != 1 || used != "b" {
		t.Fatalf("calls = %d used = %q, want one call to b", calls, used)
	}
}

func TestExecuteWithResultReturnsFirstSuccess(t *testing.T) {
	fg := NewFallbackGroup(1, "one", FallbackConfig{})
	fg.AddFallback("two", 2)

	got, err := ExecuteWithResult(fg, func(v int) (string, error) {
		if v == 1 {
			return "", errBoom
		}
		return "two wins", nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult() = %v", err)
	}
	if got != "two wins" {
		t.Fatalf("result = %q", got)
	}
}

func TestExecuteWithResultAllFail(t *testing.T) {
	fg := NewFallbackGroup(1, "one", FallbackConfig{})

	_, err := ExecuteWithResult(fg, func(int) (string, error) { return "", errBoom })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("ExecuteWithResult() = %v, want ErrAllFailed", err)
	}
}
