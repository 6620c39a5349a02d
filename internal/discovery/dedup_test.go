package discovery

import (
	"testing"
	"time"
)

func TestDedupSuppressesWithinWindow(t *testing.T) {
	c := newDedupCache(time.Minute)
	if !c.TryMark("r1") {
		t.Fatal("first attempt should pass")
	}
	if c.TryMark("r1") {
		t.Fatal("second attempt in-window should be suppressed")
	}
	if !c.TryMark("r2") {
		t.Fatal("different room should pass")
	}
}

func TestDedupExpires(t *testing.T) {
	c := newDedupCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	if !c.TryMark("r1") {
		t.Fatal("first attempt should pass")
	}
	now = now.Add(61 * time.Second)
	if !c.TryMark("r1") {
		t.Fatal("attempt after the window should pass")
	}
}

func TestDedupMarkRestartsWindow(t *testing.T) {
	c := newDedupCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.TryMark("r1")
	now = now.Add(50 * time.Second)
	c.Mark("r1") // failed attach refreshes the suppression

	now = now.Add(30 * time.Second)
	if c.TryMark("r1") {
		t.Fatal("attempt inside the refreshed window should be suppressed")
	}
	now = now.Add(31 * time.Second)
	if !c.TryMark("r1") {
		t.Fatal("attempt after the refreshed window should pass")
	}
}

func TestDedupForget(t *testing.T) {
	c := newDedupCache(time.Minute)
	c.TryMark("r1")
	c.Forget("r1")
	if !c.TryMark("r1") {
		t.Fatal("forgotten room should be claimable again")
	}
}

func TestDedupPrunesExpiredEntries(t *testing.T) {
	c := newDedupCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.TryMark("r1")
	c.TryMark("r2")
	now = now.Add(2 * time.Minute)
	c.TryMark("r3") // triggers prune

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.seen) != 1 {
		t.Errorf("cache holds %d entries, want 1", len(c.seen))
	}
}

func TestDedupZeroWindowUsesDefault(t *testing.T) {
	c := newDedupCache(0)
	if c.window != DefaultDedupWindow {
		t.Errorf("window = %v, want %v", c.window, DefaultDedupWindow)
	}
}
