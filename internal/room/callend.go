package room

import (
	"sync"
	"time"
)

// DefaultEmptyTimeout applies when the room row carries no timeout.
const DefaultEmptyTimeout = 30 * time.Second

// EndDetector tracks the participant count and fires its handler
// exactly once when the room has been empty for the configured window.
// Force fires immediately (provider disconnect, shutdown). Safe for
// concurrent use.
type EndDetector struct {
	timeout time.Duration
	handler func()

	mu    sync.Mutex
	timer *time.Timer
	fired bool
}

// NewEndDetector creates a detector. handler runs on a timer goroutine
// (or the Force caller's goroutine) and must not block.
func NewEndDetector(timeout time.Duration, handler func()) *EndDetector {
	if timeout <= 0 {
		timeout = DefaultEmptyTimeout
	}
	return &EndDetector{timeout: timeout, handler: handler}
}

// Update feeds the current participant count. Zero arms the empty-room
// timer; any positive count disarms it.
func (d *EndDetector) Update(count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired {
		return
	}

	if count > 0 {
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
		return
	}

	if d.timer == nil {
		d.timer = time.AfterFunc(d.timeout, d.fire)
	}
}

// Force cancels any pending timer and fires immediately.
func (d *EndDetector) Force() { d.fire() }

// Stop disarms the detector without firing.
func (d *EndDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fired = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *EndDetector) fire() {
	d.mu.Lock()
	if d.fired {
		d.mu.Unlock()
		return
	}
	d.fired = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	d.handler()
}
