// Package timebase anchors every transcript timestamp of a room to a
// single wall-clock origin (t0). The first owner of a room establishes
// t0; any successor — including one taking over after a crash — loads
// the same value, so transcripts written across ownership changes align
// on one timeline.
package timebase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotInitialized is returned by Relative before Initialize succeeds.
var ErrNotInitialized = errors.New("timebase: Relative called before Initialize")

// OriginStore is the subset of the store gateway the clock needs.
type OriginStore interface {
	TimebaseOrigin(ctx context.Context, roomID string) (*time.Time, error)
	SetTimebaseOrigin(ctx context.Context, roomID string, origin time.Time) (time.Time, error)
}

// Clock converts wall-clock instants to seconds from the room's t0.
// Safe for concurrent use after Initialize.
type Clock struct {
	store OriginStore
	now   func() time.Time

	mu     sync.RWMutex
	origin time.Time
	ready  bool
}

// Option configures a Clock.
type Option func(*Clock)

// WithNow overrides the wall-clock source. Tests use this to pin time.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// New creates an uninitialized Clock over the given store.
func New(store OriginStore, opts ...Option) *Clock {
	c := &Clock{store: store, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Initialize loads the room's origin, or establishes it with
// set-if-null semantics when absent. A contender that loses the
// establishment race adopts the winner's stored value; t0 is immutable
// once set. Initialize is idempotent.
func (c *Clock) Initialize(ctx context.Context, roomID string) error {
	origin, err := c.store.TimebaseOrigin(ctx, roomID)
	if err != nil {
		return fmt.Errorf("timebase: load room %s: %w", roomID, err)
	}

	var stored time.Time
	if origin != nil {
		stored = *origin
		slog.Debug("timebase origin loaded", "room_id", roomID, "origin", stored)
	} else {
		// Propose now; the store keeps whichever proposal landed first.
		stored, err = c.store.SetTimebaseOrigin(ctx, roomID, c.now().UTC())
		if err != nil {
			return fmt.Errorf("timebase: establish origin for room %s: %w", roomID, err)
		}
		slog.Info("timebase origin established", "room_id", roomID, "origin", stored)
	}

	c.mu.Lock()
	c.origin = stored
	c.ready = true
	c.mu.Unlock()
	return nil
}

// Origin returns the room's t0. Zero until Initialize succeeds.
func (c *Clock) Origin() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.origin
}

// Relative returns (t − t0) in seconds. Calling it before Initialize
// is a usage error.
func (c *Clock) Relative(t time.Time) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ready {
		return 0, ErrNotInitialized
	}
	return t.Sub(c.origin).Seconds(), nil
}

// RelativeNow returns the current instant relative to t0.
func (c *Clock) RelativeNow() (float64, error) {
	return c.Relative(c.now())
}
