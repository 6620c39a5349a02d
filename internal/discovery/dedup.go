// Package discovery finds claimable rooms through three notifiers — a
// realtime websocket change stream, the store's NOTIFY channel, and
// periodic polling — funnels them through one claim-attempt dedup
// cache and a mode filter, and delivers successful claims to the
// worker manager tagged with the notifier that produced them.
package discovery

import (
	"sync"
	"time"
)

// DefaultDedupWindow is how long a claim attempt suppresses further
// attempts for the same room across all notifiers. Kept shorter than
// the ownership staleness threshold so a lost claim never blocks
// reclaim after a worker failure.
const DefaultDedupWindow = 30 * time.Second

// dedupCache remembers recent claim attempts per room. Safe for
// concurrent use.
type dedupCache struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func newDedupCache(window time.Duration) *dedupCache {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &dedupCache{
		window: window,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// TryMark records a claim attempt for roomID. Returns false when an
// attempt is already in-window, true when this caller should proceed.
func (c *dedupCache) TryMark(roomID string) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.seen[roomID]; ok && now.Sub(at) < c.window {
		return false
	}
	c.seen[roomID] = now
	c.prune(now)
	return true
}

// Mark unconditionally refreshes the attempt timestamp for roomID, so
// a fresh dedup window starts now. Used when an attach failed and the
// room must not be hammered again right away.
func (c *dedupCache) Mark(roomID string) {
	c.mu.Lock()
	c.seen[roomID] = c.now()
	c.mu.Unlock()
}

// Forget clears the room from the cache so it can be picked up again
// immediately, typically after its processing completed.
func (c *dedupCache) Forget(roomID string) {
	c.mu.Lock()
	delete(c.seen, roomID)
	c.mu.Unlock()
}

// prune drops expired entries. Must be called with c.mu held.
func (c *dedupCache) prune(now time.Time) {
	for id, at := range c.seen {
		if now.Sub(at) >= c.window {
			delete(c.seen, id)
		}
	}
}
