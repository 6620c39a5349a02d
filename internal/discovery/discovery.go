package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vollawetscher/media-worker/internal/config"
	"github.com/vollawetscher/media-worker/internal/observe"
	"github.com/vollawetscher/media-worker/internal/store"
)

// Store is the subset of the store gateway discovery needs.
type Store interface {
	ClaimRoom(ctx context.Context, workerID, roomID string) (bool, error)
	GetRoom(ctx context.Context, roomID string) (*store.Room, error)
	NextClaimableRoom(ctx context.Context, mode string) (*store.Room, error)
}

// Candidate is one successfully claimed room, tagged with the notifier
// that found it.
type Candidate struct {
	Room   *store.Room
	Method string // realtime | notify | polling | startup
}

// Config tunes the discovery manager.
type Config struct {
	WorkerID string
	Mode     config.Mode

	PollingInterval time.Duration
	EnablePolling   bool

	NotifyDSN    string
	EnableNotify bool

	RealtimeURL     string
	RealtimeAPIKey  string
	RealtimeTimeout time.Duration
	RealtimeRetry   time.Duration

	DedupWindow time.Duration
}

// Manager runs the three notifiers, owns the dedup cache and the
// single-room gate, and delivers claimed rooms on Claims. The gate is
// taken before a claim is attempted, so the worker never holds two
// rooms even when notifiers race.
type Manager struct {
	cfg     Config
	st      Store
	metrics *observe.Metrics

	cache    *dedupCache
	busy     atomic.Bool
	claims   chan Candidate
	checkNow chan struct{}

	realtime *RealtimeNotifier
	listener *store.Listener
}

// NewManager creates a Manager. Run must be called to start the
// notifiers.
func NewManager(cfg Config, st Store, metrics *observe.Metrics) *Manager {
	m := &Manager{
		cfg:      cfg,
		st:       st,
		metrics:  metrics,
		cache:    newDedupCache(cfg.DedupWindow),
		claims:   make(chan Candidate, 1),
		checkNow: make(chan struct{}, 1),
	}
	if cfg.RealtimeURL != "" {
		m.realtime = NewRealtimeNotifier(
			cfg.RealtimeURL, cfg.RealtimeAPIKey,
			cfg.RealtimeTimeout, cfg.RealtimeRetry,
			m.onRealtimeChange,
		)
	}
	if cfg.EnableNotify && cfg.NotifyDSN != "" {
		m.listener = store.NewListener(cfg.NotifyDSN, cfg.RealtimeRetry)
	}
	return m
}

// Claims delivers claimed rooms to the worker manager.
func (m *Manager) Claims() <-chan Candidate { return m.claims }

// Release reopens the gate and clears the room from the dedup cache so
// it can be legitimately re-processed later. Called by the worker
// after finalize.
func (m *Manager) Release(roomID string) {
	m.cache.Forget(roomID)
	m.busy.Store(false)
}

// ReleaseFailed reopens the gate after a failed attach but keeps the
// room suppressed for a fresh dedup window, so a room whose media
// server or STT stream is misbehaving is not reclaimed in a tight
// loop. Other workers (and this one, after the window) can still pick
// it up.
func (m *Manager) ReleaseFailed(roomID string) {
	m.cache.Mark(roomID)
	m.busy.Store(false)
}

// CheckNow schedules an immediate poll. Non-blocking.
func (m *Manager) CheckNow() {
	select {
	case m.checkNow <- struct{}{}:
	default:
	}
}

// RealtimeHealthy reports the realtime notifier's health, true when it
// is not configured.
func (m *Manager) RealtimeHealthy() bool {
	if m.realtime == nil {
		return true
	}
	return m.realtime.Healthy()
}

// Run starts the notifiers and blocks until ctx is cancelled. The
// startup scan runs first so a restarted worker immediately picks up
// rooms whose owner died.
func (m *Manager) Run(ctx context.Context) error {
	if m.realtime != nil {
		go m.realtime.Run(ctx)
	}
	if m.listener != nil {
		go m.listener.Run(ctx)
		go m.consumeNotify(ctx)
	}

	m.attemptNext(ctx, "startup")

	if !m.cfg.EnablePolling {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(m.cfg.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.attemptNext(ctx, "polling")
		case <-m.checkNow:
			m.attemptNext(ctx, "polling")
		}
	}
}

func (m *Manager) onRealtimeChange(ch RoomChange) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.attemptRoom(ctx, ch.RoomID, "realtime")
}

func (m *Manager) consumeNotify(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.listener.Events():
			m.attemptRoom(ctx, ev.RoomID, "notify")
		}
	}
}

// attemptRoom claims one specific room surfaced by a notifier.
func (m *Manager) attemptRoom(ctx context.Context, roomID, method string) {
	if roomID == "" || m.busy.Load() {
		return
	}
	if !m.cache.TryMark(roomID) {
		return
	}

	room, err := m.st.GetRoom(ctx, roomID)
	if err != nil {
		slog.Debug("discovery: room fetch failed", "room_id", roomID, "err", err)
		return
	}
	if !m.claimable(room) {
		return
	}
	m.claim(ctx, room, method)
}

// attemptNext claims the oldest claimable room (polling and startup
// paths). The store query already applies the mode filter.
func (m *Manager) attemptNext(ctx context.Context, method string) {
	if m.busy.Load() {
		return
	}
	room, err := m.st.NextClaimableRoom(ctx, string(m.cfg.Mode))
	if err != nil {
		slog.Warn("discovery: poll query failed", "err", err)
		return
	}
	if room == nil {
		return
	}
	if !m.cache.TryMark(room.ID) {
		return
	}
	m.claim(ctx, room, method)
}

// claim takes the gate, races for ownership, and delivers on success.
// Losing the race is normal operation, not an error.
func (m *Manager) claim(ctx context.Context, room *store.Room, method string) {
	if !m.busy.CompareAndSwap(false, true) {
		return
	}

	ok, err := m.st.ClaimRoom(ctx, m.cfg.WorkerID, room.ID)
	if err != nil {
		m.busy.Store(false)
		if m.metrics != nil {
			m.metrics.RecordClaim(ctx, method, "error")
		}
		slog.Error("discovery: claim failed", "room_id", room.ID, "err", err)
		return
	}
	if !ok {
		m.busy.Store(false)
		if m.metrics != nil {
			m.metrics.RecordClaim(ctx, method, "lost")
		}
		slog.Debug("discovery: claim race lost", "room_id", room.ID, "method", method)
		return
	}

	if m.metrics != nil {
		m.metrics.RecordClaim(ctx, method, "won")
	}
	slog.Info("room claimed", "room_id", room.ID, "room_name", room.Name, "method", method)

	select {
	case m.claims <- Candidate{Room: room, Method: method}:
	case <-ctx.Done():
		m.busy.Store(false)
	}
}

// claimable applies the status and mode filters to an event-surfaced
// room. The conditional claim re-checks all of this atomically; the
// filter just avoids pointless round-trips.
func (m *Manager) claimable(room *store.Room) bool {
	if room.Status != store.RoomPending && room.Status != store.RoomActive {
		return false
	}
	switch m.cfg.Mode {
	case config.ModeTranscription:
		return room.TranscriptionEnabled
	case config.ModeAIJobs:
		return !room.TranscriptionEnabled
	default:
		return true
	}
}

// Validate checks the configuration before Run.
func (c Config) Validate() error {
	if c.WorkerID == "" {
		return fmt.Errorf("discovery: worker id is required")
	}
	if c.EnablePolling && c.PollingInterval <= 0 {
		return fmt.Errorf("discovery: polling interval must be positive")
	}
	return nil
}
