// Package worker runs the process lifecycle: registration, heartbeats,
// stale-worker reaping, room discovery, the single-room processing
// loop with idempotent finalization, the optional AI-jobs pool, and
// graceful shutdown.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vollawetscher/media-worker/internal/aijobs"
	"github.com/vollawetscher/media-worker/internal/config"
	"github.com/vollawetscher/media-worker/internal/discovery"
	"github.com/vollawetscher/media-worker/internal/observe"
	"github.com/vollawetscher/media-worker/internal/room"
	"github.com/vollawetscher/media-worker/internal/sink"
	"github.com/vollawetscher/media-worker/internal/store"
	"github.com/vollawetscher/media-worker/internal/timebase"
	"github.com/vollawetscher/media-worker/pkg/provider/llm"
	"github.com/vollawetscher/media-worker/pkg/provider/stt"
)

const (
	// reapEvery paces the periodic stale-worker reaper.
	reapEvery = time.Minute

	// shutdownFinalizeWait bounds how long shutdown waits for an
	// in-flight room to finalize.
	shutdownFinalizeWait = 2 * time.Second

	// finalizeTimeout bounds the store writes of a normal finalize.
	finalizeTimeout = 15 * time.Second

	// claimRetryBackoff is how long a worker waits before re-checking
	// for claimable rooms after a failed attach.
	claimRetryBackoff = 5 * time.Second
)

// Store is the full persistence surface the manager composes over. It
// is satisfied by *store.Store; tests substitute fakes.
type Store interface {
	RegisterWorker(ctx context.Context, workerID, mode string) error
	UpdateHeartbeat(ctx context.Context, workerID string, currentRoomID *string) error
	StopWorker(ctx context.Context, workerID string) error
	ReapStaleWorkers(ctx context.Context) (int, error)

	ClaimRoom(ctx context.Context, workerID, roomID string) (bool, error)
	GetRoom(ctx context.Context, roomID string) (*store.Room, error)
	NextClaimableRoom(ctx context.Context, mode string) (*store.Room, error)
	ReleaseRoom(ctx context.Context, workerID, roomID string) error
	FinalizeRoom(ctx context.Context, roomID string) error
	GetMediaServer(ctx context.Context, ref string) (*store.MediaServer, error)
	EnsurePostCallJobs(ctx context.Context, roomID string, payload map[string]string) (int, error)

	timebase.OriginStore
	room.Store
	sink.Store
	aijobs.Store
}

// discoverer is the discovery surface the manager drives. Satisfied by
// *discovery.Manager; tests substitute fakes.
type discoverer interface {
	Run(ctx context.Context) error
	Claims() <-chan discovery.Candidate
	Release(roomID string)
	ReleaseFailed(roomID string)
	CheckNow()
	RealtimeHealthy() bool
}

// Manager is the top-level worker loop.
type Manager struct {
	cfg     *config.Config
	st      Store
	stt     stt.Provider // nil in ai-jobs mode
	llm     llm.Provider // nil unless the mode runs AI jobs
	metrics *observe.Metrics

	disc discoverer

	mu          sync.Mutex
	currentRoom *string
}

// New wires a Manager. stt may be nil when the mode does not
// transcribe; llm may be nil when the mode does not run AI jobs.
func New(cfg *config.Config, st Store, sttProvider stt.Provider, llmProvider llm.Provider, metrics *observe.Metrics) *Manager {
	m := &Manager{
		cfg:     cfg,
		st:      st,
		stt:     sttProvider,
		llm:     llmProvider,
		metrics: metrics,
	}
	m.disc = discovery.NewManager(discovery.Config{
		WorkerID:        cfg.Worker.ID,
		Mode:            cfg.Worker.Mode,
		PollingInterval: cfg.Discovery.PollingInterval,
		EnablePolling:   cfg.Discovery.EnablePolling,
		NotifyDSN:       cfg.Store.DirectURL,
		EnableNotify:    cfg.Discovery.EnableNotify,
		RealtimeURL:     cfg.Store.RealtimeURL,
		RealtimeAPIKey:  cfg.Store.ServiceKey,
		RealtimeTimeout: cfg.Discovery.RealtimeTimeout,
		RealtimeRetry:   cfg.Discovery.RealtimeRetryInterval,
		DedupWindow:     cfg.Discovery.ClaimCacheWindow,
	}, st, metrics)
	return m
}

// RealtimeHealthy exposes the realtime notifier's health for the
// readiness probe.
func (m *Manager) RealtimeHealthy() bool { return m.disc.RealtimeHealthy() }

// Run executes the startup sequence and blocks until ctx is cancelled.
// On the way out it finalizes any in-flight room (bounded wait) and
// marks the worker row stopped.
func (m *Manager) Run(ctx context.Context) error {
	workerID := m.cfg.Worker.ID

	// Best effort: a reap failure must not block startup.
	if n, err := m.st.ReapStaleWorkers(ctx); err != nil {
		slog.Warn("startup reap failed", "err", err)
	} else if n > 0 {
		slog.Info("reaped stale workers at startup", "count", n)
		if m.metrics != nil {
			m.metrics.WorkersReaped.Add(ctx, int64(n))
		}
	}

	if err := m.st.RegisterWorker(ctx, workerID, string(m.cfg.Worker.Mode)); err != nil {
		return fmt.Errorf("worker: register: %w", err)
	}
	slog.Info("worker registered", "worker_id", workerID, "mode", m.cfg.Worker.Mode)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { m.heartbeatLoop(gctx); return nil })
	g.Go(func() error { m.reaperLoop(gctx); return nil })

	if m.cfg.Worker.Mode.RunsAIJobs() {
		driver := aijobs.New(m.st, m.llm, m.metrics, m.cfg.AI.PollInterval)
		g.Go(func() error {
			if err := driver.Run(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("worker: ai jobs driver: %w", err)
			}
			return nil
		})
	}

	if m.cfg.Worker.Mode.Transcribes() {
		g.Go(func() error {
			if err := m.disc.Run(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("worker: discovery: %w", err)
			}
			return nil
		})
		g.Go(func() error { m.roomLoop(gctx); return nil })
	}

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := m.st.StopWorker(stopCtx, workerID); serr != nil {
		slog.Error("failed to mark worker stopped", "err", serr)
	}
	slog.Info("worker stopped", "worker_id", workerID)
	return err
}

// heartbeatLoop advertises liveness until ctx is cancelled.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Worker.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.st.UpdateHeartbeat(ctx, m.cfg.Worker.ID, m.roomRef()); err != nil {
				slog.Error("heartbeat failed", "err", err)
				if m.metrics != nil {
					m.metrics.HeartbeatFailures.Add(ctx, 1)
				}
			}
		}
	}
}

// reaperLoop periodically reaps stale workers cluster-wide.
func (m *Manager) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.st.ReapStaleWorkers(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("periodic reap failed", "err", err)
				}
				continue
			}
			if n > 0 {
				slog.Info("reaped stale workers", "count", n)
				if m.metrics != nil {
					m.metrics.WorkersReaped.Add(ctx, int64(n))
				}
			}
		}
	}
}

// roomLoop consumes claimed rooms one at a time. The discovery
// manager's gate guarantees at most one in flight.
func (m *Manager) roomLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cand := <-m.disc.Claims():
			m.processRoom(ctx, cand)
		}
	}
}

// roomRef returns the current room id pointer for heartbeats (nil
// between rooms).
func (m *Manager) roomRef() *string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentRoom
}

func (m *Manager) setRoom(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		m.currentRoom = nil
	} else {
		m.currentRoom = &id
	}
}

// processRoom drives one claimed room from attach to finalize. Every
// exit path releases the claim and reopens the discovery gate.
func (m *Manager) processRoom(ctx context.Context, cand discovery.Candidate) {
	r := cand.Room
	started := time.Now()

	ctx, span := observe.StartSpan(ctx, "worker.process_room", trace.WithAttributes(
		attribute.String("room.id", r.ID),
		attribute.String("claim.method", cand.Method),
	))
	defer span.End()

	m.setRoom(r.ID)
	failed := false
	defer func() {
		m.setRoom("")
		if failed {
			// A failed attach keeps the room suppressed for a dedup
			// window and only re-checks after a back-off, so a broken
			// room cannot drive a tight claim/release loop.
			m.disc.ReleaseFailed(r.ID)
			time.AfterFunc(claimRetryBackoff, m.disc.CheckNow)
		} else {
			m.disc.Release(r.ID)
			m.disc.CheckNow()
		}
		if m.metrics != nil {
			m.metrics.RoomDuration.Record(context.Background(), time.Since(started).Seconds())
		}
	}()

	server, err := m.st.GetMediaServer(ctx, r.ServerRef)
	if err != nil {
		slog.Error("unknown media server, releasing room",
			"room_id", r.ID, "server_ref", r.ServerRef, "err", err)
		span.RecordError(err)
		m.releaseOnly(r.ID)
		failed = true
		return
	}

	clock := timebase.New(m.st)
	if err := clock.Initialize(ctx, r.ID); err != nil {
		slog.Error("timebase initialization failed, releasing room", "room_id", r.ID, "err", err)
		span.RecordError(err)
		m.releaseOnly(r.ID)
		failed = true
		return
	}

	transcriptSink := sink.New(r.ID, m.st, clock, sink.Config{}, m.metrics)

	sess := room.NewSession(room.Config{
		Room:           r,
		Server:         *server,
		WorkerID:       m.cfg.Worker.ID,
		Transcribe:     m.cfg.Worker.Mode.Transcribes(),
		Language:       m.cfg.Transcription.Language,
		OperatingPoint: m.cfg.Transcription.OperatingPoint,
		EnablePartials: m.cfg.Transcription.EnablePartials,
	}, m.st, m.stt, transcriptSink, m.metrics)

	ended := make(chan struct{})
	var endOnce sync.Once
	detector := room.NewEndDetector(r.EmptyTimeout, func() {
		endOnce.Do(func() { close(ended) })
	})
	defer detector.Stop()
	sess.OnCountChange(detector.Update)

	if err := sess.Connect(ctx); err != nil {
		slog.Error("room attach failed, releasing room", "room_id", r.ID, "err", err)
		span.RecordError(err)
		transcriptSink.Stop()
		m.releaseOnly(r.ID)
		failed = true
		return
	}

	// An already-empty room starts its empty window immediately.
	detector.Update(sess.ParticipantCount())

	select {
	case <-ended:
		slog.Info("room ended", "room_id", r.ID, "reason", "empty_timeout")
	case <-sess.Disconnected():
		slog.Warn("room ended", "room_id", r.ID, "reason", "server_disconnect")
		detector.Force()
	case <-ctx.Done():
		slog.Info("room ended", "room_id", r.ID, "reason", "shutdown")
		detector.Force()
	}

	wait := finalizeTimeout
	if ctx.Err() != nil {
		wait = shutdownFinalizeWait
	}
	m.finalize(r, sess, transcriptSink, wait)
}

// releaseOnly clears ownership without finalizing, so another worker
// (or this one later) can process the room.
func (m *Manager) releaseOnly(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.st.ReleaseRoom(ctx, m.cfg.Worker.ID, roomID); err != nil {
		slog.Error("room release failed", "room_id", roomID, "err", err)
	}
}

// finalize tears the room down in order: adapters and transport, then
// the sink flush, then the store transitions. Every store step is
// idempotent, so a finalize that raced a crash-recovery pass converges
// on the same terminal state.
func (m *Manager) finalize(r *store.Room, sess *room.Session, transcriptSink *sink.Sink, wait time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)

		if err := sess.Close(); err != nil {
			slog.Error("room session close failed", "room_id", r.ID, "err", err)
		}
		if err := transcriptSink.Stop(); err != nil {
			slog.Error("sink flush on finalize failed", "room_id", r.ID, "err", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()

		if err := m.st.FinalizeRoom(ctx, r.ID); err != nil {
			slog.Error("room finalize write failed", "room_id", r.ID, "err", err)
		}

		// Post-call job scheduling is owned by the completion webhook;
		// this is the fallback for rooms whose webhook never fired.
		if r.AIEnabled {
			if n, err := m.st.EnsurePostCallJobs(ctx, r.ID, map[string]string{"room_id": r.ID}); err != nil {
				slog.Error("post-call job fallback failed", "room_id", r.ID, "err", err)
			} else if n > 0 {
				slog.Info("post-call jobs scheduled by fallback", "room_id", r.ID, "count", n)
			}
		}

		if err := m.st.ReleaseRoom(ctx, m.cfg.Worker.ID, r.ID); err != nil {
			slog.Error("room release failed", "room_id", r.ID, "err", err)
		}
	}()

	select {
	case <-done:
		slog.Info("room finalized", "room_id", r.ID)
	case <-time.After(wait):
		slog.Warn("finalize still running at shutdown deadline", "room_id", r.ID)
	}
}
