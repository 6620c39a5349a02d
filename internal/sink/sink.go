// Package sink buffers finalized transcript fragments and writes them
// to the store in bounded batches. One Sink serves one room; every STT
// pipeline of that room enqueues into it concurrently and the sink
// serializes flushes.
//
// The queue is capped. When producers outrun a failing store, the
// oldest pending row is dropped with accounting rather than blocking
// the audio path — transcription is lossy-on-overflow by design of the
// persistence contract, never blocking.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vollawetscher/media-worker/internal/observe"
	"github.com/vollawetscher/media-worker/internal/store"
)

const (
	// DefaultBatchSize triggers a flush when this many rows are pending.
	DefaultBatchSize = 10

	// DefaultBatchInterval triggers a flush when the oldest pending row
	// reaches this age.
	DefaultBatchInterval = 100 * time.Millisecond

	// DefaultMaxQueue caps the pending queue. Beyond it the oldest row
	// is dropped.
	DefaultMaxQueue = 500
)

// Entry is one finalized utterance pending persistence. Wall-clock is
// captured at enqueue; the relative timestamp is computed at flush time
// against the room's timebase.
type Entry struct {
	SessionID     string
	ParticipantID string
	Text          string
	IsFinal       bool
	Confidence    float64
	StartTime     float64
	EndTime       float64
	Language      string
	WallClock     time.Time
}

// Store is the subset of the store gateway the sink writes through.
type Store interface {
	InsertTranscriptBatch(ctx context.Context, rows []store.TranscriptRow) error
	RoomOrganization(ctx context.Context, roomID string) (string, error)
}

// Clock converts wall-clock instants to seconds from the room's t0.
type Clock interface {
	Relative(t time.Time) (float64, error)
}

// Config tunes the sink. Zero values select the defaults.
type Config struct {
	BatchSize     int
	BatchInterval time.Duration
	MaxQueue      int
}

type queued struct {
	entry    Entry
	queuedAt time.Time
}

// Sink is the bounded batch writer for one room's transcript rows.
// Enqueue is safe for concurrent use; flushing is serialized.
type Sink struct {
	roomID  string
	st      Store
	clock   Clock
	cfg     Config
	metrics *observe.Metrics

	mu    sync.Mutex
	queue []queued

	orgOnce   sync.Mutex
	orgLoaded bool
	org       string

	dropped atomic.Int64

	kick     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Sink for roomID and starts its flush loop. Stop must be
// called to flush remaining rows and release the loop.
func New(roomID string, st Store, clock Clock, cfg Config, metrics *observe.Metrics) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = DefaultBatchInterval
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = DefaultMaxQueue
	}
	s := &Sink{
		roomID:  roomID,
		st:      st,
		clock:   clock,
		cfg:     cfg,
		metrics: metrics,
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

// Enqueue adds a finalized fragment to the pending queue. Non-final
// fragments are ignored. Never blocks: at capacity the oldest pending
// row is dropped with accounting.
func (s *Sink) Enqueue(e Entry) {
	if !e.IsFinal {
		return
	}

	s.mu.Lock()
	if len(s.queue) >= s.cfg.MaxQueue {
		dropped := s.queue[0].entry
		s.queue = s.queue[1:]
		n := s.dropped.Add(1)
		s.mu.Unlock()
		slog.Warn("transcript queue full, dropped oldest row",
			"room_id", s.roomID,
			"session_id", dropped.SessionID,
			"total_dropped", n,
		)
		if s.metrics != nil {
			s.metrics.RecordTranscriptRows(context.Background(), "dropped", 1)
		}
		s.mu.Lock()
	}
	s.queue = append(s.queue, queued{entry: e, queuedAt: time.Now()})
	size := len(s.queue)
	s.mu.Unlock()

	if size >= s.cfg.BatchSize {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of pending rows.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Dropped returns the total number of rows dropped due to overflow.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Stop flushes the remaining queue synchronously and terminates the
// flush loop. Safe to call more than once.
func (s *Sink) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.Flush(ctx)
	})
	return err
}

// loop drives time-based flushes until Stop.
func (s *Sink) loop() {
	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.kick:
		case <-ticker.C:
			s.mu.Lock()
			due := len(s.queue) > 0 && time.Since(s.queue[0].queuedAt) >= s.cfg.BatchInterval
			s.mu.Unlock()
			if !due {
				continue
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.Flush(ctx); err != nil {
			slog.Error("transcript flush failed", "room_id", s.roomID, "err", err)
		}
		cancel()
	}
}

// Flush drains the pending queue into one batch insert. On failure the
// batch is prepended back only if that would not exceed the cap;
// otherwise the batch is dropped and the error surfaced.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "sink.flush", trace.WithAttributes(
		attribute.String("room.id", s.roomID),
		attribute.Int("rows", len(batch)),
	))
	defer span.End()

	org := s.organization(ctx)

	rows := make([]store.TranscriptRow, 0, len(batch))
	for _, q := range batch {
		rel, err := s.clock.Relative(q.entry.WallClock)
		if err != nil {
			slog.Warn("timebase not ready at flush, using zero offset", "room_id", s.roomID, "err", err)
		}
		md := map[string]string{}
		if org != "" {
			md["organization_id"] = org
		}
		rows = append(rows, store.TranscriptRow{
			RoomID:            s.roomID,
			STTSessionID:      q.entry.SessionID,
			ParticipantID:     q.entry.ParticipantID,
			Text:              q.entry.Text,
			IsFinal:           true,
			Confidence:        q.entry.Confidence,
			RelativeTimestamp: rel,
			StartTime:         q.entry.StartTime,
			EndTime:           q.entry.EndTime,
			Language:          q.entry.Language,
			WallClock:         q.entry.WallClock,
			Metadata:          md,
		})
	}

	start := time.Now()
	err := s.st.InsertTranscriptBatch(ctx, rows)
	if s.metrics != nil {
		s.metrics.BatchFlushDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err == nil {
		if s.metrics != nil {
			s.metrics.RecordTranscriptRows(ctx, "written", int64(len(rows)))
		}
		return nil
	}
	span.RecordError(err)

	s.mu.Lock()
	if len(s.queue)+len(batch) <= s.cfg.MaxQueue {
		s.queue = append(batch, s.queue...)
		s.mu.Unlock()
	} else {
		s.mu.Unlock()
		s.dropped.Add(int64(len(batch)))
		if s.metrics != nil {
			s.metrics.RecordTranscriptRows(ctx, "dropped", int64(len(batch)))
		}
		slog.Error("transcript batch dropped after failed insert",
			"room_id", s.roomID, "rows", len(batch), "err", err)
	}
	return fmt.Errorf("sink: flush %d rows: %w", len(batch), err)
}

// organization lazily loads the room's attribution once and caches it.
// Failures leave the cache unset so the next flush retries.
func (s *Sink) organization(ctx context.Context) string {
	s.orgOnce.Lock()
	defer s.orgOnce.Unlock()
	if s.orgLoaded {
		return s.org
	}
	org, err := s.st.RoomOrganization(ctx, s.roomID)
	if err != nil {
		slog.Debug("organization attribution unavailable", "room_id", s.roomID, "err", err)
		return ""
	}
	s.org = org
	s.orgLoaded = true
	return s.org
}
