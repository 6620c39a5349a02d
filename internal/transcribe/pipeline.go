package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vollawetscher/media-worker/internal/observe"
	"github.com/vollawetscher/media-worker/internal/sink"
	"github.com/vollawetscher/media-worker/internal/store"
	"github.com/vollawetscher/media-worker/pkg/provider/stt"
)

// targetSampleRate and targetChannels describe the PCM shape every
// provider stream receives.
const (
	targetSampleRate = 16000
	targetChannels   = 1
)

// SessionStore records recognition session lifecycle rows.
type SessionStore interface {
	CreateSTTSession(ctx context.Context, roomID, participantID, externalTag string) (string, error)
	CompleteSTTSession(ctx context.Context, sessionID string, stats store.SessionStats) error
	FailSTTSession(ctx context.Context, sessionID, reason string) error
}

// Sink receives finalized utterances for persistence.
type Sink interface {
	Enqueue(sink.Entry)
}

// Config describes one pipeline instance.
type Config struct {
	RoomID         string
	ParticipantID  string
	Language       string
	OperatingPoint string
	EnablePartials bool
}

// Pipeline drives one participant's recognition session from stream
// open to session-row closure. One Pipeline per audio track.
type Pipeline struct {
	cfg      Config
	st       SessionStore
	provider stt.Provider
	out      Sink
	metrics  *observe.Metrics

	hmu       sync.RWMutex
	handle    stt.SessionHandle
	agg       *Aggregator
	sessionID string

	bytesSent  atomic.Int64
	utterances atomic.Int64
	confSum    atomic.Int64 // confidence * 1e6, summed
}

// New creates a Pipeline. Run must be called to start it.
func New(cfg Config, st SessionStore, provider stt.Provider, out Sink, metrics *observe.Metrics) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		st:       st,
		provider: provider,
		out:      out,
		metrics:  metrics,
	}
}

// SessionID returns the store session row id, or "" before Run opened
// the session.
func (p *Pipeline) SessionID() string { return p.sessionID }

// SendPCM forwards normalized PCM to the provider stream. Chunks
// arriving before Run has opened the stream are dropped.
func (p *Pipeline) SendPCM(chunk []byte) error {
	p.hmu.RLock()
	handle := p.handle
	p.hmu.RUnlock()
	if handle == nil || len(chunk) == 0 {
		return nil
	}
	p.bytesSent.Add(int64(len(chunk)))
	return handle.SendAudio(chunk)
}

// Run opens the provider stream and the session row, then consumes
// fragments until the stream ends or ctx is cancelled. The session row
// is always closed on the way out: completed with stats for a clean
// end, failed with the provider reason otherwise.
func (p *Pipeline) Run(ctx context.Context) error {
	handle, err := p.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate:     targetSampleRate,
		Channels:       targetChannels,
		Language:       p.cfg.Language,
		OperatingPoint: p.cfg.OperatingPoint,
		EnablePartials: p.cfg.EnablePartials,
	})
	if err != nil {
		return fmt.Errorf("transcribe: start stream: %w", err)
	}
	p.hmu.Lock()
	p.handle = handle
	p.hmu.Unlock()

	sessionID, err := p.st.CreateSTTSession(ctx, p.cfg.RoomID, p.cfg.ParticipantID, handle.SessionTag())
	if err != nil {
		handle.Close()
		return fmt.Errorf("transcribe: open session row: %w", err)
	}
	p.sessionID = sessionID

	p.agg = NewAggregator(p.persist)
	started := time.Now()

	if p.metrics != nil {
		p.metrics.ActiveSessions.Add(ctx, 1)
		defer p.metrics.ActiveSessions.Add(context.Background(), -1)
		defer func() {
			p.metrics.STTSessionDuration.Record(context.Background(), time.Since(started).Seconds())
		}()
	}

	// Partials are advisory. Drain them so the provider never blocks.
	go func() {
		for f := range handle.Partials() {
			slog.Debug("partial fragment",
				"room_id", p.cfg.RoomID,
				"participant_id", p.cfg.ParticipantID,
				"chars", len(f.Text),
			)
		}
	}()

	// Cancellation closes the stream, which in turn ends the finals
	// channel and lets the loop below drain to completion.
	stop := context.AfterFunc(ctx, func() { handle.Close() })
	defer stop()

	for f := range handle.Finals() {
		p.agg.Append(f)
	}
	p.agg.Close()
	handle.Close()

	return p.finish(handle.Err())
}

// persist hands one aggregated utterance to the sink.
func (p *Pipeline) persist(u Utterance) {
	p.utterances.Add(1)
	p.confSum.Add(int64(u.Confidence * 1e6))
	p.out.Enqueue(sink.Entry{
		SessionID:     p.sessionID,
		ParticipantID: p.cfg.ParticipantID,
		Text:          u.Text,
		IsFinal:       true,
		Confidence:    u.Confidence,
		StartTime:     u.StartTime,
		EndTime:       u.EndTime,
		Language:      u.Language,
		WallClock:     u.WallClock,
	})
}

// finish closes the session row. Uses a fresh context: the room
// context is usually already cancelled at this point.
func (p *Pipeline) finish(streamErr error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if streamErr != nil {
		if err := p.st.FailSTTSession(ctx, p.sessionID, streamErr.Error()); err != nil {
			slog.Error("failed to mark session failed", "session_id", p.sessionID, "err", err)
		}
		return fmt.Errorf("transcribe: stream ended: %w", streamErr)
	}

	if err := p.st.CompleteSTTSession(ctx, p.sessionID, p.stats()); err != nil {
		slog.Error("failed to complete session row", "session_id", p.sessionID, "err", err)
		return fmt.Errorf("transcribe: close session row: %w", err)
	}
	return nil
}

// stats summarizes the session from the counters.
func (p *Pipeline) stats() store.SessionStats {
	n := p.utterances.Load()
	s := store.SessionStats{
		// bytes / (2 bytes per sample * rate) = seconds of audio sent.
		AudioMinutes:    float64(p.bytesSent.Load()) / (2 * targetSampleRate) / 60,
		TranscriptCount: int(n),
	}
	if n > 0 {
		s.AverageConfidence = float64(p.confSum.Load()) / 1e6 / float64(n)
	}
	return s
}
