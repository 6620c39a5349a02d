package room

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/vollawetscher/media-worker/internal/observe"
	"github.com/vollawetscher/media-worker/internal/store"
	"github.com/vollawetscher/media-worker/internal/transcribe"
	"github.com/vollawetscher/media-worker/pkg/provider/stt"
)

// Store is the persistence surface the session writes through.
type Store interface {
	transcribe.SessionStore
	UpsertParticipant(ctx context.Context, roomID, identity, connectionType string, metadata map[string]string) (string, error)
	MarkParticipantLeft(ctx context.Context, roomID, identity string) error
	DeactivateRoomParticipants(ctx context.Context, roomID string) error
}

// Config describes one room attachment.
type Config struct {
	Room     *store.Room
	Server   store.MediaServer
	WorkerID string

	// Transcribe enables per-track recognition pipelines. When false
	// the session only mirrors participant lifecycle.
	Transcribe bool

	Language       string
	OperatingPoint string
	EnablePartials bool
}

// Session is one live attachment to a conferencing room. It joins
// hidden, subscribes to every audio track, and runs one transcription
// pipeline per track.
type Session struct {
	cfg      Config
	st       Store
	provider stt.Provider
	out      transcribe.Sink
	metrics  *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	room      *lksdk.Room
	connected bool
	count     int
	observers []func(int)

	disconnected chan struct{}
	discOnce     sync.Once
}

// NewSession creates a Session. Connect must be called to attach.
func NewSession(cfg Config, st Store, provider stt.Provider, out transcribe.Sink, metrics *observe.Metrics) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:          cfg,
		st:           st,
		provider:     provider,
		out:          out,
		metrics:      metrics,
		ctx:          ctx,
		cancel:       cancel,
		disconnected: make(chan struct{}),
	}
}

// Connect joins the room as a hidden subscriber and registers every
// participant already present.
func (s *Session) Connect(ctx context.Context) error {
	identity := "media-worker-" + s.cfg.WorkerID
	token, err := AccessToken(s.cfg.Server, s.cfg.Room.Name, identity)
	if err != nil {
		return err
	}

	callback := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: s.onTrackSubscribed,
		},
		OnParticipantConnected:    s.onParticipantConnected,
		OnParticipantDisconnected: s.onParticipantDisconnected,
		OnDisconnected:            s.onDisconnected,
	}

	lkRoom, err := lksdk.ConnectToRoomWithToken(
		s.cfg.Server.URL,
		token,
		callback,
		lksdk.WithAutoSubscribe(true),
	)
	if err != nil {
		return fmt.Errorf("room: connect %q on %q: %w", s.cfg.Room.Name, s.cfg.Server.Ref, err)
	}

	s.mu.Lock()
	s.room = lkRoom
	s.connected = true
	s.mu.Unlock()

	for _, rp := range lkRoom.GetRemoteParticipants() {
		s.registerParticipant(rp)
	}

	slog.Info("attached to room",
		"room_id", s.cfg.Room.ID,
		"room_name", s.cfg.Room.Name,
		"server_ref", s.cfg.Server.Ref,
		"participants", s.ParticipantCount(),
	)
	return nil
}

// ParticipantCount returns the current remote participant count.
func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// OnCountChange registers an observer invoked with the new count after
// every participant join or leave. Register before Connect.
func (s *Session) OnCountChange(fn func(int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Disconnected is closed when the media server drops the connection.
func (s *Session) Disconnected() <-chan struct{} { return s.disconnected }

// IsConnected reports whether the session is attached.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Close tears the attachment down: pipelines are cancelled and drained,
// the transport disconnects, and remaining active participant rows are
// deactivated. Idempotent.
func (s *Session) Close() error {
	s.cancel()

	s.mu.Lock()
	lkRoom := s.room
	s.room = nil
	s.connected = false
	s.mu.Unlock()

	if lkRoom != nil {
		lkRoom.Disconnect()
	}
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.st.DeactivateRoomParticipants(ctx, s.cfg.Room.ID); err != nil {
		return fmt.Errorf("room: close: %w", err)
	}
	return nil
}

// workerIdentityPrefix marks hidden worker attachments; they are never
// counted or transcribed as attendees.
const workerIdentityPrefix = "media-worker-"

func isWorkerIdentity(identity string) bool {
	return strings.HasPrefix(identity, workerIdentityPrefix)
}

// registerParticipant upserts the row and bumps the count.
func (s *Session) registerParticipant(rp *lksdk.RemoteParticipant) {
	if isWorkerIdentity(rp.Identity()) {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	md := map[string]string{}
	if m := rp.Metadata(); m != "" {
		md["participant_metadata"] = m
	}
	if _, err := s.st.UpsertParticipant(ctx, s.cfg.Room.ID, rp.Identity(), "webrtc", md); err != nil {
		slog.Error("participant upsert failed",
			"room_id", s.cfg.Room.ID, "identity", rp.Identity(), "err", err)
	}

	s.bumpCount(+1)
	if s.metrics != nil {
		s.metrics.ActiveParticipants.Add(context.Background(), 1)
	}
}

func (s *Session) onParticipantConnected(rp *lksdk.RemoteParticipant) {
	slog.Info("participant joined", "room_id", s.cfg.Room.ID, "identity", rp.Identity())
	s.registerParticipant(rp)
}

func (s *Session) onParticipantDisconnected(rp *lksdk.RemoteParticipant) {
	if isWorkerIdentity(rp.Identity()) {
		return
	}
	slog.Info("participant left", "room_id", s.cfg.Room.ID, "identity", rp.Identity())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.st.MarkParticipantLeft(ctx, s.cfg.Room.ID, rp.Identity()); err != nil {
		slog.Error("participant leave update failed",
			"room_id", s.cfg.Room.ID, "identity", rp.Identity(), "err", err)
	}

	s.bumpCount(-1)
	if s.metrics != nil {
		s.metrics.ActiveParticipants.Add(context.Background(), -1)
	}
}

func (s *Session) onDisconnected() {
	slog.Warn("media server dropped the room connection", "room_id", s.cfg.Room.ID)
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.discOnce.Do(func() { close(s.disconnected) })
}

// onTrackSubscribed spawns the per-track recognition pair: one
// goroutine runs the provider pipeline, the other pumps RTP into it.
// The pump ending (track gone, room closing) cancels the pipeline,
// which drains and closes its session row.
func (s *Session) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if !s.cfg.Transcribe || track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	if isWorkerIdentity(rp.Identity()) {
		return
	}
	if s.ctx.Err() != nil {
		return
	}

	slog.Info("audio track subscribed",
		"room_id", s.cfg.Room.ID,
		"identity", rp.Identity(),
		"track_sid", pub.SID(),
	)

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	participantID, err := s.st.UpsertParticipant(ctx, s.cfg.Room.ID, rp.Identity(), "webrtc", nil)
	cancel()
	if err != nil {
		slog.Error("cannot attribute track, skipping transcription",
			"room_id", s.cfg.Room.ID, "identity", rp.Identity(), "err", err)
		return
	}

	pipeline := transcribe.New(transcribe.Config{
		RoomID:         s.cfg.Room.ID,
		ParticipantID:  participantID,
		Language:       s.cfg.Language,
		OperatingPoint: s.cfg.OperatingPoint,
		EnablePartials: s.cfg.EnablePartials,
	}, s.st, s.provider, s.out, s.metrics)

	trackCtx, trackCancel := context.WithCancel(s.ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := pipeline.Run(trackCtx); err != nil {
			slog.Error("recognition pipeline ended with error",
				"room_id", s.cfg.Room.ID, "identity", rp.Identity(), "err", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		defer trackCancel()
		if err := transcribe.PumpTrack(trackCtx, track, pipeline); err != nil {
			slog.Error("track pump ended with error",
				"room_id", s.cfg.Room.ID, "identity", rp.Identity(), "err", err)
		}
	}()
}

func (s *Session) bumpCount(delta int) {
	s.mu.Lock()
	s.count += delta
	if s.count < 0 {
		s.count = 0
	}
	count := s.count
	observers := make([]func(int), len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(count)
	}
}
