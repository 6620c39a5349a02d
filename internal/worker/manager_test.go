package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vollawetscher/media-worker/internal/config"
	"github.com/vollawetscher/media-worker/internal/discovery"
	"github.com/vollawetscher/media-worker/internal/room"
	"github.com/vollawetscher/media-worker/internal/sink"
	"github.com/vollawetscher/media-worker/internal/store"
	sttmock "github.com/vollawetscher/media-worker/pkg/provider/stt/mock"
)

// fakeStore implements the full Store surface and records the call
// sequence of lifecycle-relevant methods.
type fakeStore struct {
	mu    sync.Mutex
	calls []string

	registeredMode string
	heartbeats     []*string
	stopped        bool

	room       *store.Room
	server     *store.MediaServer
	serverErr  error
	originErr  error
	jobsRaised int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		server: &store.MediaServer{Ref: "srv-1", URL: "wss://media.example.com", APIKey: "k", APISecret: "s"},
	}
}

func (f *fakeStore) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeStore) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeStore) RegisterWorker(_ context.Context, _, mode string) error {
	f.mu.Lock()
	f.registeredMode = mode
	f.mu.Unlock()
	f.record("RegisterWorker")
	return nil
}

func (f *fakeStore) UpdateHeartbeat(_ context.Context, _ string, currentRoomID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, currentRoomID)
	return nil
}

func (f *fakeStore) StopWorker(context.Context, string) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.record("StopWorker")
	return nil
}

func (f *fakeStore) ReapStaleWorkers(context.Context) (int, error) { return 0, nil }

func (f *fakeStore) ClaimRoom(context.Context, string, string) (bool, error) { return false, nil }

func (f *fakeStore) GetRoom(_ context.Context, roomID string) (*store.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.room != nil && f.room.ID == roomID {
		return f.room, nil
	}
	return nil, errors.New("no such room")
}

func (f *fakeStore) NextClaimableRoom(context.Context, string) (*store.Room, error) {
	return nil, nil
}

func (f *fakeStore) ReleaseRoom(_ context.Context, _, _ string) error {
	f.record("ReleaseRoom")
	return nil
}

func (f *fakeStore) FinalizeRoom(_ context.Context, _ string) error {
	f.record("FinalizeRoom")
	return nil
}

func (f *fakeStore) GetMediaServer(context.Context, string) (*store.MediaServer, error) {
	if f.serverErr != nil {
		return nil, f.serverErr
	}
	return f.server, nil
}

func (f *fakeStore) EnsurePostCallJobs(context.Context, string, map[string]string) (int, error) {
	f.record("EnsurePostCallJobs")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobsRaised++
	return 4, nil
}

func (f *fakeStore) TimebaseOrigin(context.Context, string) (*time.Time, error) {
	if f.originErr != nil {
		return nil, f.originErr
	}
	t := time.Now()
	return &t, nil
}

func (f *fakeStore) SetTimebaseOrigin(_ context.Context, _ string, origin time.Time) (time.Time, error) {
	return origin, nil
}

func (f *fakeStore) CreateSTTSession(context.Context, string, string, string) (string, error) {
	return "sess-1", nil
}

func (f *fakeStore) CompleteSTTSession(context.Context, string, store.SessionStats) error {
	return nil
}

func (f *fakeStore) FailSTTSession(context.Context, string, string) error { return nil }

func (f *fakeStore) UpsertParticipant(context.Context, string, string, string, map[string]string) (string, error) {
	return "part-1", nil
}

func (f *fakeStore) MarkParticipantLeft(context.Context, string, string) error { return nil }

func (f *fakeStore) DeactivateRoomParticipants(context.Context, string) error { return nil }

func (f *fakeStore) InsertTranscriptBatch(context.Context, []store.TranscriptRow) error {
	return nil
}

func (f *fakeStore) RoomOrganization(context.Context, string) (string, error) { return "org-1", nil }

func (f *fakeStore) ClaimNextAIJob(context.Context) (*store.AIJob, error) { return nil, nil }

func (f *fakeStore) CompleteAIJob(context.Context, string, string) error { return nil }

func (f *fakeStore) FailAIJob(context.Context, string, string, int) error { return nil }

func (f *fakeStore) TranscriptTextForRoom(context.Context, string) (string, error) {
	return "", nil
}

func testConfig(mode config.Mode) *config.Config {
	cfg := config.Defaults()
	cfg.Worker.ID = "worker-test"
	cfg.Worker.Mode = mode
	cfg.Worker.HeartbeatInterval = 10 * time.Millisecond
	cfg.Discovery.EnablePolling = false
	cfg.Discovery.EnableNotify = false
	return cfg
}

func testRoom(aiEnabled bool) *store.Room {
	return &store.Room{
		ID:           "room-1",
		Name:         "standup",
		ServerRef:    "srv-1",
		Status:       store.RoomPending,
		AIEnabled:    aiEnabled,
		EmptyTimeout: time.Second,
	}
}

func TestRunRegistersHeartbeatsAndStops(t *testing.T) {
	st := newFakeStore()
	m := New(testConfig(config.ModeAIJobs), st, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.After(time.Second)
	for {
		st.mu.Lock()
		n := len(st.heartbeats)
		st.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no heartbeats within deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.registeredMode != "ai-jobs" {
		t.Errorf("registered mode = %q", st.registeredMode)
	}
	if !st.stopped {
		t.Error("worker row not marked stopped on exit")
	}
	for _, hb := range st.heartbeats {
		if hb != nil {
			t.Errorf("idle heartbeat published room %q, want nil", *hb)
		}
	}
}

func TestHeartbeatPublishesCurrentRoom(t *testing.T) {
	st := newFakeStore()
	m := New(testConfig(config.ModeTranscription), st, nil, nil, nil)
	m.setRoom("room-1")

	ctx, cancel := context.WithCancel(context.Background())
	go m.heartbeatLoop(ctx)

	deadline := time.After(time.Second)
	for {
		st.mu.Lock()
		n := len(st.heartbeats)
		st.mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no heartbeat within deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	st.mu.Lock()
	defer st.mu.Unlock()
	if hb := st.heartbeats[0]; hb == nil || *hb != "room-1" {
		t.Errorf("heartbeat room = %v, want room-1", hb)
	}
}

// fakeDiscoverer records the release path processRoom takes.
type fakeDiscoverer struct {
	mu             sync.Mutex
	released       []string
	releasedFailed []string
	checkNows      int
}

func (f *fakeDiscoverer) Run(ctx context.Context) error      { <-ctx.Done(); return ctx.Err() }
func (f *fakeDiscoverer) Claims() <-chan discovery.Candidate { return nil }
func (f *fakeDiscoverer) RealtimeHealthy() bool              { return true }

func (f *fakeDiscoverer) Release(roomID string) {
	f.mu.Lock()
	f.released = append(f.released, roomID)
	f.mu.Unlock()
}

func (f *fakeDiscoverer) ReleaseFailed(roomID string) {
	f.mu.Lock()
	f.releasedFailed = append(f.releasedFailed, roomID)
	f.mu.Unlock()
}

func (f *fakeDiscoverer) CheckNow() {
	f.mu.Lock()
	f.checkNows++
	f.mu.Unlock()
}

func (f *fakeDiscoverer) snapshot() (released, failed []string, checks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...), append([]string(nil), f.releasedFailed...), f.checkNows
}

func TestProcessRoomUnknownServerReleasesWithoutFinalize(t *testing.T) {
	st := newFakeStore()
	st.serverErr = errors.New("server ref not provisioned")
	st.room = testRoom(true)

	m := New(testConfig(config.ModeTranscription), st, &sttmock.Provider{}, nil, nil)
	m.processRoom(context.Background(), claimOf(st.room))

	calls := st.callLog()
	if !contains(calls, "ReleaseRoom") {
		t.Error("claim should be released")
	}
	if contains(calls, "FinalizeRoom") {
		t.Error("unprocessed room must not be finalized")
	}
	if m.roomRef() != nil {
		t.Error("current room not cleared")
	}
}

func TestProcessRoomFailureBacksOff(t *testing.T) {
	st := newFakeStore()
	st.serverErr = errors.New("server ref not provisioned")
	st.room = testRoom(true)

	m := New(testConfig(config.ModeTranscription), st, &sttmock.Provider{}, nil, nil)
	disc := &fakeDiscoverer{}
	m.disc = disc

	m.processRoom(context.Background(), claimOf(st.room))

	released, failed, checks := disc.snapshot()
	if len(failed) != 1 || failed[0] != "room-1" {
		t.Errorf("failed releases = %v, want [room-1]", failed)
	}
	if len(released) != 0 {
		t.Errorf("clean releases = %v, want none on the failure path", released)
	}
	// The re-check is deferred behind the back-off, not fired inline.
	if checks != 0 {
		t.Errorf("immediate re-checks = %d, want 0", checks)
	}
}

func TestProcessRoomTimebaseFailureReleases(t *testing.T) {
	st := newFakeStore()
	st.originErr = errors.New("origin column unavailable")
	st.room = testRoom(false)

	m := New(testConfig(config.ModeTranscription), st, &sttmock.Provider{}, nil, nil)
	m.processRoom(context.Background(), claimOf(st.room))

	calls := st.callLog()
	if !contains(calls, "ReleaseRoom") {
		t.Error("claim should be released")
	}
	if contains(calls, "FinalizeRoom") {
		t.Error("room without a timebase must not be finalized")
	}
}

func TestFinalizeOrderingWithAIJobs(t *testing.T) {
	st := newFakeStore()
	r := testRoom(true)

	sess := room.NewSession(room.Config{
		Room:     r,
		Server:   *st.server,
		WorkerID: "worker-test",
	}, st, &sttmock.Provider{}, nil, nil)
	s := sink.New(r.ID, st, staticClock{}, sink.Config{}, nil)

	m := New(testConfig(config.ModeTranscription), st, &sttmock.Provider{}, nil, nil)
	m.finalize(r, sess, s, time.Second)

	want := []string{"FinalizeRoom", "EnsurePostCallJobs", "ReleaseRoom"}
	got := st.callLog()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func TestFinalizeSkipsJobsWhenAIDisabled(t *testing.T) {
	st := newFakeStore()
	r := testRoom(false)

	sess := room.NewSession(room.Config{
		Room:     r,
		Server:   *st.server,
		WorkerID: "worker-test",
	}, st, &sttmock.Provider{}, nil, nil)
	s := sink.New(r.ID, st, staticClock{}, sink.Config{}, nil)

	m := New(testConfig(config.ModeTranscription), st, &sttmock.Provider{}, nil, nil)
	m.finalize(r, sess, s, time.Second)

	if contains(st.callLog(), "EnsurePostCallJobs") {
		t.Error("jobs must not be scheduled for an AI-disabled room")
	}
	if !contains(st.callLog(), "FinalizeRoom") {
		t.Error("room should still be finalized")
	}
}

type staticClock struct{}

func (staticClock) Relative(time.Time) (float64, error) { return 0, nil }

func claimOf(r *store.Room) discovery.Candidate {
	return discovery.Candidate{Room: r, Method: "startup"}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
