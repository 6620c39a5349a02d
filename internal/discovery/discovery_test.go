package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/vollawetscher/media-worker/internal/config"
	"github.com/vollawetscher/media-worker/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	rooms    map[string]*store.Room
	claimOK  bool
	claims   []string
	nextRoom *store.Room
}

func (f *fakeStore) ClaimRoom(_ context.Context, workerID, roomID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, roomID)
	return f.claimOK, nil
}

func (f *fakeStore) GetRoom(_ context.Context, roomID string) (*store.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rooms[roomID]; ok {
		return r, nil
	}
	return nil, store.ErrRoomNotFound
}

func (f *fakeStore) NextClaimableRoom(_ context.Context, _ string) (*store.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextRoom, nil
}

func (f *fakeStore) claimAttempts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.claims))
	copy(out, f.claims)
	return out
}

func pendingRoom(id string, transcription bool) *store.Room {
	return &store.Room{ID: id, Name: "room-" + id, Status: store.RoomPending, TranscriptionEnabled: transcription}
}

func newTestManager(st Store) *Manager {
	return NewManager(Config{
		WorkerID:        "w1",
		Mode:            config.ModeTranscription,
		PollingInterval: time.Second,
		EnablePolling:   true,
	}, st, nil)
}

func TestAttemptRoomDeliversClaim(t *testing.T) {
	st := &fakeStore{
		rooms:   map[string]*store.Room{"r1": pendingRoom("r1", true)},
		claimOK: true,
	}
	m := newTestManager(st)

	m.attemptRoom(context.Background(), "r1", "notify")

	select {
	case c := <-m.Claims():
		if c.Room.ID != "r1" || c.Method != "notify" {
			t.Errorf("candidate = %+v", c)
		}
	default:
		t.Fatal("no candidate delivered")
	}
	if !m.busy.Load() {
		t.Error("gate should be held after a successful claim")
	}
}

func TestAttemptRoomLostRaceReopensGate(t *testing.T) {
	st := &fakeStore{
		rooms:   map[string]*store.Room{"r1": pendingRoom("r1", true)},
		claimOK: false,
	}
	m := newTestManager(st)

	m.attemptRoom(context.Background(), "r1", "realtime")

	if len(st.claimAttempts()) != 1 {
		t.Fatalf("claim attempts = %d, want 1", len(st.claimAttempts()))
	}
	if m.busy.Load() {
		t.Error("gate must reopen after a lost claim race")
	}
	select {
	case <-m.Claims():
		t.Fatal("lost race must not deliver a candidate")
	default:
	}
}

func TestAttemptRoomModeFilter(t *testing.T) {
	st := &fakeStore{
		rooms:   map[string]*store.Room{"r1": pendingRoom("r1", false)},
		claimOK: true,
	}
	m := newTestManager(st) // transcription mode

	m.attemptRoom(context.Background(), "r1", "notify")
	if len(st.claimAttempts()) != 0 {
		t.Error("transcription worker must skip rooms without transcription")
	}
}

func TestAttemptRoomSkipsTerminalStatus(t *testing.T) {
	r := pendingRoom("r1", true)
	r.Status = store.RoomCompleted
	st := &fakeStore{rooms: map[string]*store.Room{"r1": r}, claimOK: true}
	m := newTestManager(st)

	m.attemptRoom(context.Background(), "r1", "notify")
	if len(st.claimAttempts()) != 0 {
		t.Error("completed rooms must not be claimed")
	}
}

func TestAttemptRoomDedup(t *testing.T) {
	st := &fakeStore{
		rooms:   map[string]*store.Room{"r1": pendingRoom("r1", true)},
		claimOK: false,
	}
	m := newTestManager(st)

	m.attemptRoom(context.Background(), "r1", "notify")
	m.attemptRoom(context.Background(), "r1", "realtime")
	if got := len(st.claimAttempts()); got != 1 {
		t.Errorf("claim attempts = %d, want 1 (dedup window)", got)
	}
}

func TestBusyGateBlocksAttempts(t *testing.T) {
	st := &fakeStore{
		rooms:   map[string]*store.Room{"r1": pendingRoom("r1", true)},
		claimOK: true,
	}
	m := newTestManager(st)
	m.busy.Store(true)

	m.attemptRoom(context.Background(), "r1", "notify")
	m.attemptNext(context.Background(), "polling")
	if len(st.claimAttempts()) != 0 {
		t.Error("busy worker must not attempt claims")
	}
}

func TestReleaseReopensGateAndForgets(t *testing.T) {
	st := &fakeStore{
		rooms:   map[string]*store.Room{"r1": pendingRoom("r1", true)},
		claimOK: true,
	}
	m := newTestManager(st)

	m.attemptRoom(context.Background(), "r1", "notify")
	<-m.Claims()

	m.Release("r1")
	if m.busy.Load() {
		t.Error("gate should reopen on release")
	}

	// The same room is claimable again immediately.
	m.attemptRoom(context.Background(), "r1", "notify")
	if got := len(st.claimAttempts()); got != 2 {
		t.Errorf("claim attempts = %d, want 2", got)
	}
}

func TestReleaseFailedKeepsRoomSuppressed(t *testing.T) {
	st := &fakeStore{
		rooms:   map[string]*store.Room{"r1": pendingRoom("r1", true)},
		claimOK: true,
	}
	m := newTestManager(st)

	m.attemptRoom(context.Background(), "r1", "notify")
	<-m.Claims()

	m.ReleaseFailed("r1")
	if m.busy.Load() {
		t.Error("gate should reopen after a failed release")
	}

	// The failed room stays in the dedup window, so the worker does not
	// immediately reclaim it.
	m.attemptRoom(context.Background(), "r1", "notify")
	if got := len(st.claimAttempts()); got != 1 {
		t.Errorf("claim attempts = %d, want 1 (failed room suppressed)", got)
	}

	// Other rooms are unaffected.
	st.mu.Lock()
	st.rooms["r2"] = pendingRoom("r2", true)
	st.mu.Unlock()
	m.attemptRoom(context.Background(), "r2", "notify")
	if got := len(st.claimAttempts()); got != 2 {
		t.Errorf("claim attempts = %d, want 2", got)
	}
}

func TestAttemptNextUsesPollQuery(t *testing.T) {
	st := &fakeStore{nextRoom: pendingRoom("r9", true), claimOK: true}
	m := newTestManager(st)

	m.attemptNext(context.Background(), "startup")

	select {
	case c := <-m.Claims():
		if c.Room.ID != "r9" || c.Method != "startup" {
			t.Errorf("candidate = %+v", c)
		}
	default:
		t.Fatal("no candidate delivered")
	}
}

func TestCheckNowIsNonBlocking(t *testing.T) {
	m := newTestManager(&fakeStore{})
	m.CheckNow()
	m.CheckNow() // second signal coalesces instead of blocking
}

func TestParseChange(t *testing.T) {
	mk := func(event, payload string) phoenixFrame {
		return phoenixFrame{Topic: realtimeTopic, Event: event, Payload: json.RawMessage(payload)}
	}

	if ch, ok := parseChange(mk("INSERT", `{"record":{"id":"r1","status":"pending"}}`)); !ok || ch.RoomID != "r1" {
		t.Errorf("insert: ok=%v ch=%+v", ok, ch)
	}
	if _, ok := parseChange(mk("UPDATE", `{"record":{"id":"r1","status":"active"},"old_record":{"status":"active"}}`)); ok {
		t.Error("active->active update must not fire")
	}
	if ch, ok := parseChange(mk("UPDATE", `{"record":{"id":"r1","status":"active"},"old_record":{"status":"pending"}}`)); !ok || ch.OldStatus != "pending" {
		t.Errorf("pending->active: ok=%v ch=%+v", ok, ch)
	}
	if _, ok := parseChange(mk("UPDATE", `{"record":{"id":"r1","status":"completed"},"old_record":{"status":"active"}}`)); ok {
		t.Error("update to non-active status must not fire")
	}
	if _, ok := parseChange(mk("DELETE", `{"record":{"id":"r1"}}`)); ok {
		t.Error("delete events must not fire")
	}
	if _, ok := parseChange(mk("INSERT", `{"record":{"status":"pending"}}`)); ok {
		t.Error("missing room id must not fire")
	}
}
