package timebase

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeOriginStore mimics the store's set-if-null semantics: the first
// proposal sticks, later proposals get the stored value back.
type fakeOriginStore struct {
	origin  *time.Time
	loadErr error
	setErr  error
	sets    int
}

func (f *fakeOriginStore) TimebaseOrigin(context.Context, string) (*time.Time, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.origin, nil
}

func (f *fakeOriginStore) SetTimebaseOrigin(_ context.Context, _ string, proposal time.Time) (time.Time, error) {
	if f.setErr != nil {
		return time.Time{}, f.setErr
	}
	f.sets++
	if f.origin == nil {
		f.origin = &proposal
	}
	return *f.origin, nil
}

func TestInitializeEstablishesOrigin(t *testing.T) {
	st := &fakeOriginStore{}
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	c := New(st, WithNow(func() time.Time { return now }))

	if err := c.Initialize(context.Background(), "room-1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !c.Origin().Equal(now) {
		t.Errorf("origin = %v, want %v", c.Origin(), now)
	}
	if st.sets != 1 {
		t.Errorf("sets = %d", st.sets)
	}
}

func TestInitializeAdoptsExistingOrigin(t *testing.T) {
	existing := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	st := &fakeOriginStore{origin: &existing}
	c := New(st)

	if err := c.Initialize(context.Background(), "room-1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !c.Origin().Equal(existing) {
		t.Errorf("origin = %v, want %v", c.Origin(), existing)
	}
	if st.sets != 0 {
		t.Error("an existing origin must not be overwritten")
	}
}

// raceStore simulates losing the establishment race: the load sees
// null, but by the time the proposal lands another worker's value is
// already stored and comes back instead.
type raceStore struct {
	winner time.Time
}

func (r *raceStore) TimebaseOrigin(context.Context, string) (*time.Time, error) {
	return nil, nil
}

func (r *raceStore) SetTimebaseOrigin(context.Context, string, time.Time) (time.Time, error) {
	return r.winner, nil
}

func TestInitializeLoserAdoptsWinner(t *testing.T) {
	winner := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	st := &raceStore{winner: winner}
	c := New(st, WithNow(func() time.Time { return winner.Add(time.Minute) }))

	if err := c.Initialize(context.Background(), "room-1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !c.Origin().Equal(winner) {
		t.Errorf("origin = %v, want winner's %v", c.Origin(), winner)
	}
}

func TestRelativeBeforeInitialize(t *testing.T) {
	c := New(&fakeOriginStore{})
	if _, err := c.Relative(time.Now()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}
}

func TestRelativeOffsets(t *testing.T) {
	origin := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	st := &fakeOriginStore{origin: &origin}
	c := New(st)
	if err := c.Initialize(context.Background(), "room-1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	cases := []struct {
		at   time.Time
		want float64
	}{
		{origin, 0},
		{origin.Add(1500 * time.Millisecond), 1.5},
		{origin.Add(90 * time.Second), 90},
		{origin.Add(-2 * time.Second), -2}, // clock skew before t0 is representable
	}
	for _, tc := range cases {
		got, err := c.Relative(tc.at)
		if err != nil {
			t.Fatalf("Relative(%v): %v", tc.at, err)
		}
		if got != tc.want {
			t.Errorf("Relative(%v) = %v, want %v", tc.at, got, tc.want)
		}
	}
}

func TestRelativeNowUsesInjectedClock(t *testing.T) {
	origin := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	st := &fakeOriginStore{origin: &origin}
	c := New(st, WithNow(func() time.Time { return origin.Add(42 * time.Second) }))
	if err := c.Initialize(context.Background(), "room-1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	got, err := c.RelativeNow()
	if err != nil {
		t.Fatalf("RelativeNow: %v", err)
	}
	if got != 42 {
		t.Errorf("RelativeNow = %v, want 42", got)
	}
}

func TestInitializeLoadError(t *testing.T) {
	st := &fakeOriginStore{loadErr: errors.New("connection reset")}
	c := New(st)
	if err := c.Initialize(context.Background(), "room-1"); err == nil {
		t.Error("load failure should surface")
	}
}
