package awareness

import (
	"testing"
	"time"

	"collabsync/internal/clock"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestMap(timeout time.Duration) (*Map, *fakeClock) {
	fc := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewMap(timeout).WithClock(fc.now), fc
}

func state(name string) *State {
	return &State{Name: name, Color: "#30bced"}
}

func TestApplyIsLastWriterWinsPerClient(t *testing.T) {
	m, _ := newTestMap(time.Minute)

	if got := m.Apply(Update{ClientID: "a", Clock: 2, State: state("two")}); len(got) != 1 {
		t.Fatalf("first update not accepted")
	}
	if got := m.Apply(Update{ClientID: "a", Clock: 1, State: state("one")}); len(got) != 0 {
		t.Fatalf("stale update accepted")
	}
	if got := m.Apply(Update{ClientID: "a", Clock: 2, State: state("again")}); len(got) != 0 {
		t.Fatalf("equal clock update accepted")
	}
	e, ok := m.Get("a")
	if !ok || e.State.Name != "two" || e.Clock != 2 {
		t.Fatalf("entry = %+v, %v", e, ok)
	}

	m.Apply(Update{ClientID: "a", Clock: 5, State: state("five")})
	if e, _ := m.Get("a"); e.State.Name != "five" {
		t.Fatalf("newer update not applied: %+v", e)
	}
}

func TestRemovalIsNotResurrectedByStaleState(t *testing.T) {
	m, _ := newTestMap(time.Minute)
	m.Apply(Update{ClientID: "a", Clock: 3, State: state("a")})

	if got := m.Apply(Update{ClientID: "a", Clock: 3}); len(got) != 1 {
		t.Fatalf("removal at equal clock rejected")
	}
	if _, ok := m.Get("a"); ok {
		t.Fatalf("entry still present after removal")
	}
	m.Apply(Update{ClientID: "a", Clock: 2, State: state("old")})
	if _, ok := m.Get("a"); ok {
		t.Fatalf("stale state resurrected removed entry")
	}
	m.Apply(Update{ClientID: "a", Clock: 4, State: state("back")})
	if e, ok := m.Get("a"); !ok || e.State.Name != "back" {
		t.Fatalf("newer state after removal not applied")
	}
}

func TestRemoveReturnsBroadcastableUpdate(t *testing.T) {
	m, _ := newTestMap(time.Minute)
	m.Apply(Update{ClientID: "a", Clock: 7, State: state("a")})

	u, ok := m.Remove("a")
	if !ok || u.ClientID != "a" || u.Clock != 7 || u.State != nil {
		t.Fatalf("Remove = %+v, %v", u, ok)
	}
	if _, ok := m.Remove("a"); ok {
		t.Fatalf("second Remove reported a change")
	}

	peer, _ := newTestMap(time.Minute)
	peer.Apply(Update{ClientID: "a", Clock: 7, State: state("a")})
	peer.Apply(u)
	if peer.Len() != 0 {
		t.Fatalf("peer kept removed entry")
	}
}

func TestEntriesExpireWithoutRefresh(t *testing.T) {
	const heartbeat = time.Second
	m, fc := newTestMap(3 * heartbeat)
	m.Apply(Update{ClientID: "quiet", Clock: 1, State: state("quiet")})
	m.Apply(Update{ClientID: "chatty", Clock: 1, State: state("chatty")})

	for i := 2; i <= 4; i++ {
		fc.advance(heartbeat)
		m.Apply(Update{ClientID: "chatty", Clock: uint64(i), State: state("chatty")})
		if gone := m.Expire(fc.now()); len(gone) != 0 {
			t.Fatalf("expired too early at tick %d: %v", i, gone)
		}
	}

	fc.advance(heartbeat / 2)
	gone := m.Expire(fc.now())
	if len(gone) != 1 || gone[0] != "quiet" {
		t.Fatalf("Expire = %v, want [quiet]", gone)
	}
	entries := m.Entries()
	if len(entries) != 1 || entries[0].ClientID != "chatty" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestExpiredRemovalIsForgotten(t *testing.T) {
	m, fc := newTestMap(time.Second)
	m.Apply(Update{ClientID: "a", Clock: 4, State: state("a")})
	m.Remove("a")

	fc.advance(2 * time.Second)
	m.Expire(fc.now())

	m.Apply(Update{ClientID: "a", Clock: 1, State: state("fresh session")})
	if _, ok := m.Get("a"); !ok {
		t.Fatalf("expired removal still blocks updates")
	}
}

func TestSubscribersSeeChanges(t *testing.T) {
	m, fc := newTestMap(time.Second)
	var calls int
	var last []Entry
	m.Subscribe(func(entries []Entry) {
		calls++
		last = entries
	})

	m.Apply(Update{ClientID: "b", Clock: 1, State: state("b")}, Update{ClientID: "a", Clock: 1, State: state("a")})
	if calls != 1 || len(last) != 2 || last[0].ClientID != "a" {
		t.Fatalf("calls=%d last=%+v", calls, last)
	}

	m.Apply(Update{ClientID: "a", Clock: 1, State: state("a")})
	if calls != 1 {
		t.Fatalf("rejected update notified subscribers")
	}

	fc.advance(2 * time.Second)
	m.Expire(fc.now())
	if calls != 2 || len(last) != 0 {
		t.Fatalf("expiry not notified: calls=%d last=%+v", calls, last)
	}
}

func TestLocalClockIsMonotonic(t *testing.T) {
	id := clock.ClientID("me")
	l := NewLocal(id, "Ada", clock.ColorFor(id))

	first := l.Next()
	moved := l.SetCursor(&Range{Anchor: 2, Head: 5})
	left := l.Leave()
	if !(first.Clock < moved.Clock && moved.Clock < left.Clock) {
		t.Fatalf("clocks not increasing: %d %d %d", first.Clock, moved.Clock, left.Clock)
	}
	if moved.State.Cursor == nil || moved.State.Cursor.Head != 5 || moved.State.Name != "Ada" {
		t.Fatalf("cursor update = %+v", moved.State)
	}
	if left.State != nil {
		t.Fatalf("leave carries state")
	}

	m, _ := newTestMap(time.Minute)
	m.Apply(first, moved)
	if e, _ := m.Get(id); e.State.Cursor == nil {
		t.Fatalf("later local update lost")
	}
	m.Apply(left)
	if m.Len() != 0 {
		t.Fatalf("leave not applied")
	}
}

func TestStateIsCopiedOnApply(t *testing.T) {
	m, _ := newTestMap(time.Minute)
	s := &State{Name: "a", Cursor: &Range{Anchor: 1, Head: 1}, Fields: map[string]string{"k": "v"}}
	m.Apply(Update{ClientID: "a", Clock: 1, State: s})

	s.Cursor.Head = 99
	s.Fields["k"] = "changed"
	e, _ := m.Get("a")
	if e.State.Cursor.Head != 1 || e.State.Fields["k"] != "v" {
		t.Fatalf("map aliased caller state: %+v", e.State)
	}
}
