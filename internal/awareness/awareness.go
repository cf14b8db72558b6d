package awareness

import (
	"sort"
	"sync"
	"time"

	"collabsync/internal/clock"
)

/*
LEARNING: PRESENCE IS ADVISORY

Awareness never touches the document. Every client owns one entry and is the
only writer of it, so a per-client counter is enough to order updates:

  stored clock 4, incoming clock 5  -> accept
  stored clock 4, incoming clock 3  -> stale, ignore
  stored clock 4, removal at 4      -> accept (removal wins a tie)

Entries that stop being refreshed are dropped after the timeout. Nobody has
to send a goodbye for a peer to disappear.
*/

// Range is a cursor or selection in visible-content coordinates
type Range struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// State is the opaque presence payload of one client
type State struct {
	Name   string            `json:"name"`
	Color  string            `json:"color"`
	Cursor *Range            `json:"cursor,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (s *State) clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.Cursor != nil {
		cur := *s.Cursor
		c.Cursor = &cur
	}
	if s.Fields != nil {
		c.Fields = make(map[string]string, len(s.Fields))
		for k, v := range s.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

// Update is what travels in an AWARENESS frame. A nil State removes the entry.
type Update struct {
	ClientID clock.ClientID
	Clock    uint64
	State    *State
}

// Entry is one live row of the awareness map
type Entry struct {
	ClientID  clock.ClientID `json:"client_id"`
	Clock     uint64         `json:"clock"`
	State     State          `json:"state"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type record struct {
	clock   uint64
	state   *State
	updated time.Time
}

// Map holds the presence entries known to one replica
type Map struct {
	mu        sync.RWMutex
	records   map[clock.ClientID]*record
	timeout   time.Duration
	now       func() time.Time
	listeners []func([]Entry)
}

// NewMap creates a map whose entries expire after timeout without refresh
func NewMap(timeout time.Duration) *Map {
	return &Map{
		records: make(map[clock.ClientID]*record),
		timeout: timeout,
		now:     time.Now,
	}
}

// WithClock replaces the time source
func (m *Map) WithClock(now func() time.Time) *Map {
	m.now = now
	return m
}

// Subscribe registers fn to receive the live entries after every change
func (m *Map) Subscribe(fn func([]Entry)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func accepts(r *record, u Update) bool {
	if r == nil {
		return true
	}
	if u.Clock > r.clock {
		return true
	}
	return u.Clock == r.clock && u.State == nil && r.state != nil
}

// Apply merges updates and returns the ones that changed the map
func (m *Map) Apply(updates ...Update) []Update {
	m.mu.Lock()
	now := m.now()
	var accepted []Update
	for _, u := range updates {
		if u.ClientID == "" {
			continue
		}
		r := m.records[u.ClientID]
		if !accepts(r, u) {
			continue
		}
		live := r != nil && r.state != nil
		// removals are kept as records so an older state cannot come back
		m.records[u.ClientID] = &record{clock: u.Clock, state: u.State.clone(), updated: now}
		if u.State != nil || live {
			accepted = append(accepted, u)
		}
	}
	entries, listeners := m.changedLocked(len(accepted) > 0)
	m.mu.Unlock()

	notify(listeners, entries)
	return accepted
}

// Remove drops a client's entry at its current clock and returns the removal
// to broadcast
func (m *Map) Remove(id clock.ClientID) (Update, bool) {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok || r.state == nil {
		m.mu.Unlock()
		return Update{}, false
	}
	r.state = nil
	r.updated = m.now()
	u := Update{ClientID: id, Clock: r.clock}
	entries, listeners := m.changedLocked(true)
	m.mu.Unlock()

	notify(listeners, entries)
	return u, true
}

// Expire drops every record not refreshed within the timeout and returns
// the clients whose live entries disappeared
func (m *Map) Expire(now time.Time) []clock.ClientID {
	m.mu.Lock()
	var gone []clock.ClientID
	for id, r := range m.records {
		if now.Sub(r.updated) <= m.timeout {
			continue
		}
		if r.state != nil {
			gone = append(gone, id)
		}
		delete(m.records, id)
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	entries, listeners := m.changedLocked(len(gone) > 0)
	m.mu.Unlock()

	notify(listeners, entries)
	return gone
}

// Get returns the live entry for id
func (m *Map) Get(id clock.ClientID) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok || r.state == nil {
		return Entry{}, false
	}
	return entryOf(id, r), true
}

// Entries returns the live entries ordered by client id
func (m *Map) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesLocked()
}

// Updates returns the live entries as updates, for bringing a new peer up to
// date
func (m *Map) Updates() []Update {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Update, 0, len(m.records))
	for id, r := range m.records {
		if r.state == nil {
			continue
		}
		out = append(out, Update{ClientID: id, Clock: r.clock, State: r.state.clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Len counts live entries
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.records {
		if r.state != nil {
			n++
		}
	}
	return n
}

func entryOf(id clock.ClientID, r *record) Entry {
	return Entry{ClientID: id, Clock: r.clock, State: *r.state.clone(), UpdatedAt: r.updated}
}

func (m *Map) entriesLocked() []Entry {
	out := make([]Entry, 0, len(m.records))
	for id, r := range m.records {
		if r.state != nil {
			out = append(out, entryOf(id, r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (m *Map) changedLocked(changed bool) ([]Entry, []func([]Entry)) {
	if !changed || len(m.listeners) == 0 {
		return nil, nil
	}
	listeners := make([]func([]Entry), len(m.listeners))
	copy(listeners, m.listeners)
	return m.entriesLocked(), listeners
}

func notify(listeners []func([]Entry), entries []Entry) {
	for _, fn := range listeners {
		fn(entries)
	}
}
