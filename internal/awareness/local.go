package awareness

import (
	"sync"

	"collabsync/internal/clock"
)

// Local owns the presence of the client running in this process. Every
// change bumps the awareness clock.
type Local struct {
	mu    sync.Mutex
	id    clock.ClientID
	clock uint64
	state State
}

func NewLocal(id clock.ClientID, name, color string) *Local {
	return &Local{id: id, state: State{Name: name, Color: color}}
}

func (l *Local) ID() clock.ClientID {
	return l.id
}

// State returns a copy of the current presence
func (l *Local) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.state.clone()
}

// SetCursor moves the cursor (nil hides it) and returns the update to send
func (l *Local) SetCursor(r *Range) Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r != nil {
		cur := *r
		r = &cur
	}
	l.state.Cursor = r
	return l.nextLocked()
}

// SetField sets an application defined presence field
func (l *Local) SetField(key, value string) Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Fields == nil {
		l.state.Fields = make(map[string]string)
	}
	l.state.Fields[key] = value
	return l.nextLocked()
}

// Next re-announces the current state with a fresh clock
func (l *Local) Next() Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextLocked()
}

// Leave announces the removal of this client
func (l *Local) Leave() Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock++
	return Update{ClientID: l.id, Clock: l.clock}
}

func (l *Local) nextLocked() Update {
	l.clock++
	return Update{ClientID: l.id, Clock: l.clock, State: l.state.clone()}
}
