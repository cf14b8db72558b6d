package clock

import "sort"

// VectorClock maps a client to the highest sequence number integrated from it
type VectorClock map[ClientID]uint64

// Get returns the entry for id, 0 when absent
func (v VectorClock) Get(id ClientID) uint64 {
	return v[id]
}

// Set raises the entry for id to seq; it never lowers an entry
func (v VectorClock) Set(id ClientID, seq uint64) {
	if seq > v[id] {
		v[id] = seq
	}
}

// Clone returns a deep copy
func (v VectorClock) Clone() VectorClock {
	c := make(VectorClock, len(v))
	for k, val := range v {
		c[k] = val
	}
	return c
}

// Merge folds other into v, keeping the component-wise maximum
func (v VectorClock) Merge(other VectorClock) {
	for k, val := range other {
		v.Set(k, val)
	}
}

// Covers reports whether v has seen everything other has seen
func (v VectorClock) Covers(other VectorClock) bool {
	for k, val := range other {
		if v[k] < val {
			return false
		}
	}
	return true
}

// IsEmpty reports whether no client has any entry
func (v VectorClock) IsEmpty() bool {
	for _, val := range v {
		if val > 0 {
			return false
		}
	}
	return true
}

// Clients returns the client ids in v in sorted order
func (v VectorClock) Clients() []ClientID {
	ids := make([]ClientID, 0, len(v))
	for k := range v {
		ids = append(ids, k)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Min returns the component-wise minimum of clocks. A client missing from
// any clock counts as 0 there. Min of no clocks is empty.
func Min(clocks ...VectorClock) VectorClock {
	out := make(VectorClock)
	if len(clocks) == 0 {
		return out
	}
	for k, val := range clocks[0] {
		out[k] = val
	}
	for _, c := range clocks[1:] {
		for k, val := range out {
			if c[k] < val {
				out[k] = c[k]
			}
		}
	}
	for k, val := range out {
		if val == 0 {
			delete(out, k)
		}
	}
	return out
}
