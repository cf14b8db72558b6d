package crdt

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"collabsync/internal/clock"
)

/*
LEARNING: REPLICATED TREE SEQUENCE

Each unit is inserted "after" another unit (its origin), so the document is
a tree rooted at Head. Siblings are sorted by Lamport timestamp (newest
first), then client id, then sequence number. Walking the tree depth-first
gives the document order, and because the tree and the sibling order only
depend on the set of operations, every replica that has the same set of
operations produces the same text.

Deletes never remove a unit, they set a tombstone. Compact may purge
tombstones once every attached replica is known to have seen them.

  head
   └── A (lamport 1, deleted)
        ├── C (lamport 3)
        └── B (lamport 2)

  document order: A C B, visible content: "CB"
*/

var (
	// ErrCompacted means the requested delta reaches below compacted history;
	// callers fall back to a full snapshot
	ErrCompacted = errors.New("history compacted below requested clock")
)

// key orders siblings: newest Lamport first, then client id, then seq
type key struct {
	lamport uint64
	id      ID
}

func (a key) before(b key) bool {
	if a.lamport != b.lamport {
		return a.lamport > b.lamport
	}
	if a.id.Client != b.id.Client {
		return a.id.Client < b.id.Client
	}
	return a.id.Seq < b.id.Seq
}

type item struct {
	id        ID
	lamport   uint64
	origin    ID
	unit      Unit
	deleted   bool
	deletedBy ID
	parent    *item
	children  []*item

	// path holds the keys of purged units this item was anchored under,
	// outermost first, so it keeps the slot those units occupied
	path []key
}

func (it *item) key() key {
	return key{lamport: it.lamport, id: it.id}
}

// before reports whether a sorts before its sibling b
func (a *item) before(b *item) bool {
	ka := append(append(make([]key, 0, len(a.path)+1), a.path...), a.key())
	kb := append(append(make([]key, 0, len(b.path)+1), b.path...), b.key())
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if ka[i] != kb[i] {
			return ka[i].before(kb[i])
		}
	}
	return len(ka) < len(kb)
}

func (a *item) addChild(child *item) {
	i := sort.Search(len(a.children), func(i int) bool {
		return child.before(a.children[i])
	})
	a.children = append(a.children, nil)
	copy(a.children[i+1:], a.children[i:])
	a.children[i] = child
	child.parent = a
}

func (a *item) removeChild(child *item) {
	for i, c := range a.children {
		if c == child {
			a.children = append(a.children[:i], a.children[i+1:]...)
			return
		}
	}
}

// purgedUnit remembers where a compacted tombstone sat in the tree
type purgedUnit struct {
	parent ID
	keys   []key // the unit's own path followed by its key
}

type readiness int

const (
	ready readiness = iota
	waiting
	duplicate
	invalid
)

// Document is one replica of the shared sequence. All methods are safe for
// concurrent use; mutations are serialized by the document lock.
type Document struct {
	mu sync.RWMutex

	head   *item
	items  map[ID]*item
	purged map[ID]purgedUnit

	vc    clock.VectorClock
	floor clock.VectorClock // history is complete only above these seqs

	history []Operation
	pending map[ID]Operation

	maxLamport uint64

	order []*item // document order excluding head, rebuilt when dirty
	dirty bool
}

// NewDocument creates an empty replica
func NewDocument() *Document {
	return &Document{
		head:    &item{id: Head},
		items:   make(map[ID]*item),
		purged:  make(map[ID]purgedUnit),
		vc:      make(clock.VectorClock),
		floor:   make(clock.VectorClock),
		pending: make(map[ID]Operation),
	}
}

// ApplyLocal integrates a locally generated operation and returns the
// visible content. It never blocks on anything but the document lock.
func (d *Document) ApplyLocal(op Operation) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.apply(op, nil)
	return d.visibleLocked()
}

// ApplyRemote integrates remote operations in any order, any number of
// times. It returns how many operations were newly integrated, including
// buffered ones released by this call.
func (d *Document) ApplyRemote(ops ...Operation) int {
	return len(d.Integrate(ops...))
}

// Integrate is ApplyRemote returning the newly integrated operations in
// integration order. Buffered operations released by ops are included,
// so the result is what a downstream replica holding this replica's
// previous state needs.
func (d *Document) Integrate(ops ...Operation) []Operation {
	d.mu.Lock()
	defer d.mu.Unlock()

	var applied []Operation
	for _, op := range ops {
		applied = d.apply(op, applied)
	}
	return applied
}

func (d *Document) apply(op Operation, applied []Operation) []Operation {
	switch d.readiness(op) {
	case ready:
		d.integrate(op)
		return d.drainPending(append(applied, op))
	case waiting:
		d.pending[op.ID] = op
	}
	return applied
}

// Insert creates, applies and returns an insert of unit at visible index.
// seq must come from the caller's clock.
func (d *Document) Insert(client clock.ClientID, seq uint64, index int, unit Unit) Operation {
	d.mu.Lock()
	defer d.mu.Unlock()

	visible := d.visibleItems()
	if index > len(visible) {
		index = len(visible)
	}
	origin := Head
	if index > 0 {
		origin = visible[index-1].id
	}
	op := Operation{
		ID:      ID{Client: client, Seq: seq},
		Kind:    KindInsert,
		Origin:  origin,
		Lamport: d.maxLamport + 1,
		Unit:    unit,
	}
	d.apply(op, nil)
	return op
}

// Delete creates, applies and returns a delete of the unit at visible index.
// It returns false when index is out of range.
func (d *Document) Delete(client clock.ClientID, seq uint64, index int) (Operation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	visible := d.visibleItems()
	if index < 0 || index >= len(visible) {
		return Operation{}, false
	}
	op := Operation{
		ID:     ID{Client: client, Seq: seq},
		Kind:   KindDelete,
		Origin: visible[index].id,
	}
	d.apply(op, nil)
	return op, true
}

func (d *Document) readiness(op Operation) readiness {
	if !op.Valid() {
		return invalid
	}
	have := d.vc.Get(op.ID.Client)
	if op.ID.Seq <= have {
		return duplicate
	}
	if op.ID.Seq > have+1 {
		return waiting
	}
	if !d.known(op.Origin) {
		return waiting
	}
	return ready
}

// known reports whether id can be resolved: present, purged, or already
// integrated and dropped before a snapshot reached us
func (d *Document) known(id ID) bool {
	if id.IsHead() {
		return true
	}
	if _, ok := d.items[id]; ok {
		return true
	}
	if _, ok := d.purged[id]; ok {
		return true
	}
	return id.coveredBy(d.vc)
}

// anchor resolves the tree parent for origin. When origin was purged the
// walk continues upwards and the returned path keeps the purged slots.
func (d *Document) anchor(origin ID) (*item, []key) {
	var path []key
	for {
		if origin.IsHead() {
			return d.head, path
		}
		if it, ok := d.items[origin]; ok {
			return it, path
		}
		p, ok := d.purged[origin]
		if !ok {
			return d.head, path
		}
		path = append(append([]key(nil), p.keys...), path...)
		origin = p.parent
	}
}

func (d *Document) integrate(op Operation) {
	switch op.Kind {
	case KindInsert:
		parent, path := d.anchor(op.Origin)
		it := &item{
			id:      op.ID,
			lamport: op.Lamport,
			origin:  op.Origin,
			unit:    op.Unit,
			path:    path,
		}
		parent.addChild(it)
		d.items[op.ID] = it
		if op.Lamport > d.maxLamport {
			d.maxLamport = op.Lamport
		}
		d.dirty = true
	case KindDelete:
		if it, ok := d.items[op.Origin]; ok && !it.deleted {
			it.deleted = true
			it.deletedBy = op.ID
		}
	}
	d.vc.Set(op.ID.Client, op.ID.Seq)
	d.history = append(d.history, op)
}

// drainPending integrates buffered operations whose dependencies arrived
// and appends them to applied
func (d *Document) drainPending(applied []Operation) []Operation {
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		for _, id := range d.pendingIDs() {
			op := d.pending[id]
			switch d.readiness(op) {
			case ready:
				d.integrate(op)
				delete(d.pending, id)
				applied = append(applied, op)
				progress = true
			case duplicate, invalid:
				delete(d.pending, id)
			}
		}
	}
	return applied
}

func (d *Document) pendingIDs() []ID {
	ids := make([]ID, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Client != ids[j].Client {
			return ids[i].Client < ids[j].Client
		}
		return ids[i].Seq < ids[j].Seq
	})
	return ids
}

func (d *Document) ordered() []*item {
	if !d.dirty && d.order != nil {
		return d.order
	}
	order := make([]*item, 0, len(d.items))
	stack := make([]*item, 0, 16)
	for i := len(d.head.children) - 1; i >= 0; i-- {
		stack = append(stack, d.head.children[i])
	}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, it)
		for i := len(it.children) - 1; i >= 0; i-- {
			stack = append(stack, it.children[i])
		}
	}
	d.order = order
	d.dirty = false
	return order
}

func (d *Document) visibleItems() []*item {
	all := d.ordered()
	visible := make([]*item, 0, len(all))
	for _, it := range all {
		if !it.deleted {
			visible = append(visible, it)
		}
	}
	return visible
}

func (d *Document) visibleLocked() string {
	var b strings.Builder
	for _, it := range d.ordered() {
		if !it.deleted {
			b.WriteString(it.unit.Value)
		}
	}
	return b.String()
}

// VisibleContent returns the document as the user sees it
func (d *Document) VisibleContent() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visibleLocked()
}

// Len returns the number of visible units
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.visibleItems())
}

// VectorClock returns a copy of the replica's vector clock
func (d *Document) VectorClock() clock.VectorClock {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.vc.Clone()
}

// DiffSince returns the operations the holder of vc is missing, in the
// order they were integrated here (causal order).
func (d *Document) DiffSince(vc clock.VectorClock) ([]Operation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for client, floor := range d.floor {
		if vc.Get(client) < floor {
			return nil, ErrCompacted
		}
	}
	var ops []Operation
	for _, op := range d.history {
		if op.ID.Seq > vc.Get(op.ID.Client) {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

// Compact purges tombstones whose insert and delete are both covered by
// horizon and that no longer anchor any unit (cascading upwards through
// runs of deleted units), then drops history covered by horizon. It returns
// the number of purged units.
func (d *Document) Compact(horizon clock.VectorClock) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	all := d.ordered()
	purged := 0
	for i := len(all) - 1; i >= 0; i-- {
		it := all[i]
		if !it.deleted || len(it.children) > 0 {
			continue
		}
		if !it.id.coveredBy(horizon) || !it.deletedBy.coveredBy(horizon) {
			continue
		}
		d.purge(it)
		purged++
	}
	if purged > 0 {
		d.dirty = true
	}

	for client, seq := range horizon {
		if have := d.vc.Get(client); seq > have {
			seq = have
		}
		d.floor.Set(client, seq)
	}
	d.trimHistory()
	return purged
}

func (d *Document) purge(it *item) {
	it.parent.removeChild(it)
	delete(d.items, it.id)
	d.purged[it.id] = purgedUnit{
		parent: it.parent.id,
		keys:   append(append([]key(nil), it.path...), it.key()),
	}
}

func (d *Document) trimHistory() {
	kept := d.history[:0]
	for _, op := range d.history {
		if op.ID.Seq > d.floor.Get(op.ID.Client) {
			kept = append(kept, op)
		}
	}
	for i := len(kept); i < len(d.history); i++ {
		d.history[i] = Operation{}
	}
	d.history = kept
}

// Pending returns the number of buffered operations
func (d *Document) Pending() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// Stats summarizes the replica
func (d *Document) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		Units:   len(d.items),
		Pending: len(d.pending),
		History: len(d.history),
		Purged:  len(d.purged),
	}
	for _, it := range d.items {
		if it.deleted {
			s.Tombstones++
		} else {
			s.Visible++
		}
	}
	return s
}
