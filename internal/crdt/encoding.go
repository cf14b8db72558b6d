package crdt

import (
	"errors"
	"fmt"
	"sort"

	"collabsync/internal/clock"
	"collabsync/internal/wire"
)

// ErrMalformedSnapshot is returned by LoadSnapshot for undecodable input
var ErrMalformedSnapshot = errors.New("malformed snapshot")

const (
	snapshotMagic   = 'C'
	snapshotVersion = 1
)

func writeID(w *wire.Writer, id ID) {
	w.String(string(id.Client))
	w.Uvarint(id.Seq)
}

func readID(r *wire.Reader) ID {
	client := clock.ClientID(r.String())
	return ID{Client: client, Seq: r.Uvarint()}
}

// AppendOperation writes op in its binary form
func AppendOperation(w *wire.Writer, op Operation) {
	w.Byte(byte(op.Kind))
	writeID(w, op.ID)
	writeID(w, op.Origin)
	if op.Kind == KindInsert {
		w.Uvarint(op.Lamport)
		w.Byte(byte(op.Unit.Type))
		w.String(op.Unit.Value)
	}
}

// ReadOperation reads one operation written by AppendOperation
func ReadOperation(r *wire.Reader) (Operation, error) {
	op := Operation{Kind: Kind(r.Byte())}
	op.ID = readID(r)
	op.Origin = readID(r)
	if op.Kind == KindInsert {
		op.Lamport = r.Uvarint()
		op.Unit.Type = UnitType(r.Byte())
		op.Unit.Value = r.String()
	}
	if err := r.Err(); err != nil {
		return Operation{}, err
	}
	if !op.Valid() {
		return Operation{}, fmt.Errorf("invalid %s operation %s", op.Kind, op.ID)
	}
	return op, nil
}

// EncodeOperations encodes a batch as count + operations
func EncodeOperations(ops []Operation) []byte {
	w := wire.NewWriter(16 + len(ops)*48)
	w.Uvarint(uint64(len(ops)))
	for _, op := range ops {
		AppendOperation(w, op)
	}
	return w.Bytes()
}

// DecodeOperations decodes a batch; a single bad operation rejects the batch
func DecodeOperations(b []byte) ([]Operation, error) {
	r := wire.NewReader(b)
	n := r.Count(5)
	ops := make([]Operation, 0, n)
	for i := 0; i < n; i++ {
		op, err := ReadOperation(r)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return ops, nil
}

func writeKeys(w *wire.Writer, keys []key) {
	w.Uvarint(uint64(len(keys)))
	for _, k := range keys {
		w.Uvarint(k.lamport)
		writeID(w, k.id)
	}
}

func readKeys(r *wire.Reader) []key {
	n := r.Count(3)
	if n == 0 {
		return nil
	}
	keys := make([]key, n)
	for i := range keys {
		keys[i].lamport = r.Uvarint()
		keys[i].id = readID(r)
	}
	return keys
}

// FullSnapshot serializes the whole replica state: vector clock, every unit
// (tombstones included) in document order so parents precede children, and
// the slots of purged units so late inserts anchored on them still land in
// the same place on the receiving replica.
func (d *Document) FullSnapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	all := d.ordered()
	w := wire.NewWriter(64 + len(all)*40)
	w.Byte(snapshotMagic)
	w.Byte(snapshotVersion)
	w.VectorClock(d.vc)
	w.Uvarint(d.maxLamport)
	w.Uvarint(uint64(len(all)))
	for _, it := range all {
		writeID(w, it.id)
		writeID(w, it.parent.id)
		w.Uvarint(it.lamport)
		writeKeys(w, it.path)
		w.Byte(byte(it.unit.Type))
		w.String(it.unit.Value)
		if it.deleted {
			w.Byte(1)
			writeID(w, it.deletedBy)
		} else {
			w.Byte(0)
		}
	}
	ids := make([]ID, 0, len(d.purged))
	for id := range d.purged {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Client != ids[j].Client {
			return ids[i].Client < ids[j].Client
		}
		return ids[i].Seq < ids[j].Seq
	})
	w.Uvarint(uint64(len(ids)))
	for _, id := range ids {
		p := d.purged[id]
		writeID(w, id)
		writeID(w, p.parent)
		writeKeys(w, p.keys)
	}
	return w.Bytes()
}

type snapshotItem struct {
	id        ID
	parent    ID
	lamport   uint64
	path      []key
	unit      Unit
	deleted   bool
	deletedBy ID
}

type snapshot struct {
	vc         clock.VectorClock
	maxLamport uint64
	items      []snapshotItem
	purged     map[ID]purgedUnit
}

func decodeSnapshot(b []byte) (*snapshot, error) {
	r := wire.NewReader(b)
	if r.Byte() != snapshotMagic || r.Byte() != snapshotVersion {
		return nil, fmt.Errorf("%w: bad header", ErrMalformedSnapshot)
	}
	s := &snapshot{
		vc:         r.VectorClock(),
		maxLamport: r.Uvarint(),
	}
	n := r.Count(7)
	s.items = make([]snapshotItem, 0, n)
	for i := 0; i < n; i++ {
		si := snapshotItem{
			id:      readID(r),
			parent:  readID(r),
			lamport: r.Uvarint(),
			path:    readKeys(r),
		}
		si.unit.Type = UnitType(r.Byte())
		si.unit.Value = r.String()
		if r.Byte() == 1 {
			si.deleted = true
			si.deletedBy = readID(r)
		}
		s.items = append(s.items, si)
	}
	n = r.Count(5)
	s.purged = make(map[ID]purgedUnit, n)
	for i := 0; i < n; i++ {
		id := readID(r)
		s.purged[id] = purgedUnit{parent: readID(r), keys: readKeys(r)}
	}
	if err := r.Done(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	return s, nil
}

// LoadSnapshot merges a snapshot into the replica. On an empty replica this
// restores the snapshot exactly; on a replica with local state it is a
// state-based merge (union of units, tombstones win), so offline edits that
// the snapshot does not contain survive. Malformed input leaves the replica
// untouched.
func (d *Document) LoadSnapshot(b []byte) error {
	s, err := decodeSnapshot(b)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	before := d.vc.Clone()
	for _, si := range s.items {
		if it, ok := d.items[si.id]; ok {
			if si.deleted && !it.deleted {
				it.deleted = true
				it.deletedBy = si.deletedBy
			}
			continue
		}
		if _, ok := d.purged[si.id]; ok {
			continue
		}
		parent, prefix := d.anchor(si.parent)
		it := &item{
			id:        si.id,
			lamport:   si.lamport,
			origin:    si.parent,
			unit:      si.unit,
			deleted:   si.deleted,
			deletedBy: si.deletedBy,
			path:      append(prefix, si.path...),
		}
		parent.addChild(it)
		d.items[si.id] = it
	}
	for id, p := range s.purged {
		if _, ok := d.purged[id]; ok {
			continue
		}
		if it, ok := d.items[id]; ok {
			// purged there means deleted and seen by everyone there
			if !it.deleted {
				it.deleted = true
				it.deletedBy = Head
			}
			continue
		}
		d.purged[id] = p
	}
	if s.maxLamport > d.maxLamport {
		d.maxLamport = s.maxLamport
	}
	for client, seq := range s.vc {
		if seq > before.Get(client) {
			d.floor.Set(client, seq)
		}
	}
	d.vc.Merge(s.vc)
	d.trimHistory()
	d.dirty = true
	d.drainPending(nil)
	return nil
}
