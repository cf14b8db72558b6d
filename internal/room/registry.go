package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"collabsync/internal/awareness"
	"collabsync/internal/clock"
	"collabsync/internal/crdt"
	"collabsync/internal/middleware"
)

/*
LEARNING: ONE DOCUMENT PER ROOM

The registry lock is the only place a room can be created or dropped, so two
joiners racing on the same id always end up with the same *Room.

Eviction is a timer that fires after the last member leaves:

  Leave (empty) -> gen++ -> AfterFunc(grace, evict(gen))
  Join          -> gen++            (timer fires, sees a newer gen, returns)

If the timer already won, the room is gone from the map and Join builds a new
one. That new room waits for the evicted room's final save before it loads,
so it never starts from an older snapshot.
*/

// SnapshotStore persists document snapshots between room lifetimes
type SnapshotStore interface {
	Save(ctx context.Context, roomID string, snapshot []byte) error
	Load(ctx context.Context, roomID string) ([]byte, bool, error)
}

var ErrEmptyRoomID = errors.New("room id must not be empty")

// Config controls room lifetime and maintenance cadence
type Config struct {
	GracePeriod      time.Duration
	AwarenessTimeout time.Duration
	CompactInterval  time.Duration
	SnapshotInterval time.Duration
	SaveTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.AwarenessTimeout <= 0 {
		c.AwarenessTimeout = 30 * time.Second
	}
	if c.CompactInterval <= 0 {
		c.CompactInterval = time.Minute
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 5 * time.Minute
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 10 * time.Second
	}
	return c
}

// Room is the live state of one room in this process
type Room struct {
	ID        string
	Doc       *crdt.Document
	Awareness *awareness.Map
	CreatedAt time.Time

	// guarded by Registry.mu
	members map[clock.ClientID]*member
	gen     uint64
	timer   *time.Timer
	savedVC clock.VectorClock

	ready   chan struct{}
	loadErr error
}

type member struct {
	vc   clock.VectorClock
	refs int
}

func newRoom(id string, cfg Config) *Room {
	return &Room{
		ID:        id,
		Doc:       crdt.NewDocument(),
		Awareness: awareness.NewMap(cfg.AwarenessTimeout),
		CreatedAt: time.Now(),
		members:   make(map[clock.ClientID]*member),
		ready:     make(chan struct{}),
	}
}

// Registry maps room ids to live rooms
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	evicting map[string]chan struct{}
	store    SnapshotStore
	cfg      Config
}

// NewRegistry creates a registry. store may be nil, in which case evicted
// rooms are lost.
func NewRegistry(cfg Config, store SnapshotStore) *Registry {
	return &Registry{
		rooms:    make(map[string]*Room),
		evicting: make(map[string]chan struct{}),
		store:    store,
		cfg:      cfg.withDefaults(),
	}
}

// Join attaches clientID to roomID, creating the room on first use, and
// returns the room with its current vector clock
func (r *Registry) Join(ctx context.Context, roomID string, clientID clock.ClientID) (*Room, clock.VectorClock, error) {
	if roomID == "" {
		return nil, nil, ErrEmptyRoomID
	}

	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	var wait chan struct{}
	if ok {
		if rm.timer != nil {
			rm.timer.Stop()
			rm.timer = nil
		}
		rm.gen++
	} else {
		rm = newRoom(roomID, r.cfg)
		r.rooms[roomID] = rm
		wait = r.evicting[roomID]
	}
	m := rm.members[clientID]
	if m == nil {
		m = &member{vc: clock.VectorClock{}}
		rm.members[clientID] = m
	}
	m.refs++
	r.mu.Unlock()

	if !ok {
		rm.loadErr = r.restore(ctx, rm, wait)
		close(rm.ready)
		if rm.loadErr == nil {
			log.Printf("✓ Room created: %s", roomID)
		}
	}

	select {
	case <-rm.ready:
	case <-ctx.Done():
		r.detach(rm, clientID)
		return nil, nil, ctx.Err()
	}
	if rm.loadErr != nil {
		r.detach(rm, clientID)
		return nil, nil, rm.loadErr
	}
	return rm, rm.Doc.VectorClock(), nil
}

func (r *Registry) restore(ctx context.Context, rm *Room, wait chan struct{}) error {
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.store == nil {
		return nil
	}

	ctx, span := middleware.StartSpan(ctx, "Registry.restore", attribute.String("room.id", rm.ID))
	defer span.End()

	snap, found, err := r.store.Load(ctx, rm.ID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("failed to load snapshot for room %s: %w", rm.ID, err)
	}
	if !found {
		return nil
	}
	if err := rm.Doc.LoadSnapshot(snap); err != nil {
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("failed to restore room %s: %w", rm.ID, err)
	}
	r.mu.Lock()
	rm.savedVC = rm.Doc.VectorClock()
	r.mu.Unlock()
	log.Printf("✓ Room %s restored from snapshot (%d units)", rm.ID, rm.Doc.Len())
	return nil
}

// detach undoes a failed Join
func (r *Registry) detach(rm *Room, clientID clock.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := rm.members[clientID]; m != nil {
		if m.refs--; m.refs <= 0 {
			delete(rm.members, clientID)
		}
	}
	if rm.loadErr != nil && r.rooms[rm.ID] == rm && len(rm.members) == 0 {
		delete(r.rooms, rm.ID)
		return
	}
	r.scheduleEvictionLocked(rm)
}

// Leave detaches one attachment of clientID. When its last attachment is
// gone the awareness entry is removed and, if the room became empty, the
// grace timer starts. The returned update announces the removal to the
// remaining members.
func (r *Registry) Leave(roomID string, clientID clock.ClientID) (awareness.Update, bool) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return awareness.Update{}, false
	}
	m := rm.members[clientID]
	if m == nil {
		r.mu.Unlock()
		return awareness.Update{}, false
	}
	// a reconnect can attach the same client before the old connection is gone
	if m.refs--; m.refs > 0 {
		r.mu.Unlock()
		return awareness.Update{}, false
	}
	delete(rm.members, clientID)
	r.scheduleEvictionLocked(rm)
	r.mu.Unlock()

	return rm.Awareness.Remove(clientID)
}

func (r *Registry) scheduleEvictionLocked(rm *Room) {
	if len(rm.members) > 0 || rm.timer != nil {
		return
	}
	rm.gen++
	gen := rm.gen
	rm.timer = time.AfterFunc(r.cfg.GracePeriod, func() { r.evict(rm.ID, gen) })
}

func (r *Registry) evict(roomID string, gen uint64) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok || rm.gen != gen || len(rm.members) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, roomID)
	var done chan struct{}
	if r.store != nil {
		done = make(chan struct{})
		r.evicting[roomID] = done
	}
	r.mu.Unlock()

	if done != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SaveTimeout)
		if err := r.save(ctx, rm); err != nil {
			log.Printf("⚠️  Final snapshot of room %s failed: %v", roomID, err)
		}
		cancel()

		r.mu.Lock()
		delete(r.evicting, roomID)
		r.mu.Unlock()
		close(done)
	}
	log.Printf("🛑 Room evicted: %s", roomID)
}

func (r *Registry) save(ctx context.Context, rm *Room) error {
	ctx, span := middleware.StartSpan(ctx, "Registry.save", attribute.String("room.id", rm.ID))
	defer span.End()

	vc := rm.Doc.VectorClock()
	if err := r.store.Save(ctx, rm.ID, rm.Doc.FullSnapshot()); err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}
	r.mu.Lock()
	rm.savedVC = vc
	r.mu.Unlock()
	return nil
}

// ReportClock records the vector clock a member has acknowledged. It feeds
// the compaction horizon.
func (r *Registry) ReportClock(roomID string, clientID clock.ClientID, vc clock.VectorClock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if m := rm.members[clientID]; m != nil {
		m.vc = vc.Clone()
	}
}

// Get returns a live room without joining it
func (r *Registry) Get(roomID string) (*Room, bool) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-rm.ready:
		return rm, rm.loadErr == nil
	default:
		return nil, false
	}
}

// Members lists the clients attached to a room
func (r *Registry) Members(roomID string) []clock.ClientID {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]clock.ClientID, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len counts live rooms
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) live() []*Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		select {
		case <-rm.ready:
			if rm.loadErr == nil {
				out = append(out, rm)
			}
		default:
		}
	}
	return out
}

// horizon is the clock every current member has acknowledged
func (r *Registry) horizon(rm *Room) clock.VectorClock {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(rm.members) == 0 {
		return nil
	}
	clocks := make([]clock.VectorClock, 0, len(rm.members)+1)
	for _, m := range rm.members {
		clocks = append(clocks, m.vc)
	}
	clocks = append(clocks, rm.Doc.VectorClock())
	return clock.Min(clocks...)
}

// Compact purges tombstones every member has seen, in every live room
func (r *Registry) Compact() int {
	total := 0
	for _, rm := range r.live() {
		h := r.horizon(rm)
		if h.IsEmpty() {
			continue
		}
		if n := rm.Doc.Compact(h); n > 0 {
			log.Printf("Compacted room %s: %d tombstones purged", rm.ID, n)
			total += n
		}
	}
	return total
}

// SaveAll snapshots every room that changed since its last save
func (r *Registry) SaveAll(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	var errs []error
	for _, rm := range r.live() {
		r.mu.Lock()
		saved := rm.savedVC
		r.mu.Unlock()
		if saved.Covers(rm.Doc.VectorClock()) {
			continue
		}
		if err := r.save(ctx, rm); err != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", rm.ID, err))
		}
	}
	return errors.Join(errs...)
}

// ExpireAwareness drops stale presence entries in every room
func (r *Registry) ExpireAwareness(now time.Time) {
	for _, rm := range r.live() {
		if gone := rm.Awareness.Expire(now); len(gone) > 0 {
			log.Printf("Room %s: presence expired for %v", rm.ID, gone)
		}
	}
}

// Run drives compaction, periodic snapshots and awareness expiry until ctx
// is done
func (r *Registry) Run(ctx context.Context) {
	compact := time.NewTicker(r.cfg.CompactInterval)
	defer compact.Stop()
	snapshot := time.NewTicker(r.cfg.SnapshotInterval)
	defer snapshot.Stop()
	expire := time.NewTicker(r.cfg.AwarenessTimeout / 2)
	defer expire.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-compact.C:
			r.Compact()
		case <-snapshot.C:
			saveCtx, cancel := context.WithTimeout(ctx, r.cfg.SaveTimeout)
			if err := r.SaveAll(saveCtx); err != nil {
				log.Printf("⚠️  Periodic snapshot failed: %v", err)
			}
			cancel()
		case now := <-expire.C:
			r.ExpireAwareness(now)
		}
	}
}
