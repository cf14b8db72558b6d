package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/segmentio/ksuid"

	"collabsync/internal/awareness"
	"collabsync/internal/clock"
	"collabsync/internal/codec"
	"collabsync/internal/crdt"
	"collabsync/internal/transport"
)

/*
LEARNING: SYNC HANDSHAKE

Both sides tell each other what they have, then each sends what the other
is missing:

  client                              relay
    | SYNC_REQUEST(client vc)   ->      |
    |                           <-      | OP_BATCH(delta) or SNAPSHOT
    |                           <-      | SYNC_REQUEST(room vc)
    | OP_BATCH(DiffSince(room vc)) ->   |        (session is now Live)

The reply to the room's request already contains every local op the room has
not seen, including anything typed while offline, so the outbound queue is
dropped at that point. Each offline op crosses the wire exactly once.
*/

// State of the session state machine
type State int

const (
	Connecting State = iota
	SyncingInitial
	Live
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case SyncingInitial:
		return "syncing"
	case Live:
		return "live"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrPersistentlyDisconnected = errors.New("session: relay unreachable, giving up")
	ErrClosed                   = errors.New("session: closed")
	ErrIndexOutOfRange          = errors.New("session: index out of range")
)

// Update is pushed to subscribers after every change
type Update struct {
	Content   string
	Awareness []awareness.Entry
	State     State
	Err       error
}

// Edit is an index based edit as produced by an editor
type Edit struct {
	Kind  crdt.Kind
	Index int
	Unit  crdt.Unit
}

// Session keeps one replica of a room in sync with the relay
type Session struct {
	id     string
	cfg    Config
	dialer transport.Dialer

	doc   *crdt.Document
	clk   *clock.Clock
	local *awareness.Local
	aware *awareness.Map

	mu        sync.Mutex
	state     State
	conn      transport.Conn
	outbox    []crdt.Operation
	presence  bool
	err       error
	listeners []func(Update)

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// Open starts a session that connects to cfg.RoomID through dialer
func Open(dialer transport.Dialer, cfg Config) (*Session, error) {
	if cfg.RoomID == "" {
		return nil, ErrNoRoom
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     ksuid.New().String(),
		cfg:    cfg,
		dialer: dialer,
		doc:    crdt.NewDocument(),
		clk:    clock.NewClock(cfg.ClientID),
		local:  awareness.NewLocal(cfg.ClientID, cfg.Name, clock.ColorFor(cfg.ClientID)),
		aware:  awareness.NewMap(cfg.AwarenessTimeout),
		state:  Connecting,
		kick:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.aware.Apply(s.local.Next())

	s.wg.Add(2)
	go s.run()
	go s.tick()
	go func() {
		s.wg.Wait()
		close(s.done)
	}()

	log.Printf("Session %s opened for room %s (client %s)", s.id, cfg.RoomID, cfg.ClientID)
	return s, nil
}

func (s *Session) ID() string               { return s.id }
func (s *Session) ClientID() clock.ClientID { return s.cfg.ClientID }
func (s *Session) Color() string            { return s.local.State().Color }
func (s *Session) Done() <-chan struct{}    { return s.done }
func (s *Session) VisibleContent() string   { return s.doc.VisibleContent() }
func (s *Session) Len() int                 { return s.doc.Len() }
func (s *Session) VectorClock() clock.VectorClock {
	return s.doc.VectorClock()
}

// Awareness returns the presence entries this replica knows, including its own
func (s *Session) Awareness() []awareness.Entry {
	return s.aware.Entries()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is nil while the session is open, ErrPersistentlyDisconnected if it
// gave up reconnecting and ErrClosed after Close
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Subscribe registers fn for change notifications. fn runs on the goroutine
// that made the change and must not block.
func (s *Session) Subscribe(fn func(Update)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Session) notify() {
	s.mu.Lock()
	u := Update{State: s.state, Err: s.err}
	listeners := make([]func(Update), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	if len(listeners) == 0 {
		return
	}
	u.Content = s.doc.VisibleContent()
	u.Awareness = s.aware.Entries()
	for _, fn := range listeners {
		fn(u)
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	changed := s.state != state && s.state != Closed
	if changed {
		s.state = state
	}
	s.mu.Unlock()
	if changed {
		log.Printf("Session %s: %s", s.id, state)
		s.notify()
	}
}

// ApplyLocal applies edits immediately and queues them for the relay. It
// never waits on the network.
func (s *Session) ApplyLocal(edits ...Edit) (string, error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	for _, e := range edits {
		switch e.Kind {
		case crdt.KindInsert:
			if e.Index < 0 || e.Index > s.doc.Len() {
				s.mu.Unlock()
				return "", fmt.Errorf("%w: insert at %d", ErrIndexOutOfRange, e.Index)
			}
			op := s.doc.Insert(s.cfg.ClientID, s.clk.Next(), e.Index, e.Unit)
			s.outbox = append(s.outbox, op)
		case crdt.KindDelete:
			if e.Index < 0 || e.Index >= s.doc.Len() {
				s.mu.Unlock()
				return "", fmt.Errorf("%w: delete at %d", ErrIndexOutOfRange, e.Index)
			}
			op, _ := s.doc.Delete(s.cfg.ClientID, s.clk.Next(), e.Index)
			s.outbox = append(s.outbox, op)
		default:
			s.mu.Unlock()
			return "", fmt.Errorf("unknown edit kind %s", e.Kind)
		}
	}
	s.mu.Unlock()

	s.wake()
	s.notify()
	return s.doc.VisibleContent(), nil
}

// Insert inserts unit at visible index
func (s *Session) Insert(index int, unit crdt.Unit) (string, error) {
	return s.ApplyLocal(Edit{Kind: crdt.KindInsert, Index: index, Unit: unit})
}

// InsertText inserts text one character unit per rune
func (s *Session) InsertText(index int, text string) (string, error) {
	edits := make([]Edit, 0, len(text))
	for _, r := range text {
		edits = append(edits, Edit{Kind: crdt.KindInsert, Index: index, Unit: crdt.Char(r)})
		index++
	}
	return s.ApplyLocal(edits...)
}

// Delete removes the unit at visible index
func (s *Session) Delete(index int) (string, error) {
	return s.ApplyLocal(Edit{Kind: crdt.KindDelete, Index: index})
}

// SetCursor publishes the local cursor (nil hides it)
func (s *Session) SetCursor(r *awareness.Range) {
	s.publish(s.local.SetCursor(r))
}

// SetPresenceField publishes an application defined presence field
func (s *Session) SetPresenceField(key, value string) {
	s.publish(s.local.SetField(key, value))
}

func (s *Session) publish(u awareness.Update) {
	s.aware.Apply(u)
	s.mu.Lock()
	s.presence = true
	s.mu.Unlock()
	s.wake()
	s.notify()
}

func (s *Session) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// run owns the connection lifecycle
func (s *Session) run() {
	defer s.wg.Done()
	bo := s.cfg.newBackOff()
	var lastErr error

	for {
		conn, err := s.dialer.Dial(s.ctx, s.cfg.RoomID, transport.Hello{ClientID: s.cfg.ClientID, Name: s.cfg.Name})
		if err == nil {
			var live bool
			live, err = s.serve(conn)
			if live {
				bo.Reset()
			}
		}
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			lastErr = err
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			log.Printf("🛑 Session %s: giving up after %d attempts: %v", s.id, s.cfg.MaxReconnectAttempts, lastErr)
			s.finish(fmt.Errorf("%w: %v", ErrPersistentlyDisconnected, lastErr))
			return
		}
		s.setState(Reconnecting)
		log.Printf("⚠️  Session %s: connection lost (%v), retrying in %s", s.id, err, wait.Round(time.Millisecond))

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// serve runs one connection until it fails. It reports whether the
// connection reached Live.
func (s *Session) serve(conn transport.Conn) (bool, error) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setState(SyncingInitial)

	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SyncTimeout)
	defer cancel()
	if err := conn.Send(ctx, codec.EncodeSyncRequest(s.doc.VectorClock())); err != nil {
		return false, err
	}
	if msg, err := codec.EncodeAwareness([]awareness.Update{s.local.Next()}); err == nil {
		conn.Send(ctx, msg)
	}

	syncTimer := time.AfterFunc(s.cfg.SyncTimeout, func() {
		if s.State() == SyncingInitial {
			log.Printf("⚠️  Session %s: initial sync timed out", s.id)
			conn.Close()
		}
	})
	defer syncTimer.Stop()

	live := false
	for {
		msg, err := conn.Receive(s.ctx)
		if err != nil {
			return live, err
		}
		if s.handle(conn, msg) {
			live = true
			syncTimer.Stop()
		}
	}
}

// handle processes one inbound frame and reports whether it made the
// session Live
func (s *Session) handle(conn transport.Conn, msg []byte) bool {
	f, err := codec.Decode(msg)
	if err != nil {
		log.Printf("⚠️  Session %s: dropping frame: %v", s.id, err)
		return false
	}

	switch f.Type {
	case codec.FrameOpBatch:
		ops, err := f.Operations()
		if err != nil {
			log.Printf("⚠️  Session %s: dropping op batch: %v", s.id, err)
			return false
		}
		if n := s.doc.ApplyRemote(ops...); n > 0 {
			s.notify()
		}

	case codec.FrameSnapshot:
		snap, _ := f.Snapshot()
		if err := s.doc.LoadSnapshot(snap); err != nil {
			log.Printf("⚠️  Session %s: dropping snapshot: %v", s.id, err)
			return false
		}
		s.notify()

	case codec.FrameSyncRequest:
		vc, err := f.VectorClock()
		if err != nil {
			log.Printf("⚠️  Session %s: dropping sync request: %v", s.id, err)
			return false
		}
		return s.goLive(conn, vc)

	case codec.FrameAwareness:
		updates, err := f.Awareness()
		if err != nil {
			log.Printf("⚠️  Session %s: dropping awareness: %v", s.id, err)
			return false
		}
		// this client is the only writer of its own entry
		others := updates[:0]
		for _, u := range updates {
			if u.ClientID != s.cfg.ClientID {
				others = append(others, u)
			}
		}
		if len(s.aware.Apply(others...)) > 0 {
			s.notify()
		}

	case codec.FrameHeartbeat:
	}
	return false
}

// goLive answers the room's sync request with everything the room lacks
func (s *Session) goLive(conn transport.Conn, roomVC clock.VectorClock) bool {
	s.mu.Lock()
	if s.conn != conn || s.state == Closed {
		s.mu.Unlock()
		return false
	}
	var reply []byte
	diff, err := s.doc.DiffSince(roomVC)
	switch {
	case err != nil:
		reply = codec.EncodeSnapshot(s.doc.FullSnapshot())
	case len(diff) > 0:
		reply = codec.EncodeOpBatch(diff)
	}
	s.outbox = nil
	s.mu.Unlock()

	if reply != nil {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.FlushTimeout)
		err := conn.Send(ctx, reply)
		cancel()
		if err != nil {
			conn.Close()
			return false
		}
	}
	log.Printf("✓ Session %s live in room %s (%d ops sent)", s.id, s.cfg.RoomID, len(diff))
	s.setState(Live)
	return true
}

// tick drives the outbound queue, heartbeats and awareness expiry
func (s *Session) tick() {
	defer s.wg.Done()
	flush := time.NewTicker(s.cfg.FlushInterval)
	defer flush.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.kick:
			s.flush(s.ctx)
		case <-flush.C:
			s.flush(s.ctx)
		case now := <-heartbeat.C:
			s.heartbeat(now)
		}
	}
}

// flush sends queued ops in batches of at most MaxBatch
func (s *Session) flush(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.state != Live || s.conn == nil {
			s.mu.Unlock()
			return
		}
		conn := s.conn
		var batch []crdt.Operation
		if len(s.outbox) > 0 {
			n := min(len(s.outbox), s.cfg.MaxBatch)
			batch = s.outbox[:n:n]
			s.outbox = s.outbox[n:]
		}
		presence := s.presence
		s.presence = false
		s.mu.Unlock()

		if len(batch) == 0 && !presence {
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.FlushTimeout)
		var err error
		if len(batch) > 0 {
			err = conn.Send(sendCtx, codec.EncodeOpBatch(batch))
		}
		if err == nil && presence {
			err = s.sendPresence(sendCtx, conn, s.local.Next())
		}
		cancel()
		if err != nil {
			// lost ops are resent by the next handshake
			log.Printf("⚠️  Session %s: send failed: %v", s.id, err)
			conn.Close()
			return
		}
	}
}

func (s *Session) sendPresence(ctx context.Context, conn transport.Conn, u awareness.Update) error {
	s.aware.Apply(u)
	msg, err := codec.EncodeAwareness([]awareness.Update{u})
	if err != nil {
		return nil
	}
	return conn.Send(ctx, msg)
}

func (s *Session) heartbeat(now time.Time) {
	u := s.local.Next()
	s.aware.Apply(u)
	if gone := s.aware.Expire(now); len(gone) > 0 {
		s.notify()
	}

	s.mu.Lock()
	conn := s.conn
	live := s.state == Live
	s.mu.Unlock()
	if !live || conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.FlushTimeout)
	defer cancel()
	if err := conn.Send(ctx, codec.EncodeHeartbeat(s.doc.VectorClock())); err != nil {
		conn.Close()
		return
	}
	if err := s.sendPresence(ctx, conn, u); err != nil {
		conn.Close()
	}
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.err = err
	s.mu.Unlock()
	s.cancel()
	s.notify()
}

// Close leaves the room. Pending ops are flushed on a best effort basis
// within FlushTimeout.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	conn := s.conn
	live := s.state == Live
	batch := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	if conn != nil && live {
		flushCtx, cancel := context.WithTimeout(ctx, s.cfg.FlushTimeout)
		if len(batch) > 0 {
			if err := conn.Send(flushCtx, codec.EncodeOpBatch(batch)); err != nil {
				log.Printf("⚠️  Session %s: dropped %d unsent ops on close: %v", s.id, len(batch), err)
			}
		}
		if msg, err := codec.EncodeAwareness([]awareness.Update{s.local.Leave()}); err == nil {
			conn.Send(flushCtx, msg)
		}
		cancel()
	}

	s.finish(ErrClosed)
	if conn != nil {
		conn.Close()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Printf("🛑 Session %s closed", s.id)
	return nil
}
