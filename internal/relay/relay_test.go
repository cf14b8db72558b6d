package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"collabsync/internal/awareness"
	"collabsync/internal/clock"
	"collabsync/internal/codec"
	"collabsync/internal/crdt"
	"collabsync/internal/models"
	"collabsync/internal/repository"
	"collabsync/internal/room"
	"collabsync/internal/session"
	"collabsync/internal/transport"
)

// testNode is one relay process reachable through in-memory pipes
type testNode struct {
	hub      *Hub
	registry *room.Registry

	mu     sync.Mutex
	refuse map[clock.ClientID]bool
	conns  map[clock.ClientID][]transport.Conn
}

func newTestNode(t *testing.T, cfg room.Config, store room.SnapshotStore, bus Bus) *testNode {
	t.Helper()
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = time.Hour
	}
	reg := room.NewRegistry(cfg, store)
	hub := NewHub(reg, bus, Config{})
	hub.Start()
	t.Cleanup(hub.Shutdown)
	return &testNode{
		hub:      hub,
		registry: reg,
		refuse:   make(map[clock.ClientID]bool),
		conns:    make(map[clock.ClientID][]transport.Conn),
	}
}

func (n *testNode) Dial(ctx context.Context, roomID string, hello transport.Hello) (transport.Conn, error) {
	n.mu.Lock()
	refused := n.refuse[hello.ClientID]
	n.mu.Unlock()
	if refused {
		return nil, errors.New("connection refused")
	}

	client, server := transport.Pipe()
	if _, err := n.hub.Attach(ctx, server, roomID, hello.ClientID, hello.Name); err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.conns[hello.ClientID] = append(n.conns[hello.ClientID], server)
	n.mu.Unlock()
	return client, nil
}

// cut drops every connection of id and refuses new ones until restore
func (n *testNode) cut(id clock.ClientID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refuse[id] = true
	for _, c := range n.conns[id] {
		c.Close()
	}
	n.conns[id] = nil
}

func (n *testNode) restore(id clock.ClientID) {
	n.mu.Lock()
	n.refuse[id] = false
	n.mu.Unlock()
}

func (n *testNode) content(roomID string) string {
	rm, ok := n.registry.Get(roomID)
	if !ok {
		return ""
	}
	return rm.Doc.VisibleContent()
}

func join(t *testing.T, d transport.Dialer, id clock.ClientID, name string) *session.Session {
	t.Helper()
	s, err := session.Open(d, session.Config{
		RoomID:               "notes",
		ClientID:             id,
		Name:                 name,
		FlushInterval:        5 * time.Millisecond,
		HeartbeatInterval:    time.Hour,
		SyncTimeout:          time.Second,
		InitialBackoff:       2 * time.Millisecond,
		MaxBackoff:           10 * time.Millisecond,
		MaxReconnectAttempts: 1000,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Close(ctx)
	})
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func live(s *session.Session) func() bool {
	return func() bool { return s.State() == session.Live }
}

func TestSessionsConvergeThroughRelay(t *testing.T) {
	node := newTestNode(t, room.Config{}, nil, nil)
	ada := join(t, node, "ada", "Ada")
	bob := join(t, node, "bob", "Bob")
	eventually(t, "ada live", live(ada))
	eventually(t, "bob live", live(bob))

	ada.InsertText(0, "hello")
	eventually(t, "bob sees hello", func() bool { return bob.VisibleContent() == "hello" })

	bob.InsertText(5, " world")
	eventually(t, "convergence", func() bool {
		return ada.VisibleContent() == "hello world" &&
			bob.VisibleContent() == "hello world" &&
			node.content("notes") == "hello world"
	})
}

func TestNewJoinerIsServedFromRelayReplica(t *testing.T) {
	node := newTestNode(t, room.Config{}, nil, nil)
	ada := join(t, node, "ada", "Ada")
	eventually(t, "ada live", live(ada))
	ada.InsertText(0, "abc")
	eventually(t, "relay has abc", func() bool { return node.content("notes") == "abc" })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ada.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	bob := join(t, node, "bob", "Bob")
	eventually(t, "bob live", live(bob))
	if got := bob.VisibleContent(); got != "abc" {
		t.Fatalf("new joiner content = %q", got)
	}
}

func TestRoomOutlivesEvictionThroughStore(t *testing.T) {
	store := repository.NewMemorySnapshotRepository()
	node := newTestNode(t, room.Config{GracePeriod: 10 * time.Millisecond}, store, nil)

	ada := join(t, node, "ada", "Ada")
	eventually(t, "ada live", live(ada))
	ada.InsertText(0, "persist")
	eventually(t, "relay has text", func() bool { return node.content("notes") == "persist" })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ada.Close(ctx)
	eventually(t, "eviction", func() bool { return node.registry.Len() == 0 })

	bob := join(t, node, "bob", "Bob")
	eventually(t, "restored content", func() bool { return bob.VisibleContent() == "persist" })
}

func TestOfflineEditsMergeOnReconnect(t *testing.T) {
	node := newTestNode(t, room.Config{}, nil, nil)
	ada := join(t, node, "ada", "Ada")
	bob := join(t, node, "bob", "Bob")
	eventually(t, "ada live", live(ada))
	eventually(t, "bob live", live(bob))

	node.cut("ada")
	eventually(t, "ada offline", func() bool { return ada.State() != session.Live })

	ada.InsertText(0, "xyz")
	bob.InsertText(0, "abc")
	eventually(t, "bob edit at relay", func() bool { return node.content("notes") == "abc" })

	node.restore("ada")
	eventually(t, "convergence", func() bool {
		a, b := ada.VisibleContent(), bob.VisibleContent()
		return len(a) == 6 && a == b && a == node.content("notes")
	})
}

func TestPresenceIsForwardedAndRemoved(t *testing.T) {
	node := newTestNode(t, room.Config{}, nil, nil)
	ada := join(t, node, "ada", "Ada")
	bob := join(t, node, "bob", "Bob")

	hasAda := func() bool {
		for _, e := range bob.Awareness() {
			if e.ClientID == "ada" && e.State.Name == "Ada" {
				return true
			}
		}
		return false
	}
	eventually(t, "bob sees ada", hasAda)

	ada.SetCursor(&awareness.Range{Anchor: 0, Head: 0})
	eventually(t, "cursor forwarded", func() bool {
		for _, e := range bob.Awareness() {
			if e.ClientID == "ada" && e.State.Cursor != nil {
				return true
			}
		}
		return false
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ada.Close(ctx)
	eventually(t, "ada removed", func() bool { return !hasAda() })
}

func TestPresenceFieldReachesOtherSessions(t *testing.T) {
	node := newTestNode(t, room.Config{}, nil, nil)
	ada := join(t, node, "ada", "Ada")
	bob := join(t, node, "bob", "Bob")
	eventually(t, "ada live", live(ada))
	eventually(t, "bob live", live(bob))

	ada.SetPresenceField("status", "reviewing")
	eventually(t, "status forwarded", func() bool {
		for _, e := range bob.Awareness() {
			if e.ClientID == "ada" && e.State.Fields["status"] == "reviewing" {
				return true
			}
		}
		return false
	})
}

func TestHubListsSessions(t *testing.T) {
	node := newTestNode(t, room.Config{}, nil, nil)
	ada := join(t, node, "ada", "Ada")
	bob := join(t, node, "bob", "Bob")
	eventually(t, "ada live", live(ada))
	eventually(t, "bob live", live(bob))

	sessions := node.hub.Sessions("notes")
	if len(sessions) != 2 || node.hub.PeerCount() != 2 {
		t.Fatalf("sessions = %+v", sessions)
	}
	names := map[string]bool{}
	for _, s := range sessions {
		names[s.Name] = true
		if s.Color != clock.ColorFor(clock.ClientID(s.ClientID)) {
			t.Errorf("session %s color = %s", s.ClientID, s.Color)
		}
	}
	if !names["Ada"] || !names["Bob"] {
		t.Fatalf("names = %v", names)
	}
}

// detachedPeer registers a peer without pumps so the test controls its
// send buffer
func detachedPeer(h *Hub, roomID string, buffer int) (*Peer, transport.Conn) {
	client, server := transport.Pipe()
	p := &Peer{
		info: models.Session{ID: "p1", RoomID: roomID, ClientID: "c1", LastActiveAt: time.Now()},
		conn: server,
		send: make(chan []byte, buffer),
		hub:  h,
	}
	h.handleRegister(p)
	return p, client
}

func TestSlowPeerIsDisconnected(t *testing.T) {
	h := NewHub(room.NewRegistry(room.Config{}, nil), nil, Config{})
	p, client := detachedPeer(h, "notes", 1)

	h.fanout(&broadcastMessage{RoomID: "notes", Message: []byte{1}})
	if len(p.send) != 1 {
		t.Fatalf("first frame not queued")
	}
	h.fanout(&broadcastMessage{RoomID: "notes", Message: []byte{2}})

	if _, err := client.Receive(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("slow peer still connected: %v", err)
	}
}

func TestFanoutSkipsSender(t *testing.T) {
	h := NewHub(room.NewRegistry(room.Config{}, nil), nil, Config{})
	a, _ := detachedPeer(h, "notes", 4)
	b, _ := detachedPeer(h, "notes", 4)

	h.fanout(&broadcastMessage{RoomID: "notes", Message: []byte{1}, Sender: a})
	if len(a.send) != 0 || len(b.send) != 1 {
		t.Fatalf("a=%d b=%d", len(a.send), len(b.send))
	}
}

func TestCleanupClosesInactivePeers(t *testing.T) {
	h := NewHub(room.NewRegistry(room.Config{}, nil), nil, Config{PeerTimeout: time.Minute})
	p, client := detachedPeer(h, "notes", 1)
	p.info.LastActiveAt = time.Now().Add(-2 * time.Minute)

	if n := h.cleanup(time.Now()); n != 1 {
		t.Fatalf("cleanup closed %d peers", n)
	}
	if _, err := client.Receive(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("inactive peer still connected: %v", err)
	}
}

func TestRelayRepliesWithDeltaForKnownClock(t *testing.T) {
	node := newTestNode(t, room.Config{}, nil, nil)
	ada := join(t, node, "ada", "Ada")
	eventually(t, "ada live", live(ada))
	ada.InsertText(0, "ab")
	eventually(t, "relay has ab", func() bool { return node.content("notes") == "ab" })

	rm, _ := node.registry.Get("notes")
	ops, _ := rm.Doc.DiffSince(clock.VectorClock{})
	first := clock.VectorClock{}
	first.Set(ops[0].ID.Client, ops[0].ID.Seq)

	conn, err := node.Dial(context.Background(), "notes", transport.Hello{ClientID: "raw", Name: "raw"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.Send(context.Background(), codec.EncodeSyncRequest(first))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var types []codec.FrameType
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v (got %v)", err, types)
		}
		f, err := codec.Decode(msg)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		types = append(types, f.Type)
		if f.Type == codec.FrameOpBatch {
			got, _ := f.Operations()
			if len(got) != 1 || got[0].Kind != crdt.KindInsert {
				t.Fatalf("delta = %+v", got)
			}
		}
		if f.Type == codec.FrameSyncRequest {
			break
		}
	}
	if types[0] != codec.FrameOpBatch {
		t.Fatalf("frames = %v, want delta first", types)
	}
}

// rawPeer dials node without a session so the test controls every frame
func rawPeer(t *testing.T, node *testNode, id clock.ClientID) transport.Conn {
	t.Helper()
	conn, err := node.Dial(context.Background(), "notes", transport.Hello{ClientID: id, Name: string(id)})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestReleasedOperationsReachOtherPeers(t *testing.T) {
	node := newTestNode(t, room.Config{}, nil, nil)
	scratch := crdt.NewDocument()
	a := scratch.Insert("x", 1, 0, crdt.Char('a'))
	b := scratch.Insert("x", 2, 1, crdt.Char('b'))

	raw := rawPeer(t, node, "x")
	raw.Send(context.Background(), codec.EncodeOpBatch([]crdt.Operation{b}))
	eventually(t, "relay buffers b", func() bool {
		rm, ok := node.registry.Get("notes")
		return ok && rm.Doc.Pending() == 1
	})

	zed := join(t, node, "zed", "Zed")
	eventually(t, "zed live", live(zed))

	raw.Send(context.Background(), codec.EncodeOpBatch([]crdt.Operation{a}))
	eventually(t, "zed sees ab", func() bool {
		return node.content("notes") == "ab" && zed.VisibleContent() == "ab"
	})
}

func TestHeartbeatBehindRoomGetsDelta(t *testing.T) {
	node := newTestNode(t, room.Config{}, nil, nil)
	ada := join(t, node, "ada", "Ada")
	eventually(t, "ada live", live(ada))
	ada.InsertText(0, "abc")
	eventually(t, "relay has abc", func() bool { return node.content("notes") == "abc" })

	rm, _ := node.registry.Get("notes")
	ops, _ := rm.Doc.DiffSince(clock.VectorClock{})
	seen := clock.VectorClock{}
	seen.Set(ops[0].ID.Client, ops[0].ID.Seq)

	raw := rawPeer(t, node, "raw")
	raw.Send(context.Background(), codec.EncodeHeartbeat(seen))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		msg, err := raw.Receive(ctx)
		if err != nil {
			t.Fatalf("no delta after heartbeat: %v", err)
		}
		f, err := codec.Decode(msg)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if f.Type != codec.FrameOpBatch {
			continue
		}
		got, _ := f.Operations()
		if len(got) != 2 {
			t.Fatalf("delta has %d ops, want 2", len(got))
		}
		return
	}
}

// stuckBus accepts subscriptions but never completes a publish
type stuckBus struct{}

func (stuckBus) Publish(ctx context.Context, roomID string, frame []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stuckBus) Run(ctx context.Context, deliver func(string, []byte)) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSlowBusDoesNotStallHub(t *testing.T) {
	node := newTestNode(t, room.Config{}, nil, stuckBus{})
	ada := join(t, node, "ada", "Ada")
	eventually(t, "ada live", live(ada))
	ada.InsertText(0, "hi")
	eventually(t, "relay has hi", func() bool { return node.content("notes") == "hi" })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ada.Close(ctx)
	eventually(t, "ada unregistered", func() bool { return node.hub.PeerCount() == 0 })

	// registering still goes through the event loop
	bob := join(t, node, "bob", "Bob")
	eventually(t, "bob live", live(bob))
	if bob.VisibleContent() != "hi" {
		t.Fatalf("bob content = %q", bob.VisibleContent())
	}
}

// memBus connects hubs in one process
type memBus struct {
	net *memNetwork
}

type memNetwork struct {
	mu   sync.Mutex
	subs map[*memBus]func(string, []byte)
}

func (n *memNetwork) bus() *memBus { return &memBus{net: n} }

func (n *memNetwork) subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

func (b *memBus) Publish(ctx context.Context, roomID string, frame []byte) error {
	b.net.mu.Lock()
	var targets []func(string, []byte)
	for other, deliver := range b.net.subs {
		if other != b {
			targets = append(targets, deliver)
		}
	}
	b.net.mu.Unlock()
	for _, deliver := range targets {
		deliver(roomID, frame)
	}
	return nil
}

func (b *memBus) Run(ctx context.Context, deliver func(string, []byte)) error {
	b.net.mu.Lock()
	b.net.subs[b] = deliver
	b.net.mu.Unlock()
	<-ctx.Done()
	b.net.mu.Lock()
	delete(b.net.subs, b)
	b.net.mu.Unlock()
	return ctx.Err()
}

func TestBusCarriesEditsAcrossNodes(t *testing.T) {
	network := &memNetwork{subs: make(map[*memBus]func(string, []byte))}
	east := newTestNode(t, room.Config{}, nil, network.bus())
	west := newTestNode(t, room.Config{}, nil, network.bus())
	eventually(t, "bus subscriptions", func() bool { return network.subscribers() == 2 })

	ada := join(t, east, "ada", "Ada")
	bob := join(t, west, "bob", "Bob")
	eventually(t, "ada live", live(ada))
	eventually(t, "bob live", live(bob))

	ada.InsertText(0, "hi")
	eventually(t, "bob sees hi", func() bool { return bob.VisibleContent() == "hi" })
	bob.InsertText(2, "!")
	eventually(t, "ada sees hi!", func() bool { return ada.VisibleContent() == "hi!" })
	if east.content("notes") != "hi!" || west.content("notes") != "hi!" {
		t.Fatalf("replicas = %q %q", east.content("notes"), west.content("notes"))
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	frame := codec.EncodeSyncRequest(clock.VectorClock{"a": 3})
	node, got, err := decodeEnvelope(encodeEnvelope("node-1", frame))
	if err != nil || node != "node-1" || string(got) != string(frame) {
		t.Fatalf("decode = %q %v %v", node, got, err)
	}
	if _, _, err := decodeEnvelope([]byte{5, 'a'}); err == nil {
		t.Fatalf("truncated envelope accepted")
	}
	if _, _, err := decodeEnvelope(encodeEnvelope("node-1", nil)); err == nil {
		t.Fatalf("envelope without a frame accepted")
	}
}
