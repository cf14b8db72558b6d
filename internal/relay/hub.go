package relay

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"collabsync/internal/awareness"
	"collabsync/internal/clock"
	"collabsync/internal/codec"
	"collabsync/internal/models"
	"collabsync/internal/room"
	"collabsync/internal/transport"
)

/*
LEARNING: RELAY HUB

One goroutine owns the room -> peers map and processes three kinds of events:

  register   -> add the peer to its room
  unregister -> remove it, leave the registry room, announce the removal
  broadcast  -> fan a frame out to every peer in a room except the sender

Each peer has a buffered send channel drained by its own WritePump. A peer
whose buffer is full is dropped instead of slowing the whole room down; it
resyncs from its vector clock when it reconnects.

The relay keeps its own replica of each room (the registry document), so a
new joiner is served from the relay's state, not from another client.
*/

// Config controls peer buffering and liveness
type Config struct {
	SendBuffer      int
	PeerTimeout     time.Duration
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
	return c
}

// Hub routes frames between the peers of every room on this node
type Hub struct {
	registry *room.Registry
	bus      Bus
	cfg      Config

	rooms      map[string]map[*Peer]bool
	register   chan *Peer
	unregister chan *Peer
	broadcast  chan *broadcastMessage
	outbound   chan *broadcastMessage // frames waiting for the bus
	mu         sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

type broadcastMessage struct {
	RoomID  string
	Message []byte
	Sender  *Peer // skipped when set
}

// NewHub creates a hub backed by registry. bus may be nil for a single node.
func NewHub(registry *room.Registry, bus Bus, cfg Config) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:   registry,
		bus:        bus,
		cfg:        cfg.withDefaults(),
		rooms:      make(map[string]map[*Peer]bool),
		register:   make(chan *Peer),
		unregister: make(chan *Peer),
		broadcast:  make(chan *broadcastMessage, 256),
		outbound:   make(chan *broadcastMessage, 256),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start runs the event loop, the inactive peer cleanup and the bus
// subscription
func (h *Hub) Start() {
	log.Println("🔄 Starting relay hub...")

	h.wg.Add(2)
	go h.loop()
	go h.cleanupLoop()

	if h.bus != nil {
		h.wg.Add(2)
		go h.publishLoop()
		go func() {
			defer h.wg.Done()
			if err := h.bus.Run(h.ctx, h.deliverRemote); err != nil && h.ctx.Err() == nil {
				log.Printf("⚠️  Relay bus stopped: %v", err)
			}
		}()
	}

	log.Println("✓ Relay hub started")
}

func (h *Hub) loop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case p := <-h.register:
			h.handleRegister(p)
		case p := <-h.unregister:
			h.handleUnregister(p)
		case msg := <-h.broadcast:
			h.fanout(msg)
		}
	}
}

// Attach joins conn to roomID and starts its pumps
func (h *Hub) Attach(ctx context.Context, conn transport.Conn, roomID string, clientID clock.ClientID, name string) (*Peer, error) {
	rm, _, err := h.registry.Join(ctx, roomID, clientID)
	if err != nil {
		return nil, err
	}

	p := &Peer{
		info: models.Session{
			ID:           ksuid.New().String(),
			RoomID:       roomID,
			ClientID:     string(clientID),
			Name:         name,
			Color:        clock.ColorFor(clientID),
			ConnectedAt:  time.Now(),
			LastActiveAt: time.Now(),
		},
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
		hub:  h,
		room: rm,
	}

	select {
	case h.register <- p:
	case <-h.done:
		h.registry.Leave(roomID, clientID)
		conn.Close()
		return nil, transport.ErrClosed
	}

	go p.WritePump()
	go p.ReadPump(h.ctx)
	return p, nil
}

func (h *Hub) handleRegister(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	peers := h.rooms[p.info.RoomID]
	if peers == nil {
		peers = make(map[*Peer]bool)
		h.rooms[p.info.RoomID] = peers
	}
	peers[p] = true

	log.Printf("  Peer %s (%s) joined room %s (total: %d peers)",
		p.info.ID, p.info.Name, p.info.RoomID, len(peers))
}

func (h *Hub) handleUnregister(p *Peer) {
	if !h.removePeer(p) {
		return
	}
	log.Printf("  Peer %s left room %s", p.info.ID, p.info.RoomID)

	if u, ok := h.registry.Leave(p.info.RoomID, clock.ClientID(p.info.ClientID)); ok {
		if msg, err := codec.EncodeAwareness([]awareness.Update{u}); err == nil {
			h.fanout(&broadcastMessage{RoomID: p.info.RoomID, Message: msg})
			// never wait on the bus from the event loop
			select {
			case h.outbound <- &broadcastMessage{RoomID: p.info.RoomID, Message: msg}:
			default:
				log.Printf("⚠️  Bus queue full, dropping presence removal for room %s", p.info.RoomID)
			}
		}
	}
}

// removePeer detaches p and closes its send channel. It reports whether p
// was still registered.
func (h *Hub) removePeer(p *Peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	peers, ok := h.rooms[p.info.RoomID]
	if !ok || !peers[p] {
		return false
	}
	delete(peers, p)
	close(p.send)
	if len(peers) == 0 {
		delete(h.rooms, p.info.RoomID)
	}
	return true
}

func (h *Hub) fanout(msg *broadcastMessage) {
	h.mu.RLock()
	var slow []*Peer
	for p := range h.rooms[msg.RoomID] {
		if p == msg.Sender {
			continue
		}
		select {
		case p.send <- msg.Message:
		default:
			slow = append(slow, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range slow {
		log.Printf("⚠️  Peer %s buffer full, closing connection", p.info.ID)
		p.conn.Close()
	}
}

// Broadcast queues msg for every peer in roomID except sender
func (h *Hub) Broadcast(roomID string, msg []byte, sender *Peer) {
	select {
	case h.broadcast <- &broadcastMessage{RoomID: roomID, Message: msg, Sender: sender}:
	case <-h.done:
	}
}

// publish queues msg for the other nodes. It waits while the bus queue is
// full, which holds back only the calling peer's reads.
func (h *Hub) publish(roomID string, msg []byte) {
	if h.bus == nil {
		return
	}
	select {
	case h.outbound <- &broadcastMessage{RoomID: roomID, Message: msg}:
	case <-h.done:
	}
}

func (h *Hub) publishLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case m := <-h.outbound:
			ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
			if err := h.bus.Publish(ctx, m.RoomID, m.Message); err != nil {
				log.Printf("⚠️  Failed to publish to bus for room %s: %v", m.RoomID, err)
			}
			cancel()
		}
	}
}

// deliverRemote handles a frame relayed by another node
func (h *Hub) deliverRemote(roomID string, msg []byte) {
	rm, ok := h.registry.Get(roomID)
	if !ok {
		return
	}
	// already on the bus, so only local peers are served
	if forward, _ := handleFrame(h.ctx, h.registry, rm, nil, msg); forward != nil {
		h.Broadcast(roomID, forward, nil)
	}
}

// Sessions lists the connected peers of a room
func (h *Hub) Sessions(roomID string) []models.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.Session, 0, len(h.rooms[roomID]))
	for p := range h.rooms[roomID] {
		out = append(out, p.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// PeerCount counts peers across all rooms
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, peers := range h.rooms {
		n += len(peers)
	}
	return n
}

func (h *Hub) cleanupLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case now := <-ticker.C:
			h.cleanup(now)
		}
	}
}

// cleanup closes peers that sent nothing within PeerTimeout. Their read
// pumps then unregister them.
func (h *Hub) cleanup(now time.Time) int {
	h.mu.RLock()
	var stale []*Peer
	for _, peers := range h.rooms {
		for p := range peers {
			if now.Sub(p.lastActive()) > h.cfg.PeerTimeout {
				stale = append(stale, p)
			}
		}
	}
	h.mu.RUnlock()

	for _, p := range stale {
		log.Printf("  Cleaning up inactive peer %s", p.info.ID)
		p.conn.Close()
	}
	return len(stale)
}

// Shutdown closes every connection and stops the hub
func (h *Hub) Shutdown() {
	log.Println("🛑 Shutting down relay hub...")

	h.cancel()
	close(h.done)
	h.wg.Wait()

	h.mu.Lock()
	for _, peers := range h.rooms {
		for p := range peers {
			p.conn.Close()
		}
	}
	h.mu.Unlock()

	log.Println("✓ Relay hub shutdown complete")
}
