package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"collabsync/internal/clock"
	"collabsync/internal/codec"
	"collabsync/internal/middleware"
	"collabsync/internal/models"
	"collabsync/internal/room"
	"collabsync/internal/transport"
)

const writeWait = 10 * time.Second

// Peer is one client connection attached to a room
type Peer struct {
	mu   sync.Mutex
	info models.Session

	conn transport.Conn
	send chan []byte // buffered outbound frames
	hub  *Hub
	room *room.Room
}

// Info returns a copy of the peer's session record
func (p *Peer) Info() models.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.info.LastActiveAt = time.Now()
	p.mu.Unlock()
}

func (p *Peer) lastActive() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info.LastActiveAt
}

// enqueue queues a direct reply. A full buffer drops the connection.
func (p *Peer) enqueue(msg []byte) {
	select {
	case p.send <- msg:
	default:
		log.Printf("⚠️  Peer %s buffer full, closing connection", p.info.ID)
		p.conn.Close()
	}
}

// ReadPump reads frames until the connection fails, then unregisters
func (p *Peer) ReadPump(ctx context.Context) {
	defer func() {
		select {
		case p.hub.unregister <- p:
		case <-p.hub.done:
		}
		p.conn.Close()
	}()

	for {
		msg, err := p.conn.Receive(ctx)
		if err != nil {
			return
		}
		p.touch()

		forward, relay := handleFrame(ctx, p.hub.registry, p.room, p, msg)
		if forward != nil {
			p.hub.Broadcast(p.info.RoomID, forward, p)
		}
		if relay != nil {
			p.hub.publish(p.info.RoomID, relay)
		}
	}
}

// WritePump drains the send channel into the connection
func (p *Peer) WritePump() {
	defer p.conn.Close()

	for {
		select {
		case msg, ok := <-p.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := p.conn.Send(ctx, msg)
			cancel()
			if err != nil {
				return
			}
		case <-p.hub.done:
			return
		}
	}
}

// syncReply sends what the peer is missing, the room's presence and the
// room's own sync request
func (p *Peer) syncReply(rm *room.Room, vc clock.VectorClock) {
	p.sendMissing(rm, vc)
	if updates := rm.Awareness.Updates(); len(updates) > 0 {
		if msg, err := codec.EncodeAwareness(updates); err == nil {
			p.enqueue(msg)
		}
	}
	p.enqueue(codec.EncodeSyncRequest(rm.Doc.VectorClock()))
}

// sendMissing queues what a holder of vc lacks: a delta, or a full snapshot
// when vc is empty or below the compaction floor
func (p *Peer) sendMissing(rm *room.Room, vc clock.VectorClock) {
	switch diff, err := rm.Doc.DiffSince(vc); {
	case vc.IsEmpty() || err != nil:
		p.enqueue(codec.EncodeSnapshot(rm.Doc.FullSnapshot()))
	case len(diff) > 0:
		p.enqueue(codec.EncodeOpBatch(diff))
	}
}

// handleFrame merges one inbound frame into the room replica. It returns
// the frame for local peers and the frame for other nodes, either may be
// nil. Local peers get what the replica newly integrated, buffered
// operations released by msg included. Other nodes get msg itself since
// they buffer on their own. p is nil for frames that arrived from another
// node.
func handleFrame(ctx context.Context, reg *room.Registry, rm *room.Room, p *Peer, msg []byte) (forward, relay []byte) {
	f, err := codec.Decode(msg)
	if err != nil {
		log.Printf("⚠️  Room %s: dropping frame: %v", rm.ID, err)
		return nil, nil
	}

	ctx, span := middleware.StartSpan(ctx, "Relay.HandleFrame",
		attribute.String("room.id", rm.ID),
		attribute.String("frame.type", f.Type.String()),
		attribute.Int("frame.size", len(msg)),
	)
	defer span.End()

	switch f.Type {
	case codec.FrameOpBatch:
		ops, err := f.Operations()
		if err != nil {
			middleware.AddSpanError(ctx, err)
			log.Printf("⚠️  Room %s: dropping op batch: %v", rm.ID, err)
			return nil, nil
		}
		pending := rm.Doc.Pending()
		applied := rm.Doc.Integrate(ops...)
		span.SetAttributes(attribute.Int("ops.integrated", len(applied)))
		if len(applied) > 0 {
			forward = codec.EncodeOpBatch(applied)
		}
		if len(applied) > 0 || rm.Doc.Pending() > pending {
			relay = msg
		}
		return forward, relay

	case codec.FrameSnapshot:
		snap, _ := f.Snapshot()
		before := rm.Doc.VectorClock()
		if err := rm.Doc.LoadSnapshot(snap); err != nil {
			middleware.AddSpanError(ctx, err)
			log.Printf("⚠️  Room %s: dropping snapshot: %v", rm.ID, err)
			return nil, nil
		}
		if !before.Covers(rm.Doc.VectorClock()) {
			// the merged replica covers whatever the snapshot released
			return codec.EncodeSnapshot(rm.Doc.FullSnapshot()), msg
		}

	case codec.FrameAwareness:
		updates, err := f.Awareness()
		if err != nil {
			middleware.AddSpanError(ctx, err)
			log.Printf("⚠️  Room %s: dropping awareness: %v", rm.ID, err)
			return nil, nil
		}
		if accepted := rm.Awareness.Apply(updates...); len(accepted) > 0 {
			if out, err := codec.EncodeAwareness(accepted); err == nil {
				return out, out
			}
		}

	case codec.FrameSyncRequest, codec.FrameHeartbeat:
		if p == nil {
			return nil, nil
		}
		vc, err := f.VectorClock()
		if err != nil {
			middleware.AddSpanError(ctx, err)
			return nil, nil
		}
		reg.ReportClock(rm.ID, clock.ClientID(p.info.ClientID), vc)
		switch {
		case f.Type == codec.FrameSyncRequest:
			p.syncReply(rm, vc)
		case !vc.Covers(rm.Doc.VectorClock()):
			// a heartbeat behind the room missed a forward
			middleware.AddSpanEvent(ctx, "relay.catch_up", attribute.String("client.id", p.info.ClientID))
			p.sendMissing(rm, vc)
		}
	}
	return nil, nil
}
