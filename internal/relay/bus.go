package relay

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"

	"collabsync/internal/wire"
)

// Bus fans frames out to the other relay nodes serving the same rooms
type Bus interface {
	Publish(ctx context.Context, roomID string, frame []byte) error
	// Run delivers frames published by other nodes until ctx is done
	Run(ctx context.Context, deliver func(roomID string, frame []byte)) error
}

const channelPrefix = "collabsync:room:"

// RedisBus is a Bus over Redis pub/sub. Each node tags what it publishes
// so it can skip its own messages.
type RedisBus struct {
	client *redis.Client
	nodeID string
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, nodeID: ksuid.New().String()}
}

func (b *RedisBus) Publish(ctx context.Context, roomID string, frame []byte) error {
	payload := encodeEnvelope(b.nodeID, frame)
	if err := b.client.Publish(ctx, channelPrefix+roomID, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish frame: %w", err)
	}
	return nil
}

func (b *RedisBus) Run(ctx context.Context, deliver func(roomID string, frame []byte)) error {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	log.Printf("✓ Subscribed to %s* as node %s", channelPrefix, b.nodeID)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			origin, frame, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				log.Printf("⚠️  Dropping bus message on %s: %v", msg.Channel, err)
				continue
			}
			if origin == b.nodeID {
				continue
			}
			deliver(strings.TrimPrefix(msg.Channel, channelPrefix), frame)
		}
	}
}

// envelope: [uvarint len][node id][frame...]; the frame runs to the end so
// it is not subject to the wire string limit
func encodeEnvelope(nodeID string, frame []byte) []byte {
	w := wire.NewWriter(len(nodeID) + len(frame) + 8)
	w.String(nodeID)
	return append(w.Bytes(), frame...)
}

func decodeEnvelope(b []byte) (string, []byte, error) {
	r := wire.NewReader(b)
	nodeID := r.String()
	if err := r.Err(); err != nil {
		return "", nil, err
	}
	if nodeID == "" || r.Remaining() == 0 {
		return "", nil, fmt.Errorf("relay: empty bus envelope")
	}
	return nodeID, b[len(b)-r.Remaining():], nil
}
