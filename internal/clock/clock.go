package clock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

/*
LEARNING: IDENTITY AND LOGICAL CLOCKS

Every operation in the document is named by (client id, sequence number).
The client id is random and new for every session, the sequence number is
a per-client counter that starts at 1 and never goes backwards.

Because the pair is never reused, it can be used as a stable anchor for
positions in the document even while other replicas keep editing.
*/

// ClientID identifies one session of one participant
type ClientID string

// NewClientID returns a random identifier (UUIDv4, 122 random bits)
func NewClientID() ClientID {
	return ClientID(uuid.New().String())
}

// Clock hands out sequence numbers for a single client
type Clock struct {
	client ClientID
	mu     sync.Mutex
	seq    uint64
}

// NewClock creates a clock for client starting before sequence 1
func NewClock(client ClientID) *Clock {
	return &Clock{client: client}
}

// Client returns the owner of this clock
func (c *Clock) Client() ClientID {
	return c.client
}

// Next returns the next sequence number (1, 2, 3, ...)
func (c *Clock) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the last sequence number handed out (0 if none)
func (c *Clock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Palette is the bounded set of presence colors
var Palette = []string{
	"#CC444B",
	"#32292F",
	"#8A4FFF",
	"#0B2027",
	"#F21B3F",
	"#FF9914",
	"#1F2041",
	"#4B3F72",
	"#FFC857",
}

// ColorFor picks a palette color deterministically from the client id.
// A reconnect gets a new client id and therefore possibly a new color.
func ColorFor(id ClientID) string {
	return Palette[xxhash.Sum64String(string(id))%uint64(len(Palette))]
}
