package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"collabsync/internal/awareness"
	"collabsync/internal/clock"
	"collabsync/internal/crdt"
	"collabsync/internal/wire"
)

/*
LEARNING: FRAME FORMAT

Every transport message carries exactly one frame:

  +--------+-------------------+-----------------+
  | type   | payload length    | payload         |
  | 1 byte | uvarint           | length bytes    |
  +--------+-------------------+-----------------+

Decode checks the type and that the length matches the message exactly
before any payload is interpreted, so a corrupt frame is rejected as a
whole and never half applied.
*/

// FrameType tags the payload of a frame
type FrameType byte

const (
	FrameOpBatch     FrameType = 1
	FrameSnapshot    FrameType = 2
	FrameAwareness   FrameType = 3
	FrameHeartbeat   FrameType = 4
	FrameSyncRequest FrameType = 5
)

// MaxPayload bounds a single frame payload
const MaxPayload = 16 << 20

var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownFrameType = fmt.Errorf("%w: unknown frame type", ErrMalformedFrame)
)

func (t FrameType) String() string {
	switch t {
	case FrameOpBatch:
		return "OP_BATCH"
	case FrameSnapshot:
		return "SNAPSHOT"
	case FrameAwareness:
		return "AWARENESS"
	case FrameHeartbeat:
		return "HEARTBEAT"
	case FrameSyncRequest:
		return "SYNC_REQUEST"
	default:
		return fmt.Sprintf("FRAME(%d)", byte(t))
	}
}

func (t FrameType) valid() bool {
	return t >= FrameOpBatch && t <= FrameSyncRequest
}

// Frame is a decoded, validated frame. Payload is only interpreted by the
// typed accessors below.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Encode wraps payload into a frame
func Encode(t FrameType, payload []byte) []byte {
	out := make([]byte, 0, 1+binary.MaxVarintLen64+len(payload))
	out = append(out, byte(t))
	out = binary.AppendUvarint(out, uint64(len(payload)))
	return append(out, payload...)
}

// Decode validates the frame header against msg
func Decode(msg []byte) (Frame, error) {
	if len(msg) < 2 {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(msg))
	}
	t := FrameType(msg[0])
	if !t.valid() {
		return Frame{}, fmt.Errorf("%w %d", ErrUnknownFrameType, msg[0])
	}
	n, k := binary.Uvarint(msg[1:])
	if k <= 0 {
		return Frame{}, fmt.Errorf("%w: bad length prefix", ErrMalformedFrame)
	}
	if n > MaxPayload {
		return Frame{}, fmt.Errorf("%w: payload %d exceeds limit", ErrMalformedFrame, n)
	}
	payload := msg[1+k:]
	if uint64(len(payload)) != n {
		return Frame{}, fmt.Errorf("%w: length %d, have %d", ErrMalformedFrame, n, len(payload))
	}
	return Frame{Type: t, Payload: payload}, nil
}

func (f Frame) expect(t FrameType) error {
	if f.Type != t {
		return fmt.Errorf("%w: expected %s, got %s", ErrMalformedFrame, t, f.Type)
	}
	return nil
}

// EncodeOpBatch encodes operations as an OP_BATCH frame
func EncodeOpBatch(ops []crdt.Operation) []byte {
	return Encode(FrameOpBatch, crdt.EncodeOperations(ops))
}

// Operations decodes an OP_BATCH payload
func (f Frame) Operations() ([]crdt.Operation, error) {
	if err := f.expect(FrameOpBatch); err != nil {
		return nil, err
	}
	ops, err := crdt.DecodeOperations(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return ops, nil
}

// EncodeSnapshot wraps document snapshot bytes as a SNAPSHOT frame
func EncodeSnapshot(snapshot []byte) []byte {
	return Encode(FrameSnapshot, snapshot)
}

// Snapshot returns the SNAPSHOT payload (validated by crdt.LoadSnapshot)
func (f Frame) Snapshot() ([]byte, error) {
	if err := f.expect(FrameSnapshot); err != nil {
		return nil, err
	}
	return f.Payload, nil
}

func encodeClock(t FrameType, vc clock.VectorClock) []byte {
	w := wire.NewWriter(8 + len(vc)*40)
	w.VectorClock(vc)
	return Encode(t, w.Bytes())
}

// EncodeSyncRequest carries the sender's vector clock
func EncodeSyncRequest(vc clock.VectorClock) []byte {
	return encodeClock(FrameSyncRequest, vc)
}

// EncodeHeartbeat carries the sender's vector clock as a liveness signal
func EncodeHeartbeat(vc clock.VectorClock) []byte {
	return encodeClock(FrameHeartbeat, vc)
}

// VectorClock decodes a SYNC_REQUEST or HEARTBEAT payload
func (f Frame) VectorClock() (clock.VectorClock, error) {
	if f.Type != FrameSyncRequest && f.Type != FrameHeartbeat {
		return nil, fmt.Errorf("%w: %s carries no vector clock", ErrMalformedFrame, f.Type)
	}
	r := wire.NewReader(f.Payload)
	vc := r.VectorClock()
	if err := r.Done(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return vc, nil
}

// EncodeAwareness encodes presence updates. A nil State marks a removal.
func EncodeAwareness(updates []awareness.Update) ([]byte, error) {
	w := wire.NewWriter(64 * (len(updates) + 1))
	w.Uvarint(uint64(len(updates)))
	for _, u := range updates {
		w.String(string(u.ClientID))
		w.Uvarint(u.Clock)
		if u.State == nil {
			w.Byte(0)
			continue
		}
		state, err := json.Marshal(u.State)
		if err != nil {
			return nil, fmt.Errorf("failed to encode awareness state: %w", err)
		}
		w.Byte(1)
		w.Blob(state)
	}
	return Encode(FrameAwareness, w.Bytes()), nil
}

// Awareness decodes an AWARENESS payload
func (f Frame) Awareness() ([]awareness.Update, error) {
	if err := f.expect(FrameAwareness); err != nil {
		return nil, err
	}
	r := wire.NewReader(f.Payload)
	n := r.Count(3)
	updates := make([]awareness.Update, 0, n)
	for i := 0; i < n; i++ {
		u := awareness.Update{
			ClientID: clock.ClientID(r.String()),
			Clock:    r.Uvarint(),
		}
		if r.Byte() == 1 {
			raw := r.Blob()
			if r.Err() != nil {
				break
			}
			var state awareness.State
			if err := json.Unmarshal(raw, &state); err != nil {
				return nil, fmt.Errorf("%w: awareness state: %v", ErrMalformedFrame, err)
			}
			u.State = &state
		}
		if u.ClientID == "" && r.Err() == nil {
			return nil, fmt.Errorf("%w: awareness update without client id", ErrMalformedFrame)
		}
		updates = append(updates, u)
	}
	if err := r.Done(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return updates, nil
}
