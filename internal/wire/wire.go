// Package wire holds the varint primitives shared by the document encoding
// and the frame codec.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"collabsync/internal/clock"
)

// ErrShortBuffer means the input ended in the middle of a value
var ErrShortBuffer = errors.New("wire: unexpected end of input")

// MaxStringLen bounds any length-prefixed string or byte slice
const MaxStringLen = 1 << 20

// Writer appends values to a byte slice
type Writer struct {
	buf []byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Byte(b byte) { w.buf = append(w.buf, b) }

func (w *Writer) Uvarint(v uint64) { w.buf = binary.AppendUvarint(w.buf, v) }

func (w *Writer) String(s string) {
	w.Uvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) Blob(b []byte) {
	w.Uvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// VectorClock writes entries sorted by client id so equal clocks encode equally
func (w *Writer) VectorClock(vc clock.VectorClock) {
	ids := vc.Clients()
	w.Uvarint(uint64(len(ids)))
	for _, id := range ids {
		w.String(string(id))
		w.Uvarint(vc[id])
	}
}

// Reader consumes values from a byte slice. The first error sticks; later
// reads return zero values.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) Err() error { return r.err }

func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) Byte() byte {
	if r.err != nil {
		return 0
	}
	if r.off >= len(r.buf) {
		r.fail(ErrShortBuffer)
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

func (r *Reader) Uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.fail(ErrShortBuffer)
		return 0
	}
	r.off += n
	return v
}

func (r *Reader) Blob() []byte {
	n := r.Uvarint()
	if r.err != nil {
		return nil
	}
	if n > MaxStringLen {
		r.fail(fmt.Errorf("wire: length %d exceeds limit", n))
		return nil
	}
	if uint64(r.Remaining()) < n {
		r.fail(ErrShortBuffer)
		return nil
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b
}

func (r *Reader) String() string {
	return string(r.Blob())
}

// Count reads an element count and rejects counts that cannot fit in the
// remaining input (each element takes at least minSize bytes)
func (r *Reader) Count(minSize int) int {
	n := r.Uvarint()
	if r.err != nil {
		return 0
	}
	if minSize < 1 {
		minSize = 1
	}
	if n > uint64(r.Remaining()/minSize) {
		r.fail(fmt.Errorf("wire: count %d exceeds input", n))
		return 0
	}
	return int(n)
}

func (r *Reader) VectorClock() clock.VectorClock {
	n := r.Count(2)
	vc := make(clock.VectorClock, n)
	for i := 0; i < n && r.err == nil; i++ {
		id := clock.ClientID(r.String())
		vc.Set(id, r.Uvarint())
	}
	return vc
}

// Done fails the reader if input is left over
func (r *Reader) Done() error {
	if r.err == nil && r.Remaining() != 0 {
		r.fail(fmt.Errorf("wire: %d trailing bytes", r.Remaining()))
	}
	return r.err
}
