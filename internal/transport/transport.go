// Package transport carries opaque binary frames between a session and the
// relay. Delivery is whatever the underlying channel provides; callers
// tolerate loss, duplication and reordering.
package transport

import (
	"context"
	"errors"
	"sync"

	"collabsync/internal/clock"
)

var ErrClosed = errors.New("transport: connection closed")

// Conn is a message oriented duplex channel
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Hello identifies the connecting client to the relay
type Hello struct {
	ClientID clock.ClientID
	Name     string
}

// Dialer opens a connection to the relay for one room
type Dialer interface {
	Dial(ctx context.Context, roomID string, hello Hello) (Conn, error)
}

// DialFunc adapts a function to Dialer
type DialFunc func(ctx context.Context, roomID string, hello Hello) (Conn, error)

func (f DialFunc) Dial(ctx context.Context, roomID string, hello Hello) (Conn, error) {
	return f(ctx, roomID, hello)
}

type pipeConn struct {
	in     chan []byte
	peer   *pipeConn
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns two connected in-memory ends. Closing either end closes both.
func Pipe() (Conn, Conn) {
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &pipeConn{in: make(chan []byte, 256), closed: closed, once: once}
	b := &pipeConn{in: make(chan []byte, 256), closed: closed, once: once}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeConn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	buf := append([]byte(nil), msg...)
	select {
	case p.peer.in <- buf:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive delivers messages sent before Close ahead of ErrClosed
func (p *pipeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
