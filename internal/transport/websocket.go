package transport

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

/*
LEARNING: ONE FRAME PER MESSAGE

A WebSocket binary message maps to exactly one codec frame. The relay and
the client never pack several frames into one message, so the frame length
check on the receiving side can be exact.

Reads happen on a dedicated goroutine (gorilla allows one concurrent reader
and one concurrent writer) so Receive can honor a context.
*/

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 32 << 20
)

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	in      chan []byte
	done    chan struct{}
	once    sync.Once
	err     error
}

// NewWebSocketConn wraps an established gorilla connection and starts its
// read and keepalive loops
func NewWebSocketConn(conn *websocket.Conn) Conn {
	c := &wsConn{
		conn: conn,
		in:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
	conn.SetReadLimit(maxMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.readLoop()
	go c.pingLoop()
	return c
}

func (c *wsConn) readLoop() {
	defer c.shutdown(ErrClosed)
	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case c.in <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(ErrClosed)
				return
			}
		}
	}
}

func (c *wsConn) shutdown(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsConn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		c.shutdown(ErrClosed)
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.done:
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return nil
}

// WebSocketDialer dials the relay's room endpoint
type WebSocketDialer struct {
	// BaseURL is the relay address, e.g. ws://localhost:8080
	BaseURL string
	Dialer  *websocket.Dialer
	Header  http.Header
}

// RoomURL builds the WebSocket URL for a room
func (d *WebSocketDialer) RoomURL(roomID string, hello Hello) (string, error) {
	u, err := url.Parse(strings.TrimRight(d.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", d.BaseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid relay url scheme %q", u.Scheme)
	}
	u.RawPath = u.EscapedPath() + "/ws/rooms/" + url.PathEscape(roomID)
	u.Path += "/ws/rooms/" + roomID
	q := u.Query()
	q.Set("client_id", string(hello.ClientID))
	if hello.Name != "" {
		q.Set("name", hello.Name)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *WebSocketDialer) Dial(ctx context.Context, roomID string, hello Hello) (Conn, error) {
	target, err := d.RoomURL(roomID, hello)
	if err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return NewWebSocketConn(conn), nil
}
