package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestPipeDeliversBothWays(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	if err := a.Send(ctx, []byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, err := b.Receive(ctx)
	if err != nil || string(msg) != "ping" {
		t.Fatalf("Receive = %q, %v", msg, err)
	}
	b.Send(ctx, []byte("pong"))
	if msg, _ := a.Receive(ctx); string(msg) != "pong" {
		t.Fatalf("reply = %q", msg)
	}
}

func TestPipeCloseEndsBothSides(t *testing.T) {
	a, b := Pipe()
	a.Close()

	if _, err := b.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Receive err = %v", err)
	}
	if err := b.Send(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send err = %v", err)
	}
}

func TestPipeReceiveHonorsContext(t *testing.T) {
	_, b := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := b.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestRoomURL(t *testing.T) {
	d := &WebSocketDialer{BaseURL: "http://relay.local:8080/"}
	got, err := d.RoomURL("team notes", Hello{ClientID: "c1", Name: "Ada"})
	if err != nil {
		t.Fatalf("RoomURL: %v", err)
	}
	want := "ws://relay.local:8080/ws/rooms/team%20notes?client_id=c1&name=Ada"
	if got != want {
		t.Fatalf("RoomURL = %s, want %s", got, want)
	}

	if _, err := (&WebSocketDialer{BaseURL: "ftp://x"}).RoomURL("r", Hello{}); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestWebSocketConnEcho(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ws/rooms/") || r.URL.Query().Get("client_id") != "c1" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewWebSocketConn(raw)
		defer conn.Close()
		for {
			msg, err := conn.Receive(context.Background())
			if err != nil {
				return
			}
			conn.Send(context.Background(), msg)
		}
	}))
	defer srv.Close()

	d := &WebSocketDialer{BaseURL: srv.URL}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, "doc", Hello{ClientID: "c1"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Send(ctx, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, err := conn.Receive(ctx)
	if err != nil || len(msg) != 3 || msg[2] != 3 {
		t.Fatalf("Receive = %v, %v", msg, err)
	}
}
