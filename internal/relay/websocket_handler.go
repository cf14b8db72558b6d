package relay

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"collabsync/internal/clock"
	"collabsync/internal/middleware"
	"collabsync/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: check Origin against an allow list once rooms carry access control
		return true
	},
}

// WebSocketHandler upgrades /ws/rooms/{room} requests and attaches them to
// the hub
type WebSocketHandler struct {
	hub *Hub
}

func NewWebSocketHandler(hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// HandleRoomConnection serves one client connection for the lifetime of the
// socket. The client identifies itself with ?client_id=&name=.
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	roomID := mux.Vars(r)["room"]
	if roomID == "" {
		http.Error(w, "room id is required", http.StatusBadRequest)
		return
	}

	clientID := clock.ClientID(r.URL.Query().Get("client_id"))
	if clientID == "" {
		clientID = clock.NewClientID()
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "Anonymous"
	}

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("room.id", roomID),
		attribute.String("client.id", string(clientID)),
	)
	defer span.End()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[%s] Failed to upgrade WebSocket: %v", middleware.RequestID(ctx), err)
		middleware.AddSpanError(ctx, err)
		return
	}

	conn := transport.NewWebSocketConn(ws)
	peer, err := h.hub.Attach(ctx, conn, roomID, clientID, name)
	if err != nil {
		log.Printf("⚠️  Failed to attach client %s to room %s: %v", clientID, roomID, err)
		middleware.AddSpanError(ctx, err)
		conn.Close()
		return
	}

	log.Printf("[%s] ✓ WebSocket connection established for room %s (client: %s, name: %s, session: %s)",
		middleware.RequestID(ctx), roomID, clientID, name, peer.Info().ID)
}
