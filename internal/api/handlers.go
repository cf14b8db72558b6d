package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"collabsync/internal/models"
)

// Handler handles HTTP requests
type Handler struct {
	rooms     RoomDirectory
	peers     PeerDirectory
	snapshots SnapshotStats // optional
	ws        RoomConnector
}

func NewHandler(rooms RoomDirectory, peers PeerDirectory, snapshots SnapshotStats, ws RoomConnector) *Handler {
	return &Handler{
		rooms:     rooms,
		peers:     peers,
		snapshots: snapshots,
		ws:        ws,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "ok",
		"rooms":  h.rooms.Len(),
		"peers":  h.peers.PeerCount(),
	}
	if h.snapshots != nil {
		body["snapshots"] = h.snapshots.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

// GetRoom describes a live room. Rooms that are not loaded are 404 even if
// a snapshot exists for them.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	rm, ok := h.rooms.Get(roomID)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	stats := rm.Doc.Stats()
	vc := make(map[string]uint64)
	for id, seq := range rm.Doc.VectorClock() {
		vc[string(id)] = seq
	}

	info := models.RoomInfo{
		RoomID:      rm.ID,
		Content:     rm.Doc.VisibleContent(),
		Units:       stats.Visible,
		VectorClock: vc,
		Sessions:    h.peers.Sessions(roomID),
		Presence:    []models.Presence{},
		Tombstones:  stats.Tombstones,
		Pending:     stats.Pending,
		CreatedAt:   rm.CreatedAt,
	}
	for _, e := range rm.Awareness.Entries() {
		info.Presence = append(info.Presence, models.Presence{
			ClientID:  string(e.ClientID),
			Name:      e.State.Name,
			Color:     e.State.Color,
			Clock:     e.Clock,
			UpdatedAt: e.UpdatedAt,
		})
	}

	writeJSON(w, http.StatusOK, info)
}

// GetRoomSnapshot returns the full snapshot of a live room
func (h *Handler) GetRoomSnapshot(w http.ResponseWriter, r *http.Request) {
	rm, ok := h.rooms.Get(mux.Vars(r)["room"])
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	snap := rm.Doc.FullSnapshot()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(snap)
}

// HandleRoomWebSocket hands the request to the relay
func (h *Handler) HandleRoomWebSocket(w http.ResponseWriter, r *http.Request) {
	h.ws.HandleRoomConnection(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
