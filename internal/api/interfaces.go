package api

import (
	"net/http"

	"collabsync/internal/models"
	"collabsync/internal/room"
	"collabsync/internal/services"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package is the CONSUMER of the registry, the hub and the snapshot
writer, so the interfaces it needs live HERE. Handlers can be tested with a
real registry and a stub hub, no sockets required.
*/

// RoomDirectory is what handlers need from the room registry
type RoomDirectory interface {
	Get(roomID string) (*room.Room, bool)
	Len() int
}

// PeerDirectory is what handlers need from the relay hub
type PeerDirectory interface {
	Sessions(roomID string) []models.Session
	PeerCount() int
}

// SnapshotStats reports the snapshot writer's progress
type SnapshotStats interface {
	Stats() services.WriterStats
}

// RoomConnector serves relay WebSocket connections
type RoomConnector interface {
	HandleRoomConnection(w http.ResponseWriter, r *http.Request)
}
