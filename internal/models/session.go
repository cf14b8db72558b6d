package models

import "time"

// Session is a client connection attached to a room on the relay
type Session struct {
	ID           string    `json:"id"`
	RoomID       string    `json:"room_id"`
	ClientID     string    `json:"client_id"`
	Name         string    `json:"name"`
	Color        string    `json:"color"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// RoomInfo is the operator view of a live room
type RoomInfo struct {
	RoomID      string            `json:"room_id"`
	Content     string            `json:"content"`
	Units       int               `json:"units"`
	VectorClock map[string]uint64 `json:"vector_clock"`
	Sessions    []Session         `json:"sessions"`
	Presence    []Presence        `json:"presence"`
	Tombstones  int               `json:"tombstones"`
	Pending     int               `json:"pending"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Presence is one awareness entry as exposed over HTTP
type Presence struct {
	ClientID  string    `json:"client_id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	Clock     uint64    `json:"clock"`
	UpdatedAt time.Time `json:"updated_at"`
}
