package api

import (
	"github.com/gorilla/mux"

	"collabsync/internal/middleware"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods("GET")
	api.HandleFunc("/rooms/{room}", h.GetRoom).Methods("GET")
	api.HandleFunc("/rooms/{room}/snapshot", h.GetRoomSnapshot).Methods("GET")

	// WebSocket routes
	r.HandleFunc("/ws/rooms/{room}", h.HandleRoomWebSocket)

	return r
}
