package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"collabsync/internal/api"
	"collabsync/internal/config"
	"collabsync/internal/relay"
	"collabsync/internal/repository"
	"collabsync/internal/room"
	"collabsync/internal/services"
	"collabsync/internal/telemetry"
)

/*
LEARNING: GRACEFUL SHUTDOWN ORDER

Rooms must reach the store before the process exits, so shutdown runs
front to back:

  1. stop accepting HTTP / WebSocket connections
  2. close every peer (hub shutdown)
  3. save every live room (registry SaveAll through the writer)
  4. drain the snapshot writer
  5. close the store
*/

func main() {
	log.Println("🚀 Starting collabsync relay...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("collabsync", cfg.JaegerEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	openCtx, cancelOpen := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := repository.OpenSnapshotStore(openCtx, cfg.SnapshotDSN)
	cancelOpen()
	if err != nil {
		log.Fatalf("❌ Failed to open snapshot store: %v", err)
	}
	defer store.Close()
	log.Printf("✓ Snapshot store ready: %s", redactDSN(cfg.SnapshotDSN))

	writer := services.NewSnapshotWriter(store, cfg.SnapshotWorkers, cfg.SnapshotQueueSize)
	writer.Start()

	registry := room.NewRegistry(room.Config{
		GracePeriod:      cfg.GracePeriod,
		AwarenessTimeout: cfg.AwarenessTimeout,
		CompactInterval:  cfg.CompactInterval,
		SnapshotInterval: cfg.SnapshotInterval,
	}, writer)

	maintenanceCtx, stopMaintenance := context.WithCancel(context.Background())
	go registry.Run(maintenanceCtx)

	var bus relay.Bus
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Invalid REDIS_URL: %v", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("❌ Could not connect to Redis: %v", err)
		}
		defer client.Close()
		bus = relay.NewRedisBus(client)
		log.Println("✓ Connected to Redis, cross-node fan-out enabled")
	}

	hub := relay.NewHub(registry, bus, relay.Config{PeerTimeout: cfg.PeerTimeout})
	hub.Start()

	handler := api.NewHandler(registry, hub, writer, relay.NewWebSocketHandler(hub))
	router := api.SetupRoutes(handler)

	addr := cfg.Addr()
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 Endpoints:")
		log.Printf("   GET /ws/rooms/:room?client_id=&name=  - Join a room (WebSocket)")
		log.Printf("   GET /api/rooms/:room                  - Room state")
		log.Printf("   GET /api/rooms/:room/snapshot         - Room snapshot")
		log.Printf("   GET /api/health                       - Health")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	hub.Shutdown()
	stopMaintenance()

	if err := registry.SaveAll(ctx); err != nil {
		log.Printf("⚠️  Final snapshot failed: %v", err)
	}
	writer.Shutdown()

	log.Println("✓ Server shutdown complete")
}

// redactDSN hides credentials before logging
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
