package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the relay server configuration
type Config struct {
	ServerPort string
	ServerHost string

	// Persistence: memory://, bolt://path, postgres://..., mongodb://...
	SnapshotDSN       string
	SnapshotWorkers   int
	SnapshotQueueSize int

	// Cross-node fan-out; empty runs a single node
	RedisURL string

	// Room lifetime
	GracePeriod      time.Duration
	AwarenessTimeout time.Duration
	CompactInterval  time.Duration
	SnapshotInterval time.Duration
	PeerTimeout      time.Duration

	// Observability; an empty endpoint disables tracing
	JaegerEndpoint   string
	TraceSampleRatio float64
}

// ClientConfig is the terminal client configuration
type ClientConfig struct {
	RelayURL string
	Room     string
	Name     string

	HeartbeatInterval    time.Duration
	FlushInterval        time.Duration
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	MaxReconnectAttempts int
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		SnapshotDSN:       getEnv("SNAPSHOT_DSN", "memory://"),
		SnapshotWorkers:   getEnvInt("SNAPSHOT_WORKERS", 4),
		SnapshotQueueSize: getEnvInt("SNAPSHOT_QUEUE_SIZE", 64),

		RedisURL: getEnv("REDIS_URL", ""),

		GracePeriod:      getEnvDuration("ROOM_GRACE_PERIOD", 30*time.Second),
		AwarenessTimeout: getEnvDuration("AWARENESS_TIMEOUT", 30*time.Second),
		CompactInterval:  getEnvDuration("COMPACT_INTERVAL", time.Minute),
		SnapshotInterval: getEnvDuration("SNAPSHOT_INTERVAL", 5*time.Minute),
		PeerTimeout:      getEnvDuration("PEER_TIMEOUT", time.Minute),

		JaegerEndpoint:   getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1.0),
	}

	if cfg.SnapshotWorkers < 1 {
		return nil, fmt.Errorf("SNAPSHOT_WORKERS must be at least 1")
	}
	if cfg.AwarenessTimeout <= 0 || cfg.PeerTimeout <= 0 {
		return nil, fmt.Errorf("AWARENESS_TIMEOUT and PEER_TIMEOUT must be positive")
	}
	if cfg.TraceSampleRatio < 0 || cfg.TraceSampleRatio > 1 {
		return nil, fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if cfg.GracePeriod < 0 {
		return nil, fmt.Errorf("ROOM_GRACE_PERIOD must not be negative")
	}

	return cfg, nil
}

func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		RelayURL: getEnv("RELAY_URL", "ws://localhost:8080"),
		Room:     getEnv("ROOM", ""),
		Name:     getEnv("DISPLAY_NAME", ""),

		HeartbeatInterval:    getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Second),
		FlushInterval:        getEnvDuration("FLUSH_INTERVAL", 50*time.Millisecond),
		InitialBackoff:       getEnvDuration("RECONNECT_INITIAL_BACKOFF", 500*time.Millisecond),
		MaxBackoff:           getEnvDuration("RECONNECT_MAX_BACKOFF", 30*time.Second),
		MaxReconnectAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 10),
	}

	if cfg.Room == "" {
		return nil, fmt.Errorf("ROOM is required")
	}
	if cfg.MaxReconnectAttempts < 1 {
		return nil, fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}

// Addr is the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("750ms", "2m") or plain seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
