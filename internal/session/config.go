package session

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff"

	"collabsync/internal/clock"
)

// Config controls one client-to-room session
type Config struct {
	RoomID   string
	Name     string
	ClientID clock.ClientID // generated when empty

	FlushInterval     time.Duration
	MaxBatch          int
	HeartbeatInterval time.Duration
	// AwarenessTimeout defaults to four heartbeat intervals
	AwarenessTimeout time.Duration
	SyncTimeout      time.Duration
	FlushTimeout     time.Duration

	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	BackoffMultiplier    float64
	BackoffJitter        float64
	MaxReconnectAttempts int
}

var ErrNoRoom = errors.New("session: room id is required")

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = clock.NewClientID()
	}
	if c.Name == "" {
		c.Name = "Anonymous"
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 512
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.AwarenessTimeout <= 0 {
		c.AwarenessTimeout = 4 * c.HeartbeatInterval
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 10 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 2 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.BackoffJitter <= 0 || c.BackoffJitter > 1 {
		c.BackoffJitter = 0.5
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	return c
}

// newBackOff builds the reconnect schedule: exponential, capped, jittered,
// and stopping after MaxReconnectAttempts consecutive failures
func (c Config) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialBackoff
	b.MaxInterval = c.MaxBackoff
	b.Multiplier = c.BackoffMultiplier
	b.RandomizationFactor = c.BackoffJitter
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(c.MaxReconnectAttempts))
}
