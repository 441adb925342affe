package agent

import (
	"fmt"
	"time"

	"github.com/danmuck/measctl/internal/protocol/vbsp"
)

// BackoffConfig defines reconnect backoff for agent-side dialers.
type BackoffConfig struct {
	InitialDelay time.Duration `toml:"initial_delay"`
	Multiplier   float64       `toml:"multiplier"`
	MaxDelay     time.Duration `toml:"max_delay"`
	Jitter       bool          `toml:"jitter"`
}

// Config defines transport timeouts and queue bounds for agent sessions.
type Config struct {
	ReadTimeout       time.Duration `toml:"read_timeout"`
	WriteTimeout      time.Duration `toml:"write_timeout"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	DeadAfter         time.Duration `toml:"dead_after"`
	OutboxSize        int           `toml:"outbox_size"`
	MaxFrameBytes     uint32        `toml:"max_frame_bytes"`
	Backoff           BackoffConfig `toml:"backoff"`
}

func DefaultConfig() Config {
	return Config{
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		DeadAfter:         15 * time.Second,
		OutboxSize:        256,
		MaxFrameBytes:     vbsp.DefaultLimits().MaxFrameBytes,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.DeadAfter <= 0 {
		c.DeadAfter = def.DeadAfter
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = def.OutboxSize
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

func (c Config) Validate() error {
	if c.MaxFrameBytes < vbsp.HeaderLen {
		return fmt.Errorf("agent: max_frame_bytes %d below header size %d", c.MaxFrameBytes, vbsp.HeaderLen)
	}
	if c.HeartbeatInterval >= c.DeadAfter {
		return fmt.Errorf("agent: heartbeat_interval %s must be shorter than dead_after %s", c.HeartbeatInterval, c.DeadAfter)
	}
	return nil
}

func (c Config) limits() vbsp.Limits {
	return vbsp.Limits{MaxFrameBytes: c.MaxFrameBytes}
}
