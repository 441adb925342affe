package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/measctl/internal/agent"
)

// simConfig is the runtime configuration of one simulated eNB agent.
type simConfig struct {
	ControllerAddr    string
	ENBID             uint32
	CellID            uint16
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	Neighbors         []uint16
	Seed              int64
	Backoff           agent.BackoffConfig
}

// agentsim config.toml key mapping.
type fileConfig struct {
	ControllerAddr    string   `toml:"controller_addr"`
	ENBID             uint32   `toml:"enb_id"`
	CellID            uint16   `toml:"cell_id"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	WriteTimeout      string   `toml:"write_timeout"`
	Neighbors         []uint16 `toml:"neighbors"`
	Seed              int64    `toml:"seed"`
	BackoffInitial    string   `toml:"backoff_initial"`
	BackoffMax        string   `toml:"backoff_max"`
	BackoffJitter     bool     `toml:"backoff_jitter"`
}

func defaultSimConfig() simConfig {
	session := agent.DefaultConfig()
	return simConfig{
		ControllerAddr:    "127.0.0.1:4433",
		ENBID:             1,
		CellID:            1,
		HeartbeatInterval: session.HeartbeatInterval,
		WriteTimeout:      session.WriteTimeout,
		Neighbors:         []uint16{55, 101, 202, 303},
		Seed:              1,
		Backoff:           session.Backoff,
	}
}

// loadSimConfig overlays the keys defined in path onto defaultSimConfig.
func loadSimConfig(path string) (simConfig, error) {
	cfg := defaultSimConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return simConfig{}, fmt.Errorf("load agentsim config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return simConfig{}, fmt.Errorf("load agentsim config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("controller_addr") {
		cfg.ControllerAddr = strings.TrimSpace(raw.ControllerAddr)
	}
	if meta.IsDefined("enb_id") {
		cfg.ENBID = raw.ENBID
	}
	if meta.IsDefined("cell_id") {
		cfg.CellID = raw.CellID
	}
	if meta.IsDefined("neighbors") {
		cfg.Neighbors = raw.Neighbors
	}
	if meta.IsDefined("seed") {
		cfg.Seed = raw.Seed
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.Backoff.Jitter = raw.BackoffJitter
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"backoff_initial", raw.BackoffInitial, &cfg.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return simConfig{}, fmt.Errorf("load agentsim config: %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if cfg.ControllerAddr == "" {
		return simConfig{}, fmt.Errorf("load agentsim config: controller_addr is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		return simConfig{}, fmt.Errorf("load agentsim config: heartbeat_interval must be positive")
	}
	return cfg, nil
}
