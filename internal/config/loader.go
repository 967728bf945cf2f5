package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LoadFile reads and parses a TOML config file, applies environment variable
// overrides, and validates the result.
// Config precedence, highest first: Environment variables → File → Defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse TOML: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies FERRITE_* environment variable overrides.
// Env var format: FERRITE_<SECTION>_<FIELD> (e.g., FERRITE_WAL_PATH).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FERRITE_MONIKER"); v != "" {
		cfg.Moniker = v
	}

	// Consensus.
	if v := os.Getenv("FERRITE_CONSENSUS_TOTAL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Consensus.TotalInterval = Duration{d}
		}
	}
	if v := os.Getenv("FERRITE_CONSENSUS_CHANNEL_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.ChannelCapacity = n
		}
	}

	// WAL.
	if v := os.Getenv("FERRITE_WAL_PATH"); v != "" {
		cfg.WAL.Path = v
	}

	// Telemetry.
	if v := os.Getenv("FERRITE_TELEMETRY_ENABLED"); v != "" {
		cfg.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("FERRITE_TELEMETRY_ADDR"); v != "" {
		cfg.Telemetry.Addr = v
	}
}
