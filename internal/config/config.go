package config

import (
	"errors"
	"time"
)

// Duration wraps time.Duration to support TOML string unmarshaling (e.g. "3s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the full replica configuration.
type Config struct {
	Moniker string `toml:"moniker"`

	Consensus ConsensusConfig `toml:"consensus"`
	WAL       WALConfig       `toml:"wal"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// ConsensusConfig holds the consensus timing parameters. The total interval
// is distributed among the propose, prevote and precommit phases; a
// RichStatus may overwrite it at runtime.
type ConsensusConfig struct {
	TotalInterval   Duration `toml:"total_interval"`
	ChannelCapacity int      `toml:"channel_capacity"`
}

// WALConfig holds write-ahead-log parameters.
type WALConfig struct {
	Path string `toml:"path"`
}

// TelemetryConfig holds observability parameters.
type TelemetryConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Moniker: "ferrite-node",
		Consensus: ConsensusConfig{
			TotalInterval:   Duration{3 * time.Second},
			ChannelCapacity: 1024,
		},
		WAL: WALConfig{
			Path: "data/wal",
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
			Addr:    "0.0.0.0:26660",
		},
	}
}

// Validate checks config for invalid values.
func (c *Config) Validate() error {
	if c.Moniker == "" {
		return errors.New("config: moniker must not be empty")
	}
	if c.Consensus.TotalInterval.Duration <= 0 {
		return errors.New("config: consensus.total_interval must be > 0")
	}
	if c.Consensus.ChannelCapacity <= 0 {
		return errors.New("config: consensus.channel_capacity must be > 0")
	}
	if c.WAL.Path == "" {
		return errors.New("config: wal.path must not be empty")
	}
	if c.Telemetry.Enabled && c.Telemetry.Addr == "" {
		return errors.New("config: telemetry.addr must not be empty when telemetry is enabled")
	}
	return nil
}
