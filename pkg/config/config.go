// Copyright 2025 Meridian Mesh Authors
//
// Configuration Loader
//
// Loads Trust Fabric Core tunables from a YAML file with an environment
// variable overlay (TRUSTFABRIC_LEDGER_DSN, TRUSTFABRIC_BOLT_PATH and
// TRUSTFABRIC_LOG_LEVEL win over file values), mirroring the
// anchor configuration loader this codebase used for its chain-anchoring
// settings.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for human-readable YAML values ("30s", "5m").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Config aggregates every tunable named in spec §6.
type Config struct {
	Environment string `yaml:"environment"`

	Handshake HandshakeSettings `yaml:"handshake"`
	Session   SessionSettings   `yaml:"session"`
	Merkle    MerkleSettings    `yaml:"merkle"`
	Admission AdmissionSettings `yaml:"admission"`
	Offline   OfflineSettings   `yaml:"offline"`
	Health    HealthSettings    `yaml:"health"`

	LedgerDSN string `yaml:"ledger_dsn"`
	BoltPath  string `yaml:"bolt_path"`

	Logging LoggingSettings `yaml:"logging"`
}

type HandshakeSettings struct {
	TimeoutMs       int64 `yaml:"handshake_timeout_ms"`
	NonceWindowMs   int64 `yaml:"nonce_window_ms"`
	FutureSkewMs    int64 `yaml:"future_skew_ms"`
	ProtocolVersion int   `yaml:"protocol_version"`
}

type SessionSettings struct {
	MaxMessagesPerEpoch  int   `yaml:"max_messages_per_epoch"`
	MaxEpochDurationSecs int64 `yaml:"max_epoch_duration_secs"`
}

type MerkleSettings struct {
	CountThreshold int   `yaml:"count_threshold"`
	TimeIntervalMs int64 `yaml:"time_interval_ms"`
}

type AdmissionSettings struct {
	TrustThreshold float64 `yaml:"trust_threshold"`
	MaxLatencyMs   int64   `yaml:"max_latency_ms"`
	MaxVelocityMps float64 `yaml:"max_velocity_mps"`
}

type OfflineSettings struct {
	MaxBufferSize int `yaml:"max_buffer_size"`
}

type HealthSettings struct {
	StalenessTTLMs int64 `yaml:"staleness_ttl_ms"`
}

type LoggingSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration built from the spec §6 defaults.
func Default() *Config {
	return &Config{
		Environment: "development",
		Handshake: HandshakeSettings{
			TimeoutMs:       30_000,
			NonceWindowMs:   5 * 60 * 1000,
			FutureSkewMs:    5_000,
			ProtocolVersion: 1,
		},
		Session: SessionSettings{
			MaxMessagesPerEpoch:  10_000,
			MaxEpochDurationSecs: 3600,
		},
		Merkle: MerkleSettings{
			CountThreshold: 1000,
			TimeIntervalMs: 60_000,
		},
		Admission: AdmissionSettings{
			TrustThreshold: 0.8,
			MaxLatencyMs:   500,
			MaxVelocityMps: 343.0,
		},
		Offline: OfflineSettings{
			MaxBufferSize: 10_000,
		},
		Health: HealthSettings{
			StalenessTTLMs: 300_000,
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads path as YAML into a Default()-seeded Config, then overlays the
// TRUSTFABRIC_LEDGER_DSN, TRUSTFABRIC_BOLT_PATH and TRUSTFABRIC_LOG_LEVEL
// environment variables read through viper, and validates it. No other
// setting is read from the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("TRUSTFABRIC")
	v.AutomaticEnv()

	if v.IsSet("LEDGER_DSN") {
		cfg.LedgerDSN = v.GetString("LEDGER_DSN")
	}
	if v.IsSet("BOLT_PATH") {
		cfg.BoltPath = v.GetString("BOLT_PATH")
	}
	if v.IsSet("LOG_LEVEL") {
		cfg.Logging.Level = v.GetString("LOG_LEVEL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would make every downstream
// component misbehave in ways the type system cannot catch.
func (c *Config) Validate() error {
	if c.Admission.TrustThreshold < 0 || c.Admission.TrustThreshold > 1 {
		return fmt.Errorf("admission.trust_threshold must be in [0,1], got %f", c.Admission.TrustThreshold)
	}
	if c.Session.MaxMessagesPerEpoch <= 0 {
		return fmt.Errorf("session.max_messages_per_epoch must be positive")
	}
	if c.Merkle.CountThreshold <= 0 {
		return fmt.Errorf("merkle.count_threshold must be positive")
	}
	if c.Offline.MaxBufferSize <= 0 {
		return fmt.Errorf("offline.max_buffer_size must be positive")
	}
	if c.Handshake.ProtocolVersion <= 0 {
		return fmt.Errorf("handshake.protocol_version must be positive")
	}
	return nil
}
