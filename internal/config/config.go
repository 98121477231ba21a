// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads and validates the daemon configuration from a YAML
// file with environment overrides, and supports hot reloading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	// Listen is the HTTP/WebSocket bind address.
	Listen string `yaml:"listen"`

	// LogLevel is one of trace|debug|info|warn|error.
	LogLevel string `yaml:"log_level"`

	Store       StoreConfig       `yaml:"store"`
	Bus         BusConfig         `yaml:"bus"`
	Session     SessionConfig     `yaml:"session"`
	Relay       RelayConfig       `yaml:"relay"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Secure      SecureConfig      `yaml:"secure"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

type StoreConfig struct {
	// Backend is memory, sqlite, or badger.
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type BusConfig struct {
	// Backend is memory or redis.
	Backend  string `yaml:"backend"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SessionConfig struct {
	TimeoutWindow    time.Duration `yaml:"timeout_window"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SessionRetention time.Duration `yaml:"session_retention"`
}

type RelayConfig struct {
	ControlEventsPerSecond float64 `yaml:"control_events_per_second"`
	ControlBurst           int     `yaml:"control_burst"`
	MaxBufferBytes         int     `yaml:"max_buffer_bytes"`
	MaxBufferFrames        int     `yaml:"max_buffer_frames"`
	DropThreshold          float64 `yaml:"drop_threshold"`
}

type DiagnosticsConfig struct {
	ReportPath     string        `yaml:"report_path"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type SecureConfig struct {
	// RequireEncryption rejects plaintext endpoints outside loopback.
	RequireEncryption bool   `yaml:"require_encryption"`
	DeviceToken       string `yaml:"device_token"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is grpc or http.
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Default returns the configuration used when no file or env is present.
func Default() Config {
	return Config{
		Listen:   ":8090",
		LogLevel: "info",
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "data/rc.db",
		},
		Bus: BusConfig{
			Backend: "memory",
		},
		Session: SessionConfig{
			TimeoutWindow:    5 * time.Minute,
			SweepInterval:    time.Minute,
			SessionRetention: 24 * time.Hour,
		},
		Relay: RelayConfig{
			ControlEventsPerSecond: 120,
			ControlBurst:           240,
			MaxBufferBytes:         8 << 20,
			MaxBufferFrames:        256,
			DropThreshold:          0.8,
		},
		Diagnostics: DiagnosticsConfig{
			ReportInterval: 30 * time.Second,
		},
		Secure: SecureConfig{
			RequireEncryption: true,
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			Environment:  "production",
			SamplingRate: 1.0,
		},
	}
}

// Load reads the YAML file (optional), applies env overrides, and
// validates. An empty path means env-plus-defaults only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Env overrides use the RCD_ prefix. Env wins over file, file over defaults.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RCD_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("RCD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RCD_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("RCD_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("RCD_BUS_BACKEND"); v != "" {
		cfg.Bus.Backend = v
	}
	if v := os.Getenv("RCD_REDIS_ADDR"); v != "" {
		cfg.Bus.Addr = v
	}
	if v := os.Getenv("RCD_REDIS_PASSWORD"); v != "" {
		cfg.Bus.Password = v
	}
	if v := os.Getenv("RCD_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Bus.DB = db
		}
	}
	if v := os.Getenv("RCD_SESSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.TimeoutWindow = d
		}
	}
	if v := os.Getenv("RCD_DEVICE_TOKEN"); v != "" {
		cfg.Secure.DeviceToken = v
	}
	if v := os.Getenv("RCD_TELEMETRY_ENABLED"); v != "" {
		cfg.Telemetry.Enabled = v == "true"
	}
	if v := os.Getenv("RCD_TELEMETRY_EXPORTER"); v != "" {
		cfg.Telemetry.Exporter = v
	}
	if v := os.Getenv("RCD_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
	if v := os.Getenv("RCD_SAMPLING_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Telemetry.SamplingRate = rate
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	switch cfg.Store.Backend {
	case "memory":
	case "sqlite", "badger":
		if cfg.Store.Path == "" {
			return fmt.Errorf("config: store.path is required for backend %q", cfg.Store.Backend)
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", cfg.Store.Backend)
	}
	switch cfg.Bus.Backend {
	case "memory":
	case "redis":
		if cfg.Bus.Addr == "" {
			return fmt.Errorf("config: bus.addr is required for the redis bus")
		}
	default:
		return fmt.Errorf("config: unknown bus backend %q", cfg.Bus.Backend)
	}
	if cfg.Session.TimeoutWindow <= 0 {
		return fmt.Errorf("config: session.timeout_window must be > 0")
	}
	if cfg.Relay.DropThreshold <= 0 || cfg.Relay.DropThreshold > 1 {
		return fmt.Errorf("config: relay.drop_threshold must be in (0, 1]")
	}
	if cfg.Telemetry.Enabled {
		switch cfg.Telemetry.Exporter {
		case "grpc", "http":
		default:
			return fmt.Errorf("config: unknown telemetry exporter %q", cfg.Telemetry.Exporter)
		}
		if cfg.Telemetry.Endpoint == "" {
			return fmt.Errorf("config: telemetry.endpoint is required when telemetry is enabled")
		}
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			return fmt.Errorf("config: telemetry.sampling_rate must be in [0, 1]")
		}
	}
	return nil
}
