// Package config provides configuration loading for sessiond.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables, with hardcoded defaults below both.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// Storage backend names.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config holds the complete sessiond configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Storage       StorageConfig       `koanf:"storage"`
	Session       SessionConfig       `koanf:"session"`
	Checkpoint    CheckpointConfig    `koanf:"checkpoint"`
	Encryption    EncryptionConfig    `koanf:"encryption"`
	Events        EventsConfig        `koanf:"events"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StorageConfig selects and configures the session store backend.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `koanf:"backend"`
	// Path is the SQLite database file. Ignored by the memory backend.
	Path string `koanf:"path"`
}

// SessionConfig holds conversation lifecycle configuration.
type SessionConfig struct {
	// IdleTimeout expires sessions idle past this window.
	IdleTimeout Duration `koanf:"idle_timeout"`
	// StateTimeouts overrides IdleTimeout for specific states, keyed by
	// state name.
	StateTimeouts map[string]Duration `koanf:"state_timeouts"`
	// MaxErrors is the consecutive-failure count that forces a reset.
	MaxErrors int `koanf:"max_errors"`
	// CheckpointEvery takes a scheduled checkpoint after every Nth
	// persisted transition. Zero disables scheduled checkpoints.
	CheckpointEvery int64 `koanf:"checkpoint_every"`
	// ConflictRetries bounds optimistic-concurrency retries per turn.
	ConflictRetries int `koanf:"conflict_retries"`
}

// CheckpointConfig holds checkpoint service configuration.
type CheckpointConfig struct {
	// MaxAge is how long a checkpoint remains restorable.
	MaxAge Duration `koanf:"max_age"`
}

// EncryptionConfig holds the field-encryption key material.
type EncryptionConfig struct {
	// Key is the base64-encoded AES key (16, 24, or 32 bytes decoded).
	Key Secret `koanf:"key"`
}

// EventsConfig holds transition-event publishing configuration.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	NATSURL string `koanf:"nats_url"`
}

// ObservabilityConfig holds telemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8085
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}

	if cfg.Session.IdleTimeout == 0 {
		cfg.Session.IdleTimeout = Duration(30 * time.Minute)
	}
	if cfg.Session.MaxErrors == 0 {
		cfg.Session.MaxErrors = 3
	}
	if cfg.Session.CheckpointEvery == 0 {
		cfg.Session.CheckpointEvery = 10
	}
	if cfg.Session.ConflictRetries == 0 {
		cfg.Session.ConflictRetries = 3
	}

	if cfg.Checkpoint.MaxAge == 0 {
		cfg.Checkpoint.MaxAge = Duration(24 * time.Hour)
	}

	if cfg.Events.NATSURL == "" {
		cfg.Events.NATSURL = "nats://localhost:4222"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "sessiond"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.Path == "" {
			return errors.New("storage path required for sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (must be %s or %s)",
			c.Storage.Backend, BackendMemory, BackendSQLite)
	}

	if c.Session.MaxErrors < 1 {
		return errors.New("session max_errors must be at least 1")
	}
	if c.Session.CheckpointEvery < 0 {
		return errors.New("session checkpoint_every cannot be negative")
	}

	if !c.Encryption.Key.IsSet() {
		return errors.New("encryption key is required")
	}
	if _, err := c.EncryptionKey(); err != nil {
		return err
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	return nil
}

// EncryptionKey decodes and checks the configured key material.
func (c *Config) EncryptionKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.Encryption.Key.Value())
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid base64: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("encryption key must decode to 16, 24, or 32 bytes, got %d", len(key))
	}
}
