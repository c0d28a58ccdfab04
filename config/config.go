// Package config loads the YAML document describing how a streamserverd
// process wires its storage backend, fan-out tuning, and reconciliation
// schedule: small typed config structs passed explicitly to constructors
// rather than read from globals.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects an eventstore/runledger storage implementation.
type Backend string

const (
	BackendInmem  Backend = "inmem"
	BackendSQLite Backend = "sqlite"
)

// EventStoreConfig selects and configures the event store backend.
type EventStoreConfig struct {
	Backend Backend `yaml:"backend"`
	// DSN is the SQLite data source name; ignored for the inmem backend.
	DSN string `yaml:"dsn"`
}

// RunLedgerConfig selects and configures the run/ledger store backend.
type RunLedgerConfig struct {
	Backend Backend `yaml:"backend"`
	DSN     string  `yaml:"dsn"`
}

// StreamServerConfig tunes the fan-out server.
type StreamServerConfig struct {
	Addr              string        `yaml:"addr"`
	MaxBufferSize     int           `yaml:"maxBufferSize"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`
}

// ReconcileConfig tunes the stale-run sweep.
type ReconcileConfig struct {
	// Interval is how often a sweep runs. Zero disables the periodic
	// sweep; callers may still invoke reconcile.Sweep on demand.
	Interval     time.Duration `yaml:"interval"`
	StaleAfter   time.Duration `yaml:"staleAfter"`
}

// Config is the top-level document.
type Config struct {
	EventStore   EventStoreConfig   `yaml:"eventStore"`
	RunLedger    RunLedgerConfig    `yaml:"runLedger"`
	StreamServer StreamServerConfig `yaml:"streamServer"`
	Reconcile    ReconcileConfig    `yaml:"reconcile"`
}

// Default returns a Config with every zero-value field resolved to its
// documented default: in-memory storage, the streamserver package's own
// heartbeat/buffer defaults, and a 5-minute reconcile interval matching
// reconcile.DefaultStaleThreshold.
func Default() Config {
	return Config{
		EventStore:   EventStoreConfig{Backend: BackendInmem},
		RunLedger:    RunLedgerConfig{Backend: BackendInmem},
		StreamServer: StreamServerConfig{Addr: ":8080"},
		Reconcile:    ReconcileConfig{Interval: 5 * time.Minute, StaleAfter: 5 * time.Minute},
	}
}

// Load reads and parses a YAML config document from path, starting from
// Default and overlaying only the fields present in the document.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would fail at construction time
// anyway, surfacing the error before any I/O is attempted.
func (c Config) Validate() error {
	switch c.EventStore.Backend {
	case BackendInmem, BackendSQLite:
	default:
		return fmt.Errorf("config: eventStore.backend %q is not one of inmem, sqlite", c.EventStore.Backend)
	}
	if c.EventStore.Backend == BackendSQLite && c.EventStore.DSN == "" {
		return fmt.Errorf("config: eventStore.dsn is required for the sqlite backend")
	}
	switch c.RunLedger.Backend {
	case BackendInmem, BackendSQLite:
	default:
		return fmt.Errorf("config: runLedger.backend %q is not one of inmem, sqlite", c.RunLedger.Backend)
	}
	if c.RunLedger.Backend == BackendSQLite && c.RunLedger.DSN == "" {
		return fmt.Errorf("config: runLedger.dsn is required for the sqlite backend")
	}
	if c.StreamServer.Addr == "" {
		return fmt.Errorf("config: streamServer.addr is required")
	}
	return nil
}
