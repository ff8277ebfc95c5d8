package broker

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects which storage.Store implementation a broker process
// should construct.
type Backend string

const (
	BackendFile     Backend = "file"
	BackendPostgres Backend = "postgres"
	BackendRaft     Backend = "raft"
)

// BackoffConfig is the configured retry schedule (min/max delay and
// growth factor) for per-project region acquisition. It is loaded and
// defaulted here but not passed to any storage backend: no backend
// retries a timed-out acquisition.
type BackoffConfig struct {
	MinMillis int     `yaml:"minMillis"`
	MaxMillis int     `yaml:"maxMillis"`
	Factor    float64 `yaml:"factor"`
}

// Config is the broker's full configuration surface (spec.md §6).
type Config struct {
	Backend Backend `yaml:"backend"`

	DefaultMaxRetries           int     `yaml:"defaultMaxRetries"`
	DefaultLeaseDurationMinutes float64 `yaml:"defaultLeaseDurationMinutes"`
	ReaperIntervalMinutes       float64 `yaml:"reaperIntervalMinutes"`
	SessionDefaultTTLSeconds    int     `yaml:"sessionDefaultTtlSeconds"`
	StorageLockTimeoutMillis    int     `yaml:"storageLockTimeoutMillis"`

	ConcurrentFetchRetryBackoff BackoffConfig `yaml:"concurrentFetchRetryBackoff"`

	File     FileConfig     `yaml:"file"`
	Postgres PostgresConfig `yaml:"postgres"`
	Raft     RaftConfigYAML `yaml:"raft"`
}

// FileConfig configures the bbolt-backed file backend.
type FileConfig struct {
	DataDir string `yaml:"dataDir"`
}

// PostgresConfig configures the Postgres document-store backend.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RaftConfigYAML configures the replicated in-memory raft backend.
type RaftConfigYAML struct {
	NodeID   string `yaml:"nodeId"`
	BindAddr string `yaml:"bindAddr"`
	DataDir  string `yaml:"dataDir"`
}

// DefaultConfig returns the configuration a new deployment should start
// from absent an explicit file.
func DefaultConfig() Config {
	return Config{
		Backend:                     BackendFile,
		DefaultMaxRetries:           3,
		DefaultLeaseDurationMinutes: 10,
		ReaperIntervalMinutes:       1,
		SessionDefaultTTLSeconds:    1800,
		StorageLockTimeoutMillis:    5000,
		ConcurrentFetchRetryBackoff: BackoffConfig{
			MinMillis: 10,
			MaxMillis: 500,
			Factor:    2,
		},
		File: FileConfig{DataDir: "./data"},
	}
}

// LoadConfig reads and parses a broker configuration file, applying
// DefaultConfig for anything the file leaves zero-valued.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ReaperInterval converts ReaperIntervalMinutes to a time.Duration.
func (c Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalMinutes * float64(time.Minute))
}

// SessionDefaultTTL converts SessionDefaultTTLSeconds to a time.Duration.
func (c Config) SessionDefaultTTL() time.Duration {
	return time.Duration(c.SessionDefaultTTLSeconds) * time.Second
}

// DefaultLeaseDuration converts DefaultLeaseDurationMinutes to a
// time.Duration.
func (c Config) DefaultLeaseDuration() time.Duration {
	return time.Duration(c.DefaultLeaseDurationMinutes * float64(time.Minute))
}

// StorageLockTimeout converts StorageLockTimeoutMillis to a
// time.Duration.
func (c Config) StorageLockTimeout() time.Duration {
	return time.Duration(c.StorageLockTimeoutMillis) * time.Millisecond
}
