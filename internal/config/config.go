package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// MinFrameSize is the smallest accepted sync.max_frame_size
const MinFrameSize = 64 << 10

// Config is the complete configuration of one notesync replica
type Config struct {
	Replica ReplicaConfig `json:"replica" yaml:"replica"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Sync    SyncConfig    `json:"sync" yaml:"sync"`
	Server  ServerConfig  `json:"server" yaml:"server"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// ReplicaConfig identifies the local replica
type ReplicaConfig struct {
	// ID is generated on every start when empty. A fixed ID needs
	// Storage.Dir so the clock resumes after the last logged operation.
	ID     string `json:"id,omitempty" yaml:"id,omitempty"`
	Author string `json:"author,omitempty" yaml:"author,omitempty"`
}

// StorageConfig controls the operation log and snapshots
type StorageConfig struct {
	// Dir holds the log and snapshot. An empty Dir keeps everything in memory.
	Dir  string `json:"dir,omitempty" yaml:"dir,omitempty"`
	Sync bool   `json:"sync" yaml:"sync"`
	// CompactBytes triggers a snapshot once the log grows past it. Zero disables.
	CompactBytes    int64         `json:"compact_bytes,omitempty" yaml:"compact_bytes,omitempty"`
	CompactInterval time.Duration `json:"compact_interval,omitempty" yaml:"compact_interval,omitempty"`
}

// SyncConfig controls anti-entropy and peer dialing
type SyncConfig struct {
	AntiEntropyInterval time.Duration `json:"anti_entropy_interval,omitempty" yaml:"anti_entropy_interval,omitempty"`
	BackoffInitial      time.Duration `json:"backoff_initial,omitempty" yaml:"backoff_initial,omitempty"`
	BackoffMax          time.Duration `json:"backoff_max,omitempty" yaml:"backoff_max,omitempty"`
	MaxFrameSize        int           `json:"max_frame_size,omitempty" yaml:"max_frame_size,omitempty"`
	// Peers are dialled and kept connected. ws:// and wss:// URLs use
	// websockets, quic://host:port uses QUIC.
	Peers      []string `json:"peers,omitempty" yaml:"peers,omitempty"`
	QUICListen string   `json:"quic_listen,omitempty" yaml:"quic_listen,omitempty"`
}

// ServerConfig controls the HTTP command surface and websocket sync endpoint
type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
	// Token, when set, is required as a bearer token on every request.
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
}

// Default returns a configuration that runs an in-memory replica on :8080
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Sync:            true,
			CompactBytes:    8 << 20,
			CompactInterval: 10 * time.Minute,
		},
		Sync: SyncConfig{
			AntiEntropyInterval: 30 * time.Second,
			BackoffInitial:      500 * time.Millisecond,
			BackoffMax:          30 * time.Second,
			MaxFrameSize:        16 << 20,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults
func Load(path string) (Config, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return LoadYAML(f)
}

// LoadYAML decodes YAML from r over the defaults. Unknown keys are rejected.
func LoadYAML(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail deep inside a component
func (c Config) Validate() error {
	if strings.ContainsAny(c.Replica.ID, ".:") {
		return fmt.Errorf("%w: replica id %q must not contain '.' or ':'", ErrInvalidConfig, c.Replica.ID)
	}
	if c.Storage.CompactBytes < 0 {
		return fmt.Errorf("%w: storage.compact_bytes is negative", ErrInvalidConfig)
	}
	if c.Sync.BackoffInitial < 0 || c.Sync.BackoffMax < c.Sync.BackoffInitial {
		return fmt.Errorf("%w: sync backoff must satisfy 0 <= initial <= max", ErrInvalidConfig)
	}
	if c.Replica.ID != "" && c.Storage.Dir == "" {
		// the clock would restart at 1 and reissue ids peers already hold
		return fmt.Errorf("%w: replica.id requires storage.dir", ErrInvalidConfig)
	}
	if c.Sync.MaxFrameSize != 0 && c.Sync.MaxFrameSize < MinFrameSize {
		return fmt.Errorf("%w: sync.max_frame_size must be at least %d", ErrInvalidConfig, MinFrameSize)
	}
	for _, peer := range c.Sync.Peers {
		if !strings.HasPrefix(peer, "ws://") && !strings.HasPrefix(peer, "wss://") && !strings.HasPrefix(peer, "quic://") {
			return fmt.Errorf("%w: peer %q needs a ws://, wss:// or quic:// scheme", ErrInvalidConfig, peer)
		}
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalidConfig)
	}
	return nil
}
