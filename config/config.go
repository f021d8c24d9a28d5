package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Storage backends of the event log.
const (
	StorageMemory = "memory"
	StorageBolt   = "bolt"
	StorageRaft   = "raft"
)

// Config of a node. Values from a file are overridden by flags set on the command line.
type Config struct {
	ID      string `json:"id"`
	Listen  string `json:"listen"`
	Raft    string `json:"raft"`
	RaftDir string `json:"raftDir"`
	// Join is the HTTP address of a node of the cluster to join, if any.
	Join    string `json:"join"`
	Storage string `json:"storage"`
	DataDir string `json:"dataDir"`
	// SnapshotEvery is the number of events between aggregate snapshots, 0 disables them.
	SnapshotEvery int `json:"snapshotEvery"`

	// AMQP is the broker URL. When empty messages only travel in-process.
	AMQP string `json:"amqp"`
	// Redis is the address of the processed-version store. When empty versions are kept in memory.
	Redis       string `json:"redis"`
	RedisPrefix string `json:"redisPrefix"`

	Workers int      `json:"workers"`
	Retries int      `json:"retries"`
	Backoff Duration `json:"backoff"`
}

// Duration reads "250ms" style strings.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration of a single in-memory node.
func Default() *Config {
	return &Config{
		Listen:        "localhost:11000",
		Raft:          "localhost:12000",
		Storage:       StorageMemory,
		DataDir:       ".",
		SnapshotEvery: 100,
		RedisPrefix:   "saga",
		Workers:       16,
		Retries:       10,
		Backoff:       Duration(20 * time.Millisecond),
	}
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	config := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return config, config.Validate()
}

func (c *Config) Validate() error {
	switch c.Storage {
	case StorageMemory, StorageBolt, StorageRaft:
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.Storage == StorageRaft && c.Raft == "" {
		return errors.New("raft address is required with raft storage")
	}
	if c.Join != "" && c.Storage != StorageRaft {
		return errors.New("join requires raft storage")
	}
	if c.SnapshotEvery < 0 {
		return fmt.Errorf("snapshot interval must not be negative, got %d", c.SnapshotEvery)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Retries < 1 {
		return fmt.Errorf("retries must be positive, got %d", c.Retries)
	}
	return nil
}
