package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the shard process's own identity and admin surface.
type ServerConfig struct {
	ShardID         string        `yaml:"shard_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// HintsConfig is the enumerated configuration surface of spec.md §6,
// passed as an immutable record at ShardManager construction.
type HintsConfig struct {
	// HintsDir is the root directory under which this shard's endpoint
	// subdirectories live.
	HintsDir string `yaml:"hints_dir"`
	// HintedDCs is the set of datacenter names hints may be generated for.
	// An empty set means all datacenters are hintable.
	HintedDCs []string `yaml:"hinted_dcs"`
	// MaxHintWindow suppresses hinting for peers unseen longer than this.
	MaxHintWindow time.Duration `yaml:"max_hint_window"`
	// MaxShardDiskSpaceSize is the watchdog's shard-wide disk cap in bytes.
	MaxShardDiskSpaceSize uint64 `yaml:"max_shard_disk_space_size"`
	// MaxSizeOfHintsInProgress is the admission cap on unflushed hint
	// bytes, in bytes. Defaults to 10 MiB.
	MaxSizeOfHintsInProgress uint64 `yaml:"max_size_of_hints_in_progress"`
	// HintSegmentSizeMB is the size at which the active segment is sealed
	// and a new one opened. Defaults to 32.
	HintSegmentSizeMB uint64 `yaml:"hint_segment_size_mb"`
	// MaxHintsPerEndpointSizeMB is the advisory fairness share per
	// endpoint used by the watchdog. Defaults to 128.
	MaxHintsPerEndpointSizeMB uint64 `yaml:"max_hints_per_ep_size_mb"`
	// MaxHintsSendQueueLength bounds in-flight entries per segment replay.
	// Defaults to 128.
	MaxHintsSendQueueLength int `yaml:"max_hints_send_queue_length"`
	// HintsFlushPeriod is how often the sender requests a durability
	// barrier on the active segment.
	HintsFlushPeriod time.Duration `yaml:"hints_flush_period"`
	// HintFileWriteTimeout bounds a single append.
	HintFileWriteTimeout time.Duration `yaml:"hint_file_write_timeout"`
	// WatchdogPeriod is the space watchdog's audit interval.
	WatchdogPeriod time.Duration `yaml:"watchdog_period"`
	// MaxSendInFlightBytes sizes the shard-wide send-budget semaphore.
	MaxSendInFlightBytes uint64 `yaml:"max_send_in_flight_bytes"`
	// MinSendHintBudgetBytes is the floor applied to a single entry's
	// semaphore acquisition, so many tiny hints cannot starve the budget
	// accounting.
	MinSendHintBudgetBytes uint64 `yaml:"min_send_hint_budget_bytes"`
	// IOLimitBytesPerSec throttles the segment write path per endpoint.
	// 0 means unlimited.
	IOLimitBytesPerSec uint64 `yaml:"io_limit_bytes_per_sec"`
}

// Config represents the complete configuration for a hint shard process.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Hints     HintsConfig     `yaml:"hints"`
	Gossip    GossipConfig    `yaml:"gossip"`
	WritePath WritePathConfig `yaml:"write_path"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// WritePathConfig addresses the coordinator (or peer replica acting as
// coordinator) the sender dispatches replayed mutations to.
type WritePathConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// GossipConfig holds gossip protocol configuration for the failure
// detector's membership view.
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if not specified
	setDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration, matching
// the numeric defaults enumerated in spec.md §6.
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50052
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Hints.HintsDir == "" {
		cfg.Hints.HintsDir = "/var/lib/hintedhandoff/hints"
	}
	if cfg.Hints.MaxHintWindow == 0 {
		cfg.Hints.MaxHintWindow = 3 * time.Hour
	}
	if cfg.Hints.MaxShardDiskSpaceSize == 0 {
		cfg.Hints.MaxShardDiskSpaceSize = 10 * 1024 * 1024 * 1024 // 10 GiB
	}
	if cfg.Hints.MaxSizeOfHintsInProgress == 0 {
		cfg.Hints.MaxSizeOfHintsInProgress = 10 * 1024 * 1024 // 10 MiB
	}
	if cfg.Hints.HintSegmentSizeMB == 0 {
		cfg.Hints.HintSegmentSizeMB = 32
	}
	if cfg.Hints.MaxHintsPerEndpointSizeMB == 0 {
		cfg.Hints.MaxHintsPerEndpointSizeMB = 128
	}
	if cfg.Hints.MaxHintsSendQueueLength == 0 {
		cfg.Hints.MaxHintsSendQueueLength = 128
	}
	if cfg.Hints.HintsFlushPeriod == 0 {
		cfg.Hints.HintsFlushPeriod = 10 * time.Second
	}
	if cfg.Hints.HintFileWriteTimeout == 0 {
		cfg.Hints.HintFileWriteTimeout = 2 * time.Second
	}
	if cfg.Hints.WatchdogPeriod == 0 {
		cfg.Hints.WatchdogPeriod = 10 * time.Second
	}
	if cfg.Hints.MaxSendInFlightBytes == 0 {
		cfg.Hints.MaxSendInFlightBytes = 10 * 1024 * 1024 // 10% of a 100MiB shard budget
	}
	if cfg.Hints.MinSendHintBudgetBytes == 0 {
		cfg.Hints.MinSendHintBudgetBytes = 1024
	}

	if cfg.WritePath.Host == "" {
		cfg.WritePath.Host = "127.0.0.1"
	}
	if cfg.WritePath.Port == 0 {
		cfg.WritePath.Port = 50051
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ShardID == "" {
		return fmt.Errorf("server.shard_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Hints.HintsDir == "" {
		return fmt.Errorf("hints.hints_dir is required")
	}
	if c.Hints.MaxHintsSendQueueLength <= 0 {
		return fmt.Errorf("hints.max_hints_send_queue_length must be positive")
	}
	if c.Hints.MinSendHintBudgetBytes > c.Hints.MaxSendInFlightBytes {
		return fmt.Errorf("hints.min_send_hint_budget_bytes must not exceed hints.max_send_in_flight_bytes")
	}
	return nil
}
