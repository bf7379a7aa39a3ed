// Package config provides configuration types and defaults for the
// orchestration kernel, loaded with viper: mapstructure-tagged structs,
// default-seeding, and a well-known search path.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/conclave/internal/flags"
)

// RegistryBackendKind selects the Instance Registry's storage backend.
type RegistryBackendKind string

const (
	RegistryBackendFile RegistryBackendKind = "file"
	RegistryBackendDistributed RegistryBackendKind = "distributed"
)

// Config holds all configuration options for the orchestration kernel.
type Config struct {
	StateDir string `mapstructure:"state_dir"`
	SessionPrefix string `mapstructure:"session_prefix"`
	Registry RegistryConfig `mapstructure:"registry"`
	Transport TransportConfig `mapstructure:"transport"`
	Sender SenderConfig `mapstructure:"sender"`
	Progress ProgressConfig `mapstructure:"progress"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Optimizer OptimizerConfig `mapstructure:"optimizer"`
	Health HealthConfig `mapstructure:"health"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Features map[string]bool `mapstructure:"features"`
}

// RegistryConfig configures the Instance Registry backend.
type RegistryConfig struct {
	Backend RegistryBackendKind `mapstructure:"backend"`
	ValkeyAddrs []string `mapstructure:"valkey_addrs"`
	KeyPrefix string `mapstructure:"key_prefix"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// TransportConfig configures the Terminal Transport.
type TransportConfig struct {
	TmuxPath string `mapstructure:"tmux_path"`
}

// SenderConfig configures the Reliable Sender.
type SenderConfig struct {
	BatchWindowMS int `mapstructure:"batch_window_ms"`
	BatchMaxSize int `mapstructure:"batch_max_size"`
	CriticalChunks int `mapstructure:"critical_chunks"`
	MaxRetries int `mapstructure:"max_retries"`
}

// ProgressConfig configures the Progress Monitor.
type ProgressConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DispatcherConfig configures the Parallel Dispatcher.
type DispatcherConfig struct {
	MaxConcurrentSpawns int `mapstructure:"max_concurrent_spawns"`
	MaxSpecialistsPerMgr int `mapstructure:"max_specialists_per_manager"`
}

// OptimizerConfig configures the Performance Optimizer.
type OptimizerConfig struct {
	SpawnConcurrency int `mapstructure:"spawn_concurrency"`
	VCCConcurrency int `mapstructure:"vcc_concurrency"`
	CacheSize int `mapstructure:"cache_size"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	PrewarmCount int `mapstructure:"prewarm_count"`
}

// HealthConfig configures the Health Monitor & Circuit Breaker.
type HealthConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	FailureThreshold int `mapstructure:"failure_threshold"`
	SuccessThreshold int `mapstructure:"success_threshold"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

// BroadcastConfig configures the Scheduled Broadcast Utility.
type BroadcastConfig struct {
	DefaultMessage string `mapstructure:"default_message"`
}

// MetricsConfig configures the OTel metrics recorder backing record_metric.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Defaults returns the default configuration: batch_window 100ms/max 10,
// lock TTL 30s, probe interval 30s, failure_threshold 5, success_threshold
// 2, reset_timeout 60s, cache 1000 entries/TTL 60s, max concurrent spawns
// 5, max specialists per manager 4.
func Defaults() Config {
	return Config{
		StateDir: defaultStateDir(),
		SessionPrefix: "conclave",
		Registry: RegistryConfig{
			Backend: RegistryBackendFile,
			KeyPrefix: "registry",
			LockTTL: 30 * time.Second,
		},
		Transport: TransportConfig{
			TmuxPath: "tmux",
		},
		Sender: SenderConfig{
			BatchWindowMS: 100,
			BatchMaxSize: 10,
			CriticalChunks: 4,
			MaxRetries: 3,
		},
		Progress: ProgressConfig{
			PollInterval: 5 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrentSpawns: 5,
			MaxSpecialistsPerMgr: 4,
		},
		Optimizer: OptimizerConfig{
			SpawnConcurrency: 5,
			VCCConcurrency: 3,
			CacheSize: 1000,
			CacheTTL: 60 * time.Second,
			PrewarmCount: 0,
		},
		Health: HealthConfig{
			ProbeInterval: 30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			ResetTimeout: 60 * time.Second,
		},
		Broadcast: BroadcastConfig{
			DefaultMessage: "Please continue.",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			ServiceName: "conclave-kernel",
		},
		Features: map[string]bool{
			flags.FlagAutoRestart: true,
			flags.FlagPrewarmPool: true,
			flags.FlagGitAutoCleanup: false,
		},
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conclave"
	}
	return filepath.Join(home, ".conclave")
}

// Validate sanity-checks a loaded config.
func (c Config) Validate() error {
	switch c.Registry.Backend {
	case RegistryBackendFile, RegistryBackendDistributed:
	default:
		return fmt.Errorf("config: unknown registry backend %q", c.Registry.Backend)
	}
	if c.Registry.Backend == RegistryBackendDistributed && len(c.Registry.ValkeyAddrs) == 0 {
		return fmt.Errorf("config: distributed registry backend requires at least one valkey address")
	}
	if c.StateDir == "" {
		return fmt.Errorf("config: state_dir must not be empty")
	}
	return nil
}
