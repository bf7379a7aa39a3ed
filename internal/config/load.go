package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Load reads configuration from the given file path (if non-empty) or the
// default search path (.conclave/config.yaml in the current directory, then
// ~/.config/conclave/config.yaml), applying Defaults() for anything unset.
//
// The backend kind is deliberately resolved once, here, at process start:
// the open question on backend coexistence is closed by treating this
// value as authoritative for the lifetime of the process and for every
// bridge invocation sharing the same state dir (see internal/registry's
// backend-kind stamping).
func Load(explicitPath string) (Config, error) {
	v := viper.New()
	defaults := Defaults()

	v.SetDefault("state_dir", defaults.StateDir)
	v.SetDefault("session_prefix", defaults.SessionPrefix)
	v.SetDefault("registry.backend", defaults.Registry.Backend)
	v.SetDefault("registry.key_prefix", defaults.Registry.KeyPrefix)
	v.SetDefault("registry.lock_ttl", defaults.Registry.LockTTL)
	v.SetDefault("transport.tmux_path", defaults.Transport.TmuxPath)
	v.SetDefault("sender.batch_window_ms", defaults.Sender.BatchWindowMS)
	v.SetDefault("sender.batch_max_size", defaults.Sender.BatchMaxSize)
	v.SetDefault("sender.critical_chunks", defaults.Sender.CriticalChunks)
	v.SetDefault("sender.max_retries", defaults.Sender.MaxRetries)
	v.SetDefault("progress.poll_interval", defaults.Progress.PollInterval)
	v.SetDefault("dispatcher.max_concurrent_spawns", defaults.Dispatcher.MaxConcurrentSpawns)
	v.SetDefault("dispatcher.max_specialists_per_manager", defaults.Dispatcher.MaxSpecialistsPerMgr)
	v.SetDefault("optimizer.spawn_concurrency", defaults.Optimizer.SpawnConcurrency)
	v.SetDefault("optimizer.vcc_concurrency", defaults.Optimizer.VCCConcurrency)
	v.SetDefault("optimizer.cache_size", defaults.Optimizer.CacheSize)
	v.SetDefault("optimizer.cache_ttl", defaults.Optimizer.CacheTTL)
	v.SetDefault("optimizer.prewarm_count", defaults.Optimizer.PrewarmCount)
	v.SetDefault("health.probe_interval", defaults.Health.ProbeInterval)
	v.SetDefault("health.failure_threshold", defaults.Health.FailureThreshold)
	v.SetDefault("health.success_threshold", defaults.Health.SuccessThreshold)
	v.SetDefault("health.reset_timeout", defaults.Health.ResetTimeout)
	v.SetDefault("broadcast.default_message", defaults.Broadcast.DefaultMessage)
	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	v.SetDefault("metrics.service_name", defaults.Metrics.ServiceName)
	v.SetDefault("features", defaults.Features)

	switch {
	case explicitPath != "":
		v.SetConfigFile(explicitPath)
	default:
		if _, err := os.Stat(".conclave/config.yaml"); err == nil {
			v.SetConfigFile(".conclave/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			v.AddConfigPath(filepath.Join(home, ".config", "conclave"))
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
		// No config file anywhere: proceed with defaults only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
