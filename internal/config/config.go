// Package config loads foreman workspace configuration from
// .foreman/config.yaml with optional .env / environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Queue    QueueConfig    `yaml:"queue"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Runner   RunnerConfig   `yaml:"runner"`
	Logging  LoggingConfig  `yaml:"logging"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type QueueConfig struct {
	// MaxEntries bounds the total entry count summed across lifecycle
	// directories (backpressure).
	MaxEntries int `yaml:"max_entries"`
	// StaleTTLMin is the running-entry time-to-live for the stale sweep.
	StaleTTLMin int `yaml:"stale_ttl_min"`
	// LockRetries bounds directory-lock acquisition attempts.
	LockRetries int `yaml:"lock_retries"`
	// LockBackoffMinMs/MaxMs bound the randomized retry backoff.
	LockBackoffMinMs int `yaml:"lock_backoff_min_ms"`
	LockBackoffMaxMs int `yaml:"lock_backoff_max_ms"`
	// SweepIntervalSec paces the daemon's stale sweep ticker.
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

type RecoveryConfig struct {
	MaxRetries int `yaml:"max_retries"`
	// RetryLockTimeoutMin is the age past which a retry lock is abandoned.
	RetryLockTimeoutMin int `yaml:"retry_lock_timeout_min"`
	// ContinuationTimeoutMin is the age past which an in-flight
	// continuation registry entry is abandoned.
	ContinuationTimeoutMin int `yaml:"continuation_timeout_min"`
}

type RunnerConfig struct {
	// TimeoutMin is the absolute ceiling on an external command.
	TimeoutMin int `yaml:"timeout_min"`
	// ActivityTimeoutMin resets on any output; a silent process is killed
	// when it elapses.
	ActivityTimeoutMin int `yaml:"activity_timeout_min"`
	// KillGraceSec is the window between SIGTERM and SIGKILL.
	KillGraceSec int `yaml:"kill_grace_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type NotifyConfig struct {
	// Desktop enables the macOS osascript sink.
	Desktop bool `yaml:"desktop"`
	// HookCommand, when set, is invoked with event JSON on stdin.
	HookCommand string `yaml:"hook_command"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Queue: QueueConfig{
			MaxEntries:       50,
			StaleTTLMin:      30,
			LockRetries:      100,
			LockBackoffMinMs: 10,
			LockBackoffMaxMs: 60,
			SweepIntervalSec: 60,
		},
		Recovery: RecoveryConfig{
			MaxRetries:             3,
			RetryLockTimeoutMin:    10,
			ContinuationTimeoutMin: 5,
		},
		Runner: RunnerConfig{
			TimeoutMin:         15,
			ActivityTimeoutMin: 2,
			KillGraceSec:       10,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "logs/foreman.log",
		},
		Notify: NotifyConfig{},
	}
}

// Load reads config.yaml under foremanDir, applies .env and FOREMAN_*
// environment overrides, and fills defaults for unset fields. A missing
// config file is not an error; defaults apply.
func Load(foremanDir string) (Config, error) {
	cfg := Default()

	path := filepath.Join(foremanDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yamlv3.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	// .env is optional; godotenv does not overwrite existing variables.
	_ = godotenv.Load(filepath.Join(foremanDir, ".env"))

	applyEnv(&cfg)
	fillDefaults(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envInt("FOREMAN_QUEUE_MAX_ENTRIES", &cfg.Queue.MaxEntries)
	envInt("FOREMAN_STALE_TTL_MIN", &cfg.Queue.StaleTTLMin)
	envInt("FOREMAN_MAX_RETRIES", &cfg.Recovery.MaxRetries)
	envInt("FOREMAN_RUNNER_TIMEOUT_MIN", &cfg.Runner.TimeoutMin)
	envInt("FOREMAN_RUNNER_ACTIVITY_TIMEOUT_MIN", &cfg.Runner.ActivityTimeoutMin)
	if v := os.Getenv("FOREMAN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FOREMAN_NOTIFY_HOOK"); v != "" {
		cfg.Notify.HookCommand = v
	}
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func fillDefaults(cfg *Config) {
	def := Default()
	if cfg.Queue.MaxEntries <= 0 {
		cfg.Queue.MaxEntries = def.Queue.MaxEntries
	}
	if cfg.Queue.StaleTTLMin <= 0 {
		cfg.Queue.StaleTTLMin = def.Queue.StaleTTLMin
	}
	if cfg.Queue.LockRetries <= 0 {
		cfg.Queue.LockRetries = def.Queue.LockRetries
	}
	if cfg.Queue.LockBackoffMinMs <= 0 {
		cfg.Queue.LockBackoffMinMs = def.Queue.LockBackoffMinMs
	}
	if cfg.Queue.LockBackoffMaxMs <= cfg.Queue.LockBackoffMinMs {
		cfg.Queue.LockBackoffMaxMs = def.Queue.LockBackoffMaxMs
	}
	if cfg.Queue.SweepIntervalSec <= 0 {
		cfg.Queue.SweepIntervalSec = def.Queue.SweepIntervalSec
	}
	if cfg.Recovery.MaxRetries <= 0 {
		cfg.Recovery.MaxRetries = def.Recovery.MaxRetries
	}
	if cfg.Recovery.RetryLockTimeoutMin <= 0 {
		cfg.Recovery.RetryLockTimeoutMin = def.Recovery.RetryLockTimeoutMin
	}
	if cfg.Recovery.ContinuationTimeoutMin <= 0 {
		cfg.Recovery.ContinuationTimeoutMin = def.Recovery.ContinuationTimeoutMin
	}
	if cfg.Runner.TimeoutMin <= 0 {
		cfg.Runner.TimeoutMin = def.Runner.TimeoutMin
	}
	if cfg.Runner.ActivityTimeoutMin <= 0 {
		cfg.Runner.ActivityTimeoutMin = def.Runner.ActivityTimeoutMin
	}
	if cfg.Runner.KillGraceSec <= 0 {
		cfg.Runner.KillGraceSec = def.Runner.KillGraceSec
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = def.Logging.File
	}
}

// StaleTTL returns the queue staleness TTL as a duration.
func (c Config) StaleTTL() time.Duration {
	return time.Duration(c.Queue.StaleTTLMin) * time.Minute
}

// RetryLockTimeout returns the retry-lock abandonment age.
func (c Config) RetryLockTimeout() time.Duration {
	return time.Duration(c.Recovery.RetryLockTimeoutMin) * time.Minute
}

// ContinuationTimeout returns the continuation-dedup abandonment age.
func (c Config) ContinuationTimeout() time.Duration {
	return time.Duration(c.Recovery.ContinuationTimeoutMin) * time.Minute
}
