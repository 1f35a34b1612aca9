// Package config loads the engine policy file (config/sync.yaml): admission
// control, retry budgets, crash-recovery behavior, and daemon cadence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	runservices "github.com/openparcel/parcelsync/modules/syncrun/services"
)

type RecoveryPolicy struct {
	Enabled bool
	DryRun  bool
}

type DaemonPolicy struct {
	PollInterval time.Duration
	DrainTimeout time.Duration
}

// Config is the full engine policy. Executor is expressed in the executor's
// own config type so the file maps onto it without translation.
type Config struct {
	Executor runservices.ExecutorConfig
	Recovery RecoveryPolicy
	Daemon   DaemonPolicy
}

func Default() Config {
	return Config{
		Executor: runservices.DefaultExecutorConfig(),
		Recovery: RecoveryPolicy{Enabled: true},
		Daemon: DaemonPolicy{
			PollInterval: 30 * time.Second,
			DrainTimeout: 30 * time.Second,
		},
	}
}

type syncFile struct {
	Version  int `yaml:"version"`
	Executor struct {
		MaxConcurrent    int    `yaml:"max_concurrent"`
		OverflowPolicy   string `yaml:"overflow_policy"`
		FailureThreshold int64  `yaml:"failure_threshold"`
		Retry            struct {
			MaxAttempts     int    `yaml:"max_attempts"`
			InitialInterval string `yaml:"initial_interval"`
			MaxInterval     string `yaml:"max_interval"`
		} `yaml:"retry"`
	} `yaml:"executor"`
	Recovery struct {
		Enabled *bool `yaml:"enabled"`
		DryRun  bool  `yaml:"dry_run"`
	} `yaml:"recovery"`
	Daemon struct {
		PollInterval string `yaml:"poll_interval"`
		DrainTimeout string `yaml:"drain_timeout"`
	} `yaml:"daemon"`
}

// Parse overlays the file onto Default(). Zero-valued numeric fields keep
// their defaults; failure_threshold 0 is meaningful (unlimited) and is also
// the default, so no ambiguity arises.
func Parse(b []byte) (Config, error) {
	var sf syncFile
	if err := yaml.Unmarshal(b, &sf); err != nil {
		return Config{}, err
	}
	if sf.Version != 1 {
		return Config{}, errors.New("sync: unsupported version")
	}

	cfg := Default()

	if sf.Executor.MaxConcurrent < 0 {
		return Config{}, errors.New("sync: executor.max_concurrent must not be negative")
	}
	if sf.Executor.MaxConcurrent > 0 {
		cfg.Executor.MaxConcurrent = sf.Executor.MaxConcurrent
	}
	if sf.Executor.OverflowPolicy != "" {
		switch runservices.OverflowPolicy(sf.Executor.OverflowPolicy) {
		case runservices.OverflowReject, runservices.OverflowQueue:
			cfg.Executor.OverflowPolicy = runservices.OverflowPolicy(sf.Executor.OverflowPolicy)
		default:
			return Config{}, fmt.Errorf("sync: executor.overflow_policy %q invalid", sf.Executor.OverflowPolicy)
		}
	}
	if sf.Executor.FailureThreshold < 0 {
		return Config{}, errors.New("sync: executor.failure_threshold must not be negative")
	}
	cfg.Executor.FailureThreshold = sf.Executor.FailureThreshold
	if sf.Executor.Retry.MaxAttempts < 0 {
		return Config{}, errors.New("sync: executor.retry.max_attempts must not be negative")
	}
	if sf.Executor.Retry.MaxAttempts > 0 {
		cfg.Executor.Retry.MaxAttempts = sf.Executor.Retry.MaxAttempts
	}
	if err := overlayDuration(&cfg.Executor.Retry.InitialInterval, sf.Executor.Retry.InitialInterval, "executor.retry.initial_interval"); err != nil {
		return Config{}, err
	}
	if err := overlayDuration(&cfg.Executor.Retry.MaxInterval, sf.Executor.Retry.MaxInterval, "executor.retry.max_interval"); err != nil {
		return Config{}, err
	}

	if sf.Recovery.Enabled != nil {
		cfg.Recovery.Enabled = *sf.Recovery.Enabled
	}
	cfg.Recovery.DryRun = sf.Recovery.DryRun

	if err := overlayDuration(&cfg.Daemon.PollInterval, sf.Daemon.PollInterval, "daemon.poll_interval"); err != nil {
		return Config{}, err
	}
	if err := overlayDuration(&cfg.Daemon.DrainTimeout, sf.Daemon.DrainTimeout, "daemon.drain_timeout"); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func overlayDuration(dst *time.Duration, raw string, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("sync: %s: %v", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("sync: %s must be positive", field)
	}
	*dst = d
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// LoadDefault resolves SYNC_CONFIG_PATH, then walks up looking for
// config/sync.yaml. A missing file is not an error; defaults apply.
func LoadDefault() (Config, error) {
	if path := os.Getenv("SYNC_CONFIG_PATH"); path != "" {
		return Load(path)
	}
	path := "config/sync.yaml"
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
		path = filepath.Join("..", path)
	}
	return Default(), nil
}
