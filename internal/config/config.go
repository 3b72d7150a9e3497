// Package config loads the relay configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen              = ":8087"
	DefaultStorePath           = "poolrelay.db"
	DefaultMaxRetries          = 3
	DefaultShortLimitThreshold = 2 * time.Minute
	DefaultCooldown            = 5 * time.Minute
	DefaultBackendTimeout      = 5 * time.Minute
	DefaultMaxAccounts         = 10
	DefaultCallbackPort        = 51121
	DefaultAuthTimeout         = 120 * time.Second
)

// Config is the top-level relay configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	StorePath string          `yaml:"store_path"`
	Verbose   bool            `yaml:"verbose"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pool      PoolConfig      `yaml:"pool"`
	Auth      AuthConfig      `yaml:"auth"`
}

// SchedulerConfig controls retry and rate-limit policy.
type SchedulerConfig struct {
	MaxRetries          int           `yaml:"max_retries"`
	ShortLimitThreshold time.Duration `yaml:"short_limit_threshold"`
	Cooldown            time.Duration `yaml:"cooldown"`
	BackendTimeout      time.Duration `yaml:"backend_timeout"`
}

// PoolConfig bounds the account registry.
type PoolConfig struct {
	MaxAccounts int `yaml:"max_accounts"`
}

// AuthConfig controls the one-shot OAuth callback listener.
type AuthConfig struct {
	CallbackPort         int           `yaml:"callback_port"`
	AuthorizationTimeout time.Duration `yaml:"authorization_timeout"`
}

// Default returns a Config populated with default values.
func Default() Config {
	return Config{
		Listen:    DefaultListen,
		StorePath: DefaultStorePath,
		Scheduler: SchedulerConfig{
			MaxRetries:          DefaultMaxRetries,
			ShortLimitThreshold: DefaultShortLimitThreshold,
			Cooldown:            DefaultCooldown,
			BackendTimeout:      DefaultBackendTimeout,
		},
		Pool: PoolConfig{MaxAccounts: DefaultMaxAccounts},
		Auth: AuthConfig{
			CallbackPort:         DefaultCallbackPort,
			AuthorizationTimeout: DefaultAuthTimeout,
		},
	}
}

// Load reads the config file at path, falling back to defaults when the file
// does not exist. Environment variables override file values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	fillDefaults(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POOLRELAY_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("POOLRELAY_STORE"); v != "" {
		cfg.StorePath = v
	}
	if os.Getenv("POOLRELAY_VERBOSE") == "1" {
		cfg.Verbose = true
	}
}

// fillDefaults restores zero-valued fields so a sparse YAML file cannot
// disable retries or timeouts by omission.
func fillDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.StorePath == "" {
		cfg.StorePath = DefaultStorePath
	}
	if cfg.Scheduler.MaxRetries <= 0 {
		cfg.Scheduler.MaxRetries = DefaultMaxRetries
	}
	if cfg.Scheduler.ShortLimitThreshold <= 0 {
		cfg.Scheduler.ShortLimitThreshold = DefaultShortLimitThreshold
	}
	if cfg.Scheduler.Cooldown <= 0 {
		cfg.Scheduler.Cooldown = DefaultCooldown
	}
	if cfg.Scheduler.BackendTimeout <= 0 {
		cfg.Scheduler.BackendTimeout = DefaultBackendTimeout
	}
	if cfg.Pool.MaxAccounts <= 0 {
		cfg.Pool.MaxAccounts = DefaultMaxAccounts
	}
	if cfg.Auth.CallbackPort <= 0 {
		cfg.Auth.CallbackPort = DefaultCallbackPort
	}
	if cfg.Auth.AuthorizationTimeout <= 0 {
		cfg.Auth.AuthorizationTimeout = DefaultAuthTimeout
	}
}
