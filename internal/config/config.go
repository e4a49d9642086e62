package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RedisConfig identifies the durable queue store.
type RedisConfig struct {
	// Host is the Redis server hostname
	Host string `yaml:"host"`

	// Port is the Redis server port
	Port int `yaml:"port"`

	// Password is optional; empty means no AUTH
	Password string `yaml:"password,omitempty"`

	// DB is the logical database index
	DB int `yaml:"db"`
}

// Addr returns the host:port address for the Redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ChildConfig holds settings for the external interactive CLI tool.
type ChildConfig struct {
	// Command is the CLI binary path or name
	Command string `yaml:"command"`

	// Args are extra arguments passed at spawn
	Args []string `yaml:"args,omitempty"`

	// APIKey is passed through to the child environment at spawn.
	// The core treats it as opaque.
	APIKey string `yaml:"api_key,omitempty"`
}

// SupervisorConfig controls child process lifecycle policy.
type SupervisorConfig struct {
	// MaxRetries caps automatic restarts after unexpected exits
	MaxRetries int `yaml:"max_retries"`

	// RestartDelay is the fixed wait before each restart
	RestartDelay Duration `yaml:"restart_delay"`

	// StopGraceTimeout is how long to wait after EOF before SIGTERM
	StopGraceTimeout Duration `yaml:"stop_grace_timeout"`

	// StopKillTimeout is how long to wait after SIGTERM before SIGKILL
	StopKillTimeout Duration `yaml:"stop_kill_timeout"`
}

// MuxConfig controls the command multiplexer.
type MuxConfig struct {
	// MaxConcurrent is the number of in-flight command slots
	MaxConcurrent int `yaml:"max_concurrent"`

	// DefaultTimeout applies when a send specifies none
	DefaultTimeout Duration `yaml:"default_timeout"`

	// RetryAttempts caps per-command retries when retry-on-error is set
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryDelay is the fixed wait before a retry
	RetryDelay Duration `yaml:"retry_delay"`
}

// QueueConfig controls the durable task queue.
type QueueConfig struct {
	// Concurrency is the worker-side poll concurrency hint
	Concurrency int `yaml:"concurrency"`

	// StallTimeout is how long a job may sit active before reclaim
	BackoffBase  Duration `yaml:"backoff_base"`
	StallTimeout Duration `yaml:"stall_timeout"`

	// ReclaimInterval is how often the janitor promotes and reclaims
	ReclaimInterval Duration `yaml:"reclaim_interval"`

	// MaxAttempts is the default delivery attempt budget per job
	MaxAttempts int `yaml:"max_attempts"`
}

// Config holds all configuration for the foreman orchestration kernel.
// It is immutable after creation via Load().
type Config struct {
	// AgentID identifies this controller instance
	AgentID string `yaml:"agent_id"`

	// WorkspacePath is the controller's working directory tree
	WorkspacePath string `yaml:"workspace_path"`

	// LogLevel controls zap logging verbosity
	LogLevel string `yaml:"log_level"`

	Redis      RedisConfig      `yaml:"redis"`
	Child      ChildConfig      `yaml:"child"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Mux        MuxConfig        `yaml:"mux"`
	Queue      QueueConfig      `yaml:"queue"`
}

// Load reads configuration from the given YAML file (optional), applies
// defaults first and environment overrides last, then validates.
// An empty path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
