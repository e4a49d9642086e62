package config

import "time"

const (
	DefaultAgentID          = "foreman"
	DefaultWorkspacePath    = "./workspace"
	DefaultLogLevel         = "info"
	DefaultRedisHost        = "localhost"
	DefaultRedisPort        = 6379
	DefaultChildCommand     = "claude"
	DefaultMaxRetries       = 3
	DefaultRestartDelay     = 2 * time.Second
	DefaultStopGraceTimeout = 3 * time.Second
	DefaultStopKillTimeout  = 10 * time.Second
	DefaultMaxConcurrent    = 1
	DefaultSendTimeout      = 30 * time.Second
	DefaultRetryAttempts    = 2
	DefaultRetryDelay       = 500 * time.Millisecond
	DefaultQueueConcurrency = 4
	DefaultBackoffBase      = time.Second
	DefaultStallTimeout     = 5 * time.Minute
	DefaultReclaimInterval  = 15 * time.Second
	DefaultMaxAttempts      = 3
)

// DefaultConfig returns a Config with all default values applied.
func DefaultConfig() *Config {
	return &Config{
		AgentID:       DefaultAgentID,
		WorkspacePath: DefaultWorkspacePath,
		LogLevel:      DefaultLogLevel,
		Redis: RedisConfig{
			Host: DefaultRedisHost,
			Port: DefaultRedisPort,
		},
		Child: ChildConfig{
			Command: DefaultChildCommand,
		},
		Supervisor: SupervisorConfig{
			MaxRetries:       DefaultMaxRetries,
			RestartDelay:     Duration(DefaultRestartDelay),
			StopGraceTimeout: Duration(DefaultStopGraceTimeout),
			StopKillTimeout:  Duration(DefaultStopKillTimeout),
		},
		Mux: MuxConfig{
			MaxConcurrent:  DefaultMaxConcurrent,
			DefaultTimeout: Duration(DefaultSendTimeout),
			RetryAttempts:  DefaultRetryAttempts,
			RetryDelay:     Duration(DefaultRetryDelay),
		},
		Queue: QueueConfig{
			Concurrency:     DefaultQueueConcurrency,
			BackoffBase:     Duration(DefaultBackoffBase),
			StallTimeout:    Duration(DefaultStallTimeout),
			ReclaimInterval: Duration(DefaultReclaimInterval),
			MaxAttempts:     DefaultMaxAttempts,
		},
	}
}
