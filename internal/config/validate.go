package config

import (
	"errors"
	"fmt"
)

// ValidationError contains details about what failed validation.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// validateConfig checks all config values for validity.
// Returns nil if valid, or joined errors for all validation failures.
func validateConfig(cfg *Config) error {
	var errs []error

	if cfg.AgentID == "" {
		errs = append(errs, &ValidationError{
			Field:   "agent_id",
			Value:   cfg.AgentID,
			Message: "must not be empty",
		})
	}

	if cfg.WorkspacePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "workspace_path",
			Value:   cfg.WorkspacePath,
			Message: "must not be empty",
		})
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, &ValidationError{
			Field:   "log_level",
			Value:   cfg.LogLevel,
			Message: "must be one of debug, info, warn, error",
		})
	}

	if cfg.Redis.Host == "" {
		errs = append(errs, &ValidationError{
			Field:   "redis.host",
			Value:   cfg.Redis.Host,
			Message: "must not be empty",
		})
	}

	if cfg.Redis.Port < 1 || cfg.Redis.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "redis.port",
			Value:   cfg.Redis.Port,
			Message: "must be a valid TCP port",
		})
	}

	if cfg.Child.Command == "" {
		errs = append(errs, &ValidationError{
			Field:   "child.command",
			Value:   cfg.Child.Command,
			Message: "must not be empty",
		})
	}

	if cfg.Supervisor.MaxRetries < 0 {
		errs = append(errs, &ValidationError{
			Field:   "supervisor.max_retries",
			Value:   cfg.Supervisor.MaxRetries,
			Message: "cannot be negative",
		})
	}

	if cfg.Mux.MaxConcurrent < 1 {
		errs = append(errs, &ValidationError{
			Field:   "mux.max_concurrent",
			Value:   cfg.Mux.MaxConcurrent,
			Message: "must be at least 1",
		})
	}

	if cfg.Mux.DefaultTimeout <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "mux.default_timeout",
			Value:   cfg.Mux.DefaultTimeout,
			Message: "must be positive",
		})
	}

	if cfg.Queue.Concurrency < 1 {
		errs = append(errs, &ValidationError{
			Field:   "queue.concurrency",
			Value:   cfg.Queue.Concurrency,
			Message: "must be at least 1",
		})
	}

	if cfg.Queue.MaxAttempts < 1 {
		errs = append(errs, &ValidationError{
			Field:   "queue.max_attempts",
			Value:   cfg.Queue.MaxAttempts,
			Message: "must be at least 1",
		})
	}

	return errors.Join(errs...)
}
