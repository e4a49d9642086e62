package config

import (
	"os"
	"strconv"
)

// envOverrides maps environment variables to config field setters.
var envOverrides = []struct {
	envVar string
	apply  func(*Config, string)
}{
	{
		envVar: "REDIS_HOST",
		apply: func(c *Config, v string) {
			c.Redis.Host = v
		},
	},
	{
		envVar: "REDIS_PORT",
		apply: func(c *Config, v string) {
			if port, err := strconv.Atoi(v); err == nil {
				c.Redis.Port = port
			}
		},
	},
	{
		envVar: "REDIS_PASSWORD",
		apply: func(c *Config, v string) {
			c.Redis.Password = v
		},
	},
	{
		envVar: "REDIS_DB",
		apply: func(c *Config, v string) {
			if db, err := strconv.Atoi(v); err == nil {
				c.Redis.DB = db
			}
		},
	},
	{
		envVar: "QUEUE_CONCURRENCY",
		apply: func(c *Config, v string) {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.Queue.Concurrency = n
			}
		},
	},
	{
		envVar: "WORKSPACE_PATH",
		apply: func(c *Config, v string) {
			c.WorkspacePath = v
		},
	},
	{
		envVar: "AGENT_ID",
		apply: func(c *Config, v string) {
			c.AgentID = v
		},
	},
	{
		envVar: "FOREMAN_CHILD_CMD",
		apply: func(c *Config, v string) {
			c.Child.Command = v
		},
	},
	{
		envVar: "FOREMAN_API_KEY",
		apply: func(c *Config, v string) {
			c.Child.APIKey = v
		},
	},
	{
		envVar: "FOREMAN_LOG_LEVEL",
		apply: func(c *Config, v string) {
			c.LogLevel = v
		},
	},
}

// applyEnvOverrides modifies config in place with environment variable values.
func applyEnvOverrides(cfg *Config) {
	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			override.apply(cfg, val)
		}
	}
}
