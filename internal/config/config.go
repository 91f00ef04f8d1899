// Package config loads provisd configuration with the precedence
// runtime overrides > environment > config file > defaults.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Store   StoreConfig   `mapstructure:"store"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Agent   AgentConfig   `mapstructure:"agent"`

	// Workers is the size of the provisioning worker pool.
	Workers int `mapstructure:"workers"`
}

// ServerConfig configures the HTTP status facade.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the zap loggers.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// StoreConfig selects and configures the key-value backend.
type StoreConfig struct {
	// Backend is one of "fs", "sqlite", "s3".
	Backend string `mapstructure:"backend"`

	// Path is the data directory (fs) or database file (sqlite).
	Path string `mapstructure:"path"`

	// S3 settings, used when Backend is "s3".
	Bucket         string `mapstructure:"bucket"`
	KeyPrefix      string `mapstructure:"key_prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// JobsConfig configures the job engine.
type JobsConfig struct {
	// TTL is the default record lifetime in seconds.
	TTL int `mapstructure:"ttl"`

	// PollInterval is the sleep between synchronous status checks.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// SweepSchedule is a cron expression for the expiry sweep.
	SweepSchedule string `mapstructure:"sweep_schedule"`

	// Types are the job types served by this instance.
	Types []string `mapstructure:"types"`
}

// AgentConfig configures the remote management-agent client.
type AgentConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}
