package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

var (
	mu     sync.Mutex
	loaded *Config
)

// envSpec maps an environment variable onto a config key.
type envSpec struct {
	Name string
	Key  string
}

func getEnvSpecs() []envSpec {
	return []envSpec{
		{Name: "PROVISD_HOST", Key: "server.host"},
		{Name: "PROVISD_PORT", Key: "server.port"},
		{Name: "PROVISD_READ_TIMEOUT", Key: "server.read_timeout"},
		{Name: "PROVISD_WRITE_TIMEOUT", Key: "server.write_timeout"},
		{Name: "PROVISD_SHUTDOWN_TIMEOUT", Key: "server.shutdown_timeout"},
		{Name: "PROVISD_LOG_LEVEL", Key: "logging.level"},
		{Name: "PROVISD_LOG_PROFILE", Key: "logging.profile"},
		{Name: "PROVISD_STORE_BACKEND", Key: "store.backend"},
		{Name: "PROVISD_STORE_PATH", Key: "store.path"},
		{Name: "PROVISD_STORE_BUCKET", Key: "store.bucket"},
		{Name: "PROVISD_STORE_REGION", Key: "store.region"},
		{Name: "PROVISD_STORE_ENDPOINT", Key: "store.endpoint"},
		{Name: "PROVISD_JOB_TTL", Key: "jobs.ttl"},
		{Name: "PROVISD_POLL_INTERVAL", Key: "jobs.poll_interval"},
		{Name: "PROVISD_SWEEP_SCHEDULE", Key: "jobs.sweep_schedule"},
		{Name: "PROVISD_WORKERS", Key: "workers"},
		{Name: "PROVISD_AGENT_URL", Key: "agent.base_url"},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("store.backend", "fs")
	v.SetDefault("store.path", "")
	v.SetDefault("store.force_path_style", false)

	v.SetDefault("jobs.ttl", 7200)
	v.SetDefault("jobs.poll_interval", "1s")
	v.SetDefault("jobs.sweep_schedule", "@every 1m")
	v.SetDefault("jobs.types", []string{"instance-launch", "instance-update", "instance-terminate"})

	v.SetDefault("agent.requests_per_second", 0)
	v.SetDefault("agent.request_timeout", "30s")
	v.SetDefault("agent.poll_interval", "1s")

	v.SetDefault("workers", 4)
}

// Load builds the configuration. Optional override maps take precedence
// over environment variables, which take precedence over the config file
// and defaults. The loaded config is retained for GetConfig.
func Load(_ context.Context, overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("provisd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.provisd")
	v.AddConfigPath("/etc/provisd")
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; anything else is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Key, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	// Overrides go through Set so they outrank env bindings; merged
	// config maps rank below bound environment variables.
	for _, override := range overrides {
		applyOverrides(v, "", override)
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	mu.Lock()
	loaded = &cfg
	mu.Unlock()
	return &cfg, nil
}

func applyOverrides(v *viper.Viper, prefix string, m map[string]any) {
	for name, value := range m {
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		if nested, ok := value.(map[string]any); ok {
			applyOverrides(v, key, nested)
			continue
		}
		v.Set(key, value)
	}
}

// GetConfig returns the most recently loaded configuration, or nil if
// Load has not run.
func GetConfig() *Config {
	mu.Lock()
	defer mu.Unlock()
	return loaded
}

func validate(cfg *Config) error {
	switch cfg.Store.Backend {
	case "fs", "sqlite", "s3":
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if cfg.Store.Backend == "s3" && cfg.Store.Bucket == "" {
		return fmt.Errorf("store.bucket is required for the s3 backend")
	}
	if cfg.Jobs.TTL < 0 {
		return fmt.Errorf("jobs.ttl must not be negative")
	}
	if cfg.Jobs.PollInterval < 10*time.Millisecond {
		return fmt.Errorf("jobs.poll_interval is too small")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if len(cfg.Jobs.Types) == 0 {
		return fmt.Errorf("jobs.types must not be empty")
	}
	return nil
}
