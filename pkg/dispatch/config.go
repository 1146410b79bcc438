package dispatch

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the dispatcher.
type Config struct {
	Pool    PoolConfig    `mapstructure:"pool"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// PoolConfig defines connection pool settings, partitioned per worker kind.
type PoolConfig struct {
	Capacity        int           `mapstructure:"capacity"`
	AcquireTimeout  time.Duration `mapstructure:"acquire_timeout"`
	MaxIdleTime     time.Duration `mapstructure:"max_idle_time"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	MaxFailedAttempts int         `mapstructure:"max_failed_attempts"`
}

// RetryConfig holds retry knobs loaded from configuration. RetryPolicy
// does not read them: every operation class uses the fixed table in
// retry.go.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
}

// QueueConfig defines task queue settings.
type QueueConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	TraceEnabled bool   `mapstructure:"trace_enabled"`
}

// MetricsConfig defines Prometheus metrics exporter settings.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Path     string `mapstructure:"path"`
}

// LoadConfig loads configuration from file and environment, falling back to
// the defaults below when no config file is present.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/fleetdispatch")
	}

	v.SetEnvPrefix("FLEETDISPATCH")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.capacity", 10)
	v.SetDefault("pool.acquire_timeout", 30*time.Second)
	v.SetDefault("pool.max_idle_time", 300*time.Second)
	v.SetDefault("pool.health_interval", 60*time.Second)
	v.SetDefault("pool.max_failed_attempts", 3)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("retry.backoff_factor", 2.0)

	v.SetDefault("queue.max_concurrent", 3)
	v.SetDefault("queue.poll_interval", time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.trace_enabled", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}
