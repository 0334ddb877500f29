package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Polling   PollingConfig   `mapstructure:"polling"`
	Retention RetentionConfig `mapstructure:"retention"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	MetricsPort int `mapstructure:"metrics_port"`
}

type DatabaseConfig struct {
	Path          string `mapstructure:"path"`
	BusyTimeoutMS int    `mapstructure:"busy_timeout_ms"`
}

type PollingConfig struct {
	ReadingTimeout time.Duration `mapstructure:"reading_timeout"`
	EnergyTimeout  time.Duration `mapstructure:"energy_timeout"`
	MaxFailures    int           `mapstructure:"max_failures"`
	ReadingBackoff time.Duration `mapstructure:"reading_backoff"`
	EnergyBackoff  time.Duration `mapstructure:"energy_backoff"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

type RetentionConfig struct {
	MinFreeGB        float64 `mapstructure:"min_free_gb"`
	SafetyMarginGB   float64 `mapstructure:"safety_margin_gb"`
	CompactAfterDays int     `mapstructure:"compact_after_days"`
	DeleteBatchDays  int     `mapstructure:"delete_batch_days"`
	WALMaxMB         int64   `mapstructure:"wal_max_mb"`
}

type CacheConfig struct {
	Size int `mapstructure:"size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from the given file, with POWERMON_* environment
// variables overriding file values and defaults filling the gaps. A missing
// file is not an error; defaults and environment alone are a valid setup.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("POWERMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Polling.MaxFailures < 1 {
		return fmt.Errorf("polling.max_failures must be at least 1")
	}
	if c.Retention.DeleteBatchDays < 1 {
		return fmt.Errorf("retention.delete_batch_days must be at least 1")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.metrics_port", 9090)

	v.SetDefault("database.path", "data/powermon.db")
	v.SetDefault("database.busy_timeout_ms", 5000)

	v.SetDefault("polling.reading_timeout", "5s")
	v.SetDefault("polling.energy_timeout", "10s")
	v.SetDefault("polling.max_failures", 5)
	v.SetDefault("polling.reading_backoff", "30s")
	v.SetDefault("polling.energy_backoff", "60s")
	v.SetDefault("polling.rate_limit", 100.0)
	v.SetDefault("polling.rate_limit_burst", 50)

	v.SetDefault("retention.min_free_gb", 1.0)
	v.SetDefault("retention.safety_margin_gb", 0.5)
	v.SetDefault("retention.compact_after_days", 90)
	v.SetDefault("retention.delete_batch_days", 30)
	v.SetDefault("retention.wal_max_mb", 100)

	v.SetDefault("cache.size", 1000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
