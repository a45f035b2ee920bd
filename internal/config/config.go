package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	Port               int    `mapstructure:"port"`
	DataDir            string `mapstructure:"data_dir"`
	Backend            string `mapstructure:"backend"` // "memory" or "file"
	LogLevel           string `mapstructure:"log_level"`
	SyncOnAppend       bool   `mapstructure:"sync_on_append"`       // fsync after every append
	ShutdownTimeoutSec int    `mapstructure:"shutdown_timeout_sec"` // graceful shutdown wait
	RetentionHours     int    `mapstructure:"retention_hours"`      // compaction horizon = now - retention; 0 = manual compaction only
	CompactIntervalMin int    `mapstructure:"compact_interval_min"` // scheduled compaction period; 0 = disabled
}

// ShutdownTimeout returns the graceful shutdown wait as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

// Retention returns the retention window as a duration; zero disables
// scheduled compaction.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// CompactInterval returns the scheduled compaction period.
func (c *Config) CompactInterval() time.Duration {
	return time.Duration(c.CompactIntervalMin) * time.Minute
}

// Load reads configuration from config.yaml (searched in /etc/temporaldb,
// $HOME/.temporaldb, and the working directory), overridden by TEMPORALDB_*
// environment variables, with sensible defaults.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/temporaldb/")
	viper.AddConfigPath("$HOME/.temporaldb")
	viper.AddConfigPath(".")

	viper.SetDefault("port", 8080)
	viper.SetDefault("data_dir", "./data")
	viper.SetDefault("backend", "file")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("sync_on_append", true)
	viper.SetDefault("shutdown_timeout_sec", 15)
	viper.SetDefault("retention_hours", 0)
	viper.SetDefault("compact_interval_min", 0)

	viper.SetEnvPrefix("TEMPORALDB")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Backend != "memory" && cfg.Backend != "file" {
		return nil, fmt.Errorf("unknown backend %q (want memory or file)", cfg.Backend)
	}

	return &cfg, nil
}
