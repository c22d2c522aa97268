// Package config loads runtime configuration and setup descriptors.
//
// Runtime settings come from a rowsync.yaml (or .toml/.json) file, ROWSYNC_*
// environment variables and command flags, merged by viper. Setup
// descriptors, the list of synchronized tables, are separate YAML or CUE
// files named by the setup key.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/conflict"
)

// Config is the merged runtime configuration.
type Config struct {
	Database string            `mapstructure:"database"`
	Driver   string            `mapstructure:"driver"`
	Scope    string            `mapstructure:"scope"`
	Setup    string            `mapstructure:"setup"`
	Params   map[string]string `mapstructure:"params"`

	Server    ServerConfig    `mapstructure:"server"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Conflict  ConflictConfig  `mapstructure:"conflict"`
	Transport TransportConfig `mapstructure:"transport"`
	Log       LogConfig       `mapstructure:"log"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Watch     WatchConfig     `mapstructure:"watch"`
}

type ServerConfig struct {
	URL        string        `mapstructure:"url"`
	Listen     string        `mapstructure:"listen"`
	AllowPurge bool          `mapstructure:"allow_purge"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type BatchConfig struct {
	Dir      string `mapstructure:"dir"`
	MaxRows  int    `mapstructure:"max_rows"`
	MaxBytes int64  `mapstructure:"max_bytes"`
	Codec    string `mapstructure:"codec"`
}

type ConflictConfig struct {
	Policy string `mapstructure:"policy"`
}

type TransportConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type ProgressConfig struct {
	Listen string `mapstructure:"listen"`
}

type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
	Interval time.Duration `mapstructure:"interval"`
}

// EnvPrefix prefixes environment overrides: ROWSYNC_SERVER_URL sets
// server.url.
const EnvPrefix = "ROWSYNC"

// New returns a viper instance carrying the defaults and env binding.
func New() *viper.Viper {
	v := viper.New()
	policy := batch.DefaultPolicy()
	// Every key gets a default so AutomaticEnv reaches it through Unmarshal.
	v.SetDefault("database", "")
	v.SetDefault("setup", "")
	v.SetDefault("server.url", "")
	v.SetDefault("server.allow_purge", false)
	v.SetDefault("log.file", "")
	v.SetDefault("progress.listen", "")
	v.SetDefault("watch.interval", time.Duration(0))
	v.SetDefault("driver", "sqlite3")
	v.SetDefault("scope", "default")
	v.SetDefault("server.listen", "127.0.0.1:8470")
	v.SetDefault("server.session_ttl", 30*time.Minute)
	v.SetDefault("batch.dir", filepath.Join(CacheDir(), "batches"))
	v.SetDefault("batch.max_rows", policy.MaxRows)
	v.SetDefault("batch.max_bytes", policy.MaxBytes)
	v.SetDefault("batch.codec", "json")
	v.SetDefault("conflict.policy", string(conflict.ServerWins))
	v.SetDefault("transport.timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("watch.debounce", 2*time.Second)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file, or rowsync.{yaml,toml,json} from ConfigDir and the
// working directory when file is empty, and returns the merged config.
// A missing default file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(AppName)
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a session.
func (c *Config) Validate() error {
	switch c.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("unknown driver %q (want sqlite3 or sqlite)", c.Driver)
	}
	if _, err := conflict.ParsePolicy(c.Conflict.Policy); err != nil {
		return err
	}
	if c.Batch.MaxRows < 0 || c.Batch.MaxBytes < 0 {
		return fmt.Errorf("batch limits must not be negative")
	}
	return nil
}

// BatchPolicy returns the part rotation policy.
func (c *Config) BatchPolicy() batch.Policy {
	return batch.Policy{MaxRows: c.Batch.MaxRows, MaxBytes: c.Batch.MaxBytes}
}

// Policy returns the parsed conflict policy.
func (c *Config) Policy() conflict.Policy {
	p, _ := conflict.ParsePolicy(c.Conflict.Policy)
	return p
}

// FilterParams returns Params as filter parameter values.
func (c *Config) FilterParams() map[string]any {
	if len(c.Params) == 0 {
		return nil
	}
	out := make(map[string]any, len(c.Params))
	for k, val := range c.Params {
		out[k] = val
	}
	return out
}
