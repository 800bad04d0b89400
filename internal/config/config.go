// Package config loads filewatchd settings from defaults, an optional
// config file, FILEWATCHD_* environment variables and command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/filewatchd/internal/batch"
	"github.com/mschirtzinger/filewatchd/internal/client"
	"github.com/mschirtzinger/filewatchd/internal/daemon"
	"github.com/mschirtzinger/filewatchd/internal/dashboard"
	"github.com/mschirtzinger/filewatchd/internal/delivery"
	"github.com/mschirtzinger/filewatchd/internal/logging"
	"github.com/mschirtzinger/filewatchd/internal/watch"
	"github.com/mschirtzinger/filewatchd/internal/watchlist"
)

const (
	// AppName is the application name.
	AppName = "filewatchd"
	// ConfigFileName is the config file name without extension.
	ConfigFileName = "filewatchd"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "FILEWATCHD"
	// DefaultServerURL is used when no server is configured.
	DefaultServerURL = "http://localhost:8080"
)

// ErrUnsupportedFormat is returned for config formats other than yaml and toml.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// Config is the complete filewatchd configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server" toml:"server"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync" toml:"sync"`
	Batch     BatchConfig     `mapstructure:"batch" yaml:"batch" toml:"batch"`
	Delivery  DeliveryConfig  `mapstructure:"delivery" yaml:"delivery" toml:"delivery"`
	Watchlist WatchlistConfig `mapstructure:"watchlist" yaml:"watchlist" toml:"watchlist"`
	Watch     WatchConfig     `mapstructure:"watch" yaml:"watch" toml:"watch"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard" toml:"dashboard"`
	Log       LogConfig       `mapstructure:"log" yaml:"log" toml:"log"`
}

type ServerConfig struct {
	URL      string `mapstructure:"url" yaml:"url" toml:"url"`
	Token    string `mapstructure:"token" yaml:"token,omitempty" toml:"token,omitempty"`
	Insecure bool   `mapstructure:"insecure" yaml:"insecure" toml:"insecure"`
}

type SyncConfig struct {
	// Direct runs Tool on every batch instead of posting changes.
	Direct bool   `mapstructure:"direct" yaml:"direct" toml:"direct"`
	Tool   string `mapstructure:"tool" yaml:"tool" toml:"tool"`
}

type BatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce" toml:"debounce"`
}

type DeliveryConfig struct {
	Workers   int `mapstructure:"workers" yaml:"workers" toml:"workers"`
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size" toml:"chunk_size"`
}

type WatchlistConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
}

type WatchConfig struct {
	GracePeriod  time.Duration `mapstructure:"grace_period" yaml:"grace_period" toml:"grace_period"`
	FilePollTime time.Duration `mapstructure:"file_poll_interval" yaml:"file_poll_interval" toml:"file_poll_interval"`
}

type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr" toml:"addr"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" toml:"level"`
	Format     string `mapstructure:"format" yaml:"format" toml:"format"`
	File       string `mapstructure:"file" yaml:"file,omitempty" toml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    ServerConfig{URL: DefaultServerURL},
		Sync:      SyncConfig{Direct: true, Tool: "cwctl"},
		Batch:     BatchConfig{Debounce: batch.DefaultDebounce},
		Delivery:  DeliveryConfig{Workers: delivery.DefaultWorkers, ChunkSize: delivery.DefaultChunkSize},
		Watchlist: WatchlistConfig{PollInterval: watchlist.DefaultPollInterval},
		Watch:     WatchConfig{GracePeriod: watch.DefaultGracePeriod, FilePollTime: watch.DefaultPollInterval},
		Dashboard: DashboardConfig{Enabled: true, Addr: dashboard.DefaultAddr},
		Log:       LogConfig{Level: "info", Format: "text", MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 28},
	}
}

// Dir returns $XDG_CONFIG_HOME/filewatchd, defaulting to ~/.config/filewatchd.
func Dir() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, AppName), nil
}

// LoadOptions controls where Load looks for configuration.
type LoadOptions struct {
	// File is an explicit config file; it must exist when set.
	File string
	// Dirs are searched in order for filewatchd.{yaml,toml,json} when File
	// is empty (default: Dir() then the working directory).
	Dirs []string
	// Flags are bound over file and environment values when set.
	Flags *pflag.FlagSet
}

// Load resolves the effective configuration and the file it came from, if
// any. Precedence: flags, environment, file, defaults.
func Load(opts LoadOptions) (*Config, string, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for key, name := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, "", fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if opts.File != "" {
		if _, err := os.Stat(opts.File); err != nil {
			return nil, "", fmt.Errorf("config file not found: %s", opts.File)
		}
		v.SetConfigFile(opts.File)
	} else {
		dirs := opts.Dirs
		if len(dirs) == 0 {
			if dir, err := Dir(); err == nil {
				dirs = append(dirs, dir)
			}
			dirs = append(dirs, ".")
		}
		v.SetConfigName(ConfigFileName)
		for _, dir := range dirs {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, v.ConfigFileUsed(), nil
}

// flagKeys maps config keys to the cobra flags that override them.
var flagKeys = map[string]string{
	"server.url":      "server",
	"server.token":    "token",
	"server.insecure": "insecure",
	"sync.direct":     "direct",
	"sync.tool":       "tool",
	"dashboard.addr":  "dashboard-addr",
	"log.level":       "log-level",
	"log.file":        "log-file",
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.url", d.Server.URL)
	v.SetDefault("server.token", d.Server.Token)
	v.SetDefault("server.insecure", d.Server.Insecure)
	v.SetDefault("sync.direct", d.Sync.Direct)
	v.SetDefault("sync.tool", d.Sync.Tool)
	v.SetDefault("batch.debounce", d.Batch.Debounce)
	v.SetDefault("delivery.workers", d.Delivery.Workers)
	v.SetDefault("delivery.chunk_size", d.Delivery.ChunkSize)
	v.SetDefault("watchlist.poll_interval", d.Watchlist.PollInterval)
	v.SetDefault("watch.grace_period", d.Watch.GracePeriod)
	v.SetDefault("watch.file_poll_interval", d.Watch.FilePollTime)
	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.addr", d.Dashboard.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Server.URL == "":
		return errors.New("server.url must be set")
	case c.Sync.Direct && c.Sync.Tool == "":
		return errors.New("sync.tool must be set when sync.direct is enabled")
	case c.Batch.Debounce <= 0:
		return fmt.Errorf("batch.debounce must be positive, got %v", c.Batch.Debounce)
	case c.Delivery.Workers <= 0:
		return fmt.Errorf("delivery.workers must be positive, got %d", c.Delivery.Workers)
	case c.Delivery.ChunkSize <= 0:
		return fmt.Errorf("delivery.chunk_size must be positive, got %d", c.Delivery.ChunkSize)
	case c.Watchlist.PollInterval <= 0:
		return fmt.Errorf("watchlist.poll_interval must be positive, got %v", c.Watchlist.PollInterval)
	}
	return nil
}

// LogOptions converts the log section for logging.New.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// Daemon builds the daemon configuration.
func (c *Config) Daemon(logger *log.Logger) *daemon.Config {
	dc := daemon.DefaultConfig()
	dc.ServerURL = c.Server.URL
	if c.Server.Token != "" {
		dc.Tokens = &client.StaticToken{Value: c.Server.Token, Logger: logger}
	}
	dc.Insecure = c.Server.Insecure
	dc.Direct = c.Sync.Direct
	dc.SyncTool = c.Sync.Tool
	dc.Debounce = c.Batch.Debounce
	dc.Delivery.Workers = c.Delivery.Workers
	dc.Delivery.ChunkSize = c.Delivery.ChunkSize
	dc.Delivery.Logger = logger
	dc.PollInterval = c.Watchlist.PollInterval
	dc.GracePeriod = c.Watch.GracePeriod
	dc.FilePollInterval = c.Watch.FilePollTime
	dc.Logger = logger
	return dc
}

// Encode renders c as yaml or toml.
func (c *Config) Encode(format string) ([]byte, error) {
	switch format {
	case "yaml", "yml":
		return yaml.Marshal(c)
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// WriteFile writes c to path in the format named by its extension. An
// existing file is left untouched unless force is set.
func (c *Config) WriteFile(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
	}

	data, err := c.Encode(strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
