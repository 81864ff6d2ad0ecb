// Package config loads settings from ~/.budget/config.toml, BUDGET_*
// environment variables and command-line flags, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. BUDGET_REMOTE_URL.
const EnvPrefix = "BUDGET"

// Connectivity modes.
const (
	ModeProbe   = "probe"
	ModeFile    = "file"
	ModeOnline  = "online"
	ModeOffline = "offline"
)

// Config is the full configuration.
type Config struct {
	Local        LocalConfig        `mapstructure:"local"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Identity     IdentityConfig     `mapstructure:"identity"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Events       EventsConfig       `mapstructure:"events"`
	Reminders    RemindersConfig    `mapstructure:"reminders"`
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Display      DisplayConfig      `mapstructure:"display"`
}

type LocalConfig struct {
	Path string `mapstructure:"path"`
}

type RemoteConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type IdentityConfig struct {
	Owner string `mapstructure:"owner"`
	Token string `mapstructure:"token"`
}

type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type ConnectivityConfig struct {
	Mode          string        `mapstructure:"mode"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	StatusFile    string        `mapstructure:"status_file"`
}

type EventsConfig struct {
	// Addr of the websocket hub; empty disables it.
	Addr string `mapstructure:"addr"`
}

type RemindersConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type ServerConfig struct {
	Addr      string        `mapstructure:"addr"`
	DSN       string        `mapstructure:"dsn"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DisplayConfig struct {
	// Currency is an ISO 4217 code used to format amounts.
	Currency string `mapstructure:"currency"`
}

// Dir returns the configuration directory, ~/.budget.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".budget"
	}
	return filepath.Join(home, ".budget")
}

// DefaultPath returns the default config file location.
func DefaultPath() string { return filepath.Join(Dir(), "config.toml") }

// SetDefaults registers every key with its default value. Durations are
// strings so the defaults can be written back out as TOML.
func SetDefaults(v *viper.Viper) {
	dir := Dir()
	v.SetDefault("local.path", filepath.Join(dir, "budget.db"))
	v.SetDefault("remote.url", "http://127.0.0.1:8080")
	v.SetDefault("remote.timeout", "10s")
	v.SetDefault("identity.owner", "")
	v.SetDefault("identity.token", "")
	v.SetDefault("sync.interval", "1h")
	v.SetDefault("connectivity.mode", ModeProbe)
	v.SetDefault("connectivity.probe_interval", "30s")
	v.SetDefault("connectivity.status_file", filepath.Join(dir, "online"))
	v.SetDefault("events.addr", "127.0.0.1:7777")
	v.SetDefault("reminders.interval", "1m")
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.dsn", filepath.Join(dir, "server.db"))
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.token_ttl", "720h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("display.currency", "USD")
}

// Load reads configuration into v and decodes it. An empty path looks for
// config.toml in Dir() and tolerates its absence; an explicit path must
// exist.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(Dir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be fixed up later.
func (c *Config) Validate() error {
	switch c.Connectivity.Mode {
	case ModeProbe, ModeFile, ModeOnline, ModeOffline:
	default:
		return fmt.Errorf("connectivity.mode must be one of probe, file, online, offline (got %q)", c.Connectivity.Mode)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.Connectivity.Mode == ModeProbe && c.Connectivity.ProbeInterval <= 0 {
		return fmt.Errorf("connectivity.probe_interval must be positive")
	}
	if c.Reminders.Interval <= 0 {
		return fmt.Errorf("reminders.interval must be positive")
	}
	return nil
}

// WriteDefault writes the default configuration as TOML. An existing file
// is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	SetDefaults(v)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(v.AllSettings()); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	return f.Close()
}
