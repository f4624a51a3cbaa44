// Package config loads engine configuration and the sync scopes manifest.
//
// Settings come from a YAML config file with environment-variable
// overrides (LOCALSYNC_REMOTE_BASE_URL and so on). The scopes manifest is
// a separate YAML file listing which scopes the daemon keeps reconciled;
// it can be edited while the daemon runs and is picked up without a
// restart.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the engine configuration.
type Config struct {
	// DBPath is the local SQLite database file.
	DBPath string `mapstructure:"db_path"`

	Remote    RemoteConfig    `mapstructure:"remote"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`

	// ScopesFile is the sync scopes manifest the daemon watches.
	ScopesFile string `mapstructure:"scopes_file"`
}

// RemoteConfig configures the backend HTTP client.
type RemoteConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries uint64        `mapstructure:"max_retries"`
}

// DaemonConfig configures the background sync daemon.
type DaemonConfig struct {
	// Interval between reconciliation passes over the manifest scopes.
	Interval time.Duration `mapstructure:"interval"`
}

// DashboardConfig configures the sync status dashboard.
type DashboardConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures rotating file logging for the daemon.
type LogConfig struct {
	// File is the log path; empty logs to stderr only.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "localsync.db")
	v.SetDefault("scopes_file", "scopes.yaml")
	// Keys without a meaningful default still need to be registered so
	// environment overrides bind during Unmarshal.
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("log.file", "")
	v.SetDefault("remote.timeout", 10*time.Second)
	v.SetDefault("remote.max_retries", 3)
	v.SetDefault("daemon.interval", 30*time.Second)
	v.SetDefault("dashboard.addr", "localhost:7645")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
}

// Load reads configuration from the given file (or the default search
// path when empty) and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("localsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	// Environment variables override file configuration; underscores act
	// as nested-path separators (LOCALSYNC_REMOTE_BASE_URL).
	v.SetEnvPrefix("localsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file is fine; defaults and env cover it.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Scope names one reconciliation unit in the manifest.
type Scope struct {
	Entity string `yaml:"entity"`
	Key    string `yaml:"key"`
}

// Manifest lists the scopes the daemon keeps reconciled.
type Manifest struct {
	Scopes []Scope `yaml:"scopes"`
}

// LoadManifest reads and validates the scopes manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scopes manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse scopes manifest %s: %w", path, err)
	}
	for i, s := range m.Scopes {
		if s.Entity == "" {
			return nil, fmt.Errorf("scopes manifest %s: scope %d is missing an entity", path, i)
		}
	}
	return &m, nil
}

// WriteManifest saves the manifest, for the CLI's scope add/remove commands.
func WriteManifest(path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode scopes manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write scopes manifest: %w", err)
	}
	return nil
}
