// Package config loads mindsync configuration from .mindsync/config.toml,
// MINDSYNC_* environment variables, and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// DirName is the per-workspace configuration directory.
const DirName = ".mindsync"

// EnvPrefix is the prefix of environment overrides, e.g. MINDSYNC_DB_PATH.
const EnvPrefix = "MINDSYNC"

type Config struct {
	DB        DBConfig        `mapstructure:"db"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Log       LogConfig       `mapstructure:"log"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	AI        AIConfig        `mapstructure:"ai"`
	Sync      SyncConfig      `mapstructure:"sync"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type WorkspaceConfig struct {
	MindmapsDir string `mapstructure:"mindmaps_dir"`
	FeaturesDir string `mapstructure:"features_dir"`
}

type LogConfig struct {
	Mode       string `mapstructure:"mode"`
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type NotifyConfig struct {
	// Backend is "local" (in-process) or "redis".
	Backend   string `mapstructure:"backend"`
	RedisAddr string `mapstructure:"redis_addr"`
	Channel   string `mapstructure:"channel"`
}

type DaemonConfig struct {
	Debounce      time.Duration `mapstructure:"debounce"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	Dashboard     bool          `mapstructure:"dashboard"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

type AIConfig struct {
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

type SyncConfig struct {
	Parallelism  int  `mapstructure:"parallelism"`
	VersionCheck bool `mapstructure:"version_check"`
}

// defaults is the single source for viper defaults and the file written by
// WriteDefault. Durations are strings so the TOML stays readable.
func defaults() map[string]map[string]interface{} {
	return map[string]map[string]interface{}{
		"db": {
			"path": filepath.Join(DirName, "mindsync.db"),
		},
		"workspace": {
			"mindmaps_dir": "mindmaps",
			"features_dir": "features",
		},
		"log": {
			"mode":         "development",
			"level":        "info",
			"file":         filepath.Join(DirName, "mindsync.log"),
			"max_size_mb":  10,
			"max_backups":  3,
			"max_age_days": 14,
		},
		"notify": {
			"backend":    "local",
			"redis_addr": "localhost:6379",
			"channel":    "mindsync",
		},
		"daemon": {
			"debounce":       "200ms",
			"probe_interval": "5s",
			"dashboard":      false,
		},
		"dashboard": {
			"port": 8080,
		},
		"ai": {
			"model":      "claude-sonnet-4-5",
			"api_key":    "",
			"max_tokens": 8192,
		},
		"sync": {
			"parallelism":   4,
			"version_check": false,
		},
	}
}

// NewViper returns a viper instance with defaults and env binding applied.
// Callers may bind cobra flags onto it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	for section, values := range defaults() {
		for key, value := range values {
			v.SetDefault(section+"."+key, value)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Anthropic's conventional variable works too.
	_ = v.BindEnv("ai.api_key", EnvPrefix+"_AI_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

// Load reads the config file at path (if it exists) into v and decodes it.
// A missing file is not an error: defaults and environment still apply.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
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

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}
	switch c.Notify.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("notify.backend must be 'local' or 'redis' (got %q)", c.Notify.Backend)
	}
	if c.Sync.Parallelism < 1 {
		return fmt.Errorf("sync.parallelism must be at least 1 (got %d)", c.Sync.Parallelism)
	}
	if c.Daemon.Debounce <= 0 {
		return fmt.Errorf("daemon.debounce must be positive")
	}
	if c.Daemon.ProbeInterval <= 0 {
		return fmt.Errorf("daemon.probe_interval must be positive")
	}
	return nil
}

// DefaultPath returns .mindsync/config.toml under dir.
func DefaultPath(dir string) string {
	return filepath.Join(dir, DirName, "config.toml")
}

// WriteDefault writes the default configuration as TOML to path.
// It refuses to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, "# mindsync configuration"); err != nil {
		return err
	}

	// Stable section order keeps the generated file diffable.
	d := defaults()
	sections := make([]string, 0, len(d))
	for s := range d {
		sections = append(sections, s)
	}
	sort.Strings(sections)

	enc := toml.NewEncoder(f)
	for _, s := range sections {
		if err := enc.Encode(map[string]interface{}{s: d[s]}); err != nil {
			return fmt.Errorf("failed to encode section %s: %w", s, err)
		}
	}
	return nil
}
