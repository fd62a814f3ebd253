package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// OAuthClientConfig holds the OAuth application credentials for one
// provider family. These identify the mailhoard installation to the
// provider; per-source tokens live in the credential store instead.
type OAuthClientConfig struct {
	ClientID     string   `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string   `mapstructure:"client_secret" yaml:"client_secret"`
	RedirectURL  string   `mapstructure:"redirect_url" yaml:"redirect_url"`
	Scopes       []string `mapstructure:"scopes" yaml:"scopes"`
}

// StorageConfig locates the archive's durable state.
type StorageConfig struct {
	// DatabasePath is the SQLite metadata database file.
	// Defaults to <data_dir>/mailhoard.db when empty.
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	// BlobRoot is the directory holding raw message blobs.
	// Defaults to <data_dir>/blobs when empty.
	BlobRoot string `mapstructure:"blob_root" yaml:"blob_root"`
}

// SyncConfig holds scheduler-level sync settings.
type SyncConfig struct {
	// DefaultPollIntervalSec applies to sources without their own interval.
	DefaultPollIntervalSec int `mapstructure:"default_poll_interval_sec" yaml:"default_poll_interval_sec"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	// DataDir is the base directory for the database and blob store.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// Gmail holds the OAuth client used by Gmail sources.
	Gmail OAuthClientConfig `mapstructure:"gmail" yaml:"gmail"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailhoard/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailhoard", "config.yaml")
}

// defaultDataDir returns ~/.local/share/mailhoard, falling back to the
// working directory when the home directory cannot be resolved.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mailhoard-data")
	}
	return filepath.Join(home, ".local", "share", "mailhoard")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	cfg := &AppConfig{
		DataDir:  defaultDataDir(),
		LogLevel: "info",
		Sync: SyncConfig{
			DefaultPollIntervalSec: 300,
		},
	}
	cfg.applyDerivedPaths()
	return cfg
}

// applyDerivedPaths fills storage paths left empty from DataDir.
func (c *AppConfig) applyDerivedPaths() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = filepath.Join(c.DataDir, "mailhoard.db")
	}
	if c.Storage.BlobRoot == "" {
		c.Storage.BlobRoot = filepath.Join(c.DataDir, "blobs")
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("log_level", "info")
	v.SetDefault("sync.default_poll_interval_sec", 300)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDerivedPaths()
	if cfg.Sync.DefaultPollIntervalSec <= 0 {
		cfg.Sync.DefaultPollIntervalSec = 300
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("data_dir", cfg.DataDir)
	v.Set("storage", cfg.Storage)
	v.Set("sync", cfg.Sync)
	v.Set("log_level", cfg.LogLevel)
	v.Set("gmail", cfg.Gmail)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
