// Package config loads skiff configuration from file, environment, and
// defaults via viper.
//
// Lookup order: explicit --config path, then skiff.yaml in the data
// directory, then SKIFF_* environment variables, then defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration.
type Config struct {
	// DataDir holds the durable database, fallback store, attachment
	// data, and the connectivity state file.
	DataDir string `mapstructure:"data_dir"`

	// Owner is the record owner this device syncs for.
	Owner string `mapstructure:"owner"`

	// QuotaBytes is the attachment byte quota. Zero disables the
	// best-effort capacity check.
	QuotaBytes int64 `mapstructure:"quota_bytes"`

	// MaxAttachments caps locally held attachments.
	MaxAttachments int `mapstructure:"max_attachments"`

	// FanOut bounds concurrent remote calls during flush.
	FanOut int `mapstructure:"fan_out"`

	// RetryDelays is the flush backoff schedule.
	RetryDelays []time.Duration `mapstructure:"retry_delays"`

	// ConnectivityFile is the state file the daemon watches, relative
	// to DataDir unless absolute.
	ConnectivityFile string `mapstructure:"connectivity_file"`

	// LogFile enables rotated file logging when set.
	LogFile string `mapstructure:"log_file"`

	// RemoteURL is the base URL of the remote CRUD API.
	RemoteURL string `mapstructure:"remote_url"`
}

// DBPath returns the durable tier's database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "skiff.db")
}

// FallbackPath returns the fallback tier's JSON file.
func (c *Config) FallbackPath() string {
	return filepath.Join(c.DataDir, "skiff-fallback.json")
}

// StatePath returns the resolved connectivity state file.
func (c *Config) StatePath() string {
	if filepath.IsAbs(c.ConnectivityFile) {
		return c.ConnectivityFile
	}
	return filepath.Join(c.DataDir, c.ConnectivityFile)
}

// Load resolves configuration. path may be empty to use the default
// search locations.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("owner", "")
	v.SetDefault("quota_bytes", int64(100*1024*1024))
	v.SetDefault("max_attachments", 50)
	v.SetDefault("fan_out", 4)
	v.SetDefault("retry_delays", []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second})
	v.SetDefault("connectivity_file", "connectivity")
	v.SetDefault("log_file", "")
	v.SetDefault("remote_url", "")

	v.SetEnvPrefix("SKIFF")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("skiff")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("data_dir"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".skiff"
	}
	return filepath.Join(home, ".skiff")
}
