package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional chainstream configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
	Pace     PaceConfig     `toml:"pace"`
}

// DefaultsConfig holds persistent flag defaults.
type DefaultsConfig struct {
	BWLimit     *string `toml:"bwlimit"`
	OnError     *string `toml:"on_error"`
	Journal     *bool   `toml:"journal"`
	MetricsAddr *string `toml:"metrics_addr"`
}

// PaceConfig holds adaptive pacing defaults.
type PaceConfig struct {
	Enabled   *bool    `toml:"enabled"`
	Threshold *float64 `toml:"threshold"`
	Fraction  *float64 `toml:"fraction"`
	PauseMs   *int     `toml:"pause_ms"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "chainstream", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}

	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
