package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// MachineIDEnv overrides the configured machine identifier.
const MachineIDEnv = "USAGEPULSE_MACHINE_ID"

// Config holds the client configuration, stored as JSON in the user's home.
type Config struct {
	Server    string   `json:"server"`
	APIKey    string   `json:"api_key"`
	UserID    string   `json:"user_id"`
	MachineID string   `json:"machine_id"`
	LogRoots  []string `json:"log_roots,omitempty"`
}

// Path returns the config file location.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".usagepulse.json"), nil
}

// Load reads the configuration from disk. A missing file yields an empty
// config. The machine identifier honours the environment override and
// falls back to the hostname.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if env := os.Getenv(MachineIDEnv); env != "" {
		cfg.MachineID = env
	}
	if cfg.MachineID == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.MachineID = hostname
		}
	}

	return cfg, nil
}

// Save writes the configuration to disk with owner-only permissions.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0600)
}

// Validate checks that everything a collection run needs is present.
func (c *Config) Validate() error {
	if c.Server == "" {
		return errors.New("server URL not configured")
	}
	if c.APIKey == "" {
		return errors.New("API key not configured")
	}
	if c.UserID == "" {
		return errors.New("user ID not configured")
	}
	if c.MachineID == "" {
		return errors.New("machine ID not configured")
	}
	return nil
}
