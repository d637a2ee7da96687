package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Server)
	// Machine ID falls back to the hostname.
	hostname, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, hostname, cfg.MachineID)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	want := &Config{
		Server:    "https://usage.example.com",
		APIKey:    "up_secret",
		UserID:    "u1",
		MachineID: "laptop",
		LogRoots:  []string{"/var/log/claude"},
	}
	require.NoError(t, Save(want))

	path, err := Path()
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMachineIDEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	require.NoError(t, Save(&Config{Server: "s", APIKey: "k", UserID: "u", MachineID: "configured"}))

	t.Setenv(MachineIDEnv, "overridden")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "overridden", cfg.MachineID)
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, ".usagepulse.json"), []byte("{"), 0600))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	full := Config{Server: "s", APIKey: "k", UserID: "u", MachineID: "m"}
	assert.NoError(t, full.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing server", func(c *Config) { c.Server = "" }},
		{"missing api key", func(c *Config) { c.APIKey = "" }},
		{"missing user id", func(c *Config) { c.UserID = "" }},
		{"missing machine id", func(c *Config) { c.MachineID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := full
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
