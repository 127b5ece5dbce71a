package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bamsammich/chainstream/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Defaults.BWLimit)
	assert.Nil(t, cfg.Pace.Enabled)
}

func TestLoad_FullConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "chainstream")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
[defaults]
bwlimit = "100MB"
on_error = "enospc"
journal = true
metrics_addr = ":9301"

[pace]
enabled = true
fraction = 0.5
pause_ms = 250
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)

	require.NotNil(t, cfg.Defaults.BWLimit)
	assert.Equal(t, "100MB", *cfg.Defaults.BWLimit)

	require.NotNil(t, cfg.Defaults.OnError)
	assert.Equal(t, "enospc", *cfg.Defaults.OnError)

	require.NotNil(t, cfg.Defaults.Journal)
	assert.True(t, *cfg.Defaults.Journal)

	require.NotNil(t, cfg.Defaults.MetricsAddr)
	assert.Equal(t, ":9301", *cfg.Defaults.MetricsAddr)

	require.NotNil(t, cfg.Pace.Enabled)
	assert.True(t, *cfg.Pace.Enabled)

	require.NotNil(t, cfg.Pace.Fraction)
	assert.Equal(t, 0.5, *cfg.Pace.Fraction)

	require.NotNil(t, cfg.Pace.PauseMs)
	assert.Equal(t, 250, *cfg.Pace.PauseMs)

	// Unset fields should remain nil.
	assert.Nil(t, cfg.Pace.Threshold)
}

func TestLoad_PartialConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "chainstream")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
[pace]
threshold = 500.0
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)

	// Defaults section entirely absent.
	assert.Nil(t, cfg.Defaults.BWLimit)
	assert.Nil(t, cfg.Defaults.OnError)

	require.NotNil(t, cfg.Pace.Threshold)
	assert.Equal(t, 500.0, *cfg.Pace.Threshold)
}

func TestLoad_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "chainstream")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte("invalid [[["), 0o644))

	_, err := config.Load()
	assert.Error(t, err)
}

func TestPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/chainstream/config.toml", config.Path())
}
