package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePathPrefersExplicit(t *testing.T) {
	dir := t.TempDir()
	explicit := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(explicit, []byte("database_url = \"postgres://example\"\n"), 0644))
	t.Setenv("MAZUADM_CONFIG", "")

	path, err := ResolvePath(explicit)
	require.NoError(t, err)
	assert.Equal(t, explicit, path)
}

func TestResolvePathMissingExplicitFails(t *testing.T) {
	_, err := ResolvePath("/nonexistent/config.toml")
	assert.Error(t, err)
}

func TestResolvePathUsesEnvVar(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(envPath, []byte("database_url = \"postgres://example\"\n"), 0644))
	t.Setenv("MAZUADM_CONFIG", envPath)

	path, err := ResolvePath("")
	require.NoError(t, err)
	assert.Equal(t, envPath, path)
}

func TestResolvePathXDGFallback(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "mazuadm")
	require.NoError(t, os.MkdirAll(cfgDir, 0755))
	cfgPath := filepath.Join(cfgDir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("database_url = \"postgres://example\"\n"), 0644))
	t.Setenv("MAZUADM_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", dir)

	path, err := ResolvePath("")
	require.NoError(t, err)
	assert.Equal(t, cfgPath, path)
}

func TestLoadReadsFieldsAndDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("database_url = \"postgres://example\"\n"), 0644))
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LISTEN_ADDR", "")

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "postgres://example", cfg.DatabaseURL)
	assert.Equal(t, "0.0.0.0:3000", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("database_url = \"postgres://file\"\nlisten_addr = \"0.0.0.0:4000\"\n"), 0644))
	t.Setenv("DATABASE_URL", "postgres://env")

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", cfg.DatabaseURL)
	assert.Equal(t, "0.0.0.0:4000", cfg.ListenAddr)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load("")
	assert.Error(t, err)
}
