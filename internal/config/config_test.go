package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, "./bay.db", cfg.DBPath)
	assert.Equal(t, 4, cfg.DBMaxOpenConns)
	assert.Equal(t, "auto", cfg.Driver.NetworkMode)
	assert.Equal(t, "bay", cfg.Driver.NetworkName)
	assert.True(t, cfg.Driver.PublishPorts)
	assert.True(t, cfg.Idempotency.Enabled)
	assert.Equal(t, 3600, cfg.Idempotency.TTLSeconds)
	assert.Equal(t, 30, cfg.Reaper.IntervalSeconds)
	assert.NotEmpty(t, cfg.Profiles)
}

func TestLoadYAML(t *testing.T) {
	yamlContent := `
listen: "0.0.0.0:9090"
db_path: "/tmp/bay.db"
driver:
  network_mode: "host_port"
  network_name: "bay-custom"
idempotency:
  enabled: false
  ttl_seconds: 120
`
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "bay.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Listen)
	assert.Equal(t, "/tmp/bay.db", cfg.DBPath)
	assert.Equal(t, "host_port", cfg.Driver.NetworkMode)
	assert.Equal(t, "bay-custom", cfg.Driver.NetworkName)
	assert.False(t, cfg.Idempotency.Enabled)
	assert.Equal(t, 120, cfg.Idempotency.TTLSeconds)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/bay.yaml")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
}

func TestLoadYAMLInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("{{{{invalid yaml"), 0644))

	_, err := Load(yamlPath)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BAY_LISTEN", "0.0.0.0:7777")
	t.Setenv("BAY_DB_PATH", "/tmp/test.db")
	t.Setenv("BAY_DB_MAX_OPEN_CONNS", "8")
	t.Setenv("BAY_DRIVER_NETWORK_MODE", "container_network")
	t.Setenv("BAY_DRIVER_HOST_PORT", "9000")
	t.Setenv("BAY_IDEMPOTENCY_ENABLED", "false")
	t.Setenv("BAY_IDEMPOTENCY_TTL_SECONDS", "60")
	t.Setenv("BAY_REAPER_INTERVAL_SECONDS", "10")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7777", cfg.Listen)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, 8, cfg.DBMaxOpenConns)
	assert.Equal(t, "container_network", cfg.Driver.NetworkMode)
	assert.Equal(t, 9000, cfg.Driver.HostPort)
	assert.False(t, cfg.Idempotency.Enabled)
	assert.Equal(t, 60, cfg.Idempotency.TTLSeconds)
	assert.Equal(t, 10, cfg.Reaper.IntervalSeconds)
}

func TestEnvOverridesYAML(t *testing.T) {
	yamlContent := `
listen: "127.0.0.1:8080"
db_path: "/var/lib/bay/bay.db"
`
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "bay.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	t.Setenv("BAY_DB_PATH", "/tmp/env-wins.db")

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	// Env overrides YAML.
	assert.Equal(t, "/tmp/env-wins.db", cfg.DBPath)
	// YAML value preserved for fields with no env override.
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
}

func TestEnvOverrideInvalidValuesIgnored(t *testing.T) {
	t.Setenv("BAY_DB_MAX_OPEN_CONNS", "not-a-number")
	t.Setenv("BAY_DRIVER_PUBLISH_PORTS", "not-a-bool")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.DBMaxOpenConns)
	assert.True(t, cfg.Driver.PublishPorts)
}

func TestValidateRejectsUnknownNetworkMode(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Driver.NetworkMode = "bogus"
	err = cfg.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "driver.network_mode", verr.Field)
}

func TestGetProfile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Profiles)

	first := cfg.Profiles[0]
	got, ok := cfg.GetProfile(first.ID)
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)

	_, ok = cfg.GetProfile("does-not-exist")
	assert.False(t, ok)
}
