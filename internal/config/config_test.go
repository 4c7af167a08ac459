package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, v.GetInt("server.port"))
	assert.Equal(t, 2*time.Minute, v.GetDuration("modules.fleet.stale_threshold"))
	assert.Equal(t, 16, v.GetInt("modules.sweep.workers"))
	assert.False(t, v.GetBool("auth.enabled"), "auth must be off by default")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetd.yaml")
	content := []byte("server:\n  port: 9999\nmodules:\n  dispatch:\n    sweep_interval: 1s\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	v, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, v.GetInt("server.port"))
	assert.Equal(t, time.Second, v.GetDuration("modules.dispatch.sweep_interval"))
	// Defaults still apply for unset keys.
	assert.Equal(t, "fleetd.db", v.GetString("storage.path"))
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
