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
	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Equal(t, int32(DefaultStep), cfg.DefaultStep)
	assert.Equal(t, int32(DefaultSlots), cfg.DefaultSlots)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "biscuit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":9000\"\ndefault_step: 15\n"), 0o644))
	t.Setenv("BISCUIT_DEFAULT_STEP", "30")
	t.Setenv("BISCUIT_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, int32(30), cfg.DefaultStep, "env wins over file")
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsBadRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "biscuit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_slots: -1\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
