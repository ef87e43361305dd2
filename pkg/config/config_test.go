package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsFullyPopulated(t *testing.T) {
	cfg := Default()
	assert.NotEmpty(t, cfg.ListenAddr)
	assert.NotEmpty(t, cfg.MetricsAddr)
	assert.Equal(t, 3, cfg.SuspicionLimit)
	assert.Equal(t, 2*time.Millisecond, cfg.BatchWindow)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesOnlyNamedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skein.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \"0.0.0.0:9999\"\nsuspicion_limit: 5\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.ListenAddr)
	assert.Equal(t, 5, cfg.SuspicionLimit)
	assert.Equal(t, Default().MetricsAddr, cfg.MetricsAddr, "unset fields keep their default")
}

func TestLoadMalformedYAMLErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skein.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid: yaml"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
