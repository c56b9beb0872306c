package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envDataDir, "")
	cfg, err := Load(viper.New())
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.DataRoot)
	assert.Equal(t, 1_000_000, cfg.DefaultClockHz)
	assert.Equal(t, 50, cfg.SerialTimeoutMS)
}

func TestLoadEnvOverridesDataRoot(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(envDataDir, dir)
	cfg, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataRoot)
}

func TestLoadNilViperAllocates(t *testing.T) {
	t.Setenv(envDataDir, t.TempDir())
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.NotNil(t, cfg)
}
