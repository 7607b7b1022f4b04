package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadLayersFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
l1_url: http://file-l1
l2_url: http://file-l2
active_window: 5m
markets: [m1, m2]
slippage: 0.05
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("L2_URL", "http://env-l2")
	t.Setenv("LARGE_VALUE_THRESHOLD", "500")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://file-l1", cfg.L1URL)
	assert.Equal(t, "http://env-l2", cfg.L2URL)
	assert.Equal(t, 5*time.Minute, cfg.ActiveWindow)
	assert.Equal(t, 60*time.Minute, cfg.InactivityCeiling)
	assert.Equal(t, []string{"m1", "m2"}, cfg.Markets)
	assert.InDelta(t, 0.05, cfg.Slippage, 1e-9)
	assert.Equal(t, int64(500), cfg.LargeValueThreshold)
}

func TestLoadRequiresLedgerURLs(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("L1_URL", "")
	t.Setenv("L2_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "L1_URL")
	assert.Contains(t, err.Error(), "L2_URL")
}

func TestValidateAcceptsWindowLongerThanCeiling(t *testing.T) {
	cfg := Defaults()
	cfg.L1URL, cfg.L2URL = "http://l1", "http://l2"
	cfg.ActiveWindow = 2 * time.Hour
	require.NoError(t, cfg.Validate())

	cfg.ActiveWindow = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "custody timers")
}

func TestGetEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("X_DURATION", "soon")
	t.Setenv("X_BOOL", "maybe")
	assert.Equal(t, time.Second, getEnvDuration("X_DURATION", time.Second))
	assert.True(t, getEnvBool("X_BOOL", true))
	assert.Equal(t, []string{"a", "b"}, splitAndTrim(" a, ,b "))
}
