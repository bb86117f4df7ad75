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
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, cfg.Capture.Mode)
	assert.Equal(t, 50*time.Millisecond, cfg.Capture.Debounce)
	assert.Equal(t, 20*time.Second, cfg.Extension.WatchdogInterval)
	assert.Contains(t, cfg.Extension.AllowedOrigins, "http://localhost:3000")
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
capture:
  mode: extension
  poll_hz: 60
  debounce: 80ms
extension:
  watchdog_interval: 5s
auth:
  tokens:
    secret: user-1
`), 0o600))

	t.Setenv("GAMEPAD_RELAY_DEADZONE", "0.2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, ModeExtension, cfg.Capture.Mode)
	assert.Equal(t, 80*time.Millisecond, cfg.Capture.Debounce)
	assert.Equal(t, 0.2, cfg.Capture.Deadzone)
	assert.Equal(t, 5*time.Second, cfg.Extension.WatchdogInterval)
	assert.Equal(t, "user-1", cfg.Auth.Tokens["secret"])
	assert.Equal(t, time.Second/60, cfg.Capture.PollInterval())
	// untouched fields keep their defaults
	assert.Equal(t, 120, cfg.Capture.FrameHz)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Capture.Mode = "both"
	cfg.Capture.Deadzone = 1.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capture.mode")
	assert.Contains(t, err.Error(), "capture.deadzone")
}

func TestLoadBadEnv(t *testing.T) {
	t.Setenv("GAMEPAD_RELAY_DEADZONE", "wide")
	_, err := Load("")
	require.Error(t, err)
}

func TestValidateRealtimeUsername(t *testing.T) {
	cfg := Default()
	cfg.Realtime.Username = "bad name"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "realtime.username")

	t.Setenv("GAMEPAD_RELAY_USERNAME", "alice")
	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Realtime.Username)
}
