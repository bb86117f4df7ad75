package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLevels(t *testing.T) {
	require.NoError(t, Init(Config{Level: "warn"}))
	assert.Equal(t, zerolog.WarnLevel, WithComponent("test").GetLevel())
	assert.Equal(t, zerolog.WarnLevel, log.Logger.GetLevel())

	require.NoError(t, Init(Config{Level: "error", Debug: true}))
	assert.Equal(t, zerolog.DebugLevel, WithComponent("test").GetLevel())

	require.Error(t, Init(Config{Level: "loud"}))
	assert.Equal(t, zerolog.DebugLevel, WithComponent("test").GetLevel(), "a bad level keeps the previous logger")

	require.NoError(t, Init(Config{}))
	assert.Equal(t, zerolog.InfoLevel, WithComponent("test").GetLevel())
}

func TestDefaultConfigFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DEBUG", "yes")

	cfg := DefaultConfig()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "stdout", cfg.Output)
}
