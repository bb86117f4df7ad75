package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSettingsDefaultAndPut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openMemory(t)

	got, err := s.Settings(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), got)

	want := GamepadSettings{Deadzone: 0.25, SelectedSkin: "xbox", DebugMode: true}
	require.NoError(t, s.PutSettings(ctx, "user-1", want))

	got, err = s.Settings(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	want.Deadzone = 0.05
	require.NoError(t, s.PutSettings(ctx, "user-1", want))
	got, err = s.Settings(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0.05, got.Deadzone)

	other, err := s.Settings(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), other)
}

func TestPutSettingsRejectsBadDeadzone(t *testing.T) {
	t.Parallel()
	s := openMemory(t)

	err := s.PutSettings(context.Background(), "u", GamepadSettings{Deadzone: 1})
	require.ErrorIs(t, err, ErrInvalidSettings)
}

func TestKV(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openMemory(t)

	_, ok, err := s.Get(ctx, "channelId")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "channelId", "gamepad:alice:1"))
	require.NoError(t, s.Set(ctx, "channelId", "gamepad:alice:2"))

	v, ok, err := s.Get(ctx, "channelId")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "gamepad:alice:2", v)
}

func TestOpenFileSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "relay.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "monitoring", "false"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	v, ok, err := s.Get(ctx, "monitoring")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "false", v)
}
