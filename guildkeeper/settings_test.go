package guildkeeper

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_GetGuildSettings_Defaults(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	settings, err := s.GetGuildSettings(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, "g", settings.GuildID)
	assert.Equal(t, DefaultGuildVolume, settings.Volume)
	assert.Equal(t, DefaultStarboardThreshold, settings.StarboardThreshold)
	assert.False(t, bool(settings.WelcomeEnabled))
	assert.False(t, settings.StarboardConfigured())

	again, err := s.GetGuildSettings(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, settings.CreatedAt, again.CreatedAt)
}

func TestStore_UpdateGuildSettings(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	settings, err := s.UpdateGuildSettings(
		ctx, "g", GuildSettingsUpdate{
			WelcomeEnabled:   boolPtr(true),
			WelcomeChannelID: strPtr("welcome"),
			WelcomeMessage:   strPtr("hi {user}"),
			Volume:           intPtr(150),
		},
	)
	require.NoError(t, err)
	assert.True(t, settings.WelcomeConfigured())
	assert.Equal(t, 150, settings.Volume)

	// unset fields keep their values, and an empty ID clears it
	settings, err = s.UpdateGuildSettings(
		ctx, "g", GuildSettingsUpdate{
			WelcomeChannelID: strPtr(""),
			StarboardEnabled: boolPtr(true),
		},
	)
	require.NoError(t, err)
	assert.True(t, bool(settings.WelcomeEnabled))
	assert.Nil(t, settings.WelcomeChannelID)
	assert.False(t, settings.WelcomeConfigured(), "enabled without a channel")
	assert.Equal(t, "hi {user}", settings.WelcomeMessage)
	assert.Equal(t, 150, settings.Volume)
	assert.True(t, bool(settings.StarboardEnabled))

	stored, err := s.GetGuildSettings(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, settings.WelcomeMessage, stored.WelcomeMessage)
	assert.Nil(t, stored.WelcomeChannelID)
}

func TestStore_UpdateGuildSettings_Invalid(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for name, update := range map[string]GuildSettingsUpdate{
		"volume too high": {Volume: intPtr(MaxGuildVolume + 1)},
		"negative volume": {Volume: intPtr(-1)},
		"threshold":       {StarboardThreshold: intPtr(0)},
	} {
		t.Run(
			name, func(t *testing.T) {
				_, err := s.UpdateGuildSettings(ctx, "g", update)
				assert.ErrorIs(t, err, ErrInvalidSettings)
			},
		)
	}

	settings, err := s.GetGuildSettings(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, DefaultGuildVolume, settings.Volume)
}

func TestStore_UpdateGuildSettings_ConcurrentFields(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	updates := []GuildSettingsUpdate{
		{WelcomeEnabled: boolPtr(true)},
		{LoggingEnabled: boolPtr(true)},
		{LevelingEnabled: boolPtr(true)},
		{Volume: intPtr(42)},
		{LogChannelID: strPtr("logs")},
	}
	wg := sync.WaitGroup{}
	for _, u := range updates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateGuildSettings(ctx, "g", u)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	settings, err := s.GetGuildSettings(ctx, "g")
	require.NoError(t, err)
	assert.True(t, bool(settings.WelcomeEnabled))
	assert.True(t, settings.LoggingConfigured())
	assert.True(t, bool(settings.LevelingEnabled))
	assert.Equal(t, 42, settings.Volume)
}

func TestStore_UpsertGuildSettings(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	settings := DefaultGuildSettings("g")
	settings.ConfessionEnabled = true
	settings.ConfessionChannelID = strPtr("confess")
	require.NoError(t, s.UpsertGuildSettings(ctx, settings))

	stored, err := s.GetGuildSettings(ctx, "g")
	require.NoError(t, err)
	assert.True(t, stored.ConfessionConfigured())

	settings.Volume = 500
	assert.ErrorIs(t, s.UpsertGuildSettings(ctx, settings), ErrInvalidSettings)
	assert.ErrorIs(t, s.UpsertGuildSettings(ctx, GuildSettings{}), ErrInvalidSettings)
}
