package guildkeeper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Allowlist(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	allowed, err := s.IsGuildAllowed(ctx, "123")
	require.NoError(t, err)
	assert.False(t, allowed)

	_, err = s.AllowGuild(ctx, "123", "admin", "first")
	require.NoError(t, err)
	_, err = s.AllowGuild(ctx, "123", "admin2", "updated")
	require.NoError(t, err)
	_, err = s.AllowGuild(ctx, "456", "admin", "")
	require.NoError(t, err)

	allowed, err = s.IsGuildAllowed(ctx, "123")
	require.NoError(t, err)
	assert.True(t, allowed)

	guilds, err := s.AllowedGuilds(ctx)
	require.NoError(t, err)
	require.Len(t, guilds, 2)
	assert.Equal(t, "123", guilds[0].GuildID)
	assert.Equal(t, "updated", guilds[0].Notes)
	assert.Equal(t, "admin2", guilds[0].AddedBy)

	removed, err := s.DisallowGuild(ctx, "123")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.DisallowGuild(ctx, "123")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestStore_AllowGuild_Invalid(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	_, err := s.AllowGuild(context.Background(), "not-a-snowflake", "admin", "")
	assert.Error(t, err)
	_, err = s.AllowGuild(context.Background(), "", "admin", "")
	assert.Error(t, err)
}

func TestStore_CommandToggles(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	enabled, err := s.IsCommandEnabled(ctx, "g", "balance")
	require.NoError(t, err)
	assert.True(t, enabled, "commands are enabled by default")

	require.NoError(t, s.SetCommandEnabled(ctx, "g", "balance", false))
	enabled, err = s.IsCommandEnabled(ctx, "g", "balance")
	require.NoError(t, err)
	assert.False(t, enabled)

	enabled, err = s.IsCommandEnabled(ctx, "other", "balance")
	require.NoError(t, err)
	assert.True(t, enabled)

	require.NoError(t, s.SetCommandEnabled(ctx, "g", "balance", true))
	enabled, err = s.IsCommandEnabled(ctx, "g", "balance")
	require.NoError(t, err)
	assert.True(t, enabled)

	toggles, err := s.CommandToggles(ctx, "g")
	require.NoError(t, err)
	require.Len(t, toggles, 1)
	assert.Equal(t, "balance", toggles[0].Command)
}
