package guildkeeper

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_TryRegisterStarboardPost(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.TryRegisterStarboardPost(ctx, "g", "c", "orig", "", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryRegisterStarboardPost(ctx, "g", "c", "orig", "", 4)
	require.NoError(t, err)
	assert.False(t, ok, "a message is mirrored once")

	// same message ID in another guild is a separate post
	ok, err = s.TryRegisterStarboardPost(ctx, "g2", "c", "orig", "", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.UpdateStarboardPost(ctx, "g", "orig", "mirror", 5))
	m, err := s.GetStarboardMessage(ctx, "g", "orig")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "mirror", m.StarboardMessageID)
	assert.Equal(t, 5, m.StarCount)
	assert.Equal(t, "c", m.OriginalChannelID)

	// an empty mirror ID only updates the count
	require.NoError(t, s.UpdateStarboardPost(ctx, "g", "orig", "", 6))
	m, err = s.GetStarboardMessage(ctx, "g", "orig")
	require.NoError(t, err)
	assert.Equal(t, "mirror", m.StarboardMessageID)
	assert.Equal(t, 6, m.StarCount)

	require.NoError(t, s.DeleteStarboardPost(ctx, "g", "orig"))
	m, err = s.GetStarboardMessage(ctx, "g", "orig")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestStore_TryRegisterStarboardPost_Concurrent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var registered int
	wg := sync.WaitGroup{}
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryRegisterStarboardPost(ctx, "g", "c", "orig", "", 3+i)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				registered++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, registered)
}

func TestStore_ReactionRoles(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.LookupReactionRole(ctx, "g", "m", "⭐")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.BindReactionRole(ctx, "g", "c", "m", "⭐", "role-1"))
	require.NoError(t, s.BindReactionRole(ctx, "g", "c", "m", "party:123", "role-2"))

	role, found, err := s.LookupReactionRole(ctx, "g", "m", "⭐")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "role-1", role)

	// rebinding replaces the role
	require.NoError(t, s.BindReactionRole(ctx, "g", "c", "m", "⭐", "role-3"))
	role, found, err = s.LookupReactionRole(ctx, "g", "m", "⭐")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "role-3", role)

	bindings, err := s.ListReactionRoles(ctx, "g")
	require.NoError(t, err)
	assert.Len(t, bindings, 2)

	_, found, err = s.LookupReactionRole(ctx, "other-guild", "m", "⭐")
	require.NoError(t, err)
	assert.False(t, found)

	removed, err := s.UnbindReactionRole(ctx, "g", "m", "⭐")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.UnbindReactionRole(ctx, "g", "m", "⭐")
	require.NoError(t, err)
	assert.False(t, removed)
}
