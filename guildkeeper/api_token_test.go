package guildkeeper

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_APITokens(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	token, bearer, err := s.CreateAPIToken(
		ctx, "dashboard", APITokenRoleGuildAdmin, []string{"g1", "g2"}, "admin",
	)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(bearer, token.ID+"."))
	assert.NotContains(t, token.TokenHash, strings.TrimPrefix(bearer, token.ID+"."))

	verified, err := s.VerifyAPIToken(ctx, bearer)
	require.NoError(t, err)
	assert.Equal(t, token.ID, verified.ID)
	assert.NotNil(t, verified.LastUsedAt)
	assert.True(t, verified.CanManageGuild("g2"))
	assert.False(t, verified.CanManageGuild("g3"))

	for _, bad := range []string{
		"",
		"no-dot",
		token.ID + ".",
		token.ID + ".wrong",
		"not-a-uuid.secret",
		"00000000-0000-0000-0000-000000000000.secret",
	} {
		_, err = s.VerifyAPIToken(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidAPIToken, bad)
	}

	tokens, err := s.APITokens(ctx)
	require.NoError(t, err)
	assert.Len(t, tokens, 1)

	deleted, err := s.DeleteAPIToken(ctx, token.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = s.VerifyAPIToken(ctx, bearer)
	assert.ErrorIs(t, err, ErrInvalidAPIToken)
}

func TestStore_CreateAPIToken_Validation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.CreateAPIToken(ctx, "admin token", APITokenRoleGuildAdmin, nil, "admin")
	assert.Error(t, err, "guild admins need at least one guild")

	_, _, err = s.CreateAPIToken(ctx, "bad role", APITokenRole("root"), nil, "admin")
	assert.Error(t, err)

	owner, _, err := s.CreateAPIToken(ctx, "owner token", APITokenRoleOwner, nil, "admin")
	require.NoError(t, err)
	assert.True(t, owner.CanManageGuild("anything"))
}
