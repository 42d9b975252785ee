package guildkeeper

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelForXP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		xp    int64
		level int64
	}{
		{-5, 0},
		{0, 0},
		{99, 0},
		{100, 1},
		{399, 1},
		{400, 2},
		{899, 2},
		{900, 3},
		{10_000, 10},
		{1_000_000, 100},
		{999_999, 99},
		{math.MaxInt64 - 1, 303_700_049},
		{math.MaxInt64, 303_700_049},
	}
	for _, tc := range tests {
		t.Run(
			fmt.Sprintf("xp_%d", tc.xp), func(t *testing.T) {
				assert.Equal(t, tc.level, LevelForXP(tc.xp))
			},
		)
	}
}

func TestXPForLevel(t *testing.T) {
	t.Parallel()
	for level := range int64(50) {
		assert.Equal(t, level, LevelForXP(XPForLevel(level)))
		if level > 0 {
			assert.Equal(t, level-1, LevelForXP(XPForLevel(level)-1))
		}
	}
}

func TestStore_GrantXP(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	grant, err := s.GrantXP(ctx, "g1", "u1", 60)
	require.NoError(t, err)
	assert.False(t, grant.LeveledUp)
	assert.EqualValues(t, 0, grant.NewLevel)
	assert.EqualValues(t, 60, grant.Record.XP)
	assert.EqualValues(t, 1, grant.Record.Messages)

	grant, err = s.GrantXP(ctx, "g1", "u1", 40)
	require.NoError(t, err)
	assert.True(t, grant.LeveledUp)
	assert.EqualValues(t, 1, grant.NewLevel)
	assert.EqualValues(t, 1, grant.Record.Level)

	grant, err = s.GrantXP(ctx, "g1", "u1", 10)
	require.NoError(t, err)
	assert.False(t, grant.LeveledUp)

	grant, err = s.GrantVoiceXP(ctx, "g1", "u1", 300)
	require.NoError(t, err)
	assert.True(t, grant.LeveledUp)
	assert.EqualValues(t, 2, grant.NewLevel)
	assert.EqualValues(t, 410, grant.Record.XP)
	assert.EqualValues(t, 3, grant.Record.Messages, "voice xp doesn't count messages")

	// guilds are separate
	other, err := s.GetLevel(ctx, "g2", "u1")
	require.NoError(t, err)
	assert.Zero(t, other.XP)
}

func TestStore_GrantXP_ConcurrentSingleLevelUp(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var levelUps int
	wg := sync.WaitGroup{}
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			grant, err := s.GrantXP(ctx, "g", "u", 20)
			assert.NoError(t, err)
			if grant.LeveledUp {
				mu.Lock()
				levelUps++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	rec, err := s.GetLevel(ctx, "g", "u")
	require.NoError(t, err)
	assert.EqualValues(t, 200, rec.XP)
	assert.EqualValues(t, 1, rec.Level)
	assert.Equal(t, 1, levelUps)
}

func TestStore_LeaderboardAndRank(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for userID, xp := range map[string]int64{"a": 50, "b": 450, "c": 120, "d": 450} {
		_, err := s.GrantXP(ctx, "g", userID, xp)
		require.NoError(t, err)
	}
	_, err := s.GrantXP(ctx, "other", "z", 10_000)
	require.NoError(t, err)

	board, err := s.Leaderboard(ctx, "g", 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(board))
	for _, r := range board {
		ids = append(ids, r.UserID)
	}
	assert.Equal(t, []string{"b", "d", "c", "a"}, ids)

	top, err := s.Leaderboard(ctx, "g", 2)
	require.NoError(t, err)
	assert.Len(t, top, 2)

	for userID, want := range map[string]int64{"b": 1, "d": 2, "c": 3, "a": 4, "nobody": 0} {
		rank, err := s.Rank(ctx, "g", userID)
		require.NoError(t, err)
		assert.Equal(t, want, rank, userID)
	}
}
