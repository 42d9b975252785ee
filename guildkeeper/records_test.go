package guildkeeper

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Warnings(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	w1, err := s.AddWarning(ctx, "g", "u", "mod", "spam")
	require.NoError(t, err)
	_, err = s.AddWarning(ctx, "g", "u", "mod", "more spam")
	require.NoError(t, err)
	_, err = s.AddWarning(ctx, "g2", "u", "mod", "elsewhere")
	require.NoError(t, err)

	warnings, err := s.Warnings(ctx, "g", "u")
	require.NoError(t, err)
	require.Len(t, warnings, 2)
	assert.Equal(t, "spam", warnings[0].Reason)

	deleted, err := s.DeleteWarning(ctx, "g2", w1.ID)
	require.NoError(t, err)
	assert.False(t, deleted, "warnings are deleted within their guild")
	deleted, err = s.DeleteWarning(ctx, "g", w1.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	cleared, err := s.ClearWarnings(ctx, "g", "u")
	require.NoError(t, err)
	assert.EqualValues(t, 1, cleared)

	warnings, err = s.Warnings(ctx, "g2", "u")
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
}

func TestStore_AFK(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	s, clock := newTestStoreWithClock(t, start)
	ctx := context.Background()

	afk, err := s.GetAFK(ctx, "g", "u")
	require.NoError(t, err)
	assert.Nil(t, afk)

	_, err = s.SetAFK(ctx, "g", "u", "lunch")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = s.SetAFK(ctx, "g", "u", "dinner")
	require.NoError(t, err)
	_, err = s.SetAFK(ctx, "g", "other", "")
	require.NoError(t, err)

	afk, err = s.GetAFK(ctx, "g", "u")
	require.NoError(t, err)
	require.NotNil(t, afk)
	assert.Equal(t, "dinner", afk.Reason)
	assert.Equal(t, start.Add(time.Minute).UnixMilli(), afk.Since)

	statuses, err := s.GetAFKs(ctx, "g", []string{"u", "other", "nobody"})
	require.NoError(t, err)
	assert.Len(t, statuses, 2)

	statuses, err = s.GetAFKs(ctx, "g", nil)
	require.NoError(t, err)
	assert.Empty(t, statuses)

	cleared, err := s.ClearAFK(ctx, "g", "u")
	require.NoError(t, err)
	assert.True(t, cleared)
	cleared, err = s.ClearAFK(ctx, "g", "u")
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestStore_Birthdays(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SetBirthday(ctx, "g", "a", 3, 15)
	require.NoError(t, err)
	_, err = s.SetBirthday(ctx, "g", "leap", 2, 29)
	require.NoError(t, err)
	_, err = s.SetBirthday(ctx, "g", "feb28", 2, 28)
	require.NoError(t, err)

	for _, bad := range [][2]int{{2, 30}, {13, 1}, {0, 1}, {4, 31}, {1, 0}} {
		_, err = s.SetBirthday(ctx, "g", "bad", bad[0], bad[1])
		assert.Error(t, err, fmt.Sprint(bad))
	}

	on, err := s.BirthdaysOn(ctx, "g", time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, on, 1)
	assert.Equal(t, "a", on[0].UserID)

	// leap day birthdays fall on the 28th in common years
	on, err = s.BirthdaysOn(ctx, "g", time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, on, 2)

	on, err = s.BirthdaysOn(ctx, "g", time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, on, 1)
	assert.Equal(t, "feb28", on[0].UserID)

	on, err = s.BirthdaysOn(ctx, "g", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, on, 1)
	assert.Equal(t, "leap", on[0].UserID)

	_, err = s.SetBirthday(ctx, "g", "a", 3, 16)
	require.NoError(t, err)
	on, err = s.BirthdaysOn(ctx, "g", time.Date(2025, 3, 16, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, on, 1)

	removed, err := s.RemoveBirthday(ctx, "g", "a")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestStore_Confessions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	c1, err := s.CreateConfession(ctx, "g", "author", "first")
	require.NoError(t, err)
	assert.EqualValues(t, 1, c1.Number)
	c2, err := s.CreateConfession(ctx, "g", "author", "second")
	require.NoError(t, err)
	assert.EqualValues(t, 2, c2.Number)
	other, err := s.CreateConfession(ctx, "g2", "author", "elsewhere")
	require.NoError(t, err)
	assert.EqualValues(t, 1, other.Number, "numbers are per guild")

	require.NoError(t, s.SetConfessionMessage(ctx, c2.ID, "posted"))
	got, err := s.ConfessionByNumber(ctx, "g", 2)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "posted", got.MessageID)
	assert.Equal(t, "second", got.Content)

	got, err = s.ConfessionByNumber(ctx, "g", 99)
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NotContains(t, structToSlogValue(*c1).String(), "author")
}

func TestStore_Confessions_ConcurrentNumbers(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	numbers := map[int64]bool{}
	wg := sync.WaitGroup{}
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.CreateConfession(ctx, "g", "author", fmt.Sprintf("confession %d", i))
			if assert.NoError(t, err) {
				mu.Lock()
				numbers[c.Number] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, numbers, 5)
}

func TestStore_AuditLog(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		require.NoError(
			t, s.RecordAudit(
				ctx, &AuditLogEntry{
					GuildID: "g",
					ActorID: "admin",
					Action:  fmt.Sprintf("action.%d", i),
				},
			),
		)
	}
	require.NoError(t, s.RecordAudit(ctx, &AuditLogEntry{GuildID: "g2", ActorID: "x", Action: "y"}))

	entries, err := s.AuditLog(ctx, "g", 2, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "action.2", entries[0].Action)
	assert.Equal(t, "action.1", entries[1].Action)

	entries, err = s.AuditLog(ctx, "g", 0, 2)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "action.0", entries[0].Action)
}
