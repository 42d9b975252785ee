package guildkeeper

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Reminders(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	s, clock := newTestStoreWithClock(t, now)
	ctx := context.Background()

	later, err := s.CreateReminder(ctx, "u1", "c1", strPtr("g1"), "later", now.Add(time.Hour))
	require.NoError(t, err)
	soon, err := s.CreateReminder(ctx, "u1", "c1", nil, "soon", now.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.CreateReminder(ctx, "u2", "c2", nil, "other user", now.Add(time.Minute))
	require.NoError(t, err)

	due, err := s.DueReminders(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	pending, err := s.PendingReminders(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, soon.ID, pending[0].ID)
	assert.Equal(t, later.ID, pending[1].ID)
	assert.Equal(t, now.Add(time.Minute), pending[0].DueAt())

	clock.Advance(time.Minute)
	due, err = s.DueReminders(ctx)
	require.NoError(t, err)
	require.Len(t, due, 2)

	require.NoError(t, s.MarkReminderCompleted(ctx, soon.ID, ReminderDeliveryDM))
	// completing twice keeps the first outcome
	require.NoError(t, s.MarkReminderCompleted(ctx, soon.ID, ReminderDeliveryFailed))

	due, err = s.DueReminders(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "u2", due[0].UserID)

	pending, err = s.PendingReminders(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, later.ID, pending[0].ID)
	require.NotNil(t, pending[0].GuildID)
	assert.Equal(t, "g1", *pending[0].GuildID)

	var completed Reminder
	require.NoError(t, s.reader(ctx).Take(&completed, soon.ID).Error)
	assert.True(t, bool(completed.Completed))
	assert.Equal(t, ReminderDeliveryDM, completed.DeliveredVia)
}

func TestStore_CancelReminder(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	r, err := s.CreateReminder(ctx, "u1", "c1", nil, "msg", time.Now().Add(time.Hour))
	require.NoError(t, err)

	ok, err := s.CancelReminder(ctx, "someone else", r.ID)
	require.NoError(t, err)
	assert.False(t, ok, "only the owner can cancel")

	ok, err = s.CancelReminder(ctx, "u1", r.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CancelReminder(ctx, "u1", r.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_CreateReminder_TruncatesMessage(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	r, err := s.CreateReminder(
		context.Background(), "u", "c", nil, strings.Repeat("x", maxReminderMessageLength+50), time.Now(),
	)
	require.NoError(t, err)
	assert.Len(t, r.Message, maxReminderMessageLength)
}
