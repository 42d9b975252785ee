package guildkeeper

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		ReminderInterval: 30 * time.Second,
		GiveawayInterval: 30 * time.Second,
		VoiceInterval:    time.Minute,
		SweepConcurrency: 2,
	}
}

func newTestScheduler(t testing.TB, s *Store) (*Scheduler, *fakeSession) {
	t.Helper()
	session := newFakeSession()
	sched := NewScheduler(s, session, nil, testSchedulerConfig(), 10, testLogger(t))
	return sched, session
}

func TestScheduler_ConcludeGiveaway_AnnouncesOnce(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	sched, session := newTestScheduler(t, s)
	ctx := context.Background()

	createTestGiveaway(t, s, "giveaway-msg", 1, time.Now().Add(-time.Second))
	for _, u := range []string{"u1", "u2", "u3"} {
		entered, err := s.EnterGiveaway(ctx, "giveaway-msg", u)
		require.NoError(t, err)
		require.True(t, entered)
	}

	first, err := sched.ConcludeGiveaway(ctx, "giveaway-msg")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Len(t, first.Winners, 1)
	assert.Equal(t, 3, first.Entrants)

	second, err := sched.ConcludeGiveaway(ctx, "giveaway-msg")
	require.NoError(t, err)
	assert.Nil(t, second)

	sent := session.SentTo("channel")
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, userMention(first.Winners[0]))
	assert.Contains(t, sent[0].Content, "a prize")

	edits := session.Edits()
	require.Len(t, edits, 1)
	assert.Equal(t, "giveaway-msg", edits[0].MessageID)
	assert.Contains(t, edits[0].Content, "GIVEAWAY ENDED")
}

func TestScheduler_ConcludeGiveaway_Concurrent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	sched, session := newTestScheduler(t, s)
	ctx := context.Background()

	createTestGiveaway(t, s, "giveaway-msg", 1, time.Now())
	_, err := s.EnterGiveaway(ctx, "giveaway-msg", "u1")
	require.NoError(t, err)

	var results atomic.Int64
	wg := sync.WaitGroup{}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, e := sched.ConcludeGiveaway(ctx, "giveaway-msg")
			assert.NoError(t, e)
			if r != nil {
				results.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, results.Load())
	assert.Len(t, session.Sent(), 1)
}

func TestScheduler_ConcludeGiveaway_NoEntries(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	sched, session := newTestScheduler(t, s)

	createTestGiveaway(t, s, "giveaway-msg", 1, time.Now())
	result, err := sched.ConcludeGiveaway(context.Background(), "giveaway-msg")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Empty(t, result.Winners)

	sent := session.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, "no winners")
}

func TestScheduler_SweepGiveaways(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	s, _ := newTestStoreWithClock(t, now)
	sched, session := newTestScheduler(t, s)
	ctx := context.Background()

	for _, g := range []struct {
		guild, msg string
		endsAt     time.Time
	}{
		{"g1", "m1", now.Add(-time.Minute)},
		{"g1", "m2", now.Add(-time.Second)},
		{"g2", "m3", now},
		{"g2", "m4", now.Add(time.Hour)},
	} {
		_, err := s.CreateGiveaway(ctx, g.guild, "ch-"+g.guild, g.msg, "host", "prize", 1, g.endsAt)
		require.NoError(t, err)
	}

	require.NoError(t, sched.SweepGiveaways(ctx))
	assert.Len(t, session.Sent(), 3)
	assert.Len(t, session.Edits(), 3)

	active, err := s.ActiveGiveaways(ctx, "g2")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "m4", active[0].MessageID)

	// nothing left to sweep
	require.NoError(t, sched.SweepGiveaways(ctx))
	assert.Len(t, session.Sent(), 3)
}

func TestScheduler_SweepGiveaways_AnnouncementFailure(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	sched, session := newTestScheduler(t, s)
	ctx := context.Background()

	createTestGiveaway(t, s, "giveaway-msg", 1, time.Now().Add(-time.Second))
	session.FailChannel("channel")

	require.NoError(t, sched.SweepGiveaways(ctx))

	// ended anyway, and not retried on the next sweep
	g, err := s.GetGiveaway(ctx, "giveaway-msg")
	require.NoError(t, err)
	assert.False(t, bool(g.Active))
	require.NoError(t, sched.SweepGiveaways(ctx))
}

func TestScheduler_SweepGiveaways_FinishesUndrawn(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	s, clock := newTestStoreWithClock(t, now)
	sched, session := newTestScheduler(t, s)
	ctx := context.Background()

	createTestGiveaway(t, s, "giveaway-msg", 1, now.Add(time.Hour))
	_, err := s.EnterGiveaway(ctx, "giveaway-msg", "u1")
	require.NoError(t, err)
	ended, err := s.EndGiveaway(ctx, "giveaway-msg")
	require.NoError(t, err)
	require.True(t, ended)

	// a draw may still be in flight
	require.NoError(t, sched.SweepGiveaways(ctx))
	assert.Empty(t, session.Sent())

	clock.Advance(2 * time.Minute)
	require.NoError(t, sched.SweepGiveaways(ctx))
	sent := session.SentTo("channel")
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, "<@u1>")
	assert.Len(t, session.Edits(), 1)

	require.NoError(t, sched.SweepGiveaways(ctx))
	assert.Len(t, session.Sent(), 1)
}

func TestScheduler_DeliverReminders_DM(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)
	s, _ := newTestStoreWithClock(t, now)
	sched, session := newTestScheduler(t, s)
	ctx := context.Background()

	r, err := s.CreateReminder(ctx, "u1", "c1", strPtr("g1"), "stretch", now.Add(-time.Second))
	require.NoError(t, err)
	_, err = s.CreateReminder(ctx, "u1", "c1", nil, "not yet", now.Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, sched.DeliverReminders(ctx))

	dms := session.SentTo("dm-u1")
	require.Len(t, dms, 1)
	assert.Equal(t, "⏰ Reminder: stretch", dms[0].Content)
	assert.Empty(t, session.SentTo("c1"))

	var got Reminder
	require.NoError(t, s.reader(ctx).Take(&got, r.ID).Error)
	assert.True(t, bool(got.Completed))
	assert.Equal(t, ReminderDeliveryDM, got.DeliveredVia)

	// delivered reminders aren't delivered again
	require.NoError(t, sched.DeliverReminders(ctx))
	assert.Len(t, session.Sent(), 1)
}

func TestScheduler_DeliverReminders_ChannelFallback(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)
	s, _ := newTestStoreWithClock(t, now)
	sched, session := newTestScheduler(t, s)
	ctx := context.Background()

	r, err := s.CreateReminder(ctx, "u1", "c1", strPtr("g1"), "drink water", now)
	require.NoError(t, err)
	session.FailDM("u1")

	require.NoError(t, sched.DeliverReminders(ctx))

	sent := session.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "c1", sent[0].ChannelID)
	assert.True(t, strings.HasPrefix(sent[0].Content, "<@u1>"))
	assert.Contains(t, sent[0].Content, "drink water")

	var got Reminder
	require.NoError(t, s.reader(ctx).Take(&got, r.ID).Error)
	assert.True(t, bool(got.Completed))
	assert.Equal(t, ReminderDeliveryChannel, got.DeliveredVia)

	require.NoError(t, sched.DeliverReminders(ctx))
	assert.Len(t, session.Sent(), 1)
}

func TestScheduler_DeliverReminders_BothFail(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)
	s, _ := newTestStoreWithClock(t, now)
	sched, session := newTestScheduler(t, s)
	ctx := context.Background()

	r, err := s.CreateReminder(ctx, "u1", "c1", nil, "lost", now)
	require.NoError(t, err)
	session.FailDM("u1")
	session.FailChannel("c1")

	require.NoError(t, sched.DeliverReminders(ctx))
	assert.Empty(t, session.Sent())

	var got Reminder
	require.NoError(t, s.reader(ctx).Take(&got, r.ID).Error)
	assert.True(t, bool(got.Completed), "failed reminders aren't retried")
	assert.Equal(t, ReminderDeliveryFailed, got.DeliveredVia)

	due, err := s.DueReminders(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestScheduler_GrantVoiceXP(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	sched, session := newTestScheduler(t, s)
	ctx := context.Background()

	_, err := s.UpdateGuildSettings(
		ctx, "g1", GuildSettingsUpdate{
			LevelingEnabled:  boolPtr(true),
			LevelUpChannelID: strPtr("levels"),
		},
	)
	require.NoError(t, err)

	for _, vs := range []*discordgo.VoiceState{
		{GuildID: "g1", UserID: "a", ChannelID: "vc"},
		{GuildID: "g1", UserID: "b", ChannelID: "vc"},
		{GuildID: "g1", UserID: "muted", ChannelID: "vc", SelfMute: true},
		{GuildID: "g1", UserID: "alone", ChannelID: "vc2"},
		// leveling is disabled here
		{GuildID: "g2", UserID: "c", ChannelID: "vc"},
		{GuildID: "g2", UserID: "d", ChannelID: "vc"},
	} {
		sched.voice.Update(vs)
	}

	for range 10 {
		require.NoError(t, sched.GrantVoiceXP(ctx))
	}

	for userID, want := range map[string]int64{"a": 100, "b": 100, "muted": 0, "alone": 0} {
		rec, err := s.GetLevel(ctx, "g1", userID)
		require.NoError(t, err)
		assert.Equal(t, want, rec.XP, userID)
	}
	rec, err := s.GetLevel(ctx, "g2", "c")
	require.NoError(t, err)
	assert.Zero(t, rec.XP)

	levelUps := session.SentTo("levels")
	assert.Len(t, levelUps, 2)
}

func TestScheduler_TickRecoversPanic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	sched, _ := newTestScheduler(t, s)

	assert.NotPanics(
		t, func() {
			sched.tick(
				context.Background(), "test", func(context.Context) error {
					panic("boom")
				},
			)
		},
	)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	s := newTestStore(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	session := newFakeSession()
	cfg := SchedulerConfig{
		ReminderInterval: 10 * time.Millisecond,
		GiveawayInterval: 10 * time.Millisecond,
		VoiceInterval:    10 * time.Millisecond,
		SweepConcurrency: 1,
	}
	sched := NewScheduler(s, session, nil, cfg, 10, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := s.CreateReminder(ctx, "u1", "c1", nil, "hello", time.Now())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()

	assert.Eventually(
		t, func() bool {
			return len(session.SentTo("dm-u1")) == 1
		}, 5*time.Second, 10*time.Millisecond,
	)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler didn't stop")
	}
}

func TestScheduler_Paused(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	session := newFakeSession()
	cfg := testSchedulerConfig()
	cfg.ReminderInterval = 10 * time.Millisecond
	sched := NewScheduler(s, session, nil, cfg, 10, testLogger(t))

	var paused atomic.Bool
	paused.Store(true)
	sched.paused = paused.Load

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := s.CreateReminder(ctx, "u1", "c1", nil, "hello", time.Now())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, session.Sent())

	paused.Store(false)
	sched.Trigger()
	assert.Eventually(
		t, func() bool {
			return len(session.Sent()) == 1
		}, 5*time.Second, 10*time.Millisecond,
	)
	cancel()
	<-done
}
