package guildkeeper

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// Scheduler runs the background loops: reminder delivery, the giveaway
// sweep and voice XP. Every tick is isolated: an error or panic is
// logged and the loop carries on at the next tick.
type Scheduler struct {
	store     *Store
	messenger Messenger
	voice     *voiceTracker
	config    SchedulerConfig
	voiceXP   int64
	logger    *slog.Logger

	// intn picks giveaway winners. Defaults to math/rand/v2.
	intn func(n int) int

	// paused reports whether ticks should be skipped
	paused func() bool

	triggerReminders chan struct{}
	triggerGiveaways chan struct{}
}

func NewScheduler(
	store *Store,
	messenger Messenger,
	voice *voiceTracker,
	config SchedulerConfig,
	voiceXP int64,
	logger *slog.Logger,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if voice == nil {
		voice = newVoiceTracker()
	}
	return &Scheduler{
		store:            store,
		messenger:        messenger,
		voice:            voice,
		config:           config,
		voiceXP:          voiceXP,
		logger:           logger.With(loggerNameKey, "scheduler"),
		paused:           func() bool { return false },
		triggerReminders: make(chan struct{}, 1),
		triggerGiveaways: make(chan struct{}, 1),
	}
}

// Trigger asks the reminder and giveaway loops to run now, instead of
// waiting for their next tick. It doesn't block: a pending trigger
// absorbs further ones.
func (s *Scheduler) Trigger() {
	for _, ch := range []chan struct{}{s.triggerReminders, s.triggerGiveaways} {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Run starts the three loops and blocks until ctx is done and they've
// all returned.
func (s *Scheduler) Run(ctx context.Context) {
	wg := &sync.WaitGroup{}
	loops := []struct {
		name     string
		interval time.Duration
		trigger  <-chan struct{}
		fn       func(context.Context) error
	}{
		{"reminders", s.config.ReminderInterval, s.triggerReminders, s.DeliverReminders},
		{"giveaways", s.config.GiveawayInterval, s.triggerGiveaways, s.SweepGiveaways},
		{"voice_xp", s.config.VoiceInterval, nil, s.GrantVoiceXP},
	}
	for _, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, loop.name, loop.interval, loop.trigger, loop.fn)
		}()
	}
	s.logger.InfoContext(ctx, "scheduler started")
	wg.Wait()
	s.logger.InfoContext(ctx, "scheduler stopped")
}

func (s *Scheduler) loop(
	ctx context.Context,
	name string,
	interval time.Duration,
	trigger <-chan struct{},
	fn func(context.Context) error,
) {
	if interval <= 0 {
		s.logger.WarnContext(ctx, "loop disabled", "loop", name)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-trigger:
		}
		if s.paused() {
			s.logger.DebugContext(ctx, "paused, skipping tick", "loop", name)
			continue
		}
		s.tick(ctx, name, fn)
	}
}

// tick runs fn, logging (rather than propagating) its error or panic
func (s *Scheduler) tick(ctx context.Context, name string, fn func(context.Context) error) {
	logger := s.logger.With("loop", name)
	defer func() {
		if rc := recover(); rc != nil {
			logger.ErrorContext(
				ctx,
				"recovered from panic in tick",
				"panic", rc,
				"stack_trace", string(debug.Stack()),
			)
		}
	}()
	start := time.Now()
	if err := fn(WithLogger(ctx, logger)); err != nil {
		logger.ErrorContext(ctx, "tick failed", tint.Err(err))
		return
	}
	logger.DebugContext(ctx, "tick finished", "elapsed", time.Since(start))
}

// isolate runs fn, recovering a panic so one item can't stop a tick
func isolate(ctx context.Context, logger *slog.Logger, fn func()) {
	defer func() {
		if rc := recover(); rc != nil {
			logger.ErrorContext(
				ctx,
				"recovered from panic",
				"panic", rc,
				"stack_trace", string(debug.Stack()),
			)
		}
	}()
	fn()
}

// DeliverReminders delivers every due reminder: by DM first, then with a
// mention in the channel it was set in. Either way (even if both fail)
// the reminder is marked completed and never retried.
func (s *Scheduler) DeliverReminders(ctx context.Context) error {
	logger := contextLoggerOr(ctx, s.logger)
	reminders, err := s.store.DueReminders(ctx)
	if err != nil {
		return err
	}
	if len(reminders) > 0 {
		logger.InfoContext(ctx, "delivering reminders", "count", len(reminders))
	}
	for _, r := range reminders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		isolate(
			ctx, logger, func() {
				via := s.deliverReminder(ctx, logger, r)
				if err := s.store.MarkReminderCompleted(ctx, r.ID, via); err != nil {
					logger.ErrorContext(ctx, "error completing reminder", "reminder_id", r.ID, tint.Err(err))
				}
			},
		)
	}
	return nil
}

func (s *Scheduler) deliverReminder(
	ctx context.Context,
	logger *slog.Logger,
	r Reminder,
) ReminderDelivery {
	logger = logger.With("reminder_id", r.ID, "user_id", r.UserID)

	_, dmErr := sendDM(s.messenger, r.UserID, reminderDM(r))
	if dmErr == nil {
		logger.InfoContext(ctx, "delivered reminder by DM")
		return ReminderDeliveryDM
	}
	logger.WarnContext(ctx, "couldn't DM reminder, falling back to channel", tint.Err(dmErr))

	_, chErr := s.messenger.ChannelMessageSend(r.ChannelID, reminderChannelMessage(r))
	if chErr == nil {
		logger.InfoContext(ctx, "delivered reminder in channel", "channel_id", r.ChannelID)
		return ReminderDeliveryChannel
	}
	logger.ErrorContext(
		ctx,
		"couldn't deliver reminder",
		"channel_id", r.ChannelID,
		tint.Err(chErr),
	)
	return ReminderDeliveryFailed
}

func reminderDM(r Reminder) string {
	return fmt.Sprintf("⏰ Reminder: %s", r.Message)
}

func reminderChannelMessage(r Reminder) string {
	return fmt.Sprintf("%s ⏰ Reminder: %s", userMention(r.UserID), r.Message)
}

// SweepGiveaways ends and draws every expired giveaway. Guilds are swept
// concurrently, up to SweepConcurrency at a time.
//
// It also finishes giveaways that were ended without their draw being
// recorded (the draw failed after the end), so every ended giveaway is
// announced exactly once.
func (s *Scheduler) SweepGiveaways(ctx context.Context) error {
	logger := contextLoggerOr(ctx, s.logger)
	s.finishUndrawnGiveaways(ctx, logger)

	guildIDs, err := s.store.ExpiredGiveawayGuilds(ctx)
	if err != nil {
		return err
	}
	if len(guildIDs) == 0 {
		return nil
	}
	logger.InfoContext(ctx, "sweeping expired giveaways", "guilds", len(guildIDs))

	g := &errgroup.Group{}
	g.SetLimit(max(1, s.config.SweepConcurrency))
	for _, guildID := range guildIDs {
		g.Go(
			func() error {
				isolate(
					ctx, logger, func() {
						s.sweepGuild(ctx, logger.With("guild_id", guildID), guildID)
					},
				)
				return nil
			},
		)
	}
	return g.Wait()
}

func (s *Scheduler) finishUndrawnGiveaways(ctx context.Context, logger *slog.Logger) {
	giveaways, err := s.store.UndrawnGiveaways(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error getting undrawn giveaways", tint.Err(err))
		return
	}
	for _, g := range giveaways {
		if ctx.Err() != nil {
			return
		}
		isolate(
			ctx, logger, func() {
				result, err := s.store.CompleteGiveawayDraw(ctx, g.MessageID, s.intn)
				if err != nil {
					logger.ErrorContext(
						ctx,
						"error drawing ended giveaway",
						"message_id", g.MessageID,
						tint.Err(err),
					)
					return
				}
				if result != nil {
					logger.WarnContext(ctx, "drew winners for ended giveaway", "message_id", g.MessageID)
					announceGiveaway(ctx, logger, s.messenger, result, false)
				}
			},
		)
	}
}

func (s *Scheduler) sweepGuild(ctx context.Context, logger *slog.Logger, guildID string) {
	giveaways, err := s.store.ExpiredGiveaways(ctx, guildID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting expired giveaways", tint.Err(err))
		return
	}
	for _, g := range giveaways {
		if ctx.Err() != nil {
			return
		}
		isolate(
			ctx, logger, func() {
				if _, err := s.ConcludeGiveaway(ctx, g.MessageID); err != nil {
					logger.ErrorContext(
						ctx,
						"error concluding giveaway",
						"message_id", g.MessageID,
						tint.Err(err),
					)
				}
			},
		)
	}
}

// ConcludeGiveaway ends the giveaway, draws winners and announces them.
// If it was already ended by someone else, nothing is announced and the
// result is nil.
func (s *Scheduler) ConcludeGiveaway(ctx context.Context, messageID string) (
	*GiveawayResult,
	error,
) {
	result, err := s.store.DrawGiveaway(ctx, messageID, s.intn)
	if err != nil || result == nil {
		return result, err
	}
	announceGiveaway(ctx, contextLoggerOr(ctx, s.logger), s.messenger, result, false)
	return result, nil
}

// announceGiveaway marks the original giveaway message as ended, and posts
// the winners in its channel. Failures are logged only.
func announceGiveaway(
	ctx context.Context,
	logger *slog.Logger,
	m Messenger,
	result *GiveawayResult,
	reroll bool,
) {
	g := result.Giveaway
	logger = logger.With("message_id", g.MessageID, "channel_id", g.ChannelID)

	winners := "no valid entries"
	if len(result.Winners) > 0 {
		mentions := make([]string, 0, len(result.Winners))
		for _, w := range result.Winners {
			mentions = append(mentions, userMention(w))
		}
		winners = strings.Join(mentions, ", ")
	}

	if !reroll {
		ended := fmt.Sprintf(
			"%s **GIVEAWAY ENDED** %s\nPrize: **%s**\nEntries: %d\nWinners: %s",
			giveawayEmoji, giveawayEmoji, g.Prize, result.Entrants, winners,
		)
		if _, err := m.ChannelMessageEdit(g.ChannelID, g.MessageID, ended); err != nil {
			logger.WarnContext(ctx, "error editing giveaway message", tint.Err(err))
		}
	}

	var announcement string
	switch {
	case len(result.Winners) == 0:
		announcement = fmt.Sprintf("The giveaway for **%s** ended with no winners.", g.Prize)
	case reroll:
		announcement = fmt.Sprintf("%s New winner(s) for **%s**: %s", giveawayEmoji, g.Prize, winners)
	default:
		announcement = fmt.Sprintf(
			"%s Congratulations %s! You won **%s**!",
			giveawayEmoji, winners, g.Prize,
		)
	}
	if _, err := m.ChannelMessageSend(g.ChannelID, announcement); err != nil {
		logger.ErrorContext(ctx, "error announcing giveaway winners", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "announced giveaway", "winners", result.Winners)
}

// GrantVoiceXP grants voice XP to every eligible member in guilds with
// leveling enabled.
func (s *Scheduler) GrantVoiceXP(ctx context.Context) error {
	if s.voiceXP <= 0 {
		return nil
	}
	logger := contextLoggerOr(ctx, s.logger)
	for _, guildID := range s.voice.Guilds() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		members := s.voice.Eligible(guildID)
		if len(members) == 0 {
			continue
		}
		isolate(
			ctx, logger, func() {
				s.grantGuildVoiceXP(ctx, logger.With("guild_id", guildID), guildID, members)
			},
		)
	}
	return nil
}

func (s *Scheduler) grantGuildVoiceXP(
	ctx context.Context,
	logger *slog.Logger,
	guildID string,
	members []string,
) {
	settings, err := s.store.GetGuildSettings(ctx, guildID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting guild settings", tint.Err(err))
		return
	}
	if !settings.LevelingEnabled {
		return
	}
	for _, userID := range members {
		grant, err := s.store.GrantVoiceXP(ctx, guildID, userID, s.voiceXP)
		if err != nil {
			logger.ErrorContext(ctx, "error granting voice xp", "user_id", userID, tint.Err(err))
			continue
		}
		if grant.LeveledUp && settings.LevelUpChannelID != nil {
			announceLevelUp(ctx, logger, s.messenger, *settings.LevelUpChannelID, userID, grant.NewLevel)
		}
	}
}

func announceLevelUp(
	ctx context.Context,
	logger *slog.Logger,
	m Messenger,
	channelID string,
	userID string,
	level int64,
) {
	msg := fmt.Sprintf("🎉 %s reached level **%d**!", userMention(userID), level)
	if _, err := m.ChannelMessageSend(channelID, msg); err != nil {
		logger.WarnContext(
			ctx,
			"error announcing level up",
			"user_id", userID,
			"channel_id", channelID,
			tint.Err(err),
		)
	}
}
