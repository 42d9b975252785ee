package guildkeeper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// guildAllowed reports whether the bot should serve guildID under the
// current operating mode
func (gk *GuildKeeper) guildAllowed(ctx context.Context, guildID string) (bool, error) {
	if gk.RuntimeConfig().OperatingMode != OperatingModeAllowlist {
		return true, nil
	}
	return gk.store.IsGuildAllowed(ctx, guildID)
}

// logToGuild mirrors msg to the guild's log channel, when the logging
// feature is enabled and configured
func (gk *GuildKeeper) logToGuild(ctx context.Context, settings GuildSettings, msg string) {
	if !settings.LoggingConfigured() {
		return
	}
	if _, err := gk.messenger.ChannelMessageSend(*settings.LogChannelID, msg); err != nil {
		contextLoggerOr(ctx, gk.logger).WarnContext(
			ctx,
			"error sending to guild log channel",
			"guild_id", settings.GuildID,
			tint.Err(err),
		)
	}
}

// messageXP picks the XP a message is worth, uniformly in
// [MessageXPMin, MessageXPMax]
func (gk *GuildKeeper) messageXP() int64 {
	lo, hi := gk.config.Leveling.MessageXPMin, gk.config.Leveling.MessageXPMax
	if hi <= lo {
		return lo
	}
	return lo + int64(gk.intn(int(hi-lo+1)))
}

// handleMessageCreate grants message XP and handles AFK statuses
func (gk *GuildKeeper) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	gk.discord.metricMessages.Add(1)
	logger := contextLoggerOr(ctx, gk.logger).With(
		"guild_id", m.GuildID,
		"channel_id", m.ChannelID,
		"user_id", m.Author.ID,
	)
	ctx = WithLogger(ctx, logger)

	allowed, err := gk.guildAllowed(ctx, m.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error checking allowlist", tint.Err(err))
		return
	}
	if !allowed {
		return
	}

	gk.handleAFK(ctx, logger, m.Message)

	settings, err := gk.store.GetGuildSettings(ctx, m.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting guild settings", tint.Err(err))
		return
	}
	if !settings.LevelingEnabled {
		return
	}
	if !gk.cooldown.Allow(m.GuildID, m.Author.ID, time.Now()) {
		return
	}
	grant, err := gk.store.GrantXP(ctx, m.GuildID, m.Author.ID, gk.messageXP())
	if err != nil {
		logger.ErrorContext(ctx, "error granting xp", tint.Err(err))
		return
	}
	if grant.LeveledUp {
		channelID := m.ChannelID
		if settings.LevelUpChannelID != nil {
			channelID = *settings.LevelUpChannelID
		}
		announceLevelUp(ctx, logger, gk.messenger, channelID, m.Author.ID, grant.NewLevel)
	}
}

// handleAFK clears the author's AFK status, and tells the channel about
// any mentioned members who are AFK
func (gk *GuildKeeper) handleAFK(ctx context.Context, logger *slog.Logger, m *discordgo.Message) {
	cleared, err := gk.store.ClearAFK(ctx, m.GuildID, m.Author.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error clearing afk", tint.Err(err))
	} else if cleared {
		msg := fmt.Sprintf("Welcome back %s, I removed your AFK status.", userMention(m.Author.ID))
		if _, err = gk.messenger.ChannelMessageSend(m.ChannelID, msg); err != nil {
			logger.WarnContext(ctx, "error sending afk notice", tint.Err(err))
		}
	}

	if len(m.Mentions) == 0 {
		return
	}
	mentioned := make([]string, 0, len(m.Mentions))
	for _, u := range m.Mentions {
		if u != nil && u.ID != m.Author.ID && !u.Bot {
			mentioned = append(mentioned, u.ID)
		}
	}
	statuses, err := gk.store.GetAFKs(ctx, m.GuildID, mentioned)
	if err != nil {
		logger.ErrorContext(ctx, "error getting afk statuses", tint.Err(err))
		return
	}
	if len(statuses) == 0 {
		return
	}
	lines := make([]string, 0, len(statuses))
	for _, a := range statuses {
		reason := a.Reason
		if reason == "" {
			reason = "AFK"
		}
		lines = append(
			lines,
			fmt.Sprintf(
				"💤 %s is AFK: %s (<t:%d:R>)",
				userMention(a.UserID), reason, time.UnixMilli(a.Since).Unix(),
			),
		)
	}
	if _, err = gk.messenger.ChannelMessageSend(m.ChannelID, strings.Join(lines, "\n")); err != nil {
		logger.WarnContext(ctx, "error sending afk mention notice", tint.Err(err))
	}
}

func (gk *GuildKeeper) ignoreReaction(r *discordgo.MessageReaction, member *discordgo.Member) bool {
	if r == nil || r.GuildID == "" || r.UserID == "" {
		return true
	}
	if r.UserID == gk.discord.BotUserID() {
		return true
	}
	return member != nil && member.User != nil && member.User.Bot
}

// handleReactionAdd grants reaction roles, enters giveaways and feeds the
// starboard
func (gk *GuildKeeper) handleReactionAdd(ctx context.Context, r *discordgo.MessageReactionAdd) {
	if r == nil || gk.ignoreReaction(r.MessageReaction, r.Member) {
		return
	}
	emoji := reactionEmoji(r.Emoji)
	logger := contextLoggerOr(ctx, gk.logger).With(
		"guild_id", r.GuildID,
		"message_id", r.MessageID,
		"user_id", r.UserID,
		"emoji", emoji,
	)
	ctx = WithLogger(ctx, logger)

	allowed, err := gk.guildAllowed(ctx, r.GuildID)
	if err != nil || !allowed {
		return
	}

	roleID, ok, err := gk.store.LookupReactionRole(ctx, r.GuildID, r.MessageID, emoji)
	switch {
	case err != nil:
		logger.ErrorContext(ctx, "error looking up reaction role", tint.Err(err))
	case ok:
		if err = gk.discord.session.GuildMemberRoleAdd(r.GuildID, r.UserID, roleID); err != nil {
			logger.WarnContext(ctx, "error granting reaction role", "role_id", roleID, tint.Err(err))
		} else {
			logger.InfoContext(ctx, "granted reaction role", "role_id", roleID)
		}
	}

	switch emoji {
	case giveawayEmoji:
		entered, err := gk.store.EnterGiveaway(ctx, r.MessageID, r.UserID)
		if err != nil {
			logger.ErrorContext(ctx, "error entering giveaway", tint.Err(err))
		} else if entered {
			logger.InfoContext(ctx, "entered giveaway")
		}
	case starboardEmoji:
		gk.updateStarboard(ctx, logger, r.GuildID, r.ChannelID, r.MessageID)
	}
}

// handleReactionRemove revokes reaction roles, withdraws giveaway entries
// and updates starboard counts
func (gk *GuildKeeper) handleReactionRemove(ctx context.Context, r *discordgo.MessageReactionRemove) {
	if r == nil || gk.ignoreReaction(r.MessageReaction, nil) {
		return
	}
	emoji := reactionEmoji(r.Emoji)
	logger := contextLoggerOr(ctx, gk.logger).With(
		"guild_id", r.GuildID,
		"message_id", r.MessageID,
		"user_id", r.UserID,
		"emoji", emoji,
	)
	ctx = WithLogger(ctx, logger)

	allowed, err := gk.guildAllowed(ctx, r.GuildID)
	if err != nil || !allowed {
		return
	}

	roleID, ok, err := gk.store.LookupReactionRole(ctx, r.GuildID, r.MessageID, emoji)
	switch {
	case err != nil:
		logger.ErrorContext(ctx, "error looking up reaction role", tint.Err(err))
	case ok:
		if err = gk.discord.session.GuildMemberRoleRemove(r.GuildID, r.UserID, roleID); err != nil {
			logger.WarnContext(ctx, "error revoking reaction role", "role_id", roleID, tint.Err(err))
		}
	}

	switch emoji {
	case giveawayEmoji:
		if _, err = gk.store.LeaveGiveaway(ctx, r.MessageID, r.UserID); err != nil {
			logger.ErrorContext(ctx, "error leaving giveaway", tint.Err(err))
		}
	case starboardEmoji:
		gk.updateStarboard(ctx, logger, r.GuildID, r.ChannelID, r.MessageID)
	}
}

func starboardContent(channelID string, m *discordgo.Message, stars int) string {
	author := "unknown"
	if m.Author != nil {
		author = userMention(m.Author.ID)
	}
	return truncate(
		fmt.Sprintf(
			"%s **%d** <#%s>\n%s\n\n%s\nhttps://discord.com/channels/%s/%s/%s",
			starboardEmoji, stars, channelID, author, m.Content,
			m.GuildID, channelID, m.ID,
		),
		discordMaxMessageLength,
	)
}

// updateStarboard mirrors the message onto the starboard once it reaches
// the guild's threshold, or refreshes the mirror's star count. The record
// is registered before posting, so only one of several concurrent
// reactions creates the mirror.
func (gk *GuildKeeper) updateStarboard(
	ctx context.Context,
	logger *slog.Logger,
	guildID, channelID, messageID string,
) {
	settings, err := gk.store.GetGuildSettings(ctx, guildID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting guild settings", tint.Err(err))
		return
	}
	if !settings.StarboardConfigured() || channelID == *settings.StarboardChannelID {
		return
	}
	msg, err := gk.messenger.ChannelMessage(channelID, messageID)
	if err != nil {
		logger.WarnContext(ctx, "error fetching starred message", tint.Err(err))
		return
	}
	if msg.GuildID == "" {
		msg.GuildID = guildID
	}
	stars := reactionCount(msg, starboardEmoji)

	existing, err := gk.store.GetStarboardMessage(ctx, guildID, messageID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting starboard message", tint.Err(err))
		return
	}
	boardChannel := *settings.StarboardChannelID

	if existing != nil {
		if existing.StarboardMessageID == "" {
			if stars < settings.StarboardThreshold {
				return
			}
			reclaimed, err := gk.store.ReclaimStarboardPost(ctx, guildID, messageID)
			if err != nil {
				logger.ErrorContext(ctx, "error reclaiming starboard post", tint.Err(err))
				return
			}
			if reclaimed {
				logger.WarnContext(ctx, "reclaimed stale starboard reservation")
				gk.postToStarboard(ctx, logger, guildID, boardChannel, channelID, messageID, msg, stars)
			}
			return
		}
		if existing.StarCount == stars {
			return
		}
		if _, err = gk.messenger.ChannelMessageEdit(
			boardChannel,
			existing.StarboardMessageID,
			starboardContent(channelID, msg, stars),
		); err != nil {
			logger.WarnContext(ctx, "error editing starboard post", tint.Err(err))
		}
		if err = gk.store.UpdateStarboardPost(ctx, guildID, messageID, "", stars); err != nil {
			logger.ErrorContext(ctx, "error updating starboard post", tint.Err(err))
		}
		return
	}

	if stars < settings.StarboardThreshold {
		return
	}
	registered, err := gk.store.TryRegisterStarboardPost(ctx, guildID, channelID, messageID, "", stars)
	if err != nil {
		logger.ErrorContext(ctx, "error registering starboard post", tint.Err(err))
		return
	}
	if !registered {
		return
	}
	gk.postToStarboard(ctx, logger, guildID, boardChannel, channelID, messageID, msg, stars)
}

// postToStarboard posts the mirror for a reservation held by the caller
// and records its message ID. If the post fails the reservation is
// released. If recording fails the reservation is left in place, to be
// reclaimed once it's stale.
func (gk *GuildKeeper) postToStarboard(
	ctx context.Context,
	logger *slog.Logger,
	guildID, boardChannel, channelID, messageID string,
	msg *discordgo.Message,
	stars int,
) {
	posted, err := gk.messenger.ChannelMessageSend(boardChannel, starboardContent(channelID, msg, stars))
	if err != nil {
		logger.ErrorContext(ctx, "error posting to starboard", tint.Err(err))
		if err = gk.store.DeleteStarboardPost(ctx, guildID, messageID); err != nil {
			logger.ErrorContext(ctx, "error releasing starboard reservation", tint.Err(err))
		}
		return
	}
	logger = logger.With("starboard_message_id", posted.ID)
	if err = gk.store.UpdateStarboardPost(ctx, guildID, messageID, posted.ID, stars); err != nil {
		logger.WarnContext(ctx, "error recording starboard post, retrying", tint.Err(err))
		err = gk.store.UpdateStarboardPost(ctx, guildID, messageID, posted.ID, stars)
	}
	if err != nil {
		logger.ErrorContext(ctx, "error recording starboard post", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "posted to starboard", "stars", stars)
}

func (gk *GuildKeeper) handleVoiceStateUpdate(_ context.Context, v *discordgo.VoiceStateUpdate) {
	if v == nil || v.VoiceState == nil {
		return
	}
	gk.voice.Update(v.VoiceState)
}

// handleGuildCreate leaves guilds that aren't allowlisted, when running
// in allowlist mode. Voice states in the guild payload seed the voice
// tracker.
func (gk *GuildKeeper) handleGuildCreate(ctx context.Context, g *discordgo.GuildCreate) {
	if g == nil || g.Guild == nil {
		return
	}
	logger := contextLoggerOr(ctx, gk.logger).With("guild_id", g.ID, "guild_name", g.Name)

	allowed, err := gk.guildAllowed(ctx, g.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error checking allowlist", tint.Err(err))
		return
	}
	if !allowed {
		logger.WarnContext(ctx, "guild isn't allowlisted, leaving")
		if err = gk.discord.session.GuildLeave(g.ID); err != nil {
			logger.ErrorContext(ctx, "error leaving guild", tint.Err(err))
		}
		return
	}
	for _, vs := range g.VoiceStates {
		if vs.GuildID == "" {
			vs.GuildID = g.ID
		}
		if vs.Member == nil {
			for _, m := range g.Members {
				if m.User != nil && m.User.ID == vs.UserID {
					vs.Member = m
					break
				}
			}
		}
		gk.voice.Update(vs)
	}
	logger.InfoContext(ctx, "guild available", "voice_states", len(g.VoiceStates))
}

func (gk *GuildKeeper) handleGuildDelete(ctx context.Context, g *discordgo.GuildDelete) {
	if g == nil || g.Guild == nil {
		return
	}
	gk.voice.RemoveGuild(g.ID)
	contextLoggerOr(ctx, gk.logger).InfoContext(ctx, "guild unavailable", "guild_id", g.ID)
}

// welcomeMessage fills in the {user}, {username} and {server}
// placeholders
func welcomeMessage(template string, member *discordgo.Member, guildName string) string {
	if template == "" {
		template = "Welcome to {server}, {user}!"
	}
	return strings.NewReplacer(
		"{user}", userMention(member.User.ID),
		"{username}", member.User.Username,
		"{server}", guildName,
	).Replace(template)
}

// handleGuildMemberAdd sends the welcome message and assigns the autorole
func (gk *GuildKeeper) handleGuildMemberAdd(ctx context.Context, m *discordgo.GuildMemberAdd) {
	if m == nil || m.Member == nil || m.User == nil {
		return
	}
	logger := contextLoggerOr(ctx, gk.logger).With("guild_id", m.GuildID, "user_id", m.User.ID)

	allowed, err := gk.guildAllowed(ctx, m.GuildID)
	if err != nil || !allowed {
		return
	}
	settings, err := gk.store.GetGuildSettings(ctx, m.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting guild settings", tint.Err(err))
		return
	}

	if settings.WelcomeConfigured() {
		guildName := m.GuildID
		if g, ok := gk.guildName(m.GuildID); ok {
			guildName = g
		}
		if _, err = gk.messenger.ChannelMessageSend(
			*settings.WelcomeChannelID,
			welcomeMessage(settings.WelcomeMessage, m.Member, guildName),
		); err != nil {
			logger.WarnContext(ctx, "error sending welcome message", tint.Err(err))
		}
	}

	if settings.AutoroleConfigured() && !m.User.Bot {
		if err = gk.discord.session.GuildMemberRoleAdd(
			m.GuildID,
			m.User.ID,
			*settings.AutoroleRoleID,
		); err != nil {
			logger.WarnContext(ctx, "error assigning autorole", tint.Err(err))
		} else {
			logger.InfoContext(ctx, "assigned autorole", "role_id", *settings.AutoroleRoleID)
		}
	}

	gk.logToGuild(ctx, settings, fmt.Sprintf("📥 %s joined", userMention(m.User.ID)))
}

// guildName looks the guild up in the session state, if there is one
func (gk *GuildKeeper) guildName(guildID string) (string, bool) {
	ds, ok := gk.discord.session.(DiscordSession)
	if !ok || ds.session == nil || ds.session.State == nil {
		return "", false
	}
	g, err := ds.session.State.Guild(guildID)
	if err != nil || g == nil {
		return "", false
	}
	return g.Name, true
}
