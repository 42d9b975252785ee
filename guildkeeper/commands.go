package guildkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandBalance     = "balance"
	DiscordSlashCommandDaily       = "daily"
	DiscordSlashCommandPay         = "pay"
	DiscordSlashCommandDeposit     = "deposit"
	DiscordSlashCommandWithdraw    = "withdraw"
	DiscordSlashCommandRichest     = "richest"
	DiscordSlashCommandRank        = "rank"
	DiscordSlashCommandLeaderboard = "leaderboard"
	DiscordSlashCommandRemind      = "remind"
	DiscordSlashCommandGiveaway    = "giveaway"

	leaderboardSize     = 10
	maxReminderDuration = 365 * 24 * time.Hour
	maxGiveawayDuration = 30 * 24 * time.Hour
	pausedMessage       = "I'm taking a break right now, try again later."
	commandDisabledText = "That command is disabled in this server."
)

// SlashCommands lists the names of every registered slash command
var SlashCommands = []string{
	DiscordSlashCommandBalance,
	DiscordSlashCommandDaily,
	DiscordSlashCommandPay,
	DiscordSlashCommandDeposit,
	DiscordSlashCommandWithdraw,
	DiscordSlashCommandRichest,
	DiscordSlashCommandRank,
	DiscordSlashCommandLeaderboard,
	DiscordSlashCommandRemind,
	DiscordSlashCommandGiveaway,
}

// errUserFacing carries a message that is shown to the user as-is,
// instead of the generic error message
type errUserFacing struct {
	msg string
}

func (e errUserFacing) Error() string {
	return e.msg
}

func userError(format string, args ...any) error {
	return errUserFacing{msg: fmt.Sprintf(format, args...)}
}

func slashCommands() []*discordgo.ApplicationCommand {
	dmPerm := false
	contexts := []discordgo.InteractionContextType{discordgo.InteractionContextGuild}
	manageGuild := int64(discordgo.PermissionManageGuild)
	minAmount := float64(1)
	minWinners := float64(1)
	maxWinners := float64(maxGiveawayWinners)

	userOpt := func(desc string, required bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionUser,
			Name:        "user",
			Description: desc,
			Required:    required,
		}
	}
	amountOpt := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionInteger,
		Name:        "amount",
		Description: "Number of coins",
		Required:    true,
		MinValue:    &minAmount,
	}
	messageIDOpt := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "message_id",
		Description: "ID of the giveaway message",
		Required:    true,
	}
	winnersOpt := func(required bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        "winners",
			Description: "Number of winners",
			Required:    required,
			MinValue:    &minWinners,
			MaxValue:    maxWinners,
		}
	}

	commands := []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandBalance,
			Description: "Show a wallet and bank balance",
			Options:     []*discordgo.ApplicationCommandOption{userOpt("Whose balance to show", false)},
		},
		{Name: DiscordSlashCommandDaily, Description: "Claim your daily coins"},
		{
			Name:        DiscordSlashCommandPay,
			Description: "Send coins to another member",
			Options: []*discordgo.ApplicationCommandOption{
				userOpt("Who to pay", true),
				amountOpt,
			},
		},
		{
			Name:        DiscordSlashCommandDeposit,
			Description: "Move coins from your wallet to your bank",
			Options:     []*discordgo.ApplicationCommandOption{amountOpt},
		},
		{
			Name:        DiscordSlashCommandWithdraw,
			Description: "Move coins from your bank to your wallet",
			Options:     []*discordgo.ApplicationCommandOption{amountOpt},
		},
		{Name: DiscordSlashCommandRichest, Description: "Show the richest members"},
		{
			Name:        DiscordSlashCommandRank,
			Description: "Show a member's level and rank",
			Options:     []*discordgo.ApplicationCommandOption{userOpt("Whose rank to show", false)},
		},
		{Name: DiscordSlashCommandLeaderboard, Description: "Show the server's XP leaderboard"},
		{
			Name:        DiscordSlashCommandRemind,
			Description: "Set a reminder",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "in",
					Description: "When to remind you, e.g. 10m, 2h30m, 1d",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "message",
					Description: "What to remind you about",
					Required:    true,
					MaxLength:   maxReminderMessageLength,
				},
			},
		},
		{
			Name:                     DiscordSlashCommandGiveaway,
			Description:              "Manage giveaways",
			DefaultMemberPermissions: &manageGuild,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "start",
					Description: "Start a giveaway in this channel",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "prize",
							Description: "What's being given away",
							Required:    true,
							MaxLength:   200,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "duration",
							Description: "How long it runs, e.g. 1h, 2d",
							Required:    true,
						},
						winnersOpt(false),
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "end",
					Description: "End a giveaway now",
					Options:     []*discordgo.ApplicationCommandOption{messageIDOpt},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "reroll",
					Description: "Draw new winners for an ended giveaway",
					Options: []*discordgo.ApplicationCommandOption{
						messageIDOpt,
						winnersOpt(false),
					},
				},
			},
		},
	}
	for _, c := range commands {
		c.Type = discordgo.ChatApplicationCommand
		c.DMPermission = &dmPerm
		c.Contexts = &contexts
	}
	return commands
}

// parseDuration accepts Go durations ("90m", "2h30m") plus a day suffix
// ("1d", "1d12h")
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, errors.New("empty duration")
	}
	var total time.Duration
	if days, rest, ok := strings.Cut(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		total = time.Duration(n) * 24 * time.Hour
		s = rest
	}
	if s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		total += d
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return total, nil
}

func formatCoins(n int64) string {
	return fmt.Sprintf("🪙 %d", n)
}

func interactionRespondMessage(content string, ephemeral bool) *discordgo.InteractionResponse {
	data := &discordgo.InteractionResponseData{
		Content:         truncate(content, discordMaxMessageLength),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	}
}

// commandInvocation is the resolved context of a slash command
type commandInvocation struct {
	interaction *discordgo.InteractionCreate
	user        *discordgo.User
	guildID     string
	channelID   string
	name        string
	options     map[string]*discordgo.ApplicationCommandInteractionDataOption

	// subcommand is set for commands with subcommands, in which case
	// options holds the subcommand's options
	subcommand string
}

func newCommandInvocation(i *discordgo.InteractionCreate, user *discordgo.User) commandInvocation {
	data := i.ApplicationCommandData()
	inv := commandInvocation{
		interaction: i,
		user:        user,
		guildID:     i.GuildID,
		channelID:   i.ChannelID,
		name:        data.Name,
		options:     discordInteractionOptions(data.Options),
	}
	if len(data.Options) == 1 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		inv.subcommand = data.Options[0].Name
		inv.options = discordInteractionOptions(data.Options[0].Options)
	}
	return inv
}

func (c commandInvocation) stringOption(name string) string {
	if opt, ok := c.options[name]; ok {
		return strings.TrimSpace(opt.StringValue())
	}
	return ""
}

func (c commandInvocation) intOption(name string, fallback int64) int64 {
	if opt, ok := c.options[name]; ok {
		return opt.IntValue()
	}
	return fallback
}

// userOption returns the ID of the user option, or of the invoking user
func (c commandInvocation) userOption(name string) string {
	if opt, ok := c.options[name]; ok {
		if u := opt.UserValue(nil); u != nil && u.ID != "" {
			return u.ID
		}
	}
	return c.user.ID
}

func (c commandInvocation) commandName() string {
	if c.subcommand != "" {
		return c.name + " " + c.subcommand
	}
	return c.name
}

// handleInteraction dispatches slash commands. Every command is gated by
// the allowlist and the guild's command toggles.
func (gk *GuildKeeper) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	if i == nil || i.Interaction == nil {
		return
	}
	logger := contextLoggerOr(ctx, gk.logger).With(
		slog.Group(
			"interaction",
			"id", i.ID,
			"type", i.Type.String(),
			"guild_id", i.GuildID,
			"channel_id", i.ChannelID,
		),
	)
	ctx = WithLogger(ctx, logger)

	if gk.RuntimeConfig().RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				gk.handleRecover(ctx, rc)
			}
		}()
	}

	if i.Type != discordgo.InteractionApplicationCommand {
		logger.DebugContext(ctx, "ignoring interaction")
		return
	}
	user := getDiscordUser(i)
	if user == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	if user.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user_id", user.ID)
		return
	}

	inv := newCommandInvocation(i, user)
	logger = logger.With("command", inv.commandName(), "user_id", user.ID)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received command")

	respond := func(content string, ephemeral bool) {
		if err := gk.discord.session.InteractionRespond(
			i.Interaction,
			interactionRespondMessage(content, ephemeral),
		); err != nil {
			logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
		}
	}

	if gk.paused.Load() {
		respond(pausedMessage, true)
		return
	}
	if inv.guildID == "" {
		respond("Commands only work in servers.", true)
		return
	}

	allowed, err := gk.guildAllowed(ctx, inv.guildID)
	if err != nil {
		logger.ErrorContext(ctx, "error checking allowlist", tint.Err(err))
		respond(gk.RuntimeConfig().DiscordErrorMessage, true)
		return
	}
	if !allowed {
		respond("This server isn't allowed to use me.", true)
		return
	}
	enabled, err := gk.store.IsCommandEnabled(ctx, inv.guildID, inv.name)
	if err != nil {
		logger.ErrorContext(ctx, "error checking command toggle", tint.Err(err))
		respond(gk.RuntimeConfig().DiscordErrorMessage, true)
		return
	}
	if !enabled {
		respond(commandDisabledText, true)
		return
	}

	content, ephemeral, err := gk.runCommand(ctx, inv)
	if err != nil {
		var ue errUserFacing
		if errors.As(err, &ue) {
			respond(ue.msg, true)
			return
		}
		logger.ErrorContext(ctx, "command failed", tint.Err(err))
		respond(gk.RuntimeConfig().DiscordErrorMessage, true)
		if settings, sErr := gk.store.GetGuildSettings(ctx, inv.guildID); sErr == nil {
			gk.logToGuild(
				ctx,
				settings,
				fmt.Sprintf("⚠️ `/%s` failed for %s: %s", inv.commandName(), userMention(user.ID), err),
			)
		}
		return
	}
	respond(content, ephemeral)
}

// runCommand executes the command, returning the reply
func (gk *GuildKeeper) runCommand(ctx context.Context, c commandInvocation) (
	content string,
	ephemeral bool,
	err error,
) {
	switch c.name {
	case DiscordSlashCommandBalance:
		return gk.commandBalance(ctx, c)
	case DiscordSlashCommandDaily:
		return gk.commandDaily(ctx, c)
	case DiscordSlashCommandPay:
		return gk.commandPay(ctx, c)
	case DiscordSlashCommandDeposit:
		return gk.commandDeposit(ctx, c)
	case DiscordSlashCommandWithdraw:
		return gk.commandWithdraw(ctx, c)
	case DiscordSlashCommandRichest:
		return gk.commandRichest(ctx)
	case DiscordSlashCommandRank:
		return gk.commandRank(ctx, c)
	case DiscordSlashCommandLeaderboard:
		return gk.commandLeaderboard(ctx, c)
	case DiscordSlashCommandRemind:
		return gk.commandRemind(ctx, c)
	case DiscordSlashCommandGiveaway:
		return gk.commandGiveaway(ctx, c)
	default:
		return "", true, userError("Unknown command.")
	}
}

func (gk *GuildKeeper) commandBalance(ctx context.Context, c commandInvocation) (string, bool, error) {
	userID := c.userOption("user")
	acct, err := gk.store.GetAccount(ctx, userID)
	if err != nil {
		return "", false, err
	}
	return fmt.Sprintf(
		"%s\nWallet: %s\nBank: %s\nNet worth: %s",
		userMention(userID),
		formatCoins(acct.Balance),
		formatCoins(acct.Bank),
		formatCoins(acct.NetWorth()),
	), false, nil
}

func (gk *GuildKeeper) commandDaily(ctx context.Context, c commandInvocation) (string, bool, error) {
	amount := gk.config.Economy.DailyAmount
	claimed, acct, err := gk.store.TryClaimDaily(ctx, c.user.ID, amount)
	if err != nil {
		return "", false, err
	}
	if !claimed {
		return fmt.Sprintf(
			"You've already claimed your daily coins. Come back <t:%d:R>.",
			acct.NextDaily().Unix(),
		), true, nil
	}
	return fmt.Sprintf(
		"You claimed %s! Your wallet now holds %s.",
		formatCoins(amount), formatCoins(acct.Balance),
	), false, nil
}

func (gk *GuildKeeper) commandPay(ctx context.Context, c commandInvocation) (string, bool, error) {
	to := c.userOption("user")
	amount := c.intOption("amount", 0)
	if to == c.user.ID {
		return "", true, userError("You can't pay yourself.")
	}
	if amount <= 0 {
		return "", true, userError("The amount must be positive.")
	}
	ok, err := gk.store.Transfer(ctx, c.user.ID, to, amount)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", true, userError("You don't have enough coins in your wallet.")
	}
	return fmt.Sprintf(
		"%s sent %s to %s.",
		userMention(c.user.ID), formatCoins(amount), userMention(to),
	), false, nil
}

func (gk *GuildKeeper) commandDeposit(ctx context.Context, c commandInvocation) (string, bool, error) {
	amount := c.intOption("amount", 0)
	ok, acct, err := gk.store.Deposit(ctx, c.user.ID, amount)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", true, userError("You don't have that many coins in your wallet.")
	}
	return fmt.Sprintf(
		"Deposited %s. Wallet: %s, bank: %s.",
		formatCoins(amount), formatCoins(acct.Balance), formatCoins(acct.Bank),
	), true, nil
}

func (gk *GuildKeeper) commandWithdraw(ctx context.Context, c commandInvocation) (string, bool, error) {
	amount := c.intOption("amount", 0)
	ok, acct, err := gk.store.Withdraw(ctx, c.user.ID, amount)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", true, userError("You don't have that many coins in your bank.")
	}
	return fmt.Sprintf(
		"Withdrew %s. Wallet: %s, bank: %s.",
		formatCoins(amount), formatCoins(acct.Balance), formatCoins(acct.Bank),
	), true, nil
}

func (gk *GuildKeeper) commandRichest(ctx context.Context) (string, bool, error) {
	accounts, err := gk.store.TopBalances(ctx, leaderboardSize)
	if err != nil {
		return "", false, err
	}
	if len(accounts) == 0 {
		return "Nobody has any coins yet.", false, nil
	}
	var b strings.Builder
	b.WriteString("💰 **Richest members**\n")
	for n, a := range accounts {
		fmt.Fprintf(&b, "%d. %s %s\n", n+1, userMention(a.UserID), formatCoins(a.NetWorth()))
	}
	return b.String(), false, nil
}

func (gk *GuildKeeper) commandRank(ctx context.Context, c commandInvocation) (string, bool, error) {
	userID := c.userOption("user")
	rec, err := gk.store.GetLevel(ctx, c.guildID, userID)
	if err != nil {
		return "", false, err
	}
	rank, err := gk.store.Rank(ctx, c.guildID, userID)
	if err != nil {
		return "", false, err
	}
	if rank == 0 {
		return fmt.Sprintf("%s hasn't earned any XP yet.", userMention(userID)), false, nil
	}
	next := XPForLevel(rec.Level + 1)
	return fmt.Sprintf(
		"%s is level **%d** (rank #%d)\nXP: %d / %d",
		userMention(userID), rec.Level, rank, rec.XP, next,
	), false, nil
}

func (gk *GuildKeeper) commandLeaderboard(ctx context.Context, c commandInvocation) (string, bool, error) {
	records, err := gk.store.Leaderboard(ctx, c.guildID, leaderboardSize)
	if err != nil {
		return "", false, err
	}
	if len(records) == 0 {
		return "Nobody has earned any XP yet.", false, nil
	}
	var b strings.Builder
	b.WriteString("🏆 **Leaderboard**\n")
	for n, r := range records {
		fmt.Fprintf(&b, "%d. %s level %d (%d XP)\n", n+1, userMention(r.UserID), r.Level, r.XP)
	}
	return b.String(), false, nil
}

func (gk *GuildKeeper) commandRemind(ctx context.Context, c commandInvocation) (string, bool, error) {
	in, err := parseDuration(c.stringOption("in"))
	if err != nil {
		return "", true, userError("I couldn't understand that time. Try something like 10m, 2h or 1d.")
	}
	if in > maxReminderDuration {
		return "", true, userError("Reminders can be at most a year away.")
	}
	message := c.stringOption("message")
	if message == "" {
		return "", true, userError("What should I remind you about?")
	}
	pending, err := gk.store.PendingReminders(ctx, c.user.ID)
	if err != nil {
		return "", false, err
	}
	if len(pending) >= maxPendingReminders {
		return "", true, userError("You have too many pending reminders.")
	}
	remindAt := time.Now().Add(in)
	guildID := c.guildID
	r, err := gk.store.CreateReminder(ctx, c.user.ID, c.channelID, &guildID, message, remindAt)
	if err != nil {
		return "", false, err
	}
	return fmt.Sprintf("⏰ I'll remind you <t:%d:R> (reminder #%d).", remindAt.Unix(), r.ID), true, nil
}

func (gk *GuildKeeper) commandGiveaway(ctx context.Context, c commandInvocation) (string, bool, error) {
	switch c.subcommand {
	case "start":
		return gk.commandGiveawayStart(ctx, c)
	case "end":
		return gk.commandGiveawayEnd(ctx, c)
	case "reroll":
		return gk.commandGiveawayReroll(ctx, c)
	default:
		return "", true, userError("Unknown giveaway command.")
	}
}

func (gk *GuildKeeper) commandGiveawayStart(ctx context.Context, c commandInvocation) (string, bool, error) {
	logger := contextLoggerOr(ctx, gk.logger)
	prize := c.stringOption("prize")
	if prize == "" {
		return "", true, userError("The giveaway needs a prize.")
	}
	d, err := parseDuration(c.stringOption("duration"))
	if err != nil || d > maxGiveawayDuration {
		return "", true, userError("The duration must be between 1s and 30d, like 1h or 2d.")
	}
	winners := int(c.intOption("winners", 1))
	if winners < 1 || winners > maxGiveawayWinners {
		return "", true, userError("Winners must be between 1 and %d.", maxGiveawayWinners)
	}
	endsAt := time.Now().Add(d)

	msg, err := gk.messenger.ChannelMessageSend(
		c.channelID,
		fmt.Sprintf(
			"%s **GIVEAWAY** %s\nPrize: **%s**\nWinners: %d\nEnds: <t:%d:R>\nHosted by %s\n\nReact with %s to enter!",
			giveawayEmoji, giveawayEmoji, prize, winners, endsAt.Unix(),
			userMention(c.user.ID), giveawayEmoji,
		),
	)
	if err != nil {
		return "", false, fmt.Errorf("error posting giveaway: %w", err)
	}
	if _, err = gk.store.CreateGiveaway(
		ctx, c.guildID, c.channelID, msg.ID, c.user.ID, prize, winners, endsAt,
	); err != nil {
		return "", false, err
	}
	if err = gk.discord.session.MessageReactionAdd(c.channelID, msg.ID, giveawayEmoji); err != nil {
		logger.WarnContext(ctx, "error adding giveaway reaction", tint.Err(err))
	}
	gk.audit(ctx, c.guildID, c.user.ID, "giveaway.start", msg.ID, prize)
	return fmt.Sprintf("Giveaway started! (message `%s`)", msg.ID), true, nil
}

// guildGiveaway returns the giveaway if it belongs to the invoking guild
func (gk *GuildKeeper) guildGiveaway(ctx context.Context, c commandInvocation) (*Giveaway, error) {
	messageID := c.stringOption("message_id")
	g, err := gk.store.GetGiveaway(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if g == nil || g.GuildID != c.guildID {
		return nil, userError("I couldn't find that giveaway.")
	}
	return g, nil
}

func (gk *GuildKeeper) commandGiveawayEnd(ctx context.Context, c commandInvocation) (string, bool, error) {
	g, err := gk.guildGiveaway(ctx, c)
	if err != nil {
		return "", true, err
	}
	result, err := gk.scheduler.ConcludeGiveaway(ctx, g.MessageID)
	if err != nil {
		return "", false, err
	}
	if result == nil {
		return "", true, userError("That giveaway has already ended.")
	}
	gk.audit(ctx, c.guildID, c.user.ID, "giveaway.end", g.MessageID, strings.Join(result.Winners, ","))
	return "Giveaway ended.", true, nil
}

func (gk *GuildKeeper) commandGiveawayReroll(ctx context.Context, c commandInvocation) (string, bool, error) {
	g, err := gk.guildGiveaway(ctx, c)
	if err != nil {
		return "", true, err
	}
	result, err := gk.store.RerollGiveaway(ctx, g.MessageID, int(c.intOption("winners", 0)), gk.intn)
	switch {
	case errors.Is(err, ErrGiveawayActive):
		return "", true, userError("That giveaway is still running.")
	case errors.Is(err, ErrGiveawayNotFound):
		return "", true, userError("I couldn't find that giveaway.")
	case err != nil:
		return "", false, err
	}
	announceGiveaway(ctx, contextLoggerOr(ctx, gk.logger), gk.messenger, result, true)
	gk.audit(ctx, c.guildID, c.user.ID, "giveaway.reroll", g.MessageID, strings.Join(result.Winners, ","))
	return "Rerolled.", true, nil
}

// audit records an administrative action, logging (not returning) errors
func (gk *GuildKeeper) audit(ctx context.Context, guildID, actorID, action, targetID, details string) {
	if err := gk.store.RecordAudit(
		ctx, &AuditLogEntry{
			GuildID:  guildID,
			ActorID:  actorID,
			Action:   action,
			TargetID: targetID,
			Details:  truncate(details, 1000),
		},
	); err != nil {
		contextLoggerOr(ctx, gk.logger).ErrorContext(ctx, "error recording audit entry", tint.Err(err))
	}
}
