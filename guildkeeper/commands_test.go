package guildkeeper

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{input: "10m", expected: 10 * time.Minute},
		{input: "2h30m", expected: 2*time.Hour + 30*time.Minute},
		{input: "1d", expected: 24 * time.Hour},
		{input: "1D12h", expected: 36 * time.Hour},
		{input: " 45s ", expected: 45 * time.Second},
		{input: "", wantErr: true},
		{input: "soon", wantErr: true},
		{input: "xd", wantErr: true},
		{input: "0d", wantErr: true},
		{input: "-5m", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				d, err := parseDuration(tc.input)
				if tc.wantErr {
					assert.Error(t, err)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.expected, d)
			},
		)
	}
}

func stringOpt(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func intOpt(name string, value int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

func userOpt(name, userID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionUser,
		Value: userID,
	}
}

func subcommandOpt(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:    name,
		Type:    discordgo.ApplicationCommandOptionSubCommand,
		Options: options,
	}
}

func newTestCommand(
	guildID, userID, command string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction-" + command,
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   guildID,
			ChannelID: "channel",
			Member: &discordgo.Member{
				User: &discordgo.User{ID: userID, Username: "user_" + userID},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    command,
				Options: options,
			},
		},
	}
}

func TestHandleInteraction_Daily(t *testing.T) {
	t.Parallel()
	gk, session := newTestGuildKeeper(t)
	ctx := context.Background()

	gk.handleInteraction(ctx, newTestCommand("guild", "u1", DiscordSlashCommandDaily))
	data := session.LastResponse(t)
	assert.Contains(t, data.Content, "You claimed "+formatCoins(DefaultDailyAmount))
	assert.Zero(t, data.Flags)

	gk.handleInteraction(ctx, newTestCommand("guild", "u1", DiscordSlashCommandDaily))
	data = session.LastResponse(t)
	assert.Contains(t, data.Content, "already claimed")
	assert.Equal(t, discordgo.MessageFlagsEphemeral, data.Flags)

	gk.handleInteraction(ctx, newTestCommand("guild", "u1", DiscordSlashCommandBalance))
	data = session.LastResponse(t)
	assert.Contains(t, data.Content, "Wallet: "+formatCoins(DefaultDailyAmount))
	assert.Contains(t, data.Content, "Bank: "+formatCoins(0))
}

func TestHandleInteraction_Pay(t *testing.T) {
	t.Parallel()
	gk, session := newTestGuildKeeper(t)
	ctx := context.Background()
	_, err := gk.store.AddBalance(ctx, "u1", 50)
	require.NoError(t, err)

	gk.handleInteraction(
		ctx,
		newTestCommand("guild", "u1", DiscordSlashCommandPay, userOpt("user", "u2"), intOpt("amount", 100)),
	)
	data := session.LastResponse(t)
	assert.Equal(t, "You don't have enough coins in your wallet.", data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, data.Flags)

	gk.handleInteraction(
		ctx,
		newTestCommand("guild", "u1", DiscordSlashCommandPay, userOpt("user", "u1"), intOpt("amount", 10)),
	)
	assert.Equal(t, "You can't pay yourself.", session.LastResponse(t).Content)

	gk.handleInteraction(
		ctx,
		newTestCommand("guild", "u1", DiscordSlashCommandPay, userOpt("user", "u2"), intOpt("amount", 30)),
	)
	assert.Equal(t, "<@u1> sent 🪙 30 to <@u2>.", session.LastResponse(t).Content)

	acct, err := gk.store.GetAccount(ctx, "u2")
	require.NoError(t, err)
	assert.EqualValues(t, 30, acct.Balance)
}

func TestHandleInteraction_Gates(t *testing.T) {
	t.Parallel()
	gk, session := newTestGuildKeeper(t)
	ctx := context.Background()

	gk.handleInteraction(ctx, newTestCommand("", "u1", DiscordSlashCommandBalance))
	assert.Equal(t, "Commands only work in servers.", session.LastResponse(t).Content)

	require.NoError(t, gk.store.SetCommandEnabled(ctx, "guild", DiscordSlashCommandDaily, false))
	gk.handleInteraction(ctx, newTestCommand("guild", "u1", DiscordSlashCommandDaily))
	assert.Equal(t, commandDisabledText, session.LastResponse(t).Content)

	mode := OperatingModeAllowlist
	_, err := gk.updateRuntimeConfig(ctx, RuntimeConfigUpdate{OperatingMode: &mode})
	require.NoError(t, err)
	gk.handleInteraction(ctx, newTestCommand("guild", "u1", DiscordSlashCommandBalance))
	assert.Equal(t, "This server isn't allowed to use me.", session.LastResponse(t).Content)

	_, err = gk.store.AllowGuild(ctx, "12345", "test", "")
	require.NoError(t, err)
	gk.handleInteraction(ctx, newTestCommand("12345", "u1", DiscordSlashCommandBalance))
	assert.Contains(t, session.LastResponse(t).Content, "Wallet:")

	gk.paused.Store(true)
	gk.handleInteraction(ctx, newTestCommand("12345", "u1", DiscordSlashCommandBalance))
	assert.Equal(t, pausedMessage, session.LastResponse(t).Content)

	before := len(session.Responses())
	bot := newTestCommand("12345", "bot", DiscordSlashCommandBalance)
	bot.Member.User.Bot = true
	gk.handleInteraction(ctx, bot)
	assert.Len(t, session.Responses(), before, "bots are ignored")
}

func TestHandleInteraction_Remind(t *testing.T) {
	t.Parallel()
	gk, session := newTestGuildKeeper(t)
	ctx := context.Background()

	gk.handleInteraction(
		ctx,
		newTestCommand(
			"guild", "u1", DiscordSlashCommandRemind,
			stringOpt("in", "tomorrow"), stringOpt("message", "x"),
		),
	)
	assert.Contains(t, session.LastResponse(t).Content, "couldn't understand")

	gk.handleInteraction(
		ctx,
		newTestCommand(
			"guild", "u1", DiscordSlashCommandRemind,
			stringOpt("in", "2h"), stringOpt("message", "check the oven"),
		),
	)
	assert.Contains(t, session.LastResponse(t).Content, "I'll remind you")

	pending, err := gk.store.PendingReminders(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "check the oven", pending[0].Message)
	assert.Equal(t, "channel", pending[0].ChannelID)
}

func TestHandleInteraction_Giveaway(t *testing.T) {
	t.Parallel()
	gk, session := newTestGuildKeeper(t)
	gk.intn = func(int) int { return 0 }
	gk.scheduler.intn = gk.intn
	ctx := context.Background()

	gk.handleInteraction(
		ctx,
		newTestCommand(
			"guild", "host", DiscordSlashCommandGiveaway,
			subcommandOpt("start", stringOpt("prize", "a mug"), stringOpt("duration", "1h"), intOpt("winners", 1)),
		),
	)
	require.Contains(t, session.LastResponse(t).Content, "Giveaway started!")
	posts := session.SentTo("channel")
	require.Len(t, posts, 1)
	assert.Contains(t, posts[0].Content, "Prize: **a mug**")

	active, err := gk.store.ActiveGiveaways(ctx, "guild")
	require.NoError(t, err)
	require.Len(t, active, 1)
	messageID := active[0].MessageID

	entered, err := gk.store.EnterGiveaway(ctx, messageID, "u1")
	require.NoError(t, err)
	require.True(t, entered)

	gk.handleInteraction(
		ctx,
		newTestCommand(
			"guild", "host", DiscordSlashCommandGiveaway,
			subcommandOpt("reroll", stringOpt("message_id", messageID)),
		),
	)
	assert.Equal(t, "That giveaway is still running.", session.LastResponse(t).Content)

	gk.handleInteraction(
		ctx,
		newTestCommand(
			"other-guild", "host", DiscordSlashCommandGiveaway,
			subcommandOpt("end", stringOpt("message_id", messageID)),
		),
	)
	assert.Equal(t, "I couldn't find that giveaway.", session.LastResponse(t).Content)

	gk.handleInteraction(
		ctx,
		newTestCommand(
			"guild", "host", DiscordSlashCommandGiveaway,
			subcommandOpt("end", stringOpt("message_id", messageID)),
		),
	)
	assert.Equal(t, "Giveaway ended.", session.LastResponse(t).Content)

	gk.handleInteraction(
		ctx,
		newTestCommand(
			"guild", "host", DiscordSlashCommandGiveaway,
			subcommandOpt("end", stringOpt("message_id", messageID)),
		),
	)
	assert.Equal(t, "That giveaway has already ended.", session.LastResponse(t).Content)

	var announcements int
	for _, m := range session.SentTo("channel") {
		if strings.Contains(m.Content, "<@u1>") {
			announcements++
		}
	}
	assert.Equal(t, 1, announcements)

	entries, err := gk.store.AuditLog(ctx, "guild", 10, 0)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"giveaway.end", "giveaway.start"}, actions)
}

func TestSlashCommands(t *testing.T) {
	t.Parallel()
	commands := slashCommands()
	names := make([]string, 0, len(commands))
	for _, c := range commands {
		names = append(names, c.Name)
		assert.NotEmpty(t, c.Description, c.Name)
	}
	assert.ElementsMatch(t, SlashCommands, names)
}
