package guildkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFakeDiscord = errors.New("fake discord error")

type sentMessage struct {
	ChannelID string
	Content   string
}

type editedMessage struct {
	ChannelID string
	MessageID string
	Content   string
}

type roleChange struct {
	GuildID string
	UserID  string
	RoleID  string
	Added   bool
}

type addedReaction struct {
	ChannelID string
	MessageID string
	Emoji     string
}

// fakeSession is a [DiscordSessionHandler] that records every call.
// DM channels are named "dm-<user id>".
type fakeSession struct {
	mu sync.Mutex

	sent         []sentMessage
	edits        []editedMessage
	responses    []*discordgo.InteractionResponse
	roleChanges  []roleChange
	reactions    []addedReaction
	leftGuilds   []string
	identify     discordgo.Identify
	statusUpdate []discordgo.UpdateStatusData
	overwritten  []*discordgo.ApplicationCommand

	// messages are returned by ChannelMessage, keyed by message ID
	messages map[string]*discordgo.Message

	// failDM makes UserChannelCreate fail for these users
	failDM map[string]bool

	// failChannel makes ChannelMessageSend and ChannelMessageEdit fail
	// for these channels
	failChannel map[string]bool

	nextID   atomic.Int64
	opened   atomic.Bool
	handlers atomic.Int64
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		messages:    map[string]*discordgo.Message{},
		failDM:      map[string]bool{},
		failChannel: map[string]bool{},
	}
}

func (f *fakeSession) newMessageID() string {
	return fmt.Sprintf("fake-msg-%d", f.nextID.Add(1))
}

func (f *fakeSession) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

// SentTo returns the messages sent to channelID
func (f *fakeSession) SentTo(channelID string) []sentMessage {
	var msgs []sentMessage
	for _, m := range f.Sent() {
		if m.ChannelID == channelID {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

func (f *fakeSession) Edits() []editedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]editedMessage(nil), f.edits...)
}

func (f *fakeSession) Responses() []*discordgo.InteractionResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*discordgo.InteractionResponse(nil), f.responses...)
}

// LastResponse returns the content of the last interaction response
func (f *fakeSession) LastResponse(t testing.TB) *discordgo.InteractionResponseData {
	t.Helper()
	responses := f.Responses()
	require.NotEmpty(t, responses)
	data := responses[len(responses)-1].Data
	require.NotNil(t, data)
	return data
}

func (f *fakeSession) RoleChanges() []roleChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]roleChange(nil), f.roleChanges...)
}

func (f *fakeSession) SetMessage(m *discordgo.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[m.ID] = m
}

func (f *fakeSession) FailDM(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failDM[userID] = true
}

func (f *fakeSession) FailChannel(channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failChannel[channelID] = true
}

func (f *fakeSession) User(userID string, _ ...discordgo.RequestOption) (*discordgo.User, error) {
	return &discordgo.User{ID: userID, Username: "user_" + userID}, nil
}

func (f *fakeSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDM[recipientID] {
		return nil, errFakeDiscord
	}
	return &discordgo.Channel{ID: "dm-" + recipientID, Type: discordgo.ChannelTypeDM}, nil
}

func (f *fakeSession) Channel(channelID string, _ ...discordgo.RequestOption) (
	*discordgo.Channel,
	error,
) {
	return &discordgo.Channel{ID: channelID}, nil
}

func (f *fakeSession) ChannelMessageSend(
	channelID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failChannel[channelID] {
		return nil, errFakeDiscord
	}
	f.sent = append(f.sent, sentMessage{ChannelID: channelID, Content: content})
	return &discordgo.Message{ID: f.newMessageID(), ChannelID: channelID, Content: content}, nil
}

func (f *fakeSession) ChannelMessage(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[messageID]
	if !ok {
		return nil, errFakeDiscord
	}
	return m, nil
}

func (f *fakeSession) ChannelMessageEdit(
	channelID string,
	messageID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failChannel[channelID] {
		return nil, errFakeDiscord
	}
	f.edits = append(
		f.edits,
		editedMessage{ChannelID: channelID, MessageID: messageID, Content: content},
	)
	return &discordgo.Message{ID: messageID, ChannelID: channelID, Content: content}, nil
}

func (f *fakeSession) Open() error {
	f.opened.Store(true)
	return nil
}

func (f *fakeSession) Close() error {
	f.opened.Store(false)
	return nil
}

func (f *fakeSession) AddHandler(any) func() {
	f.handlers.Add(1)
	return func() {
		f.handlers.Add(-1)
	}
}

func (f *fakeSession) SetIdentify(i discordgo.Identify) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identify = i
}

func (f *fakeSession) SetLogLevel(slog.Level) error {
	return nil
}

func (f *fakeSession) SetHTTPClient(*http.Client) {}

func (f *fakeSession) UpdateCustomStatus(string) error {
	return nil
}

func (f *fakeSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusUpdate = append(f.statusUpdate, data)
	return nil
}

func (f *fakeSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overwritten = commands
	return commands, nil
}

func (f *fakeSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m := &discordgo.Message{ID: f.newMessageID()}
	if newresp.Content != nil {
		m.Content = *newresp.Content
	}
	return m, nil
}

func (f *fakeSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(
		f.reactions,
		addedReaction{ChannelID: channelID, MessageID: messageID, Emoji: emojiID},
	)
	return nil
}

func (f *fakeSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roleChanges = append(
		f.roleChanges,
		roleChange{GuildID: guildID, UserID: userID, RoleID: roleID, Added: true},
	)
	return nil
}

func (f *fakeSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roleChanges = append(
		f.roleChanges,
		roleChange{GuildID: guildID, UserID: userID, RoleID: roleID},
	)
	return nil
}

func (f *fakeSession) GuildLeave(guildID string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leftGuilds = append(f.leftGuilds, guildID)
	return nil
}

func TestDiscord_HandlersConnectDisconnect(t *testing.T) {
	t.Parallel()
	gk, session := newTestGuildKeeper(t)
	d := gk.discord

	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, d.connected.Load())
	assert.EqualValues(t, 1, d.metricConnects.Load())

	d.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, d.connected.Load())
	assert.EqualValues(t, 1, d.metricDisconnects.Load())

	// no notification channel configured
	assert.Empty(t, session.Sent())
}

func TestDiscord_HandlerConnectStartupMessage(t *testing.T) {
	t.Parallel()
	gk, session := newTestGuildKeeper(t)
	_, err := gk.updateRuntimeConfig(
		context.Background(),
		RuntimeConfigUpdate{DiscordNotificationChannelID: strPtr("555")},
	)
	require.NoError(t, err)

	gk.discord.handlerConnect()(nil, &discordgo.Connect{})
	msgs := session.SentTo("555")
	require.Len(t, msgs, 1)
	assert.Equal(t, gk.config.Discord.StartupMessage, msgs[0].Content)
}

func TestDiscord_HandlerReady(t *testing.T) {
	t.Parallel()
	gk, _ := newTestGuildKeeper(t)
	gk.discord.handlerReady()(
		nil, &discordgo.Ready{
			SessionID: "session",
			User:      &discordgo.User{ID: "bot-user"},
		},
	)
	assert.Equal(t, "bot-user", gk.discord.BotUserID())
}

func TestRegisterSlashCommands(t *testing.T) {
	t.Parallel()
	gk, session := newTestGuildKeeper(t)

	cmds, err := gk.RegisterSlashCommands()
	require.NoError(t, err)
	require.Len(t, cmds, len(SlashCommands))

	names := make([]string, 0, len(cmds))
	for _, c := range cmds {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, SlashCommands, names)
	assert.Len(t, session.overwritten, len(SlashCommands))
}

func TestInitDiscordSession(t *testing.T) {
	t.Parallel()
	gk, session := newTestGuildKeeper(t)
	wg := &sync.WaitGroup{}
	require.NoError(t, gk.initDiscordSession(context.Background(), wg))

	assert.Greater(t, session.handlers.Load(), int64(0))
	assert.Equal(t, gk.config.Discord.GatewayIntents, session.identify.Intents)

	gk.discord.removeHandlers()
	assert.Zero(t, session.handlers.Load())
}

func TestReactionEmoji(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "⭐", reactionEmoji(discordgo.Emoji{Name: "⭐"}))
	assert.Equal(t, "party:123", reactionEmoji(discordgo.Emoji{Name: "party", ID: "123"}))
}

func TestReactionCount(t *testing.T) {
	t.Parallel()
	m := &discordgo.Message{
		Reactions: []*discordgo.MessageReactions{
			{Count: 3, Emoji: &discordgo.Emoji{Name: "⭐"}},
			{Count: 1, Emoji: &discordgo.Emoji{Name: "🎉"}},
		},
	}
	assert.Equal(t, 3, reactionCount(m, "⭐"))
	assert.Equal(t, 0, reactionCount(m, "👍"))
	assert.Equal(t, 0, reactionCount(nil, "⭐"))
}
