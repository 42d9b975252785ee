package guildkeeper

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord holds the gateway session and the state tied to it
type Discord struct {
	session           DiscordSessionHandler
	config            *DiscordConfig
	logger            *slog.Logger
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	metricMessages    atomic.Int64
	connected         atomic.Bool

	// botUserID is the bot's own user ID, set on Ready. Used to ignore
	// the bot's own reactions and messages.
	botUserID atomic.Value

	removeHandlerMu             sync.Mutex
	discordgoRemoveHandlerFuncs []func()
	gk                          *GuildKeeper
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{
		config:                      config,
		logger:                      logger,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession creates a discordgo session for the configured bot token
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.StateEnabled = true
	session.session = disc

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

func (d *Discord) BotUserID() string {
	id, _ := d.botUserID.Load().(string)
	return id
}

// removeHandlers removes every registered gateway handler
func (d *Discord) removeHandlers() {
	d.removeHandlerMu.Lock()
	defer d.removeHandlerMu.Unlock()
	for _, h := range d.discordgoRemoveHandlerFuncs {
		h()
	}
	d.discordgoRemoveHandlerFuncs = []func(){}
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUserID.Store(r.User.ID)
		}
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
		}
		d.logger.Info(
			"ready",
			"session_id", r.SessionID,
			"guilds", len(r.Guilds),
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func sessionUser(s *discordgo.Session) (sessionID, userID, username string) {
	if s != nil && s.State != nil {
		sessionID = s.State.SessionID
		if s.State.User != nil {
			userID = s.State.User.ID
			username = s.State.User.Username
		}
	}
	return sessionID, userID, username
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		sessionID, userID, username := sessionUser(s)
		d.logger.Info(
			"connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		if d.gk == nil || d.config.StartupMessage == "" {
			return
		}
		config := d.gk.RuntimeConfig()
		if config.DiscordNotificationChannelID == "" {
			return
		}
		if _, err := d.session.ChannelMessageSend(
			config.DiscordNotificationChannelID,
			d.config.StartupMessage,
			discordgo.WithRetryOnRatelimit(false),
			discordgo.WithRestRetries(1),
		); err != nil {
			d.logger.Error("unable to send startup message", tint.Err(err))
		} else {
			d.logger.Info("sent startup notification")
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		sessionID, userID, username := sessionUser(s)
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		slashCommands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	d.logger.Info("registered commands", "count", len(created))
	return created, nil
}

// DiscordSessionHandler is the set of [discordgo.Session] methods the bot
// uses, so tests can substitute a fake.
type DiscordSessionHandler interface {
	Messenger

	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	SetHTTPClient(client *http.Client)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// MessageReactionAdd adds a reaction to a message, as the bot
	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error

	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	GuildMemberRoleRemove(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	// GuildLeave makes the bot leave the guild
	GuildLeave(guildID string, options ...discordgo.RequestOption) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) User(userID string, options ...discordgo.RequestOption) (
	*discordgo.User,
	error,
) {
	return d.session.User(userID, options...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) Channel(channelID string, options ...discordgo.RequestOption) (
	*discordgo.Channel,
	error,
) {
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, content, options...)
	if err != nil {
		d.logger.Error("error sending message", "channel_id", channelID, tint.Err(err))
	}
	return msg, err
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessageEdit(
	channelID string,
	messageID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEdit(channelID, messageID, content, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, options...)
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleAdd(guildID, userID, roleID, options...)
}

func (d DiscordSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleRemove(guildID, userID, roleID, options...)
}

func (d DiscordSession) GuildLeave(guildID string, options ...discordgo.RequestOption) error {
	d.logger.Warn("leaving guild", "guild_id", guildID)
	return d.session.GuildLeave(guildID, options...)
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// reactionEmoji is the key reactions are stored and looked up by: the
// unicode character for standard emoji, or name:id for custom ones.
func reactionEmoji(e discordgo.Emoji) string {
	return e.APIName()
}

// reactionCount returns how many times the message was reacted to with
// emoji
func reactionCount(m *discordgo.Message, emoji string) int {
	if m == nil {
		return 0
	}
	for _, r := range m.Reactions {
		if r != nil && r.Emoji != nil && reactionEmoji(*r.Emoji) == emoji {
			return r.Count
		}
	}
	return 0
}
