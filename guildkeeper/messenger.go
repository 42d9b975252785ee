package guildkeeper

import (
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
)

// Messenger is the slice of the Discord API used by the background loops
// and event handlers to read and post messages. [*discordgo.Session]
// satisfies it.
type Messenger interface {
	// User fetches a user
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)

	// UserChannelCreate opens (or returns the existing) DM channel with
	// the user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageEdit(
		channelID string,
		messageID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// rateLimitedMessenger spaces out outbound writes (sends, edits and DM
// channel creation) to stay under the configured budget. Reads aren't
// limited.
type rateLimitedMessenger struct {
	Messenger
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newRateLimitedMessenger(
	m Messenger,
	perSecond float64,
	logger *slog.Logger,
) *rateLimitedMessenger {
	if logger == nil {
		logger = slog.Default()
	}
	burst := max(1, int(perSecond))
	return &rateLimitedMessenger{
		Messenger: m,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:    logger.With(loggerNameKey, "messenger"),
	}
}

func (r *rateLimitedMessenger) wait() {
	delay := r.limiter.Reserve().Delay()
	if delay > 0 {
		r.logger.Debug("outbound message budget exhausted, waiting", "delay", delay)
		time.Sleep(delay)
	}
}

func (r *rateLimitedMessenger) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	r.wait()
	return r.Messenger.UserChannelCreate(recipientID, options...)
}

func (r *rateLimitedMessenger) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	r.wait()
	return r.Messenger.ChannelMessageSend(
		channelID,
		truncate(content, discordMaxMessageLength),
		options...,
	)
}

func (r *rateLimitedMessenger) ChannelMessageEdit(
	channelID string,
	messageID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	r.wait()
	return r.Messenger.ChannelMessageEdit(
		channelID,
		messageID,
		truncate(content, discordMaxMessageLength),
		options...,
	)
}

// sendDM opens a DM channel with the user and sends content there
func sendDM(m Messenger, userID, content string) (*discordgo.Message, error) {
	ch, err := m.UserChannelCreate(userID)
	if err != nil {
		return nil, err
	}
	return m.ChannelMessageSend(ch.ID, content)
}
