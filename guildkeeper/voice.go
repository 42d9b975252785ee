package guildkeeper

import (
	"slices"
	"sync"

	"github.com/bwmarrin/discordgo"
)

type voicePresence struct {
	channelID string
	bot       bool
	deafened  bool
	muted     bool
}

func (p voicePresence) eligible() bool {
	return !p.bot && !p.deafened && !p.muted
}

// voiceTracker mirrors who is sitting in which voice channel, from
// voice state updates. It isn't persisted: after a restart members are
// picked up again as their voice state changes.
type voiceTracker struct {
	mu     sync.Mutex
	guilds map[string]map[string]voicePresence
}

func newVoiceTracker() *voiceTracker {
	return &voiceTracker{guilds: map[string]map[string]voicePresence{}}
}

// Update records a voice state. An empty channel ID means the member
// left voice.
func (v *voiceTracker) Update(vs *discordgo.VoiceState) {
	if vs == nil || vs.GuildID == "" || vs.UserID == "" {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	members := v.guilds[vs.GuildID]
	if vs.ChannelID == "" {
		if members != nil {
			delete(members, vs.UserID)
			if len(members) == 0 {
				delete(v.guilds, vs.GuildID)
			}
		}
		return
	}
	if members == nil {
		members = map[string]voicePresence{}
		v.guilds[vs.GuildID] = members
	}
	members[vs.UserID] = voicePresence{
		channelID: vs.ChannelID,
		bot:       vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot,
		deafened:  vs.Deaf || vs.SelfDeaf,
		muted:     vs.Mute || vs.SelfMute || vs.Suppress,
	}
}

// RemoveGuild forgets every member of the guild
func (v *voiceTracker) RemoveGuild(guildID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.guilds, guildID)
}

// Guilds returns the guilds with at least one tracked member
func (v *voiceTracker) Guilds() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	guildIDs := make([]string, 0, len(v.guilds))
	for guildID := range v.guilds {
		guildIDs = append(guildIDs, guildID)
	}
	slices.Sort(guildIDs)
	return guildIDs
}

// Eligible returns the guild's members that should earn voice XP: not a
// bot, not deafened or muted, and sharing their channel with at least one
// other such member.
func (v *voiceTracker) Eligible(guildID string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	byChannel := map[string][]string{}
	for userID, p := range v.guilds[guildID] {
		if p.eligible() {
			byChannel[p.channelID] = append(byChannel[p.channelID], userID)
		}
	}
	var userIDs []string
	for _, members := range byChannel {
		if len(members) >= 2 {
			userIDs = append(userIDs, members...)
		}
	}
	slices.Sort(userIDs)
	return userIDs
}
