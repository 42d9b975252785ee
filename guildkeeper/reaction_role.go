package guildkeeper

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReactionRoleBinding grants RoleID to members who react to MessageID
// with Emoji, and revokes it when they remove the reaction.
type ReactionRoleBinding struct {
	ModelUintID
	GuildID   string `gorm:"not null;uniqueIndex:idx_reaction_role" json:"guild_id"`
	MessageID string `gorm:"not null;uniqueIndex:idx_reaction_role" json:"message_id"`
	Emoji     string `gorm:"not null;uniqueIndex:idx_reaction_role" json:"emoji"`
	ChannelID string `gorm:"not null" json:"channel_id"`
	RoleID    string `gorm:"not null" json:"role_id"`
	ModelUnixTime
}

func (ReactionRoleBinding) TableName() string {
	return "reaction_roles"
}

// BindReactionRole creates the binding, or points an existing
// (guild, message, emoji) binding at a new role.
func (s *Store) BindReactionRole(
	ctx context.Context,
	guildID string,
	channelID string,
	messageID string,
	emoji string,
	roleID string,
) error {
	b := &ReactionRoleBinding{
		GuildID:   guildID,
		ChannelID: channelID,
		MessageID: messageID,
		Emoji:     emoji,
		RoleID:    roleID,
	}
	_, err := s.db.Upsert(
		ctx, b, clause.OnConflict{
			Columns: []clause.Column{
				{Name: "guild_id"},
				{Name: "message_id"},
				{Name: "emoji"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"role_id", "channel_id", "updated_at"}),
		},
	)
	if err != nil {
		return fmt.Errorf("error binding reaction role: %w", err)
	}
	return nil
}

// LookupReactionRole returns the role bound to the reaction, if any
func (s *Store) LookupReactionRole(
	ctx context.Context,
	guildID string,
	messageID string,
	emoji string,
) (string, bool, error) {
	var b ReactionRoleBinding
	err := s.reader(ctx).
		Where("guild_id = ? AND message_id = ? AND emoji = ?", guildID, messageID, emoji).
		Take(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("error looking up reaction role: %w", err)
	}
	return b.RoleID, true, nil
}

// UnbindReactionRole removes the binding, returning false if there
// wasn't one.
func (s *Store) UnbindReactionRole(
	ctx context.Context,
	guildID string,
	messageID string,
	emoji string,
) (bool, error) {
	n, err := s.db.Delete(
		ctx,
		&ReactionRoleBinding{},
		"guild_id = ? AND message_id = ? AND emoji = ?",
		guildID,
		messageID,
		emoji,
	)
	if err != nil {
		return false, fmt.Errorf("error unbinding reaction role: %w", err)
	}
	return n == 1, nil
}

// ListReactionRoles returns every binding in the guild
func (s *Store) ListReactionRoles(ctx context.Context, guildID string) (
	[]ReactionRoleBinding,
	error,
) {
	var bindings []ReactionRoleBinding
	err := s.reader(ctx).
		Where("guild_id = ?", guildID).
		Order("message_id").
		Order("emoji").
		Find(&bindings).Error
	if err != nil {
		return nil, fmt.Errorf("error listing reaction roles: %w", err)
	}
	return bindings, nil
}
