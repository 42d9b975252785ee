package guildkeeper

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"
)

// AllowedGuild is a guild the bot may operate in when
// [RuntimeConfig.OperatingMode] is [OperatingModeAllowlist].
type AllowedGuild struct {
	GuildID string `gorm:"primaryKey" json:"guild_id" binding:"required,numeric"`
	AddedBy string `json:"added_by"`
	Notes   string `json:"notes" binding:"max=500"`
	ModelUnixTime
}

func (AllowedGuild) TableName() string {
	return "allowed_guilds"
}

// AllowGuild adds (or updates the notes of) an allowlist entry
func (s *Store) AllowGuild(ctx context.Context, guildID, addedBy, notes string) (
	*AllowedGuild,
	error,
) {
	g := &AllowedGuild{GuildID: guildID, AddedBy: addedBy, Notes: notes}
	if err := structValidator.Struct(g); err != nil {
		return nil, fmt.Errorf("invalid allowlist entry: %w", err)
	}
	_, err := s.db.Upsert(
		ctx, g, clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"notes", "added_by", "updated_at"}),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error allowing guild: %w", err)
	}
	return g, nil
}

// DisallowGuild removes the guild from the allowlist
func (s *Store) DisallowGuild(ctx context.Context, guildID string) (bool, error) {
	n, err := s.db.Delete(ctx, &AllowedGuild{}, "guild_id = ?", guildID)
	if err != nil {
		return false, fmt.Errorf("error removing allowed guild: %w", err)
	}
	return n == 1, nil
}

func (s *Store) IsGuildAllowed(ctx context.Context, guildID string) (bool, error) {
	var n int64
	err := s.reader(ctx).Model(&AllowedGuild{}).Where("guild_id = ?", guildID).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("error checking allowlist: %w", err)
	}
	return n > 0, nil
}

func (s *Store) AllowedGuilds(ctx context.Context) ([]AllowedGuild, error) {
	var guilds []AllowedGuild
	if err := s.reader(ctx).Order("guild_id").Find(&guilds).Error; err != nil {
		return nil, fmt.Errorf("error listing allowed guilds: %w", err)
	}
	return guilds, nil
}

// CommandToggle disables (or re-enables) a slash command in one guild.
// Commands without a row are enabled.
type CommandToggle struct {
	GuildID string `gorm:"primaryKey" json:"guild_id"`
	Command string `gorm:"primaryKey" json:"command"`
	Enabled Flag   `gorm:"not null" json:"enabled"`
	ModelUnixTime
}

func (CommandToggle) TableName() string {
	return "command_toggles"
}

func (s *Store) SetCommandEnabled(
	ctx context.Context,
	guildID string,
	command string,
	enabled bool,
) error {
	_, err := s.db.Upsert(
		ctx,
		&CommandToggle{GuildID: guildID, Command: command, Enabled: Flag(enabled)},
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}, {Name: "command"}},
			DoUpdates: clause.AssignmentColumns([]string{"enabled", "updated_at"}),
		},
	)
	if err != nil {
		return fmt.Errorf("error toggling command: %w", err)
	}
	return nil
}

func (s *Store) IsCommandEnabled(ctx context.Context, guildID, command string) (bool, error) {
	var toggles []CommandToggle
	err := s.reader(ctx).
		Where("guild_id = ? AND command = ?", guildID, command).
		Limit(1).
		Find(&toggles).Error
	if err != nil {
		return false, fmt.Errorf("error checking command toggle: %w", err)
	}
	if len(toggles) == 0 {
		return true, nil
	}
	return bool(toggles[0].Enabled), nil
}

func (s *Store) CommandToggles(ctx context.Context, guildID string) ([]CommandToggle, error) {
	var toggles []CommandToggle
	err := s.reader(ctx).Where("guild_id = ?", guildID).Order("command").Find(&toggles).Error
	if err != nil {
		return nil, fmt.Errorf("error listing command toggles: %w", err)
	}
	return toggles, nil
}
