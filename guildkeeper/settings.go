package guildkeeper

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultGuildVolume        = 100
	DefaultStarboardThreshold = 3
	MaxGuildVolume            = 200
)

// ErrInvalidSettings is returned when a settings write fails validation
var ErrInvalidSettings = errors.New("invalid guild settings")

// GuildSettings is the per-guild configuration row. A feature may be
// enabled while its channel (or role) is unset. That's a misconfiguration,
// not an error: the *Configured methods report whether a feature can
// actually be used.
type GuildSettings struct {
	GuildID string `gorm:"primaryKey" json:"guild_id"`

	WelcomeEnabled   Flag    `gorm:"not null" json:"welcome_enabled"`
	WelcomeChannelID *string `json:"welcome_channel_id"`
	WelcomeMessage   string  `gorm:"not null" json:"welcome_message"`

	AutoroleEnabled Flag    `gorm:"not null" json:"autorole_enabled"`
	AutoroleRoleID  *string `json:"autorole_role_id"`

	LoggingEnabled Flag    `gorm:"not null" json:"logging_enabled"`
	LogChannelID   *string `json:"log_channel_id"`

	StarboardEnabled   Flag    `gorm:"not null" json:"starboard_enabled"`
	StarboardChannelID *string `json:"starboard_channel_id"`
	StarboardThreshold int     `gorm:"not null" json:"starboard_threshold" binding:"min=1"`

	ConfessionEnabled   Flag    `gorm:"not null" json:"confession_enabled"`
	ConfessionChannelID *string `json:"confession_channel_id"`

	LevelingEnabled  Flag    `gorm:"not null" json:"leveling_enabled"`
	LevelUpChannelID *string `json:"level_up_channel_id"`

	Volume int `gorm:"not null" json:"volume" binding:"min=0,max=200"`

	ModelUnixTime
}

func (GuildSettings) TableName() string {
	return "guild_settings"
}

// DefaultGuildSettings returns the settings a guild has before anything
// is configured: every feature disabled, full volume, a starboard
// threshold of 3.
func DefaultGuildSettings(guildID string) GuildSettings {
	return GuildSettings{
		GuildID:            guildID,
		StarboardThreshold: DefaultStarboardThreshold,
		Volume:             DefaultGuildVolume,
	}
}

func (g GuildSettings) WelcomeConfigured() bool {
	return bool(g.WelcomeEnabled) && g.WelcomeChannelID != nil
}

func (g GuildSettings) AutoroleConfigured() bool {
	return bool(g.AutoroleEnabled) && g.AutoroleRoleID != nil
}

func (g GuildSettings) LoggingConfigured() bool {
	return bool(g.LoggingEnabled) && g.LogChannelID != nil
}

func (g GuildSettings) StarboardConfigured() bool {
	return bool(g.StarboardEnabled) && g.StarboardChannelID != nil
}

func (g GuildSettings) ConfessionConfigured() bool {
	return bool(g.ConfessionEnabled) && g.ConfessionChannelID != nil
}

// GuildSettingsUpdate is a partial settings change. Nil fields are left
// as they are. For the nullable channel and role IDs, an empty string
// clears the stored value.
type GuildSettingsUpdate struct {
	WelcomeEnabled   *bool   `json:"welcome_enabled,omitempty"`
	WelcomeChannelID *string `json:"welcome_channel_id,omitempty"`
	WelcomeMessage   *string `json:"welcome_message,omitempty" binding:"omitnil,max=2000"`

	AutoroleEnabled *bool   `json:"autorole_enabled,omitempty"`
	AutoroleRoleID  *string `json:"autorole_role_id,omitempty"`

	LoggingEnabled *bool   `json:"logging_enabled,omitempty"`
	LogChannelID   *string `json:"log_channel_id,omitempty"`

	StarboardEnabled   *bool   `json:"starboard_enabled,omitempty"`
	StarboardChannelID *string `json:"starboard_channel_id,omitempty"`
	StarboardThreshold *int    `json:"starboard_threshold,omitempty" binding:"omitnil,min=1"`

	ConfessionEnabled   *bool   `json:"confession_enabled,omitempty"`
	ConfessionChannelID *string `json:"confession_channel_id,omitempty"`

	LevelingEnabled  *bool   `json:"leveling_enabled,omitempty"`
	LevelUpChannelID *string `json:"level_up_channel_id,omitempty"`

	Volume *int `json:"volume,omitempty" binding:"omitnil,min=0,max=200"`
}

func mergeFlag(dst *Flag, v *bool) {
	if v != nil {
		*dst = Flag(*v)
	}
}

func mergeOptionalID(dst **string, v *string) {
	if v != nil {
		*dst = optionalString(*v)
	}
}

// apply merges the non-nil fields of u into g
func (u GuildSettingsUpdate) apply(g *GuildSettings) {
	mergeFlag(&g.WelcomeEnabled, u.WelcomeEnabled)
	mergeOptionalID(&g.WelcomeChannelID, u.WelcomeChannelID)
	if u.WelcomeMessage != nil {
		g.WelcomeMessage = *u.WelcomeMessage
	}

	mergeFlag(&g.AutoroleEnabled, u.AutoroleEnabled)
	mergeOptionalID(&g.AutoroleRoleID, u.AutoroleRoleID)

	mergeFlag(&g.LoggingEnabled, u.LoggingEnabled)
	mergeOptionalID(&g.LogChannelID, u.LogChannelID)

	mergeFlag(&g.StarboardEnabled, u.StarboardEnabled)
	mergeOptionalID(&g.StarboardChannelID, u.StarboardChannelID)
	if u.StarboardThreshold != nil {
		g.StarboardThreshold = *u.StarboardThreshold
	}

	mergeFlag(&g.ConfessionEnabled, u.ConfessionEnabled)
	mergeOptionalID(&g.ConfessionChannelID, u.ConfessionChannelID)

	mergeFlag(&g.LevelingEnabled, u.LevelingEnabled)
	mergeOptionalID(&g.LevelUpChannelID, u.LevelUpChannelID)

	if u.Volume != nil {
		g.Volume = *u.Volume
	}
}

var guildSettingsUpsert = clause.OnConflict{
	Columns:   []clause.Column{{Name: "guild_id"}},
	UpdateAll: true,
}

// GetGuildSettings returns the settings for guildID. A guild without a
// row gets one created with [DefaultGuildSettings], so this never
// reports not-found.
func (s *Store) GetGuildSettings(ctx context.Context, guildID string) (
	GuildSettings,
	error,
) {
	var settings GuildSettings
	err := s.reader(ctx).Where("guild_id = ?", guildID).Take(&settings).Error
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return settings, fmt.Errorf("error getting guild settings: %w", err)
	}

	defaults := DefaultGuildSettings(guildID)
	if _, err = s.db.Upsert(ctx, &defaults, clause.OnConflict{DoNothing: true}); err != nil {
		return settings, fmt.Errorf("error creating guild settings: %w", err)
	}
	if err = s.reader(ctx).Where("guild_id = ?", guildID).Take(&settings).Error; err != nil {
		return settings, fmt.Errorf("error getting guild settings: %w", err)
	}
	return settings, nil
}

// UpsertGuildSettings replaces the full settings row for settings.GuildID
func (s *Store) UpsertGuildSettings(ctx context.Context, settings GuildSettings) error {
	if settings.GuildID == "" {
		return fmt.Errorf("%w: guild_id is required", ErrInvalidSettings)
	}
	if err := structValidator.Struct(settings); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	if _, err := s.db.Upsert(ctx, &settings, guildSettingsUpsert); err != nil {
		return fmt.Errorf("error saving guild settings: %w", err)
	}
	return nil
}

// UpdateGuildSettings merges update into the guild's current settings
// and stores the result. The read, merge and write happen in one
// transaction, so concurrent partial updates of different fields don't
// overwrite each other.
func (s *Store) UpdateGuildSettings(
	ctx context.Context,
	guildID string,
	update GuildSettingsUpdate,
) (GuildSettings, error) {
	var settings GuildSettings
	if err := structValidator.Struct(update); err != nil {
		return settings, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}

	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			defaults := DefaultGuildSettings(guildID)
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&defaults).Error; err != nil {
				return err
			}
			if err := lockForUpdate(tx).Where("guild_id = ?", guildID).Take(&settings).Error; err != nil {
				return err
			}
			update.apply(&settings)
			if err := structValidator.Struct(settings); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
			}
			return tx.Save(&settings).Error
		},
	)
	if err != nil {
		if errors.Is(err, ErrInvalidSettings) {
			return settings, err
		}
		return settings, fmt.Errorf("error updating guild settings: %w", err)
	}
	return settings, nil
}
