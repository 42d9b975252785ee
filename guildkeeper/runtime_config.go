package guildkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

type OperatingMode string

const (
	// OperatingModeOpen lets the bot operate in any guild it's added to
	OperatingModeOpen OperatingMode = "open"

	// OperatingModeAllowlist restricts the bot to [AllowedGuild] guilds.
	// It leaves any other guild it's added to.
	OperatingModeAllowlist OperatingMode = "allowlist"
)

var (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
)

// RuntimeConfig holds the bot-wide settings that can be changed while the
// bot is running, and are kept across restarts. There's a single row.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused stops the bot from handling commands and events. Background
	// loops skip their ticks while paused.
	Paused Flag `json:"paused" gorm:"not null"`

	// OperatingMode determines whether the bot may join any guild, or only
	// those on the allowlist
	OperatingMode OperatingMode `json:"operating_mode" gorm:"not null;default:open;check:operating_mode in ('open', 'allowlist')" binding:"oneof=open allowlist"`

	// RecoverPanic recovers panics in interaction handlers, logging the
	// stack trace instead of crashing.
	RecoverPanic Flag `json:"recover_panic" gorm:"not null"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string" binding:"max=128"`

	// DiscordNotificationChannelID, if set, receives the startup message
	// and operational notices.
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// DiscordErrorMessage is the reply sent when a command fails
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string" binding:"max=2000"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel              DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel       DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel     DBLogLevel `gorm:"default:WARN;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel      DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	APILogLevel           DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	GithubWebhookLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:github_webhook_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"github_webhook_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

// PendingSetup reports whether admin credentials have yet to be set
func (r RuntimeConfig) PendingSetup() bool {
	return r.AdminUsername == "" || r.AdminPassword == ""
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		OperatingMode:         OperatingModeOpen,
		DiscordCustomStatus:   DefaultDiscordCustomStatus,
		DiscordErrorMessage:   DefaultDiscordErrorMessage,
		LogLevel:              DBLogLevelInfo,
		DiscordLogLevel:       DBLogLevelInfo,
		DiscordGoLogLevel:     DBLogLevelWarn,
		DatabaseLogLevel:      DBLogLevelInfo,
		APILogLevel:           DBLogLevelInfo,
		GithubWebhookLogLevel: DBLogLevelInfo,
	}
}

// RuntimeConfigUpdate is a partial [RuntimeConfig] change. Nil fields are
// left as they are.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	OperatingMode *OperatingMode `json:"operating_mode,omitempty" binding:"omitnil,oneof=open allowlist"`

	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordErrorMessage          *string `json:"discord_error_message,omitempty" binding:"omitnil,min=1,max=2000"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty"`

	LogLevel              *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel       *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel     *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel      *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel           *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	GithubWebhookLogLevel *DBLogLevel `json:"github_webhook_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (u RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(u)
}

func mergeValue[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// apply merges the non-nil fields of u into cfg
func (u RuntimeConfigUpdate) apply(cfg *RuntimeConfig) {
	mergeFlag(&cfg.Paused, u.Paused)
	mergeFlag(&cfg.RecoverPanic, u.RecoverPanic)
	mergeValue(&cfg.OperatingMode, u.OperatingMode)
	mergeValue(&cfg.DiscordCustomStatus, u.DiscordCustomStatus)
	mergeValue(&cfg.DiscordErrorMessage, u.DiscordErrorMessage)
	mergeValue(&cfg.DiscordNotificationChannelID, u.DiscordNotificationChannelID)
	mergeValue(&cfg.LogLevel, u.LogLevel)
	mergeValue(&cfg.DiscordLogLevel, u.DiscordLogLevel)
	mergeValue(&cfg.DiscordGoLogLevel, u.DiscordGoLogLevel)
	mergeValue(&cfg.DatabaseLogLevel, u.DatabaseLogLevel)
	mergeValue(&cfg.APILogLevel, u.APILogLevel)
	mergeValue(&cfg.GithubWebhookLogLevel, u.GithubWebhookLogLevel)
}

// LoadRuntimeConfig returns the stored runtime config, creating it with
// [DefaultRuntimeConfig] if there isn't one yet. created is true when the
// row was just created.
func (s *Store) LoadRuntimeConfig(ctx context.Context) (
	cfg RuntimeConfig,
	created bool,
	err error,
) {
	err = s.reader(ctx).Last(&cfg).Error
	if err == nil {
		return cfg, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return cfg, false, fmt.Errorf("error getting runtime config: %w", err)
	}
	cfg = DefaultRuntimeConfig()
	if _, err = s.db.Create(ctx, &cfg); err != nil {
		return cfg, false, fmt.Errorf("error creating runtime config: %w", err)
	}
	return cfg, true, nil
}

// UpdateRuntimeConfig merges update into the stored config and saves it
func (s *Store) UpdateRuntimeConfig(ctx context.Context, update RuntimeConfigUpdate) (
	RuntimeConfig,
	error,
) {
	var cfg RuntimeConfig
	if err := update.validate(); err != nil {
		return cfg, err
	}
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := lockForUpdate(tx).Last(&cfg).Error; err != nil {
				return err
			}
			update.apply(&cfg)
			if err := structValidator.Struct(cfg); err != nil {
				return err
			}
			return tx.Save(&cfg).Error
		},
	)
	if err != nil {
		return cfg, fmt.Errorf("error updating runtime config: %w", err)
	}
	return cfg, nil
}

// SetAdminCredentials sets the admin username, and the argon2 hash of
// password.
func (s *Store) SetAdminCredentials(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return errors.New("username and password are required")
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	if _, _, err = s.LoadRuntimeConfig(ctx); err != nil {
		return err
	}
	_, err = s.db.UpdatesWhere(
		ctx,
		&RuntimeConfig{},
		map[string]any{
			columnRuntimeConfigAdminUsername: username,
			columnRuntimeConfigAdminPassword: hashed,
		},
		"1 = 1",
	)
	if err != nil {
		return fmt.Errorf("error setting admin credentials: %w", err)
	}
	return nil
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{
		Status: string(discordgo.StatusOnline),
		Game: discordgo.Activity{
			Name:  "Custom Status",
			Type:  discordgo.ActivityTypeCustom,
			State: config.DiscordCustomStatus,
		},
	}
}
