package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/faizalmuzakki/guildkeeper/guildkeeper"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
		},
	)
	os.Clearenv()

	envFile := filepath.Join(t.TempDir(), "test.env")

	envContent := `
# General/database config

GK_DATABASE=/home/foo/guildkeeper.sqlite3
GK_DATABASE_TYPE=sqlite
GK_DATABASE_LOG_LEVEL=INFO
GK_DATABASE_SLOW_THRESHOLD=200ms
GK_LOG_LEVEL=INFO
GK_STARTUP_TIMEOUT=30s
GK_SHUTDOWN_TIMEOUT=60s
GK_RUNTIME_CONFIG_TTL=2m

# Leveling, economy and background loops

GK_LEVELING_MESSAGE_XP_MIN=10
GK_LEVELING_MESSAGE_XP_MAX=20
GK_LEVELING_COOLDOWN=90s
GK_LEVELING_VOICE_XP=5
GK_ECONOMY_DAILY_AMOUNT=125
GK_SCHEDULER_REMINDER_INTERVAL=15s
GK_SCHEDULER_GIVEAWAY_INTERVAL=45s
GK_SCHEDULER_VOICE_INTERVAL=2m
GK_SCHEDULER_SWEEP_CONCURRENCY=2

# Discord bot config

GK_DISCORD_TOKEN=your-discord-bot-token
GK_DISCORD_APPLICATION_ID=your-discord-bot-app-id
GK_DISCORD_GUILD_ID=
GK_DISCORD_LOG_LEVEL=WARN
GK_DISCORD_DISCORDGO_LOG_LEVEL=WARN
GK_DISCORD_STARTUP_MESSAGE="I'm here!"
GK_DISCORD_GATEWAY_INTENTS=3243773
GK_DISCORD_MESSAGES_PER_SECOND=2.5

# GitHub webhook server

GK_GITHUB_WEBHOOK_ENABLED=true
GK_GITHUB_WEBHOOK_LISTEN=127.0.0.1:5001
GK_GITHUB_WEBHOOK_SSL_CERT=/etc/ssl/cert.pem
GK_GITHUB_WEBHOOK_SSL_KEY=/etc/ssl/cert.key
GK_GITHUB_WEBHOOK_SSL_TLS_MIN_VERSION=771
GK_GITHUB_WEBHOOK_LOG_LEVEL=DEBUG
GK_GITHUB_WEBHOOK_READ_TIMEOUT=5s

# API server

GK_API_LISTEN=127.0.0.1:5000
GK_API_SSL_CERT=/etc/ssl/cert.pem
GK_API_SSL_KEY=/etc/ssl/key.pem
GK_API_SSL_TLS_MIN_VERSION=771
GK_API_SECRET=your-api-secret
GK_API_LOG_LEVEL=DEBUG
GK_API_DEVELOPMENT=true
GK_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
GK_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
GK_API_CORS_ALLOW_CREDENTIALS=true
GK_API_CORS_MAX_AGE=12h
GK_API_READ_TIMEOUT=5s
GK_API_WRITE_TIMEOUT=10s
GK_API_SESSION_MAX_AGE=6h
`
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0o644))

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/guildkeeper.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/guildkeeper.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("github_webhook.log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)

	var config guildkeeper.Config
	err := viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	require.NoError(t, err)

	assert.Equal(t, "/home/foo/guildkeeper.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.Equal(t, 2*time.Minute, config.RuntimeConfigTTL)

	assert.Equal(t, int64(10), config.Leveling.MessageXPMin)
	assert.Equal(t, int64(20), config.Leveling.MessageXPMax)
	assert.Equal(t, 90*time.Second, config.Leveling.Cooldown)
	assert.Equal(t, guildkeeper.DefaultXPCooldownEntries, config.Leveling.CooldownEntries)
	assert.Equal(t, int64(5), config.Leveling.VoiceXP)
	assert.Equal(t, int64(125), config.Economy.DailyAmount)
	assert.Equal(t, 15*time.Second, config.Scheduler.ReminderInterval)
	assert.Equal(t, 45*time.Second, config.Scheduler.GiveawayInterval)
	assert.Equal(t, 2*time.Minute, config.Scheduler.VoiceInterval)
	assert.Equal(t, 2, config.Scheduler.SweepConcurrency)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", config.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)
	assert.InDelta(t, 2.5, config.Discord.MessagesPerSecond, 0.001)

	assert.True(t, config.GithubWebhook.Enabled)
	assert.Equal(t, "127.0.0.1:5001", config.GithubWebhook.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", config.GithubWebhook.SSL.Cert)
	assert.Equal(t, "/etc/ssl/cert.key", config.GithubWebhook.SSL.Key)
	assert.Equal(t, uint16(771), config.GithubWebhook.SSL.TLSMinVersion)
	assert.Equal(t, slog.LevelDebug, config.GithubWebhook.LogLevel.Level())
	assert.Equal(t, int64(guildkeeper.DefaultGithubWebhookMaxBodyBytes), config.GithubWebhook.MaxBodyBytes)
	assert.Equal(t, 5*time.Second, config.GithubWebhook.ReadTimeout)

	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "tcp", config.API.ListenNetwork)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.True(t, config.API.SSL.Enabled())
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.True(t, config.API.Development)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
	assert.Equal(t, guildkeeper.DefaultCORSAllowHeaders, config.API.CORS.AllowHeaders)
	assert.True(t, config.API.CORS.AllowCredentials)
	assert.Equal(t, 12*time.Hour, config.API.CORS.MaxAge)
	assert.Equal(t, 6*time.Hour, config.API.SessionMaxAge)
}

func TestLevelToStringHookFunc(t *testing.T) {
	type levels struct {
		Level *slog.LevelVar `mapstructure:"level"`
	}

	var v levels
	decoder, err := mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{
			DecodeHook: LevelToStringHookFunc(),
			Result:     &v,
		},
	)
	require.NoError(t, err)
	require.NoError(t, decoder.Decode(map[string]any{"level": "warn"}))
	assert.Equal(t, slog.LevelWarn, v.Level.Level())

	err = decoder.Decode(map[string]any{"level": "loud"})
	assert.Error(t, err)
}

func TestRootCmd_ExecuteTwice(t *testing.T) {
	t.Setenv("GK_LOG_LEVEL", "WARN")
	t.Setenv("GK_API_LOG_LEVEL", "DEBUG")

	for i := 0; i < 2; i++ {
		rootCmd.SetArgs([]string{"version"})
		require.NoErrorf(t, rootCmd.Execute(), "run %d", i+1)

		assertLogLevel(t, slog.LevelWarn, viper.Get("log_level"))
		assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
		require.NotNil(t, cfg.LogLevel)
		assert.Equal(t, slog.LevelWarn, cfg.LogLevel.Level())
	}
}
