//nolint:lll // struct tags can't be split
package guildkeeper

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix      = "GUILDKEEPER_ENV_PREFIX"
	DefaultEnvPrefix        = "GK"
	DefaultDatabaseType     = "sqlite"
	DefaultDatabase         = "guildkeeper.sqlite3"
	DefaultLogLevel         = slog.LevelInfo
	DefaultStartupTimeout   = 30 * time.Second
	DefaultShutdownTimeout  = 60 * time.Second
	DefaultRuntimeConfigTTL = 5 * time.Minute

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsDirectMessages
	DefaultDiscordLogLevel          = slog.LevelWarn
	DefaultDiscordErrorMessage      = "sorry, something went wrong!"
	DefaultDiscordCustomStatus      = "keeping the guild in order"
	DefaultDiscordStartupMessage    = "I'm here!"
	DefaultDiscordMessagesPerSecond = 5.0
	discordMaxMessageLength         = 2000

	DefaultAPIListen        = "127.0.0.1:5000"
	DefaultUITLSMinVersion  = tls.VersionTLS12
	DefaultAPISessionMaxAge = 6 * time.Hour

	DefaultGithubWebhookListen        = "127.0.0.1:5001"
	DefaultGithubWebhookLogLevel      = slog.LevelInfo
	DefaultGithubWebhookTLSMinVersion = tls.VersionTLS12
	DefaultGithubWebhookMaxBodyBytes  = 1 << 20

	DefaultReminderInterval  = 30 * time.Second
	DefaultGiveawayInterval  = 30 * time.Second
	DefaultVoiceInterval     = 60 * time.Second
	DefaultSweepConcurrency  = 4
	DefaultXPCooldown        = 60 * time.Second
	DefaultXPCooldownEntries = 50000
	DefaultMessageXPMin      = 15
	DefaultMessageXPMax      = 25
	DefaultVoiceXP           = 10
	DefaultDailyAmount       = 100

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
		"Location",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures the gateway session and slash commands
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// GithubWebhook configures the inbound GitHub webhook relay
	GithubWebhook *GithubWebhookServerConfig `yaml:"github_webhook" mapstructure:"github_webhook" json:"github_webhook"`

	Leveling  *LevelingConfig  `yaml:"leveling" mapstructure:"leveling" json:"leveling"`
	Economy   *EconomyConfig   `yaml:"economy" mapstructure:"economy" json:"economy"`
	Scheduler *SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler" json:"scheduler"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// connect and start its background loops. If this is passed, the bot
	// will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL sets the time-to-live for the cached RuntimeConfig.
	// When running multiple instances, the config may become stale if
	// updated from another instance. If this TTL is above 0, the config is
	// reloaded at least every TTL. With PostgreSQL, LISTEN/NOTIFY is used
	// to announce updates in addition to this.
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// LevelingConfig controls how much XP messages and voice time are worth.
type LevelingConfig struct {
	// Minimum XP granted for an eligible message
	MessageXPMin int64 `yaml:"message_xp_min" mapstructure:"message_xp_min" json:"message_xp_min" binding:"min=1"`

	// Maximum XP granted for an eligible message
	MessageXPMax int64 `yaml:"message_xp_max" mapstructure:"message_xp_max" json:"message_xp_max" binding:"gtefield=MessageXPMin"`

	// Minimum time between XP-earning messages, per guild member
	Cooldown time.Duration `yaml:"cooldown" mapstructure:"cooldown" json:"cooldown" binding:"min=0"`

	// Maximum number of members tracked by the cooldown gate
	CooldownEntries int `yaml:"cooldown_entries" mapstructure:"cooldown_entries" json:"cooldown_entries" binding:"min=1"`

	// XP granted per voice tick to each eligible member
	VoiceXP int64 `yaml:"voice_xp" mapstructure:"voice_xp" json:"voice_xp" binding:"min=0"`
}

type EconomyConfig struct {
	// Amount credited by /daily
	DailyAmount int64 `yaml:"daily_amount" mapstructure:"daily_amount" json:"daily_amount" binding:"min=1"`
}

// SchedulerConfig sets the tick intervals of the background loops.
type SchedulerConfig struct {
	ReminderInterval time.Duration `yaml:"reminder_interval" mapstructure:"reminder_interval" json:"reminder_interval" binding:"min=1s"`
	GiveawayInterval time.Duration `yaml:"giveaway_interval" mapstructure:"giveaway_interval" json:"giveaway_interval" binding:"min=1s"`
	VoiceInterval    time.Duration `yaml:"voice_interval" mapstructure:"voice_interval" json:"voice_interval" binding:"min=1s"`

	// Number of guilds swept concurrently by the giveaway loop
	SweepConcurrency int `yaml:"sweep_concurrency" mapstructure:"sweep_concurrency" json:"sweep_concurrency" binding:"min=1"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If set, and [RuntimeConfig.DiscordNotificationChannelID] is set, the
	// bot sends this message to that channel whenever it connects to the
	// discord gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Outbound message budget for background loops (messages per second)
	MessagesPerSecond float64 `yaml:"messages_per_second" mapstructure:"messages_per_second" json:"messages_per_second" binding:"gt=0"`
}

// GithubWebhookServerConfig configures the server receiving GitHub
// webhook deliveries for [GithubWebhookRegistration] records.
type GithubWebhookServerConfig struct {
	// Determines if the webhook server should be active.
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the webhook server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Maximum accepted request body size
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes" json:"max_body_bytes" binding:"min=0"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age"  binding:"min=10m,max=24h"`

	// If true, the SameSite attribute of the session cookie will be set to
	// 'None', and pprof endpoints are mounted under /debug/pprof
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

func (s SSLConfig) Enabled() bool {
	return s.Cert != "" && s.Key != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lv := &slog.LevelVar{}
	lv.Set(level)
	return lv
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			StartupMessage:    DefaultDiscordStartupMessage,
			MessagesPerSecond: DefaultDiscordMessagesPerSecond,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultUITLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
		GithubWebhook: &GithubWebhookServerConfig{
			Listen:        DefaultGithubWebhookListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultGithubWebhookTLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultGithubWebhookLogLevel),
			MaxBodyBytes:      DefaultGithubWebhookMaxBodyBytes,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
		Leveling: &LevelingConfig{
			MessageXPMin:    DefaultMessageXPMin,
			MessageXPMax:    DefaultMessageXPMax,
			Cooldown:        DefaultXPCooldown,
			CooldownEntries: DefaultXPCooldownEntries,
			VoiceXP:         DefaultVoiceXP,
		},
		Economy: &EconomyConfig{
			DailyAmount: DefaultDailyAmount,
		},
		Scheduler: &SchedulerConfig{
			ReminderInterval: DefaultReminderInterval,
			GiveawayInterval: DefaultGiveawayInterval,
			VoiceInterval:    DefaultVoiceInterval,
			SweepConcurrency: DefaultSweepConcurrency,
		},
	}
}
