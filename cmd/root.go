package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/faizalmuzakki/guildkeeper/guildkeeper"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = guildkeeper.DefaultConfig()
	configFile string
)

// levelKeys are the config keys holding a *slog.LevelVar, with their
// defaults
var levelKeys = []struct {
	key   string
	level slog.Level
}{
	{"log_level", guildkeeper.DefaultLogLevel},
	{"database_log_level", guildkeeper.DefaultDatabaseLogLevel},
	{"discord.log_level", guildkeeper.DefaultDiscordLogLevel},
	{"discord.discordgo_log_level", guildkeeper.DefaultDiscordgoLogLevel},
	{"api.log_level", guildkeeper.DefaultAPILogLevel},
	{"github_webhook.log_level", guildkeeper.DefaultGithubWebhookLogLevel},
}

// sliceKeys are string slices given as space separated env values
var sliceKeys = []string{
	"api.cors.allow_headers",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "guildkeeper [flags]",
	Short: "A Discord community bot: economy, leveling, reminders, giveaways and more",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names ("INFO", "debug") into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// Execute runs the root command with a context that's canceled on
// SIGINT/SIGTERM/SIGHUP
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setDefaults() {
	for _, lk := range levelKeys {
		viper.SetDefault(lk.key, lk.level.String())
	}

	viper.SetDefault("database", guildkeeper.DefaultDatabase)
	viper.SetDefault("database_type", guildkeeper.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", guildkeeper.DefaultDatabaseSlowThreshold)

	viper.SetDefault("runtime_config_ttl", guildkeeper.DefaultRuntimeConfigTTL)
	viper.SetDefault("startup_timeout", guildkeeper.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", guildkeeper.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.gateway_intents", guildkeeper.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", guildkeeper.DefaultDiscordStartupMessage)
	viper.SetDefault(
		"discord.messages_per_second",
		guildkeeper.DefaultDiscordMessagesPerSecond,
	)

	// Leveling, economy and the background loops
	viper.SetDefault("leveling.message_xp_min", guildkeeper.DefaultMessageXPMin)
	viper.SetDefault("leveling.message_xp_max", guildkeeper.DefaultMessageXPMax)
	viper.SetDefault("leveling.cooldown", guildkeeper.DefaultXPCooldown)
	viper.SetDefault("leveling.cooldown_entries", guildkeeper.DefaultXPCooldownEntries)
	viper.SetDefault("leveling.voice_xp", guildkeeper.DefaultVoiceXP)
	viper.SetDefault("economy.daily_amount", guildkeeper.DefaultDailyAmount)
	viper.SetDefault("scheduler.reminder_interval", guildkeeper.DefaultReminderInterval)
	viper.SetDefault("scheduler.giveaway_interval", guildkeeper.DefaultGiveawayInterval)
	viper.SetDefault("scheduler.voice_interval", guildkeeper.DefaultVoiceInterval)
	viper.SetDefault("scheduler.sweep_concurrency", guildkeeper.DefaultSweepConcurrency)

	// GitHub webhook server
	viper.SetDefault("github_webhook.enabled", false)
	viper.SetDefault("github_webhook.listen", guildkeeper.DefaultGithubWebhookListen)
	viper.SetDefault("github_webhook.listen_network", "tcp")
	viper.SetDefault(
		"github_webhook.max_body_bytes",
		guildkeeper.DefaultGithubWebhookMaxBodyBytes,
	)
	viper.SetDefault("github_webhook.read_timeout", guildkeeper.DefaultReadTimeout)
	viper.SetDefault(
		"github_webhook.read_header_timeout",
		guildkeeper.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("github_webhook.write_timeout", guildkeeper.DefaultWriteTimeout)
	viper.SetDefault("github_webhook.idle_timeout", guildkeeper.DefaultIdleTimeout)
	viper.SetDefault(
		"github_webhook.ssl.tls_min_version",
		guildkeeper.DefaultGithubWebhookTLSMinVersion,
	)

	// API config
	viper.SetDefault("api.listen", guildkeeper.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.session_max_age", guildkeeper.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", guildkeeper.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", guildkeeper.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", guildkeeper.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", guildkeeper.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", guildkeeper.DefaultUITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", guildkeeper.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", guildkeeper.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", guildkeeper.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", guildkeeper.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		guildkeeper.DefaultAPICORSAllowCredentials,
	)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	setDefaults()

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}
	// SSL paths have no default, so they're bound explicitly for
	// AutomaticEnv to pick them up during Unmarshal
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("github_webhook.ssl.cert"))
	fatalErr(viper.BindEnv("github_webhook.ssl.key"))

	envPrefix := os.Getenv(guildkeeper.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = guildkeeper.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, key := range sliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	// viper.Set overrides every other layer, so after the first run
	// GetString would return the *slog.LevelVar set below rather than
	// the env or default value. Read those layers directly instead.
	keyReplacer := strings.NewReplacer(".", "_")
	for _, lk := range levelKeys {
		lvl := lk.level.String()
		envName := strings.ToUpper(envPrefix + "_" + keyReplacer.Replace(lk.key))
		if v := os.Getenv(envName); v != "" {
			lvl = v
		}
		logLevelVar, err := levelStringToLevelVar(lvl)
		if err != nil {
			log.Fatalf("error parsing %s: %v", lk.key, err)
		}
		viper.Set(lk.key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from",
	)
}
