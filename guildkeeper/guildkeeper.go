package guildkeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// Version, CommitSHA and BuildTime are set at build time, ex:
	// -ldflags "-X github.com/faizalmuzakki/guildkeeper/guildkeeper.Version=$$(date +'%Y%m%d')"
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// discordgo's logger is package-level, so only the first GuildKeeper sets it
var discordgoLoggerOnce sync.Once

const (
	setupPollInterval      = 5 * time.Second
	runtimeConfigSendWait  = 5 * time.Second
	runtimeConfigRefreshTO = 30 * time.Second
	shutdownAnnouncement   = 10 * time.Second
)

// GuildKeeper ties the store, the Discord gateway session, the background
// scheduler and the admin API together.
type GuildKeeper struct {
	config *Config

	// db is the read connection. writeDB wraps the same connection for
	// writes, serialized with a mutex on SQLite.
	db      *gorm.DB
	writeDB DBI
	store   *Store

	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord

	// messenger is the rate limited view of the discord session used by
	// event handlers and background loops
	messenger Messenger

	scheduler *Scheduler
	voice     *voiceTracker
	cooldown  *xpCooldown

	api          *API
	githubServer *GithubWebhookServer
	dbNotifier   DBNotifier

	// intn draws random numbers for message XP and giveaway winners
	intn func(n int) int

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished starting up
	signalReady chan struct{}

	// eventShutdown has a value sent on it when shutdown finishes
	eventShutdown chan struct{}

	runMu     sync.Mutex
	paused    atomic.Bool
	startedAt time.Time

	// pendingSetup is true until admin credentials are set. Run holds
	// after starting the API until then.
	pendingSetup atomic.Bool

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	triggerRuntimeConfigRefreshCh chan bool
	triggerSweepCh                chan struct{}
}

func componentHandler(level slog.Leveler) slog.Handler {
	return tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	)
}

// New creates a GuildKeeper from config. Nothing is connected until
// [GuildKeeper.Run] is called.
func New(config *Config) (*GuildKeeper, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	gk := &GuildKeeper{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerSweepCh:                make(chan struct{}, 1),
		voice:                         newVoiceTracker(),
		intn:                          rand.IntN,
	}
	cfg := DefaultRuntimeConfig()
	gk.runtimeConfig = &cfg

	gk.logHandler = componentHandler(config.LogLevel)
	gk.logger = slog.New(gk.logHandler)
	slog.SetDefault(gk.logger)

	discordgoLoggerOnce.Do(
		func() {
			discordgo.Logger = discordgoLoggerFunc(
				context.Background(),
				componentHandler(config.Discord.DiscordGoLogLevel),
			)
		},
	)

	gk.discord = newDiscord(
		config.Discord,
		slog.New(componentHandler(config.Discord.LogLevel)).With(loggerNameKey, "discord"),
	)
	gk.discord.gk = gk

	cooldown, err := newXPCooldown(config.Leveling.Cooldown, config.Leveling.CooldownEntries)
	if err != nil {
		errs = append(errs, err)
	}
	gk.cooldown = cooldown

	api, err := newAPI(gk, config.API)
	if err != nil {
		errs = append(errs, err)
	}
	gk.api = api

	if config.GithubWebhook.Enabled {
		server, e := newGithubWebhookServer(gk, config.GithubWebhook)
		if e != nil {
			errs = append(errs, e)
		}
		gk.githubServer = server
	}

	return gk, errors.Join(errs...)
}

func (gk *GuildKeeper) ValidateConfig() error {
	return ValidateConfig(gk.config)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (gk *GuildKeeper) RuntimeConfig() RuntimeConfig {
	gk.cfgMu.RLock()
	defer gk.cfgMu.RUnlock()
	return *gk.runtimeConfig
}

// Store returns the repository layer. It's nil until Run has initialized
// the database.
func (gk *GuildKeeper) Store() *Store {
	return gk.store
}

// RegisterSlashCommands overwrites the application's slash commands
func (gk *GuildKeeper) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return gk.discord.registerCommands(options...)
}

// Run connects to the database and Discord, starts the admin API and the
// background loops, and blocks until ctx is canceled or a stop signal is
// received. It then shuts down gracefully.
func (gk *GuildKeeper) Run(ctx context.Context) error {
	gk.runMu.Lock()
	defer gk.runMu.Unlock()

	gk.signalStop = make(chan struct{}, 1)
	gk.startedAt = time.Now()
	logger := gk.logger

	if err := gk.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", gk.config))

	// the 'runtime' context, which triggers a graceful shutdown when
	// canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-gk.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, gk.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- gk.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	apiReady := make(chan error, 1)
	go func() {
		httpErr := gk.api.Serve(ctx, apiReady)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()
	if err := <-apiReady; err != nil {
		return fmt.Errorf("error starting api: %w", err)
	}

	if err := gk.waitOnSetup(ctx, logger); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return gk.shutdown(ctx, runtimeWG)
	}

	if err := gk.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}
	logger.InfoContext(ctx, "connecting to discord")
	if err := gk.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		gk.scheduler.Run(ctx)
	}()

	if gk.githubServer != nil {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if e := gk.githubServer.Serve(ctx); e != nil && !errors.Is(e, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving github webhook HTTP", tint.Err(e))
			}
		}()
	}

	gk.startRuntimeConfigRefresher(ctx, runtimeWG, logger)
	gk.startSweepListener(ctx, runtimeWG)

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := gk.dbNotifier.Listen(ctx); e != nil {
			logger.ErrorContext(ctx, "error listening for notifications", tint.Err(e))
		}
	}()

	gk.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the runtime context - generally an
	// interrupt, or the `/api/quit` endpoint
	<-ctx.Done()
	return gk.shutdown(ctx, runtimeWG)
}

// initRun opens the database, loads the runtime config and builds the
// components that depend on them
func (gk *GuildKeeper) initRun(ctx context.Context) error {
	if err := gk.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	cfg, created, err := gk.store.LoadRuntimeConfig(ctx)
	if err != nil {
		return err
	}
	if created {
		gk.logger.InfoContext(ctx, "created default runtime config")
	}
	if err = structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid runtime config: %w", err)
	}
	gk.pendingSetup.Store(cfg.PendingSetup())
	gk.paused.Store(bool(cfg.Paused))
	gk.setRuntimeLevels(cfg)
	gk.cfgMu.Lock()
	gk.runtimeConfig = &cfg
	gk.cfgMu.Unlock()

	notifier, err := newDBNotifier(
		gk.config.DatabaseType,
		gk.config.Database,
		gk.writeDB,
		notifierSignals{
			reloadRuntimeConfig: gk.triggerRuntimeConfigRefreshCh,
			sweep:               gk.triggerSweepCh,
			stop:                gk.signalStop,
		},
		gk.logger,
	)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	gk.dbNotifier = notifier

	if gk.discord.session == nil {
		session, sErr := gk.discord.newSession()
		if sErr != nil {
			return sErr
		}
		gk.discord.session = session
	}
	if gk.messenger == nil {
		gk.messenger = newRateLimitedMessenger(
			gk.discord.session,
			gk.config.Discord.MessagesPerSecond,
			gk.logger,
		)
	}
	if gk.scheduler == nil {
		gk.scheduler = NewScheduler(
			gk.store,
			gk.messenger,
			gk.voice,
			*gk.config.Scheduler,
			gk.config.Leveling.VoiceXP,
			gk.logger,
		)
	}
	gk.scheduler.intn = gk.intn
	gk.scheduler.paused = gk.paused.Load
	return nil
}

func (gk *GuildKeeper) initDB(ctx context.Context) error {
	if gk.store != nil {
		return nil
	}
	handler := componentHandler(gk.config.DatabaseLogLevel)
	db, err := OpenDB(
		ctx,
		gk.config.DatabaseType,
		gk.config.Database,
		handler,
		gk.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return err
	}
	gk.db = db
	gk.writeDB = NewDatabase(db, gk.logger, gk.config.DatabaseType == dbTypePostgres)
	gk.store = NewStore(gk.writeDB, gk.logger)
	return nil
}

// waitOnSetup blocks until admin credentials exist, polling the database
func (gk *GuildKeeper) waitOnSetup(ctx context.Context, logger *slog.Logger) error {
	if !gk.pendingSetup.Load() {
		return nil
	}
	logger.WarnContext(
		ctx,
		fmt.Sprintf("pending initial setup at: %s%s", gk.api.Addr(), apiPathSetup),
	)
	ticker := time.NewTicker(setupPollInterval)
	defer ticker.Stop()

	for gk.pendingSetup.Load() {
		select {
		case <-ctx.Done():
			logger.WarnContext(ctx, "context cancelled waiting on setup")
			return nil
		case <-ticker.C:
			cfg, _, err := gk.store.LoadRuntimeConfig(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
				continue
			}
			if !cfg.PendingSetup() {
				gk.cfgMu.Lock()
				gk.runtimeConfig = &cfg
				gk.cfgMu.Unlock()
				gk.pendingSetup.Store(false)
			}
		}
	}
	return nil
}

// initDiscordSession sets the identify payload and registers the gateway
// event handlers. Each event is handled in its own goroutine, tracked by
// runtimeWG.
func (gk *GuildKeeper) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if gk.discord.session == nil {
		session, err := gk.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		gk.discord.session = session
	}
	gk.discord.removeHandlers()

	gk.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  gk.config.Discord.GatewayIntents,
			Presence: getDiscordPresenceStatusUpdate(gk.RuntimeConfig()),
		},
	)

	ctx = WithLogger(ctx, gk.discord.logger)
	dispatch := func(fn func()) {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			defer func() {
				if rc := recover(); rc != nil {
					gk.handleRecover(ctx, rc)
				}
			}()
			fn()
		}()
	}

	session := gk.discord.session
	gk.discord.removeHandlerMu.Lock()
	defer gk.discord.removeHandlerMu.Unlock()
	gk.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(gk.discord.handlerConnect()),
		session.AddHandler(gk.discord.handlerDisconnect()),
		session.AddHandler(gk.discord.handlerReady()),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				dispatch(func() { gk.handleInteraction(ctx, i) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				if gk.paused.Load() {
					return
				}
				dispatch(func() { gk.handleMessageCreate(ctx, m) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
				if gk.paused.Load() {
					return
				}
				dispatch(func() { gk.handleReactionAdd(ctx, r) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
				if gk.paused.Load() {
					return
				}
				dispatch(func() { gk.handleReactionRemove(ctx, r) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
				gk.handleVoiceStateUpdate(ctx, v)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildCreate) {
				dispatch(func() { gk.handleGuildCreate(ctx, g) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildDelete) {
				gk.handleGuildDelete(ctx, g)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
				if gk.paused.Load() {
					return
				}
				dispatch(func() { gk.handleGuildMemberAdd(ctx, m) })
			},
		),
	}
	return nil
}

// startRuntimeConfigRefresher reloads the runtime config every
// RuntimeConfigTTL, and whenever a refresh is triggered
func (gk *GuildKeeper) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	if ttl := gk.config.RuntimeConfigTTL; ttl > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case gk.triggerRuntimeConfigRefreshCh <- false:
						logger.Debug("sent config refresh signal from ticker")
					case <-ctx.Done():
						return
					case <-time.After(runtimeConfigSendWait):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case force := <-gk.triggerRuntimeConfigRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, runtimeConfigRefreshTO)
				gk.refreshRuntimeConfig(refreshCtx, force)
				refreshCancel()
			}
		}
	}()
}

// startSweepListener runs the background loops immediately whenever a
// sweep is requested through the notifier
func (gk *GuildKeeper) startSweepListener(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-gk.triggerSweepCh:
				gk.logger.InfoContext(ctx, "sweep requested")
				gk.scheduler.Trigger()
			}
		}
	}()
}

// refreshRuntimeConfig reloads the runtime config from the database, and
// applies changes to the discord presence and log levels. Unless force is
// set, a config that hasn't changed since the last load is skipped.
func (gk *GuildKeeper) refreshRuntimeConfig(ctx context.Context, force bool) {
	gk.cfgMu.Lock()
	defer gk.cfgMu.Unlock()

	var cfg RuntimeConfig
	if err := gk.db.WithContext(ctx).Last(&cfg).Error; err != nil {
		gk.logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		return
	}
	previous := *gk.runtimeConfig
	if !force && cfg.UpdatedAt == previous.UpdatedAt {
		gk.logger.DebugContext(ctx, "runtime config is up to date, skipping refresh")
		return
	}
	gk.applyRuntimeConfig(ctx, previous, cfg)
	gk.logger.InfoContext(ctx, "refreshed runtime config")
}

// applyRuntimeConfig swaps in cfg. Callers must hold cfgMu.
func (gk *GuildKeeper) applyRuntimeConfig(ctx context.Context, previous, cfg RuntimeConfig) {
	gk.runtimeConfig = &cfg
	gk.paused.Store(bool(cfg.Paused))
	gk.pendingSetup.Store(cfg.PendingSetup())
	gk.setRuntimeLevels(cfg)

	if gk.discord.session == nil || !gk.discord.connected.Load() {
		return
	}
	if previous.Paused != cfg.Paused || previous.DiscordCustomStatus != cfg.DiscordCustomStatus {
		presence := getDiscordPresenceStatusUpdate(cfg)
		if err := gk.discord.session.UpdateStatusComplex(
			discordgo.UpdateStatusData{
				AFK:        presence.AFK,
				Status:     presence.Status,
				Activities: []*discordgo.Activity{&presence.Game},
			},
		); err != nil {
			gk.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
		}
	}
}

// setRuntimeLevels applies the runtime config's log levels to each
// component's level var
func (gk *GuildKeeper) setRuntimeLevels(state RuntimeConfig) {
	gk.config.LogLevel.Set(state.LogLevel.Level())
	gk.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	gk.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	gk.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	gk.config.API.LogLevel.Set(state.APILogLevel.Level())
	gk.config.GithubWebhook.LogLevel.Set(state.GithubWebhookLogLevel.Level())
	if gk.discord.session != nil {
		if err := gk.discord.session.SetLogLevel(state.DiscordGoLogLevel.Level()); err != nil {
			gk.logger.Warn("error setting discordgo log level", tint.Err(err))
		}
	}
}

// updateRuntimeConfig saves the update, applies it locally, and tells
// other instances to reload
func (gk *GuildKeeper) updateRuntimeConfig(ctx context.Context, update RuntimeConfigUpdate) (
	RuntimeConfig,
	error,
) {
	gk.cfgMu.Lock()
	previous := *gk.runtimeConfig
	cfg, err := gk.store.UpdateRuntimeConfig(ctx, update)
	if err != nil {
		gk.cfgMu.Unlock()
		return cfg, err
	}
	gk.applyRuntimeConfig(ctx, previous, cfg)
	gk.cfgMu.Unlock()

	if pg, ok := gk.dbNotifier.(*postgresNotifier); ok {
		pg.notify(ctx, postgresNotifyChannelRuntimeConfig)
	}
	return cfg, nil
}

// shutdown waits for in-flight handlers and background loops, then closes
// the HTTP servers and the discord session. If that takes longer than
// ShutdownTimeout, everything is closed forcibly.
func (gk *GuildKeeper) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := gk.logger
	logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case gk.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	timeout := gk.config.ShutdownTimeout
	if timeout <= 0 {
		logger.Warn("immediate shutdown")
		gk.forceClose()
		return errors.New("immediate shutdown requested")
	}
	deadline := shutdownStart.Add(timeout)

	announcementTicker := time.NewTicker(shutdownAnnouncement)
	defer announcementTicker.Stop()

	closeCtx, closeCancel := context.WithDeadline(context.Background(), deadline)
	defer closeCancel()

	graceful := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		logger.InfoContext(
			ctx,
			"background loops and handlers stopped",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		stopWG := &sync.WaitGroup{}
		if gk.api != nil && gk.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				_ = gk.api.httpServer.Shutdown(closeCtx)
				logger.InfoContext(ctx, "api server stopped")
			}()
		}
		if gk.githubServer != nil && gk.githubServer.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				_ = gk.githubServer.httpServer.Shutdown(closeCtx)
				logger.InfoContext(ctx, "github webhook server stopped")
			}()
		}
		if gk.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				gk.discord.removeHandlers()
				_ = gk.discord.session.Close()
				logger.InfoContext(ctx, "discord session closed")
			}()
		}
		stopWG.Wait()
		graceful <- struct{}{}
	}()

	for {
		select {
		case <-graceful:
			logger.InfoContext(ctx, "shutdown complete", "shutdown_duration", time.Since(shutdownStart))
			return nil
		case <-announcementTicker.C:
			logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(deadline)))
		case <-closeCtx.Done():
			logger.Warn("did not stop in time, forcing close")
			gk.forceClose()
			return errors.New("graceful shutdown timed out")
		}
	}
}

func (gk *GuildKeeper) forceClose() {
	if gk.api != nil && gk.api.httpServer != nil {
		go func() { _ = gk.api.httpServer.Close() }()
	}
	if gk.githubServer != nil && gk.githubServer.httpServer != nil {
		go func() { _ = gk.githubServer.httpServer.Close() }()
	}
}

// handleRecover logs a recovered panic along with its stack trace
func (*GuildKeeper) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(errors.New(v)), "stack_trace", stackTrace)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
