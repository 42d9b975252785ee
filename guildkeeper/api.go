package guildkeeper

import (
	"context"
	cryprand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathQuit             = "/quit"
	apiPathSweep            = "/sweep"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathLoggedIn         = "/logged_in"
	apiHealthCheck          = "/healthz"
	apiPathConfig           = "/config"
	apiPathSetup            = "/setup"
	apiPathSetupStatus      = "/setup/status"
	apiPathAllowlist        = "/allowlist"
	apiPathAllowlistGuild   = "/allowlist/:guild_id"
	apiPathEconomyTop       = "/economy/top"
	apiPathTokens           = "/tokens"
	apiPathToken            = "/tokens/:id"

	apiPathGuild               = "/guilds/:guild_id"
	apiPathGuildSettings       = "/settings"
	apiPathGuildCommands       = "/commands"
	apiPathGuildCommand        = "/commands/:command"
	apiPathGuildLeaderboard    = "/leaderboard"
	apiPathGuildOverview       = "/overview"
	apiPathGuildAuditLog       = "/audit_log"
	apiPathGuildGithubWebhooks = "/github_webhooks"
	apiPathGuildGithubWebhook  = "/github_webhooks/:id"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"

	// principalContextKey holds the authenticated apiPrincipal
	principalContextKey = "principal"

	// apiLoggerContextKey holds the API's base logger, which request
	// loggers are derived from
	apiLoggerContextKey = "api_logger"

	apiStopTimeout    = 30 * time.Second
	overviewGiveaways = 10
)

// ErrNotAllowed is returned when an authenticated caller tries to reach
// something outside its scope
var ErrNotAllowed = errors.New("not allowed")

// API serves the admin HTTP interface
type API struct {
	gk                  *GuildKeeper
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI builds the gin engine and HTTP server. TLS is used when both a
// cert and key are configured.
func newAPI(gk *GuildKeeper, config *APIConfig) (*API, error) {
	logger := slog.New(componentHandler(config.LogLevel)).With(loggerNameKey, "api")

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		gk:                  gk,
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:              logger,
	}
	handlers := NewAPIHandlers(gk, api, logger)
	api.handlers = handlers
	api.store = handlers.store

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	} else {
		logger.Warn("ssl not configured, the api will be served over plain HTTP")
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, handlers.store),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	r.POST(apiPathLogin, handlers.loginHandler)
	r.POST(apiPathLogout, handlers.logoutHandler)
	r.GET(apiHealthCheck, handlers.healthCheck)
	r.POST(apiPathSetup, handlers.adminSetup)
	r.GET(apiPathSetupStatus, handlers.setupStatus)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	owner := protected.Group("")
	owner.Use(ownerOnlyMiddleware())
	owner.GET(apiPathLoggedIn, handlers.loggedIn)
	owner.GET(apiPathConfig, handlers.getConfig)
	owner.PATCH(apiPathConfig, handlers.updateRuntimeConfig)
	owner.POST(apiPathQuit, handlers.botQuit)
	owner.POST(apiPathSweep, handlers.sweep)
	owner.POST(apiPathRegisterCommands, handlers.discordRegisterCommands)
	owner.GET(apiPathAllowlist, handlers.getAllowlist)
	owner.POST(apiPathAllowlist, handlers.allowGuild)
	owner.DELETE(apiPathAllowlistGuild, handlers.disallowGuild)
	owner.GET(apiPathEconomyTop, handlers.economyTop)
	owner.GET(apiPathTokens, handlers.getTokens)
	owner.POST(apiPathTokens, handlers.createToken)
	owner.DELETE(apiPathToken, handlers.deleteToken)

	guild := protected.Group(apiPathGuild)
	guild.Use(guildScopeMiddleware())
	guild.GET(apiPathGuildSettings, handlers.getGuildSettings)
	guild.PATCH(apiPathGuildSettings, handlers.updateGuildSettings)
	guild.GET(apiPathGuildCommands, handlers.getCommandToggles)
	guild.PUT(apiPathGuildCommand, handlers.setCommandToggle)
	guild.GET(apiPathGuildLeaderboard, handlers.getLeaderboard)
	guild.GET(apiPathGuildOverview, handlers.getOverview)
	guild.GET(apiPathGuildAuditLog, handlers.getAuditLog)
	guild.GET(apiPathGuildGithubWebhooks, handlers.getGithubWebhooks)
	guild.POST(apiPathGuildGithubWebhooks, handlers.createGithubWebhook)
	guild.DELETE(apiPathGuildGithubWebhook, handlers.deleteGithubWebhook)

	return api, nil
}

// Serve listens on the configured address, reports the outcome on ready,
// and then serves until the server is shut down
func (a *API) Serve(ctx context.Context, ready chan<- error) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			if ready != nil {
				ready <- err
			}
			return err
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	if ready != nil {
		ready <- nil
	}
	a.logger.InfoContext(ctx, "serving api", "addr", a.Addr())
	return a.httpServer.Serve(a.listener)
}

// Addr returns the base URL the API is reachable at
func (a *API) Addr() string {
	scheme := "http"
	if a.httpServer.TLSConfig != nil {
		scheme = "https"
	}
	addr := a.config.Listen
	if a.listener != nil {
		addr = a.listener.Addr().String()
	}
	return fmt.Sprintf("%s://%s", scheme, addr)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, ok := username.(string)
	if !ok || s == "" {
		return "", errors.New("username not set in session")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

type APIHandlers struct {
	gk     *GuildKeeper
	api    *API
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the session cookie store. Without a configured
// secret a random key is generated, so sessions don't survive restarts.
func NewAPIHandlers(gk *GuildKeeper, api *API, logger *slog.Logger) *APIHandlers {
	var secretKey []byte
	switch sk := api.config.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(api.config))
	return &APIHandlers{gk: gk, api: api, logger: logger, store: store}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   config.SSL.Enabled() || config.Development,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// apiPrincipal is whoever a request is authenticated as: the admin user
// (through the session cookie), or an API token
type apiPrincipal struct {
	Username string
	Token    *APIToken
}

func (p apiPrincipal) isOwner() bool {
	return p.Token == nil || p.Token.Role == APITokenRoleOwner
}

func (p apiPrincipal) canManageGuild(guildID string) bool {
	if p.Token == nil {
		return true
	}
	return p.Token.CanManageGuild(guildID)
}

// actor is recorded as the actor of audit entries
func (p apiPrincipal) actor() string {
	if p.Token != nil {
		return "token:" + p.Token.ID
	}
	return "admin:" + p.Username
}

func contextPrincipal(c *gin.Context) apiPrincipal {
	if v, ok := c.Get(principalContextKey); ok {
		if p, ok := v.(apiPrincipal); ok {
			return p
		}
	}
	return apiPrincipal{}
}

// bindStrictJSON decodes the request body into v, rejecting unknown
// fields, and validates it
func bindStrictJSON(c *gin.Context, v any) error {
	if c.Request.Body == nil {
		return errors.New("empty request body")
	}
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return structValidator.Struct(v)
}

// setupStatus reports whether admin credentials still need to be set
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.gk.pendingSetup.Load()})
}

// adminSetup sets the initial admin credentials. Once set, it's forbidden.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	if !h.gk.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")
	var payload adminSetupPayload
	if err := bindStrictJSON(c, &payload); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	h.gk.cfgMu.Lock()
	defer h.gk.cfgMu.Unlock()
	if !h.gk.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}
	ctx := c.Request.Context()
	if err := h.gk.store.SetAdminCredentials(ctx, payload.Username, payload.Password); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		ginReplyError(c, "error updating admin credentials")
		return
	}
	cfg, _, err := h.gk.store.LoadRuntimeConfig(ctx)
	if err != nil {
		logger.Error("error reloading runtime config", tint.Err(err))
		ginReplyError(c, "error updating admin credentials")
		return
	}
	h.gk.runtimeConfig = &cfg
	h.gk.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

// loginHandler verifies the admin credentials and starts a session.
// Attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := bindStrictJSON(c, &login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := h.gk.RuntimeConfig()
	if runtimeConfig.PendingSetup() {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	valid, err := verifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "Internal Server Error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil || session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	session.Options = sessionOptions(h.api.config).ToGorillaOptions()
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		Paused:                  h.gk.paused.Load(),
		DiscordGatewayConnected: h.gk.discord.connected.Load(),
		Version:                 Version,
	}
	if !h.gk.startedAt.IsZero() {
		resp.Uptime = time.Since(h.gk.startedAt).Round(time.Second).String()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	session.Options.MaxAge = -1
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	p := contextPrincipal(c)
	if p.Token != nil {
		c.JSON(http.StatusOK, loggedInResponse{Username: p.actor()})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: p.Username})
}

// discordRegisterCommands overwrites the bot's slash commands
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.gk.RegisterSlashCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.gk.RuntimeConfig())
}

// updateRuntimeConfig applies a partial runtime config update. Other bot
// instances are notified to reload.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)
	var update RuntimeConfigUpdate
	if err := bindStrictJSON(c, &update); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	cfg, err := h.gk.updateRuntimeConfig(c.Request.Context(), update)
	if err != nil {
		logger.Error("error updating config", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: "error updating config"})
		return
	}
	logger.Info("updated runtime config", "config", cfg)
	c.JSON(http.StatusAccepted, cfg)
}

// botQuit sends a stop signal to every bot instance
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), apiStopTimeout)
	defer cancel()

	doneCh := make(chan struct{}, 1)
	go func() {
		h.gk.dbNotifier.Stop(ctx)
		doneCh <- struct{}{}
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// sweep runs the reminder and giveaway loops now, on every instance
func (h *APIHandlers) sweep(c *gin.Context) {
	if !h.gk.dbNotifier.Sweep(c.Request.Context()) {
		ginReplyError(c, "error requesting sweep")
		return
	}
	c.JSON(http.StatusAccepted, httpReply{Message: "sweep requested"})
}

func (h *APIHandlers) getAllowlist(c *gin.Context) {
	guilds, err := h.gk.store.AllowedGuilds(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting allowlist")
		return
	}
	c.JSON(http.StatusOK, guilds)
}

func (h *APIHandlers) allowGuild(c *gin.Context) {
	var payload allowGuildPayload
	if err := bindStrictJSON(c, &payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	ctx := c.Request.Context()
	p := contextPrincipal(c)
	g, err := h.gk.store.AllowGuild(ctx, payload.GuildID, p.actor(), payload.Notes)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error updating allowlist")
		return
	}
	h.recordAudit(c, payload.GuildID, "allowlist.add", payload.GuildID, payload.Notes)
	c.JSON(http.StatusCreated, g)
}

func (h *APIHandlers) disallowGuild(c *gin.Context) {
	guildID := c.Param("guild_id")
	removed, err := h.gk.store.DisallowGuild(c.Request.Context(), guildID)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error updating allowlist")
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, httpError{Error: "guild not on allowlist"})
		return
	}
	h.recordAudit(c, guildID, "allowlist.remove", guildID, "")
	ginReplyMessage(c, "guild removed from allowlist")
}

func (h *APIHandlers) economyTop(c *gin.Context) {
	var q paginationQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	accounts, err := h.gk.store.TopBalances(c.Request.Context(), q.Limit)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting balances")
		return
	}
	c.JSON(http.StatusOK, accounts)
}

func (h *APIHandlers) getTokens(c *gin.Context) {
	tokens, err := h.gk.store.APITokens(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting tokens")
		return
	}
	c.JSON(http.StatusOK, tokens)
}

// createToken returns the new token's bearer value. It's only shown once.
func (h *APIHandlers) createToken(c *gin.Context) {
	var payload createTokenPayload
	if err := bindStrictJSON(c, &payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	token, bearer, err := h.gk.store.CreateAPIToken(
		c.Request.Context(),
		payload.Name,
		payload.Role,
		payload.GuildIDs,
		contextPrincipal(c).actor(),
	)
	if err != nil {
		ginContextLogger(c).Warn("error creating token", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, createTokenResponse{APIToken: token, Token: bearer})
}

func (h *APIHandlers) deleteToken(c *gin.Context) {
	deleted, err := h.gk.store.DeleteAPIToken(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error deleting token")
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, httpError{Error: "token not found"})
		return
	}
	ginReplyMessage(c, "token deleted")
}

func (h *APIHandlers) getGuildSettings(c *gin.Context) {
	settings, err := h.gk.store.GetGuildSettings(c.Request.Context(), c.Param("guild_id"))
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting settings")
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *APIHandlers) updateGuildSettings(c *gin.Context) {
	var update GuildSettingsUpdate
	if err := bindStrictJSON(c, &update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	guildID := c.Param("guild_id")
	settings, err := h.gk.store.UpdateGuildSettings(c.Request.Context(), guildID, update)
	switch {
	case errors.Is(err, ErrInvalidSettings):
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	case err != nil:
		_ = c.Error(err)
		ginReplyError(c, "error updating settings")
		return
	}
	details, _ := json.Marshal(update)
	h.recordAudit(c, guildID, "settings.update", "", string(details))
	c.JSON(http.StatusOK, settings)
}

func (h *APIHandlers) getCommandToggles(c *gin.Context) {
	guildID := c.Param("guild_id")
	toggles, err := h.gk.store.CommandToggles(c.Request.Context(), guildID)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting commands")
		return
	}
	enabled := make(map[string]bool, len(SlashCommands))
	for _, name := range SlashCommands {
		enabled[name] = true
	}
	for _, t := range toggles {
		enabled[t.Command] = bool(t.Enabled)
	}
	c.JSON(http.StatusOK, enabled)
}

func (h *APIHandlers) setCommandToggle(c *gin.Context) {
	command := c.Param("command")
	if !slices.Contains(SlashCommands, command) {
		c.JSON(http.StatusNotFound, httpError{Error: "unknown command"})
		return
	}
	var payload commandTogglePayload
	if err := bindStrictJSON(c, &payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	guildID := c.Param("guild_id")
	if err := h.gk.store.SetCommandEnabled(
		c.Request.Context(),
		guildID,
		command,
		*payload.Enabled,
	); err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error updating command")
		return
	}
	h.recordAudit(
		c, guildID, "command.toggle", command,
		"enabled="+strconv.FormatBool(*payload.Enabled),
	)
	c.JSON(http.StatusOK, gin.H{"command": command, "enabled": *payload.Enabled})
}

func (h *APIHandlers) getLeaderboard(c *gin.Context) {
	var q paginationQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	records, err := h.gk.store.Leaderboard(c.Request.Context(), c.Param("guild_id"), q.Limit)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting leaderboard")
		return
	}
	c.JSON(http.StatusOK, records)
}

// getOverview gathers a guild's dashboard data concurrently
func (h *APIHandlers) getOverview(c *gin.Context) {
	guildID := c.Param("guild_id")
	var overview guildOverview
	overview.GuildID = guildID

	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(
		func() error {
			s, err := h.gk.store.GetGuildSettings(ctx, guildID)
			overview.Settings = s
			return err
		},
	)
	g.Go(
		func() error {
			records, err := h.gk.store.Leaderboard(ctx, guildID, leaderboardSize)
			overview.Leaderboard = records
			return err
		},
	)
	g.Go(
		func() error {
			giveaways, err := h.gk.store.ActiveGiveaways(ctx, guildID)
			if len(giveaways) > overviewGiveaways {
				giveaways = giveaways[:overviewGiveaways]
			}
			overview.ActiveGiveaways = giveaways
			return err
		},
	)
	g.Go(
		func() error {
			allowed, err := h.gk.store.IsGuildAllowed(ctx, guildID)
			overview.Allowlisted = allowed
			return err
		},
	)
	g.Go(
		func() error {
			entries, err := h.gk.store.AuditLog(ctx, guildID, overviewGiveaways, 0)
			overview.RecentAudit = entries
			return err
		},
	)
	if err := g.Wait(); err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting overview")
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (h *APIHandlers) getAuditLog(c *gin.Context) {
	var q paginationQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	entries, err := h.gk.store.AuditLog(c.Request.Context(), c.Param("guild_id"), q.Limit, q.Offset)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting audit log")
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *APIHandlers) getGithubWebhooks(c *gin.Context) {
	guildID := c.Param("guild_id")
	regs, err := h.gk.store.FindGithubWebhooks(
		c.Request.Context(),
		GithubWebhookFilter{GuildID: &guildID},
	)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting github webhooks")
		return
	}
	c.JSON(http.StatusOK, regs)
}

func (h *APIHandlers) createGithubWebhook(c *gin.Context) {
	var payload githubWebhookPayload
	if err := bindStrictJSON(c, &payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	guildID := c.Param("guild_id")
	reg := &GithubWebhookRegistration{
		GuildID:      guildID,
		ChannelID:    payload.ChannelID,
		Organization: payload.Organization,
		Repository:   payload.Repository,
		Events:       strings.Join(payload.Events, ","),
		Secret:       payload.Secret,
		Enabled:      true,
		CreatedBy:    contextPrincipal(c).actor(),
	}
	if err := h.gk.store.CreateGithubWebhook(c.Request.Context(), reg); err != nil {
		ginContextLogger(c).Warn("error creating github webhook", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	h.recordAudit(
		c, guildID, "github_webhook.create", strconv.FormatUint(uint64(reg.ID), 10),
		fmt.Sprintf("%s/%s", reg.Organization, reg.Repository),
	)
	c.JSON(http.StatusCreated, reg)
}

func (h *APIHandlers) deleteGithubWebhook(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid id"})
		return
	}
	guildID := c.Param("guild_id")
	deleted, err := h.gk.store.DeleteGithubWebhook(c.Request.Context(), guildID, uint(id))
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error deleting github webhook")
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, httpError{Error: "github webhook not found"})
		return
	}
	h.recordAudit(c, guildID, "github_webhook.delete", c.Param("id"), "")
	ginReplyMessage(c, "github webhook deleted")
}

// recordAudit appends an audit entry for the request's principal. Failures
// are logged, not returned.
func (h *APIHandlers) recordAudit(c *gin.Context, guildID, action, target, details string) {
	entry := &AuditLogEntry{
		GuildID:  guildID,
		ActorID:  contextPrincipal(c).actor(),
		Action:   action,
		TargetID: target,
		Details:  truncate(details, 1000),
	}
	if err := h.gk.store.RecordAudit(c.Request.Context(), entry); err != nil {
		ginContextLogger(c).Error("error recording audit entry", tint.Err(err))
	}
}

type paginationQuery struct {
	Limit  int `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool   `json:"paused"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Version                 string `json:"version"`
	Uptime                  string `json:"uptime,omitempty"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse tells clients whether admin credentials still need to
// be set
type setupResponse struct {
	Required bool `json:"required"`
}

type allowGuildPayload struct {
	GuildID string `json:"guild_id" binding:"required,numeric"`
	Notes   string `json:"notes" binding:"max=500"`
}

type createTokenPayload struct {
	Name     string       `json:"name" binding:"required,max=100"`
	Role     APITokenRole `json:"role" binding:"required,oneof=owner guild_admin"`
	GuildIDs []string     `json:"guild_ids" binding:"dive,numeric"`
}

type createTokenResponse struct {
	*APIToken
	Token string `json:"token"`
}

type commandTogglePayload struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type githubWebhookPayload struct {
	ChannelID    string   `json:"channel_id" binding:"required,numeric"`
	Organization string   `json:"organization"`
	Repository   string   `json:"repository"`
	Events       []string `json:"events"`
	Secret       string   `json:"secret" binding:"required,min=8"`
}

type guildOverview struct {
	GuildID         string          `json:"guild_id"`
	Allowlisted     bool            `json:"allowlisted"`
	Settings        GuildSettings   `json:"settings"`
	Leaderboard     []LevelRecord   `json:"leaderboard"`
	ActiveGiveaways []Giveaway      `json:"active_giveaways"`
	RecentAudit     []AuditLogEntry `json:"recent_audit"`
}

// authMiddleware authenticates the request with a bearer API token, or
// the admin session cookie. While setup is pending, every request is
// rejected.
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if a.gk.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		if auth := c.GetHeader("Authorization"); auth != "" {
			bearer, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok {
				c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
				return
			}
			token, err := a.gk.store.VerifyAPIToken(c.Request.Context(), bearer)
			if err != nil {
				if !errors.Is(err, ErrInvalidAPIToken) {
					logger.Error("error verifying api token", tint.Err(err))
				}
				c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
				return
			}
			c.Set(principalContextKey, apiPrincipal{Token: token})
			c.Next()
			return
		}

		username, err := a.getSessionUsername(c)
		if err != nil {
			logger.Warn("no session username", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		logger.Debug("got session", sessionVarField, username)
		c.Set(principalContextKey, apiPrincipal{Username: username})
		c.Next()
	}
}

// ownerOnlyMiddleware rejects guild admin tokens
func ownerOnlyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !contextPrincipal(c).isOwner() {
			c.AbortWithStatusJSON(http.StatusForbidden, httpError{Error: ErrNotAllowed.Error()})
			return
		}
		c.Next()
	}
}

// guildScopeMiddleware rejects guild admin tokens that don't list the
// requested guild
func guildScopeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		guildID := c.Param("guild_id")
		if guildID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: "guild_id required"})
			return
		}
		if !contextPrincipal(c).canManageGuild(guildID) {
			c.AbortWithStatusJSON(http.StatusForbidden, httpError{Error: ErrNotAllowed.Error()})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware sets a random request ID on the context and the
// response headers
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request's logger, creating it (with the
// request's details attached) on first use
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := v.(*slog.Logger); ok {
			return requestLogger
		}
	}
	base := slog.Default()
	if v, ok := c.Get(apiLoggerContextKey); ok {
		if l, ok := v.(*slog.Logger); ok {
			base = l
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs every request once it's finished, along
// with any errors attached to the gin context
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(apiLoggerContextKey, logger)
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := c.Request.Method + " " + route
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

// RequestMetrics returns a copy of the per-route request counts
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	m := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		m[k] = v
	}
	return m
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// generateSelfSignedCert writes a self-signed certificate and key, valid
// for a year, to the given paths
func generateSelfSignedCert(certFile string, keyFile string) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(cryprand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"GuildKeeper"},
		},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		cryprand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = certOut.Close()
	}()
	if err = pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return tls.Certificate{}, err
	}

	keyOut, err := os.Create(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = keyOut.Close()
	}()
	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	if err = pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes}); err != nil {
		return tls.Certificate{}, err
	}

	return tls.LoadX509KeyPair(certFile, keyFile)
}
