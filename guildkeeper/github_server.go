package guildkeeper

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	githubWebhookPath  = "/github/webhook"
	githubSignatureKey = "X-Hub-Signature-256"
	githubEventKey     = "X-GitHub-Event"
	githubDeliveryKey  = "X-GitHub-Delivery"
	githubSigPrefix    = "sha256="

	// githubBodyContextKey holds the buffered request body
	githubBodyContextKey = "github_body"

	defaultGithubMaxBodyBytes = 1 << 20
)

// GithubWebhookServer receives GitHub webhook deliveries and relays a
// summary of each to the channels registered for it
type GithubWebhookServer struct {
	gk         *GuildKeeper
	config     *GithubWebhookServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
}

func newGithubWebhookServer(
	gk *GuildKeeper,
	config *GithubWebhookServerConfig,
) (*GithubWebhookServer, error) {
	logger := slog.New(componentHandler(config.LogLevel)).With(loggerNameKey, "github_webhook")

	r := gin.New()
	srv := &GithubWebhookServer{gk: gk, config: config, engine: r, logger: logger}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	srv.httpServer = httpServer

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		githubSignatureMiddleware(config.MaxBodyBytes),
	)
	r.POST(githubWebhookPath, srv.handleDelivery)
	return srv, nil
}

func (g *GithubWebhookServer) Serve(ctx context.Context) error {
	network := g.config.ListenNetwork
	if network == "" {
		network = "tcp"
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, network, g.config.Listen)
	if err != nil {
		return err
	}
	if g.httpServer.TLSConfig == nil {
		g.logger.WarnContext(ctx, "starting server without TLS")
		return g.httpServer.Serve(ln)
	}
	return g.httpServer.ServeTLS(ln, "", "")
}

// githubSignatureMiddleware rejects deliveries without a signature header,
// and buffers the body so it can be verified against each candidate
// registration's secret
func githubSignatureMiddleware(maxBodyBytes int64) gin.HandlerFunc {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultGithubMaxBodyBytes
	}
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if !strings.HasPrefix(c.GetHeader(githubSignatureKey), githubSigPrefix) {
			logger.WarnContext(c, "missing signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "missing signature"})
			return
		}
		defer func() {
			_ = c.Request.Body.Close()
		}()
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
		if err != nil {
			logger.ErrorContext(c, "error reading body", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: "error reading body"})
			return
		}
		if int64(len(body)) > maxBodyBytes {
			c.AbortWithStatusJSON(
				http.StatusRequestEntityTooLarge,
				httpError{Error: "request body too large"},
			)
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Set(githubBodyContextKey, body)
		c.Next()
	}
}

// verifyGithubSignature reports whether signature (the
// X-Hub-Signature-256 header value) is the HMAC-SHA256 of body under
// secret
func verifyGithubSignature(secret string, body []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, githubSigPrefix)
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil || len(sig) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

func signGithubPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return githubSigPrefix + hex.EncodeToString(mac.Sum(nil))
}

// githubDelivery holds the payload fields used to route and summarize a
// delivery. Every event type carries a different subset.
type githubDelivery struct {
	Action     string `json:"action"`
	Ref        string `json:"ref"`
	Compare    string `json:"compare"`
	Repository *struct {
		FullName string `json:"full_name"`
		HTMLURL  string `json:"html_url"`
		Owner    struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	Organization *struct {
		Login string `json:"login"`
	} `json:"organization"`
	Sender *struct {
		Login string `json:"login"`
	} `json:"sender"`
	Commits     []json.RawMessage `json:"commits"`
	PullRequest *struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
		Merged  bool   `json:"merged"`
	} `json:"pull_request"`
	Issue *struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
	} `json:"issue"`
	Release *struct {
		TagName string `json:"tag_name"`
		Name    string `json:"name"`
		HTMLURL string `json:"html_url"`
	} `json:"release"`
}

func (d githubDelivery) repository() string {
	if d.Repository == nil {
		return ""
	}
	return d.Repository.FullName
}

func (d githubDelivery) organization() string {
	switch {
	case d.Organization != nil:
		return d.Organization.Login
	case d.Repository != nil:
		return d.Repository.Owner.Login
	default:
		return ""
	}
}

func (d githubDelivery) sender() string {
	if d.Sender == nil {
		return "someone"
	}
	return d.Sender.Login
}

// summary is the one-line message relayed to Discord
func (d githubDelivery) summary(event string) string {
	repo := d.repository()
	if repo == "" {
		repo = d.organization()
	}
	prefix := fmt.Sprintf("[%s]", repo)

	switch event {
	case "push":
		branch := strings.TrimPrefix(d.Ref, "refs/heads/")
		noun := "commits"
		if len(d.Commits) == 1 {
			noun = "commit"
		}
		return strings.TrimSpace(
			fmt.Sprintf(
				"%s %s pushed %d %s to %s %s",
				prefix, d.sender(), len(d.Commits), noun, branch, d.Compare,
			),
		)
	case "pull_request":
		if d.PullRequest != nil {
			action := d.Action
			if action == "closed" && d.PullRequest.Merged {
				action = "merged"
			}
			return fmt.Sprintf(
				"%s %s %s pull request #%d: %s %s",
				prefix, d.sender(), action, d.PullRequest.Number,
				d.PullRequest.Title, d.PullRequest.HTMLURL,
			)
		}
	case "issues":
		if d.Issue != nil {
			return fmt.Sprintf(
				"%s %s %s issue #%d: %s %s",
				prefix, d.sender(), d.Action, d.Issue.Number, d.Issue.Title, d.Issue.HTMLURL,
			)
		}
	case "release":
		if d.Release != nil {
			name := d.Release.Name
			if name == "" {
				name = d.Release.TagName
			}
			return fmt.Sprintf(
				"%s %s %s release %s %s",
				prefix, d.sender(), d.Action, name, d.Release.HTMLURL,
			)
		}
	case "ping":
		return fmt.Sprintf("%s webhook connected", prefix)
	}
	if d.Action != "" {
		return fmt.Sprintf("%s %s: %s by %s", prefix, event, d.Action, d.sender())
	}
	return fmt.Sprintf("%s %s by %s", prefix, event, d.sender())
}

// handleDelivery routes a delivery to every enabled registration that
// matches it and whose secret verifies the signature. Without a match it
// responds 202, and 401 when no candidate verified.
func (g *GithubWebhookServer) handleDelivery(c *gin.Context) {
	logger := ginContextLogger(c).With(
		"github_event", c.GetHeader(githubEventKey),
		"github_delivery", c.GetHeader(githubDeliveryKey),
	)
	ctx := WithLogger(c.Request.Context(), logger)

	event := c.GetHeader(githubEventKey)
	if event == "" {
		c.JSON(http.StatusBadRequest, httpError{Error: "missing event header"})
		return
	}
	body, _ := c.MustGet(githubBodyContextKey).([]byte)

	var delivery githubDelivery
	if err := json.Unmarshal(body, &delivery); err != nil {
		logger.WarnContext(ctx, "error parsing payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid payload"})
		return
	}

	candidates, err := g.gk.store.MatchGithubWebhooks(
		ctx,
		delivery.organization(),
		delivery.repository(),
		event,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error matching registrations", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if len(candidates) == 0 {
		logger.InfoContext(ctx, "no registrations matched")
		c.JSON(http.StatusAccepted, httpReply{Message: "no matching registrations"})
		return
	}

	signature := c.GetHeader(githubSignatureKey)
	summary := truncate(delivery.summary(event), 2000)
	var relayed int
	var errs []error
	for _, reg := range candidates {
		if !verifyGithubSignature(reg.Secret, body, signature) {
			continue
		}
		relayed++
		if _, e := g.gk.messenger.ChannelMessageSend(reg.ChannelID, summary); e != nil {
			logger.ErrorContext(
				ctx, "error relaying delivery",
				"registration_id", reg.ID,
				"channel_id", reg.ChannelID,
				tint.Err(e),
			)
			errs = append(errs, e)
		}
	}
	if relayed == 0 {
		logger.WarnContext(ctx, "signature didn't verify for any registration")
		c.JSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
		return
	}
	logger.InfoContext(
		ctx, "relayed delivery",
		"registrations", relayed,
		"errors", len(errs),
	)
	if err = errors.Join(errs...); err != nil && len(errs) == relayed {
		c.JSON(http.StatusBadGateway, httpError{Error: "error relaying delivery"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"relayed": relayed})
}
