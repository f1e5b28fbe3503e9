// Package webhook exposes the inbound HTTP triggers: provider change
// notifications, manual sync requests and status.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vonshlovens/remotesync/internal/account"
	"github.com/vonshlovens/remotesync/internal/poller"
	"github.com/vonshlovens/remotesync/internal/ratelimit"
	"github.com/vonshlovens/remotesync/internal/store"
	engine "github.com/vonshlovens/remotesync/internal/sync"
)

const (
	signatureHeader = "X-Dropbox-Signature"
	// channelTokenHeader carries the token of a Drive push channel
	channelTokenHeader = "X-Goog-Channel-Token"
	maxBodyBytes       = 1 << 20
)

// Syncer receives change notifications
type Syncer interface {
	NotifyChange(accountID string)
	NotifyResourceEdited(ctx context.Context, accountID, resourceID, containerID string) error
}

// Accounts resolves the accounts a notification refers to
type Accounts interface {
	account.Lookup
	ByRemote(provider account.Provider, remoteID string) []account.Account
}

// Options configures the router
type Options struct {
	Syncer   Syncer
	Accounts Accounts
	// DropboxAppSecret signs dropbox notifications; without it they are
	// rejected
	DropboxAppSecret string
	// Token authenticates the drive and manual sync endpoints, sent as a
	// bearer token or a Drive channel token; without it they are rejected
	Token string
	// Status sources; nil ones are omitted from /status
	Store   store.Store
	Poller  *poller.Scheduler
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
}

type handler struct {
	opts Options
	log  *slog.Logger
}

// NewRouter builds the gin engine serving the trigger endpoints
func NewRouter(opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &handler{opts: opts, log: opts.Logger}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(opts.Logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", h.status)

	hooks := r.Group("/webhooks")
	{
		hooks.GET("/dropbox", h.dropboxChallenge)
		hooks.POST("/dropbox", h.dropboxNotify)
		hooks.POST("/drive/:account/resources/:resource", requireToken(opts.Token, opts.Logger), h.driveResource)
	}

	accounts := r.Group("/accounts/:account")
	accounts.Use(requireToken(opts.Token, opts.Logger))
	{
		accounts.POST("/sync", h.syncAccount)
		accounts.GET("/status", h.accountStatus)
	}
	return r
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// requireToken rejects requests that do not present token
func requireToken(token string, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(channelTokenHeader)
		if bearer, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
			got = bearer
		}
		if !VerifyToken(token, got) {
			log.Warn("rejected webhook request", "path", c.FullPath(), "reason", "bad token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// VerifyToken compares a presented token in constant time. An empty
// expected token rejects everything.
func VerifyToken(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// dropboxChallenge answers the endpoint verification request
func (h *handler) dropboxChallenge(c *gin.Context) {
	challenge := c.Query("challenge")
	if challenge == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "challenge required"})
		return
	}
	c.Header("X-Content-Type-Options", "nosniff")
	c.String(http.StatusOK, challenge)
}

type dropboxNotification struct {
	ListFolder struct {
		Accounts []string `json:"accounts"`
	} `json:"list_folder"`
}

func (h *handler) dropboxNotify(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if !VerifySignature(h.opts.DropboxAppSecret, body, c.GetHeader(signatureHeader)) {
		h.log.Warn("rejected dropbox notification", "reason", "bad signature")
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		return
	}

	var n dropboxNotification
	if err := json.Unmarshal(body, &n); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}

	notified := 0
	for _, remoteID := range n.ListFolder.Accounts {
		for _, acct := range h.opts.Accounts.ByRemote(account.ProviderDropbox, remoteID) {
			h.opts.Syncer.NotifyChange(acct.ID)
			notified++
		}
	}
	h.log.Info("dropbox notification", "remote_accounts", len(n.ListFolder.Accounts), "notified", notified)
	c.Status(http.StatusOK)
}

// VerifySignature checks a hex HMAC-SHA256 of body keyed with secret
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

type resourceEdit struct {
	ContainerID string `json:"container_id"`
}

func (h *handler) driveResource(c *gin.Context) {
	accountID := c.Param("account")
	resourceID := c.Param("resource")

	edit := resourceEdit{ContainerID: c.Query("container")}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&edit); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
			return
		}
	}

	if _, ok := h.lookup(c, accountID); !ok {
		return
	}
	err := h.opts.Syncer.NotifyResourceEdited(c.Request.Context(), accountID, resourceID, edit.ContainerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"account": accountID, "resource": resourceID})
}

func (h *handler) syncAccount(c *gin.Context) {
	acct, ok := h.lookup(c, c.Param("account"))
	if !ok {
		return
	}
	h.opts.Syncer.NotifyChange(acct.ID)
	c.JSON(http.StatusAccepted, gin.H{"account": acct.ID})
}

func (h *handler) accountStatus(c *gin.Context) {
	acct, ok := h.lookup(c, c.Param("account"))
	if !ok {
		return
	}
	if h.opts.Store == nil {
		c.JSON(http.StatusOK, gin.H{"account_id": acct.ID})
		return
	}
	st, err := h.opts.Store.Status(c.Request.Context(), acct.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handler) status(c *gin.Context) {
	out := gin.H{}
	if h.opts.Poller != nil {
		out["poller"] = h.opts.Poller.Metrics()
	}
	if h.opts.Limiter != nil {
		out["rate_limits"] = h.opts.Limiter.Stats()
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) lookup(c *gin.Context, accountID string) (account.Account, bool) {
	acct, err := h.opts.Accounts.Lookup(c.Request.Context(), accountID)
	if err != nil {
		h.writeError(c, err)
		return account.Account{}, false
	}
	return acct, true
}

func (h *handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, account.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, poller.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrPollingDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.log.Error("webhook request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Serve runs handler on addr until ctx is cancelled
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return ctx.Err()
	}
}
