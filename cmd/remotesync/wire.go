package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/vonshlovens/remotesync/internal/account"
	"github.com/vonshlovens/remotesync/internal/config"
	"github.com/vonshlovens/remotesync/internal/delta"
	"github.com/vonshlovens/remotesync/internal/download"
	"github.com/vonshlovens/remotesync/internal/poller"
	"github.com/vonshlovens/remotesync/internal/provider/agent"
	"github.com/vonshlovens/remotesync/internal/provider/dropbox"
	"github.com/vonshlovens/remotesync/internal/provider/gdrive"
	"github.com/vonshlovens/remotesync/internal/ratelimit"
	"github.com/vonshlovens/remotesync/internal/remote"
	"github.com/vonshlovens/remotesync/internal/store"
	"github.com/vonshlovens/remotesync/internal/sync"
	"github.com/vonshlovens/remotesync/internal/synclock"
)

// app holds the services shared by the commands
type app struct {
	cfg        *config.Config
	accounts   *account.Registry
	store      store.Store
	providers  remote.Providers
	limiter    *ratelimit.Limiter
	downloader *download.Downloader
	engine     *sync.Engine
	poller     *poller.Scheduler
	agent      *agent.Client
}

type appOptions struct {
	// withPoller attaches the hot-resource poller to the engine
	withPoller bool
	progress   sync.Progress
}

func loadApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	accounts, err := account.LoadRegistry(cfg.AccountsFile)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.State.DSN, cfg.State.Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	a := &app{cfg: cfg, accounts: accounts, store: st}
	if err := a.wire(opts); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(opts appOptions) error {
	cfg := a.cfg
	timeout := cfg.Sync.RequestTimeout()
	retryDelay := cfg.Sync.RetryDelay()

	a.providers = remote.Providers{
		account.ProviderDropbox: dropbox.New(dropbox.Options{
			BaseURL:    cfg.Providers.Dropbox.BaseURL,
			ContentURL: cfg.Providers.Dropbox.ContentURL,
			Token:      cfg.Providers.Dropbox.Token,
			Timeout:    timeout,
			MaxRetries: cfg.Sync.RetryAttempts,
			RetryDelay: retryDelay,
		}).Provider(),
		account.ProviderGDrive: gdrive.New(gdrive.Options{
			BaseURL:    cfg.Providers.GDrive.BaseURL,
			DocsURL:    cfg.Providers.GDrive.ContentURL,
			Token:      cfg.Providers.GDrive.Token,
			Timeout:    timeout,
			MaxRetries: cfg.Sync.RetryAttempts,
			RetryDelay: retryDelay,
		}).Provider(),
	}
	if cfg.Providers.Agent.BaseURL != "" {
		client, err := agent.New(agent.Options{
			BaseURL:    cfg.Providers.Agent.BaseURL,
			Secret:     cfg.Providers.Agent.Token,
			Timeout:    timeout,
			MaxRetries: cfg.Sync.RetryAttempts,
			RetryDelay: retryDelay,
		})
		if err != nil {
			return err
		}
		a.agent = client
		a.providers[account.ProviderAgent] = client.Provider()
	}

	limits := ratelimit.DefaultOptions()
	limits.PerScope = rate.Limit(cfg.RateLimit.PerScopePerSecond)
	limits.PerScopeBurst = cfg.RateLimit.PerScopeBurst
	limits.Global = rate.Limit(cfg.RateLimit.GlobalPerSecond)
	limits.MaxConcurrent = int64(cfg.RateLimit.GlobalConcurrency)
	limits.Cooldown = time.Duration(cfg.RateLimit.CooldownMs) * time.Millisecond
	limits.CooldownJitter = time.Duration(cfg.RateLimit.CooldownJitterMs) * time.Millisecond
	a.limiter = ratelimit.New(limits)

	a.downloader = download.New(download.Options{
		Root:       cfg.DataDir,
		AssetRoot:  cfg.AssetDir,
		Providers:  a.providers,
		MaxRetries: cfg.Sync.RetryAttempts,
		RetryDelay: retryDelay,
	})

	var build sync.BuildTrigger
	if cfg.BuildHook.URL != "" {
		build = sync.NewHTTPBuildTrigger(cfg.BuildHook.URL, timeout)
	}

	engine, err := sync.NewEngine(sync.Options{
		Accounts:  a.accounts,
		Providers: a.providers,
		Store:     a.store,
		Locker: synclock.New(synclock.Options{
			MaxHold:  time.Duration(cfg.Sync.LockMaxHoldSec) * time.Second,
			Leases:   a.store,
			LeaseTTL: time.Duration(cfg.Sync.LeaseTTLSec) * time.Second,
		}),
		Fetcher: delta.NewFetcher(a.providers, delta.Options{
			MaxRetries:     cfg.Sync.RetryAttempts,
			RetryDelay:     retryDelay,
			IgnorePatterns: cfg.IgnorePatterns,
		}),
		Downloader:       a.downloader,
		Limiter:          a.limiter,
		Build:            build,
		Progress:         opts.progress,
		Parallelism:      cfg.Sync.Parallelism,
		ResourceCooldown: resourceCooldown(cfg.Sync.ResourceCooldown),
		IgnorePatterns:   cfg.IgnorePatterns,
	})
	if err != nil {
		return fmt.Errorf("failed to create sync engine: %w", err)
	}
	a.engine = engine

	if opts.withPoller && cfg.Poller.Enabled {
		a.poller = poller.New(poller.Options{
			Resolver:     engine.PollResolver(),
			OnChange:     engine.HandlePolledChange,
			Limiter:      a.limiter,
			TickInterval: time.Duration(cfg.Poller.TickMs) * time.Millisecond,
			MaxAge:       time.Duration(cfg.Poller.EvictAfterSec) * time.Second,
			MaxItems:     cfg.Poller.MaxItems,
			MaxPerScope:  cfg.Poller.MaxItemsPerScope,
		})
		engine.AttachPoller(a.poller)
	}
	return nil
}

// resourceCooldown maps the configured milliseconds onto the engine option,
// where a negative value disables the cooldown
func resourceCooldown(ms int) time.Duration {
	if ms == 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

// selectAccounts resolves ids, defaulting to every registered account
func (a *app) selectAccounts(ctx context.Context, ids []string) ([]account.Account, error) {
	if len(ids) == 0 {
		return a.accounts.All(), nil
	}
	out := make([]account.Account, 0, len(ids))
	for _, id := range ids {
		acct, err := a.accounts.Lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, nil
}

// handleAgentMessage applies one push notification to the accounts it names
func (a *app) handleAgentMessage(ctx context.Context, msg agent.Message) error {
	accts := a.accounts.ByRemote(account.ProviderAgent, msg.BlogID)
	if len(accts) == 0 {
		slog.Debug("agent message for unknown blog", "blog", msg.BlogID)
		return nil
	}
	change := msg.Change()
	for _, acct := range accts {
		res, err := a.engine.SyncChanges(ctx, acct.ID, []remote.ChangeRecord{change})
		if err != nil {
			return err
		}
		if !res.OK() {
			slog.Warn("agent change not applied", "account", acct.ID, "path", change.Path, "failed", res.Failed, "deferred", res.Deferred)
		}
	}
	return nil
}

func (a *app) close() {
	if a.poller != nil {
		a.poller.Stop()
	}
	a.engine.Close()
	if err := a.store.Close(); err != nil {
		slog.Warn("failed to close state store", "error", err)
	}
}
