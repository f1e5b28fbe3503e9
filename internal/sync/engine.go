package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/vonshlovens/remotesync/internal/account"
	"github.com/vonshlovens/remotesync/internal/delta"
	"github.com/vonshlovens/remotesync/internal/download"
	"github.com/vonshlovens/remotesync/internal/poller"
	"github.com/vonshlovens/remotesync/internal/ratelimit"
	"github.com/vonshlovens/remotesync/internal/remote"
	"github.com/vonshlovens/remotesync/internal/store"
	"github.com/vonshlovens/remotesync/internal/synclock"
)

const (
	defaultParallelism      = 4
	defaultResourceCooldown = 10 * time.Second
	defaultMaxPages         = 1000
)

// PassResult summarizes one sync pass
type PassResult struct {
	AccountID string
	// Changes is the number of change records applied or attempted
	Changes int
	// Paths lists the account-relative paths whose local content changed
	Paths    []string
	Failed   int
	Deferred bool
	// Reset is set when the provider invalidated the cursor
	Reset          bool
	CursorAdvanced bool
	Duration       time.Duration
}

// OK reports whether every change in the pass was applied
func (r *PassResult) OK() bool {
	return r.Failed == 0 && !r.Deferred
}

// Options configures an Engine
type Options struct {
	Accounts   account.Lookup
	Providers  remote.Providers
	Store      store.Store
	Locker     *synclock.Locker
	Fetcher    *delta.Fetcher
	Downloader *download.Downloader
	// Limiter admits provider calls; nil disables rate limiting
	Limiter *ratelimit.Limiter

	Build    BuildTrigger
	Folder   FolderState
	Progress Progress

	// Parallelism bounds concurrent downloads within a pass
	Parallelism int
	// ResourceCooldown is the minimum gap between polled resource syncs of
	// one account
	ResourceCooldown time.Duration
	// MaxPages bounds the delta pages read in one pass
	MaxPages       int
	IgnorePatterns []string

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Engine runs sync passes for accounts
type Engine struct {
	opts  Options
	clock clockwork.Clock
	log   *slog.Logger

	mu           sync.Mutex
	poller       *poller.Scheduler
	runs         map[string]*runState
	lastResource map[string]time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewEngine creates a sync engine
func NewEngine(opts Options) (*Engine, error) {
	switch {
	case opts.Accounts == nil:
		return nil, errors.New("account lookup is required")
	case opts.Store == nil:
		return nil, errors.New("state store is required")
	case opts.Locker == nil:
		return nil, errors.New("sync locker is required")
	case opts.Fetcher == nil:
		return nil, errors.New("delta fetcher is required")
	case opts.Downloader == nil:
		return nil, errors.New("downloader is required")
	}

	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	if opts.ResourceCooldown < 0 {
		opts.ResourceCooldown = 0
	} else if opts.ResourceCooldown == 0 {
		opts.ResourceCooldown = defaultResourceCooldown
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Build == nil {
		opts.Build = LogBuildTrigger{}
	}
	if opts.Folder == nil {
		opts.Folder = StoreFolderState{Store: opts.Store, Logger: opts.Logger}
	}
	if opts.Progress == nil {
		opts.Progress = noProgress{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:         opts,
		clock:        opts.Clock,
		log:          opts.Logger,
		runs:         make(map[string]*runState),
		lastResource: make(map[string]time.Time),
		baseCtx:      ctx,
		baseCancel:   cancel,
	}, nil
}

// AttachPoller connects the hot-resource poller used for poll accounts
func (e *Engine) AttachPoller(s *poller.Scheduler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.poller = s
}

func (e *Engine) pollerRef() *poller.Scheduler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.poller
}

// Sync runs one pass for an account. Cursor accounts read the delta feed
// until it is drained; poll accounts rebuild the poller's working set.
func (e *Engine) Sync(ctx context.Context, accountID string) (*PassResult, error) {
	acct, err := e.opts.Accounts.Lookup(ctx, accountID)
	if err != nil {
		return nil, err
	}

	return e.locked(ctx, acct, func(ctx context.Context, res *PassResult) error {
		switch acct.Model() {
		case account.ModelCursor:
			return e.syncDelta(ctx, acct, res)
		case account.ModelPoll:
			return e.rescan(ctx, acct, res)
		default:
			e.log.Debug("push account has nothing to pull", "account", acct.ID)
			return nil
		}
	})
}

// SyncChanges applies externally sourced change records under the account
// lock
func (e *Engine) SyncChanges(ctx context.Context, accountID string, changes []remote.ChangeRecord) (*PassResult, error) {
	acct, err := e.opts.Accounts.Lookup(ctx, accountID)
	if err != nil {
		return nil, err
	}

	return e.locked(ctx, acct, func(ctx context.Context, res *PassResult) error {
		e.apply(ctx, acct, changes, res)
		return nil
	})
}

// ResetCursor discards the stored cursor so the next pass lists everything
func (e *Engine) ResetCursor(ctx context.Context, accountID string) error {
	if _, err := e.opts.Accounts.Lookup(ctx, accountID); err != nil {
		return err
	}
	if err := e.opts.Store.ResetCursor(ctx, accountID); err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	e.log.Info("cursor reset", "account", accountID)
	return nil
}

// ForceResync resets the cursor and runs a pass
func (e *Engine) ForceResync(ctx context.Context, accountID string) (*PassResult, error) {
	if err := e.ResetCursor(ctx, accountID); err != nil {
		return nil, err
	}
	return e.Sync(ctx, accountID)
}

// locked runs fn while holding the account lock and reports the outcome.
// The lock is released however fn ends.
func (e *Engine) locked(ctx context.Context, acct account.Account, fn func(context.Context, *PassResult) error) (*PassResult, error) {
	start := e.clock.Now()

	handle, err := e.opts.Locker.Acquire(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	defer func() {
		if err := handle.Release(context.Background()); err != nil {
			e.log.Warn("failed to release sync lock", "account", acct.ID, "error", err)
		}
	}()

	passCtx, cancel := handle.Bind(ctx)
	defer cancel()

	res := &PassResult{AccountID: acct.ID}
	err = fn(passCtx, res)
	res.Duration = e.clock.Since(start)
	e.finish(ctx, acct, res, err)
	return res, err
}

func (e *Engine) finish(ctx context.Context, acct account.Account, res *PassResult, err error) {
	var status string
	switch {
	case errors.Is(err, delta.ErrRootNotFound):
		status = "Sync failed: the remote folder no longer exists"
	case err != nil:
		status = fmt.Sprintf("Sync failed: %v", err)
	case res.Deferred:
		status = "Sync deferred: provider rate limit reached"
	case res.Failed > 0:
		status = fmt.Sprintf("Sync incomplete: %d of %d changes failed", res.Failed, res.Changes)
	default:
		status = fmt.Sprintf("Synced %d changes", res.Changes)
	}
	e.opts.Folder.ReportStatus(ctx, acct.ID, status)

	if err == nil || len(res.Paths) > 0 {
		if err := e.opts.Build.OnSyncComplete(ctx, acct.ID, res.Paths); err != nil {
			e.log.Warn("build trigger failed", "account", acct.ID, "error", err)
		}
	}
	if err == nil && res.OK() {
		if err := e.opts.Store.MarkSynced(ctx, acct.ID, e.clock.Now()); err != nil {
			e.log.Warn("failed to record sync time", "account", acct.ID, "error", err)
		}
	}

	e.log.Info("sync pass finished",
		"account", acct.ID,
		"changes", res.Changes,
		"updated", len(res.Paths),
		"failed", res.Failed,
		"deferred", res.Deferred,
		"duration_ms", res.Duration.Milliseconds())
}

// syncDelta drains the account's delta feed. The cursor is stored after
// each page whose changes were all applied; a page with failures stops
// the pass so the same changes are fetched again next time.
func (e *Engine) syncDelta(ctx context.Context, acct account.Account, res *PassResult) error {
	cursor, err := e.opts.Store.Cursor(ctx, acct.ID)
	if err != nil {
		return fmt.Errorf("failed to read cursor: %w", err)
	}

	for page := 0; page < e.opts.MaxPages; page++ {
		batch, err := e.opts.Fetcher.Fetch(ctx, acct, cursor)
		if err != nil {
			if e.rateLimited(acct, err) {
				e.deferScope(acct, err, res)
				return nil
			}
			return err
		}
		if batch.Reset {
			res.Reset = true
		}

		if !e.apply(ctx, acct, batch.Changes, res) {
			e.log.Warn("batch incomplete, cursor not advanced", "account", acct.ID, "failed", res.Failed, "deferred", res.Deferred)
			return nil
		}

		if batch.Cursor != cursor {
			if err := e.opts.Store.SetCursor(ctx, acct.ID, batch.Cursor); err != nil {
				return fmt.Errorf("failed to save cursor: %w", err)
			}
			cursor = batch.Cursor
			res.CursorAdvanced = true
		}
		if !batch.HasMore {
			return nil
		}
	}

	e.log.Warn("delta feed not drained", "account", acct.ID, "pages", e.opts.MaxPages)
	return nil
}

func (e *Engine) rescan(ctx context.Context, acct account.Account, res *PassResult) error {
	s := e.pollerRef()
	if s == nil {
		e.log.Debug("polling disabled, nothing to rescan", "account", acct.ID)
		return nil
	}
	n, err := s.Rescan(ctx, acct.ID)
	if err != nil {
		if e.rateLimited(acct, err) {
			e.deferScope(acct, err, res)
			return nil
		}
		return err
	}
	e.log.Info("recent resources queued for polling", "account", acct.ID, "count", n)
	return nil
}

// apply materializes changes with bounded parallelism. Changes to the same
// path run in order on one worker. It reports whether every change
// succeeded.
func (e *Engine) apply(ctx context.Context, acct account.Account, changes []remote.ChangeRecord, res *PassResult) bool {
	changes = e.filter(changes)
	res.Changes += len(changes)
	if len(changes) == 0 {
		return true
	}

	e.opts.Progress.Start(acct.ID, len(changes))
	defer e.opts.Progress.Finish()

	var (
		mu        sync.Mutex
		ok        = true
		rateLimit error
	)

	var g errgroup.Group
	g.SetLimit(e.opts.Parallelism)
	for _, group := range groupByPath(changes) {
		g.Go(func() error {
			for _, change := range group {
				changed, err := e.applyOne(ctx, acct, change)

				mu.Lock()
				switch {
				case err == nil:
					if changed {
						res.Paths = append(res.Paths, change.Path)
					}
				case e.rateLimited(acct, err):
					res.Deferred = true
					rateLimit = err
					ok = false
				default:
					res.Failed++
					ok = false
					e.log.Error("failed to apply change", "account", acct.ID, "change", change.String(), "error", err)
				}
				mu.Unlock()

				e.opts.Progress.Advance(1)
			}
			return nil
		})
	}
	g.Wait()

	if rateLimit != nil {
		e.deferScope(acct, rateLimit, res)
	}
	sort.Strings(res.Paths)
	return ok
}

func (e *Engine) applyOne(ctx context.Context, acct account.Account, change remote.ChangeRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	// Removals are local only and skip the provider quota. The concurrency
	// slot is returned as soon as the provider answers, not after the body
	// has streamed.
	if change.Kind != remote.KindRemoved {
		done, err := e.admit(ctx, acct)
		if err != nil {
			return false, err
		}
		defer done()
		ctx = remote.WithResponseHook(ctx, done)
	}

	out, err := e.opts.Downloader.Apply(ctx, acct, change)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			e.log.Info("resource vanished before download", "account", acct.ID, "path", change.Path)
			return false, nil
		}
		return false, err
	}
	if err := e.record(ctx, acct, change, out); err != nil {
		return false, err
	}
	return out.Updated, nil
}

// record updates the state store after a change was applied
func (e *Engine) record(ctx context.Context, acct account.Account, change remote.ChangeRecord, out download.Result) error {
	st := e.opts.Store

	switch change.Kind {
	case remote.KindRemoved:
		if err := st.RemoveFile(ctx, acct.ID, change.Path); err != nil {
			return fmt.Errorf("failed to forget %s: %w", change.Path, err)
		}
		if change.ResourceID != "" {
			if err := st.RemovePath(ctx, acct.ID, change.ResourceID); err != nil {
				return fmt.Errorf("failed to remove path mapping: %w", err)
			}
		}
		return nil
	case remote.KindMoved:
		if change.PreviousPath != "" {
			if err := st.RemoveFile(ctx, acct.ID, change.PreviousPath); err != nil {
				return fmt.Errorf("failed to forget %s: %w", change.PreviousPath, err)
			}
		}
	}

	if change.ResourceID != "" {
		if err := e.opts.Folder.RecordPathMapping(ctx, acct.ID, change.ResourceID, change.Path); err != nil {
			return fmt.Errorf("failed to record path mapping: %w", err)
		}
	}
	if change.Type == remote.TypeFolder {
		return nil
	}

	state := store.FileState{
		Path:       change.Path,
		ResourceID: change.ResourceID,
		SyncedAt:   e.clock.Now(),
	}
	if info, err := e.opts.Downloader.Fs().Stat(out.Path); err == nil {
		state.RemoteModified = info.ModTime()
	}
	sum, err := e.opts.Downloader.Checksum(acct, change.Path)
	if err != nil {
		return fmt.Errorf("failed to checksum %s: %w", change.Path, err)
	}
	state.Checksum = sum
	if err := st.RecordFile(ctx, acct.ID, state); err != nil {
		return fmt.Errorf("failed to record file state: %w", err)
	}
	return nil
}

// admit takes a rate limiter slot for the account's scope
func (e *Engine) admit(ctx context.Context, acct account.Account) (func(), error) {
	if e.opts.Limiter == nil {
		return func() {}, nil
	}
	grant, err := e.opts.Limiter.Admit(ctx, acct.RateScope())
	if err != nil {
		return nil, err
	}
	return grant.Done, nil
}

func (e *Engine) rateLimited(acct account.Account, err error) bool {
	if errors.Is(err, remote.ErrRateLimited) {
		return true
	}
	p, perr := e.opts.Providers.For(acct)
	if perr != nil {
		return remote.DefaultRateLimitPredicate(err)
	}
	return p.RateLimited(err)
}

// deferScope marks a pass deferred and cools down the account's scope
func (e *Engine) deferScope(acct account.Account, err error, res *PassResult) {
	res.Deferred = true
	e.log.Warn("rate limited, deferring", "account", acct.ID, "scope", acct.RateScope(), "error", err)

	var cooling *ratelimit.CooldownError
	if e.opts.Limiter == nil || errors.As(err, &cooling) {
		return
	}
	e.opts.Limiter.Cooldown(acct.RateScope(), remote.RetryAfterHint(err))
}

func (e *Engine) filter(changes []remote.ChangeRecord) []remote.ChangeRecord {
	if len(e.opts.IgnorePatterns) == 0 {
		return changes
	}
	out := changes[:0:0]
	for _, c := range changes {
		if remote.Ignored(e.opts.IgnorePatterns, c.Path) {
			e.log.Debug("ignoring change", "path", c.Path)
			continue
		}
		out = append(out, c)
	}
	return out
}

// groupByPath buckets changes by case-folded path, keeping first-seen order
func groupByPath(changes []remote.ChangeRecord) [][]remote.ChangeRecord {
	index := make(map[string]int)
	var groups [][]remote.ChangeRecord
	for _, c := range changes {
		key := strings.ToLower(remote.CleanPath(c.Path))
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], c)
	}
	return groups
}
