package delta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/vonshlovens/remotesync/internal/account"
	"github.com/vonshlovens/remotesync/internal/remote"
)

// ErrRootNotFound means the account's root folder was deleted or is no
// longer accessible. Retrying will not help.
var ErrRootNotFound = errors.New("account root folder not found")

// Result is one fetched batch of changes
type Result struct {
	Changes []remote.ChangeRecord
	Cursor  string
	HasMore bool
	// Reset is true when a stale cursor was replaced by a full listing
	Reset bool
}

// Options configures a Fetcher
type Options struct {
	MaxRetries     int
	RetryDelay     time.Duration
	IgnorePatterns []string
	Logger         *slog.Logger
}

// Fetcher retrieves cursor-based change batches
type Fetcher struct {
	providers remote.Providers
	opts      Options
	log       *slog.Logger
}

// NewFetcher creates a Fetcher
func NewFetcher(providers remote.Providers, opts Options) *Fetcher {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{providers: providers, opts: opts, log: log}
}

// Fetch returns the changes since cursor. An empty cursor yields a full
// listing of the account root. A stale cursor is replaced by a full
// listing without surfacing an error.
func (f *Fetcher) Fetch(ctx context.Context, acct account.Account, cursor string) (Result, error) {
	p, err := f.providers.For(acct)
	if err != nil {
		return Result{}, err
	}
	if p.Delta == nil {
		return Result{}, fmt.Errorf("%w: %s has no delta feed", remote.ErrUnsupported, acct.Provider)
	}

	reset := false
	backoff := remote.Backoff(f.opts.MaxRetries, f.opts.RetryDelay)

	result, err := retry.DoValue(ctx, backoff, func(ctx context.Context) (Result, error) {
		res, err := f.fetchOnce(ctx, p.Delta, acct, cursor)
		if errors.Is(err, remote.ErrCursorReset) && cursor != "" {
			f.log.Warn("delta cursor reset, restarting full listing", "account", acct.ID)
			cursor = ""
			reset = true
			res, err = f.fetchOnce(ctx, p.Delta, acct, cursor)
		}
		if err == nil {
			return res, nil
		}

		switch {
		case errors.Is(err, ErrRootNotFound),
			remote.Retried(err),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded),
			p.RateLimited(err):
			return Result{}, err
		}
		f.log.Debug("delta fetch failed, retrying", "account", acct.ID, "error", err)
		return Result{}, retry.RetryableError(err)
	})
	if err != nil {
		if errors.Is(err, ErrRootNotFound) || p.RateLimited(err) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("failed to fetch delta: %w", err)
	}

	result.Reset = reset
	return result, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, src remote.DeltaSource, acct account.Account, cursor string) (Result, error) {
	var (
		page remote.DeltaPage
		root = remote.RootInfo{PathLower: "/"}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if cursor == "" {
			page, err = src.List(gctx, acct, acct.RootID)
		} else {
			page, err = src.Continue(gctx, acct, cursor)
		}
		if err != nil && cursor == "" && isRootMissing(err) {
			return fmt.Errorf("%w: %v", ErrRootNotFound, err)
		}
		return err
	})
	if acct.RootID != "" {
		g.Go(func() error {
			info, err := src.Root(gctx, acct)
			if err != nil {
				if isRootMissing(err) {
					return fmt.Errorf("%w: %v", ErrRootNotFound, err)
				}
				return err
			}
			root = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	full := cursor == ""
	changes := make([]remote.ChangeRecord, 0, len(page.Entries))
	for _, e := range page.Entries {
		rel, ok := remote.RelativeTo(root.PathLower, e.PathLower, e.PathDisplay)
		if !ok || rel == "/" {
			continue
		}
		if remote.Ignored(f.opts.IgnorePatterns, rel) {
			continue
		}
		changes = append(changes, toChange(e, rel, full))
	}

	return Result{Changes: changes, Cursor: page.Cursor, HasMore: page.HasMore}, nil
}

func toChange(e remote.DeltaEntry, rel string, full bool) remote.ChangeRecord {
	c := remote.ChangeRecord{
		Path:         rel,
		ResourceID:   e.ID,
		Checksum:     e.ContentHash,
		Revision:     e.Rev,
		ModifiedTime: e.ServerModified,
		Size:         e.Size,
		Kind:         remote.KindModified,
		Type:         remote.TypeFile,
	}
	if full {
		c.Kind = remote.KindAdded
	}
	switch e.Tag {
	case remote.TagDeleted:
		c.Kind = remote.KindRemoved
	case remote.TagFolder:
		c.Type = remote.TypeFolder
	}
	return c
}

func isRootMissing(err error) bool {
	return errors.Is(err, remote.ErrNotFound) || remote.StatusCode(err) == http.StatusConflict
}
