package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/spf13/afero"

	"github.com/vonshlovens/remotesync/internal/account"
	"github.com/vonshlovens/remotesync/internal/convert"
	"github.com/vonshlovens/remotesync/internal/remote"
)

// Reasons reported alongside a Result
const (
	ReasonFolder         = "folder"
	ReasonPlaceholder    = "placeholder"
	ReasonUnchanged      = "unchanged"
	ReasonExportTooLarge = "export-size-limit-exceeded"
	ReasonExportFallback = "export-fallback"
	ReasonRemoved        = "removed"
	ReasonAlreadyRemoved = "already-removed"
)

// Export formats requested for convertible documents
const (
	BundleMimeType         = "application/zip"
	FallbackExportMimeType = "text/html"
)

const (
	defaultRetryDelay      = 500 * time.Millisecond
	defaultDownloadRetries = 3
)

// TempPrefix marks in-progress downloads so watchers can ignore them
const TempPrefix = ".remotesync-"

// ErrInvalidChange is returned for changes without a usable path
var ErrInvalidChange = errors.New("invalid change record")

// Result describes what a change did to local content
type Result struct {
	Updated bool
	Reason  string
	// Path is the absolute local path on the downloader's filesystem
	Path string
}

// Options configures a Downloader
type Options struct {
	Fs afero.Fs
	// Root holds one folder per account
	Root string
	// AssetRoot holds per-account _assets directories; defaults to Root
	AssetRoot  string
	Providers  remote.Providers
	MaxRetries int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Downloader materializes remote changes into local folders
type Downloader struct {
	fs        afero.Fs
	root      string
	assetRoot string
	providers remote.Providers
	opts      Options
	log       *slog.Logger
}

// New creates a Downloader
func New(opts Options) *Downloader {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.AssetRoot == "" {
		opts.AssetRoot = opts.Root
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultDownloadRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Downloader{
		fs:        opts.Fs,
		root:      opts.Root,
		assetRoot: opts.AssetRoot,
		providers: opts.Providers,
		opts:      opts,
		log:       opts.Logger,
	}
}

// Fs returns the filesystem content is written to
func (d *Downloader) Fs() afero.Fs {
	return d.fs
}

// AccountDir returns the local folder of an account
func (d *Downloader) AccountDir(acct account.Account) string {
	return filepath.Join(d.root, acct.LocalFolder())
}

// LocalPath maps a path relative to the account root onto the local folder
func (d *Downloader) LocalPath(acct account.Account, rel string) string {
	return filepath.Join(d.AccountDir(acct), filepath.FromSlash(remote.CleanPath(rel)))
}

// Checksum hashes a local file the way the account's provider does
func (d *Downloader) Checksum(acct account.Account, rel string) (string, error) {
	p, err := d.providers.For(acct)
	if err != nil {
		return "", err
	}
	return HashFile(d.fs, d.LocalPath(acct, rel), p.Hasher())
}

// Apply dispatches a change: removals delete local content, moves delete
// the previous path and fetch the new one, everything else is fetched.
func (d *Downloader) Apply(ctx context.Context, acct account.Account, change remote.ChangeRecord) (Result, error) {
	switch change.Kind {
	case remote.KindRemoved:
		removed, err := d.Remove(ctx, acct, change.Path)
		if err != nil {
			return Result{}, err
		}
		res := Result{Reason: ReasonRemoved, Updated: removed, Path: d.LocalPath(acct, change.Path)}
		if !removed {
			res.Reason = ReasonAlreadyRemoved
		}
		return res, nil
	case remote.KindMoved:
		if change.PreviousPath != "" && change.PreviousPath != change.Path {
			if _, err := d.Remove(ctx, acct, change.PreviousPath); err != nil {
				return Result{}, err
			}
		}
	}
	return d.FetchAndStore(ctx, acct, change)
}

// FetchAndStore makes the local copy of a resource match the change
func (d *Downloader) FetchAndStore(ctx context.Context, acct account.Account, change remote.ChangeRecord) (Result, error) {
	if remote.CleanPath(change.Path) == "/" {
		return Result{}, fmt.Errorf("%w: empty path for %s", ErrInvalidChange, change.ResourceID)
	}
	target := d.LocalPath(acct, change.Path)
	res := Result{Path: target}

	switch change.Type {
	case remote.TypeFolder:
		if err := d.fs.MkdirAll(target, 0755); err != nil {
			return Result{}, fmt.Errorf("failed to create folder: %w", err)
		}
		res.Reason = ReasonFolder
		return res, nil
	case remote.TypeNative:
		if err := d.placeholder(target, change.ModifiedTime); err != nil {
			return Result{}, err
		}
		d.log.Debug("placeholder for native resource", "account", acct.ID, "path", change.Path, "mime", change.MimeType)
		res.Reason = ReasonPlaceholder
		return res, nil
	}

	p, err := d.providers.For(acct)
	if err != nil {
		return Result{}, err
	}
	if p.Content == nil {
		return Result{}, fmt.Errorf("%w: %s cannot download content", remote.ErrUnsupported, acct.Provider)
	}

	if change.Type == remote.TypeConvertible {
		return d.export(ctx, p, acct, change, target)
	}

	if change.Checksum != "" {
		local, err := HashFile(d.fs, target, p.Hasher())
		if err != nil {
			return Result{}, fmt.Errorf("failed to hash local file: %w", err)
		}
		if local == change.Checksum {
			d.log.Debug("download skipped, checksum matches", "account", acct.ID, "path", change.Path)
			res.Reason = ReasonUnchanged
			return res, nil
		}
	}

	err = d.fetchToFile(ctx, p, target, change.ModifiedTime, func(ctx context.Context) (*remote.Content, error) {
		return p.Content.Download(ctx, acct, change)
	})
	if err != nil {
		return Result{}, err
	}
	d.log.Info("downloaded", "account", acct.ID, "path", change.Path)
	res.Updated = true
	return res, nil
}

// export converts a provider-native document, degrading to a plain export
// and then to a placeholder when the document is too large.
func (d *Downloader) export(ctx context.Context, p *remote.Provider, acct account.Account, change remote.ChangeRecord, target string) (Result, error) {
	res := Result{Path: target}

	err := d.exportBundle(ctx, p, acct, change, target)
	if err == nil {
		d.log.Info("exported", "account", acct.ID, "path", change.Path)
		res.Updated = true
		return res, nil
	}
	if !errors.Is(err, remote.ErrExportTooLarge) {
		return Result{}, err
	}

	d.log.Warn("export too large, trying fallback format", "account", acct.ID, "path", change.Path)
	err = d.fetchToFile(ctx, p, target, change.ModifiedTime, func(ctx context.Context) (*remote.Content, error) {
		return p.Content.Export(ctx, acct, change, FallbackExportMimeType)
	})
	if err == nil {
		res.Updated = true
		res.Reason = ReasonExportFallback
		return res, nil
	}
	if !errors.Is(err, remote.ErrExportTooLarge) {
		return Result{}, err
	}

	d.log.Warn("export size limit exceeded, writing placeholder", "account", acct.ID, "path", change.Path)
	if err := d.placeholder(target, change.ModifiedTime); err != nil {
		return Result{}, err
	}
	res.Reason = ReasonExportTooLarge
	return res, nil
}

func (d *Downloader) exportBundle(ctx context.Context, p *remote.Provider, acct account.Account, change remote.ChangeRecord, target string) error {
	dir := filepath.Dir(target)
	if err := d.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}

	bundle := &convert.Bundle{Fs: d.fs, AssetRoot: filepath.Join(d.assetRoot, acct.LocalFolder())}

	return d.retry(ctx, p, func(ctx context.Context) error {
		content, err := p.Content.Export(ctx, acct, change, BundleMimeType)
		if err != nil {
			return err
		}
		defer content.Body.Close()

		zipFile, err := afero.TempFile(d.fs, dir, TempPrefix+"*.zip")
		if err != nil {
			return fmt.Errorf("failed to create temp file: %w", err)
		}
		defer d.fs.Remove(zipFile.Name())
		defer zipFile.Close()

		size, err := io.Copy(zipFile, content.Body)
		if err != nil {
			return fmt.Errorf("failed to stream export: %w", err)
		}

		converted, err := bundle.Convert(zipFile, size, change.Path)
		if err != nil {
			return fmt.Errorf("failed to convert export: %w", err)
		}

		mtime := change.ModifiedTime
		if !content.ModifiedTime.IsZero() {
			mtime = content.ModifiedTime
		}
		return d.writeAtomic(target, mtime, func(w io.Writer) error {
			_, err := w.Write(converted.HTML)
			return err
		})
	})
}

// fetchToFile streams content into a temp file beside target, renames it
// into place and stamps it with the remote modification time
func (d *Downloader) fetchToFile(ctx context.Context, p *remote.Provider, target string, mtime time.Time, open func(context.Context) (*remote.Content, error)) error {
	if err := d.fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}

	return d.retry(ctx, p, func(ctx context.Context) error {
		content, err := open(ctx)
		if err != nil {
			return err
		}
		defer content.Body.Close()

		if !content.ModifiedTime.IsZero() {
			mtime = content.ModifiedTime
		}
		return d.writeAtomic(target, mtime, func(w io.Writer) error {
			_, err := io.Copy(w, content.Body)
			return err
		})
	})
}

func (d *Downloader) writeAtomic(target string, mtime time.Time, write func(io.Writer) error) error {
	tmp, err := afero.TempFile(d.fs, filepath.Dir(target), TempPrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		d.fs.Remove(tmpName)
		return fmt.Errorf("failed to write content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		d.fs.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := d.fs.Rename(tmpName, target); err != nil {
		d.fs.Remove(tmpName)
		return fmt.Errorf("failed to move download into place: %w", err)
	}
	d.stamp(target, mtime)
	return nil
}

// retry runs fn under the bounded backoff policy. Rate limits, permanent
// provider errors and requests the client already retried are returned
// as is, so only failures while streaming the body are retried here.
func (d *Downloader) retry(ctx context.Context, p *remote.Provider, fn func(context.Context) error) error {
	backoff := remote.Backoff(d.opts.MaxRetries, d.opts.RetryDelay)
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if p.RateLimited(err) {
			if errors.Is(err, remote.ErrRateLimited) {
				return err
			}
			return fmt.Errorf("%w: %w", remote.ErrRateLimited, err)
		}
		if permanent(err) {
			return err
		}
		return retry.RetryableError(err)
	})
}

func permanent(err error) bool {
	switch {
	case remote.Retried(err),
		errors.Is(err, remote.ErrNotFound),
		errors.Is(err, remote.ErrExportTooLarge),
		errors.Is(err, remote.ErrUnsupported),
		errors.Is(err, convert.ErrNoDocument),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var httpErr *remote.HTTPError
	if errors.As(err, &httpErr) {
		return !httpErr.Transient()
	}
	return false
}

// placeholder ensures an empty file exists at target with the remote mtime.
// Existing content is left alone.
func (d *Downloader) placeholder(target string, mtime time.Time) error {
	if err := d.fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}
	f, err := d.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create placeholder: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to create placeholder: %w", err)
	}
	d.stamp(target, mtime)
	return nil
}

// stamp sets both file times to the remote modification time
func (d *Downloader) stamp(target string, mtime time.Time) {
	if mtime.IsZero() {
		return
	}
	if err := d.fs.Chtimes(target, mtime, mtime); err != nil {
		d.log.Warn("failed to set mtime", "path", target, "error", err)
	}
}

// Remove deletes a local file or directory tree. It reports whether
// anything existed.
func (d *Downloader) Remove(_ context.Context, acct account.Account, rel string) (bool, error) {
	if remote.CleanPath(rel) == "/" {
		return false, fmt.Errorf("%w: refusing to remove account root", ErrInvalidChange)
	}
	target := d.LocalPath(acct, rel)
	if !strings.HasPrefix(target, d.AccountDir(acct)+string(filepath.Separator)) {
		return false, fmt.Errorf("%w: %s escapes account folder", ErrInvalidChange, rel)
	}

	if _, err := d.fs.Stat(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", target, err)
	}
	if err := d.fs.RemoveAll(target); err != nil {
		return false, fmt.Errorf("failed to remove %s: %w", target, err)
	}
	d.log.Info("removed", "account", acct.ID, "path", rel)
	return true, nil
}
