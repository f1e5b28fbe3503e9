package sync

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/vonshlovens/remotesync/internal/convert"
	"github.com/vonshlovens/remotesync/internal/download"
	"github.com/vonshlovens/remotesync/internal/remote"
	"github.com/vonshlovens/remotesync/internal/store"
)

// LocalChange is a filesystem event inside an account folder
type LocalChange struct {
	AccountID string
	// Path is relative to the account folder
	Path    string
	Removed bool
}

// HandleLocalChange classifies a local filesystem event. Events caused by
// the engine's own writes match the recorded checksum and mtime and are
// reported as own; anything else is logged and surfaced through
// FolderState. Local edits are never uploaded.
func (e *Engine) HandleLocalChange(ctx context.Context, ev LocalChange) (bool, error) {
	rel := remote.CleanPath(ev.Path)
	if rel == "/" || strings.HasPrefix(path.Base(rel), download.TempPrefix) ||
		strings.HasPrefix(rel, "/"+convert.AssetDir+"/") {
		return true, nil
	}

	state, err := e.opts.Store.FileState(ctx, ev.AccountID, rel)
	known := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("failed to read file state: %w", err)
	}

	if ev.Removed {
		if !known {
			return true, nil
		}
		if err := e.opts.Store.RemoveFile(ctx, ev.AccountID, rel); err != nil {
			return false, fmt.Errorf("failed to forget %s: %w", rel, err)
		}
		e.log.Info("synced file deleted locally", "account", ev.AccountID, "path", rel)
		return false, nil
	}

	acct, err := e.opts.Accounts.Lookup(ctx, ev.AccountID)
	if err != nil {
		return false, err
	}
	sum, err := e.opts.Downloader.Checksum(acct, rel)
	if err != nil {
		return false, fmt.Errorf("failed to checksum %s: %w", rel, err)
	}
	if sum == "" {
		// Gone again before we looked
		return true, nil
	}

	if known && sum == state.Checksum {
		info, err := e.opts.Downloader.Fs().Stat(e.opts.Downloader.LocalPath(acct, rel))
		if err == nil && sameSecond(info.ModTime(), state.RemoteModified) {
			return true, nil
		}
	}

	e.log.Warn("local edit detected", "account", ev.AccountID, "path", rel, "tracked", known)
	e.opts.Folder.ReportStatus(ctx, ev.AccountID,
		fmt.Sprintf("Local change to %s is not synced upstream and may be overwritten", rel))
	return false, nil
}

func sameSecond(a, b time.Time) bool {
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}
