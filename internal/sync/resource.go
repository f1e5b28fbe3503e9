package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vonshlovens/remotesync/internal/account"
	"github.com/vonshlovens/remotesync/internal/poller"
	"github.com/vonshlovens/remotesync/internal/remote"
	"github.com/vonshlovens/remotesync/internal/store"
)

// ErrPollingDisabled is returned by NotifyResourceEdited without a poller
var ErrPollingDisabled = errors.New("resource polling is disabled")

// NotifyResourceEdited starts or refreshes revision polling of a resource
func (e *Engine) NotifyResourceEdited(ctx context.Context, accountID, resourceID, containerID string) error {
	if accountID == "" || resourceID == "" {
		return fmt.Errorf("%w: account and resource ids are required", poller.ErrInvalidRequest)
	}
	s := e.pollerRef()
	if s == nil {
		return ErrPollingDisabled
	}
	acct, err := e.opts.Accounts.Lookup(ctx, accountID)
	if err != nil {
		return err
	}
	return s.Enqueue(ctx, poller.EnqueueRequest{
		AccountID:   acct.ID,
		ResourceID:  resourceID,
		ContainerID: containerID,
		Scope:       acct.RateScope(),
	})
}

// SyncResource downloads one resource of a poll account. Calls for the same
// account within the resource cooldown are skipped and report false, so the
// poller detects the change again on its next poll.
func (e *Engine) SyncResource(ctx context.Context, accountID, resourceID string) (bool, error) {
	if accountID == "" || resourceID == "" {
		return false, fmt.Errorf("%w: account and resource ids are required", poller.ErrInvalidRequest)
	}

	now := e.clock.Now()
	e.mu.Lock()
	last, seen := e.lastResource[accountID]
	if seen && now.Sub(last) < e.opts.ResourceCooldown {
		e.mu.Unlock()
		e.log.Debug("resource sync cooling down", "account", accountID, "resource", resourceID)
		return false, nil
	}
	// Held while the sync runs; only a successful sync starts the cooldown
	e.lastResource[accountID] = now
	e.mu.Unlock()

	synced, err := e.syncResource(ctx, accountID, resourceID)
	if err != nil || !synced {
		e.mu.Lock()
		if e.lastResource[accountID].Equal(now) {
			if seen {
				e.lastResource[accountID] = last
			} else {
				delete(e.lastResource, accountID)
			}
		}
		e.mu.Unlock()
	}
	return synced, err
}

func (e *Engine) syncResource(ctx context.Context, accountID, resourceID string) (bool, error) {
	acct, err := e.opts.Accounts.Lookup(ctx, accountID)
	if err != nil {
		return false, err
	}
	p, err := e.opts.Providers.For(acct)
	if err != nil {
		return false, err
	}
	if p.Metadata == nil {
		return false, fmt.Errorf("%w: %s cannot resolve resources", remote.ErrUnsupported, acct.Provider)
	}

	change, err := e.metadata(ctx, p, acct, resourceID)
	if errors.Is(err, remote.ErrNotFound) {
		return e.removeResource(ctx, acct, resourceID)
	}
	if err != nil {
		return false, err
	}

	prior, err := e.opts.Store.PathFor(ctx, acct.ID, resourceID)
	switch {
	case err == nil && prior != change.Path:
		change.Kind = remote.KindMoved
		change.PreviousPath = prior
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return false, fmt.Errorf("failed to read path mapping: %w", err)
	}

	return e.syncOne(ctx, acct, change)
}

func (e *Engine) metadata(ctx context.Context, p *remote.Provider, acct account.Account, resourceID string) (remote.ChangeRecord, error) {
	done, err := e.admit(ctx, acct)
	if err != nil {
		return remote.ChangeRecord{}, err
	}
	defer done()
	return p.Metadata.Metadata(ctx, acct, resourceID)
}

// removeResource deletes the local copy of a resource that is gone
// upstream. Unknown resources count as synced.
func (e *Engine) removeResource(ctx context.Context, acct account.Account, resourceID string) (bool, error) {
	prior, err := e.opts.Store.PathFor(ctx, acct.ID, resourceID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read path mapping: %w", err)
	}
	return e.syncOne(ctx, acct, remote.ChangeRecord{
		Path:       prior,
		Kind:       remote.KindRemoved,
		ResourceID: resourceID,
	})
}

func (e *Engine) syncOne(ctx context.Context, acct account.Account, change remote.ChangeRecord) (bool, error) {
	res, err := e.SyncChanges(ctx, acct.ID, []remote.ChangeRecord{change})
	if err != nil {
		return false, err
	}
	if res.Deferred {
		return false, fmt.Errorf("%w: %s deferred", remote.ErrRateLimited, change.Path)
	}
	if res.Failed > 0 {
		return false, fmt.Errorf("failed to sync %s", change.Path)
	}
	return true, nil
}

// HandlePolledChange adapts SyncResource to the poller's change handler
func (e *Engine) HandlePolledChange(ctx context.Context, item poller.Item) (bool, error) {
	return e.SyncResource(ctx, item.AccountID, item.ResourceID)
}

// PollResolver returns the revision source backing the poller
func (e *Engine) PollResolver() poller.Resolver {
	return pollResolver{e: e}
}

type pollResolver struct {
	e *Engine
}

func (r pollResolver) provider(ctx context.Context, accountID string) (account.Account, *remote.Provider, error) {
	acct, err := r.e.opts.Accounts.Lookup(ctx, accountID)
	if err != nil {
		return account.Account{}, nil, err
	}
	p, err := r.e.opts.Providers.For(acct)
	if err != nil {
		return account.Account{}, nil, err
	}
	return acct, p, nil
}

func (r pollResolver) Revision(ctx context.Context, key poller.Key) (remote.Revision, error) {
	acct, p, err := r.provider(ctx, key.AccountID)
	if err != nil {
		return remote.Revision{}, err
	}
	if p.Revisions == nil {
		return remote.Revision{}, fmt.Errorf("%w: %s has no revisions", remote.ErrUnsupported, acct.Provider)
	}
	return p.Revisions.Revision(ctx, acct, key.ResourceID)
}

func (r pollResolver) Recent(ctx context.Context, accountID string, since time.Time) ([]poller.EnqueueRequest, error) {
	acct, p, err := r.provider(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if p.Recent == nil {
		return nil, nil
	}
	changes, err := p.Recent.Recent(ctx, acct, since)
	if err != nil {
		return nil, err
	}
	reqs := make([]poller.EnqueueRequest, 0, len(changes))
	for _, c := range changes {
		reqs = append(reqs, poller.EnqueueRequest{
			AccountID:   acct.ID,
			ResourceID:  c.ResourceID,
			ContainerID: c.ContainerID,
			Scope:       acct.RateScope(),
		})
	}
	return reqs, nil
}
