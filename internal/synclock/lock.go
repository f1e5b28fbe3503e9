package synclock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ErrInvalidAccount is returned when acquiring without an account id
var ErrInvalidAccount = errors.New("account id is required")

// LeaseStore grants expiring exclusive leases shared between processes
type LeaseStore interface {
	TryAcquireLease(ctx context.Context, accountID, token string, now time.Time, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, accountID, token string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, accountID, token string) error
}

// Options configures a Locker
type Options struct {
	// MaxHold bounds how long one holder may keep the lock
	MaxHold time.Duration
	// Leases makes the lock exclusive across processes when set
	Leases   LeaseStore
	LeaseTTL time.Duration
	// RetryInterval is how often a waiter retries a lease held elsewhere
	RetryInterval time.Duration
	Clock         clockwork.Clock
	Logger        *slog.Logger
}

// Locker hands out one lock per account
type Locker struct {
	opts  Options
	clock clockwork.Clock
	log   *slog.Logger

	mu   sync.Mutex
	held map[string]*entry
}

type entry struct {
	handle   *Handle
	released chan struct{}
}

// Handle is a held account lock
type Handle struct {
	AccountID  string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time

	locker *Locker
	entry  *entry
	ctx    context.Context
	cancel context.CancelFunc
	timer  clockwork.Timer
	once   sync.Once
}

// New creates a Locker
func New(opts Options) *Locker {
	if opts.MaxHold <= 0 {
		opts.MaxHold = 30 * time.Minute
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = time.Minute
	}
	if opts.LeaseTTL > opts.MaxHold {
		opts.LeaseTTL = opts.MaxHold
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Locker{
		opts:  opts,
		clock: opts.Clock,
		log:   opts.Logger,
		held:  make(map[string]*entry),
	}
}

// Acquire blocks until the account lock is free, its holder's hold time has
// expired, or ctx is done.
func (l *Locker) Acquire(ctx context.Context, accountID string) (*Handle, error) {
	if accountID == "" {
		return nil, ErrInvalidAccount
	}

	for {
		l.mu.Lock()
		now := l.clock.Now()
		cur, ok := l.held[accountID]
		if ok && now.Before(cur.handle.ExpiresAt) {
			wait := cur.handle.ExpiresAt.Sub(now)
			released := cur.released
			l.mu.Unlock()

			select {
			case <-released:
			case <-l.clock.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		if ok {
			l.log.Warn("taking over expired sync lock",
				"account", accountID,
				"token", cur.handle.Token,
				"acquired_at", cur.handle.AcquiredAt)
			delete(l.held, accountID)
			close(cur.released)
			cur.handle.cancel()
		}

		h := l.newHandle(accountID, now)
		l.held[accountID] = h.entry
		l.mu.Unlock()

		if l.opts.Leases != nil {
			if err := l.acquireLease(ctx, h); err != nil {
				h.Release(context.Background())
				return nil, err
			}
			go l.keepAlive(h)
		}

		l.log.Debug("sync lock acquired", "account", accountID, "token", h.Token)
		return h, nil
	}
}

func (l *Locker) newHandle(accountID string, now time.Time) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		AccountID:  accountID,
		Token:      uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(l.opts.MaxHold),
		locker:     l,
		ctx:        ctx,
		cancel:     cancel,
	}
	h.entry = &entry{handle: h, released: make(chan struct{})}
	h.timer = l.clock.AfterFunc(l.opts.MaxHold, func() {
		l.log.Warn("sync lock hold time exceeded", "account", accountID, "token", h.Token)
		cancel()
	})
	return h
}

// acquireLease waits for the shared lease
func (l *Locker) acquireLease(ctx context.Context, h *Handle) error {
	for {
		ok, err := l.opts.Leases.TryAcquireLease(ctx, h.AccountID, h.Token, l.clock.Now(), l.opts.LeaseTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire sync lease: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-l.clock.After(l.opts.RetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		case <-h.ctx.Done():
			return fmt.Errorf("sync lock expired while waiting for lease")
		}
	}
}

// keepAlive renews the shared lease until the handle is released or expires
func (l *Locker) keepAlive(h *Handle) {
	ticker := l.clock.NewTicker(l.opts.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.Chan():
			ok, err := l.opts.Leases.RenewLease(h.ctx, h.AccountID, h.Token, l.clock.Now(), l.opts.LeaseTTL)
			if err != nil {
				if h.ctx.Err() != nil {
					return
				}
				l.log.Warn("failed to renew sync lease", "account", h.AccountID, "error", err)
				continue
			}
			if !ok {
				l.log.Error("sync lease lost", "account", h.AccountID, "token", h.Token)
				h.cancel()
				return
			}
		}
	}
}

// Held reports whether an unexpired local holder exists for the account
func (l *Locker) Held(accountID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.held[accountID]
	return ok && l.clock.Now().Before(cur.handle.ExpiresAt)
}

// Context is cancelled when the handle is released, expires or loses its lease
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Bind derives a context from parent that is also cancelled with the handle
func (h *Handle) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(h.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Release frees the lock. It is safe to call more than once and after the
// lock expired or was taken over.
func (h *Handle) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		l := h.locker
		h.timer.Stop()

		l.mu.Lock()
		if cur, ok := l.held[h.AccountID]; ok && cur == h.entry {
			delete(l.held, h.AccountID)
			close(cur.released)
		}
		l.mu.Unlock()

		h.cancel()
		if l.opts.Leases != nil {
			if relErr := l.opts.Leases.ReleaseLease(ctx, h.AccountID, h.Token); relErr != nil {
				err = fmt.Errorf("failed to release sync lease: %w", relErr)
			}
		}
		l.log.Debug("sync lock released", "account", h.AccountID, "token", h.Token)
	})
	return err
}
