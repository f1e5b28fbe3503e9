package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vonshlovens/remotesync/internal/ratelimit"
	"github.com/vonshlovens/remotesync/internal/remote"
)

// ErrInvalidRequest is returned for enqueue requests missing identifiers
var ErrInvalidRequest = errors.New("invalid poll request")

// EnqueueRequest reports that a resource was just edited
type EnqueueRequest struct {
	AccountID   string
	ResourceID  string
	ContainerID string
	// Scope defaults to AccountID
	Scope string
}

// Resolver supplies revision state for tracked resources
type Resolver interface {
	Revision(ctx context.Context, key Key) (remote.Revision, error)
	// Recent lists resources of an account modified since a point in time
	Recent(ctx context.Context, accountID string, since time.Time) ([]EnqueueRequest, error)
}

// ChangeHandler is invoked when a revision change is detected. The baseline
// only advances when it reports that the change was synced.
type ChangeHandler func(ctx context.Context, item Item) (synced bool, err error)

// Options configures a Scheduler
type Options struct {
	Resolver Resolver
	OnChange ChangeHandler
	// Limiter admits revision fetches; nil disables rate limiting
	Limiter *ratelimit.Limiter
	// IsRateLimited classifies provider errors, defaulting to
	// remote.DefaultRateLimitPredicate
	IsRateLimited remote.RateLimitPredicate

	Tiers         []Tier
	TickInterval  time.Duration
	InitialDelay  time.Duration
	InitialJitter time.Duration
	// MaxAge evicts items this long after they were first seen
	MaxAge        time.Duration
	MaxItems      int
	MaxPerScope   int
	Backoff       time.Duration
	BackoffJitter time.Duration
	// Workers bounds concurrent polls within one tick
	Workers int

	Clock  clockwork.Clock
	Jitter func(max time.Duration) time.Duration
	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if len(o.Tiers) == 0 {
		o.Tiers = DefaultTiers
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 2 * time.Second
	}
	if o.InitialJitter <= 0 {
		o.InitialJitter = 300 * time.Millisecond
	}
	if o.MaxAge <= 0 {
		o.MaxAge = o.Tiers[len(o.Tiers)-1].MaxAge
	}
	if o.MaxItems <= 0 {
		o.MaxItems = 500
	}
	if o.MaxPerScope <= 0 {
		o.MaxPerScope = 150
	}
	if o.Backoff <= 0 {
		o.Backoff = 30 * time.Second
	}
	if o.BackoffJitter <= 0 {
		o.BackoffJitter = 5 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.IsRateLimited == nil {
		o.IsRateLimited = remote.DefaultRateLimitPredicate
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Jitter == nil {
		o.Jitter = randomJitter
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// Scheduler polls recently edited resources on a decaying schedule
type Scheduler struct {
	opts  Options
	clock clockwork.Clock
	log   *slog.Logger

	mu      sync.Mutex
	items   map[Key]*Item
	seq     uint64
	metrics Metrics

	ticking atomic.Bool
	rescans singleflight.Group

	baseCtx    context.Context
	baseCancel context.CancelFunc
	baselines  sync.WaitGroup

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. It does nothing until Start is called, except
// fetching baselines for enqueued items.
func New(opts Options) *Scheduler {
	if opts.Resolver == nil {
		panic("poller: Resolver is required")
	}
	opts.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:       opts,
		clock:      opts.Clock,
		log:        opts.Logger,
		items:      make(map[Key]*Item),
		metrics:    Metrics{Evictions: make(map[string]uint64)},
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Start runs the poll tick until ctx is done or Stop is called
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := s.clock.NewTicker(s.opts.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.Tick(ctx)
				}()
			}
		}
	}()

	s.log.Info("poller started", "tick", s.opts.TickInterval)
}

// Stop halts the tick loop and waits for in-flight polls
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()

	s.baseCancel()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.baselines.Wait()
}

// Enqueue starts or refreshes tracking of a resource
func (s *Scheduler) Enqueue(_ context.Context, req EnqueueRequest) error {
	if req.AccountID == "" || req.ResourceID == "" || req.ContainerID == "" {
		return fmt.Errorf("%w: account, resource and container ids are required", ErrInvalidRequest)
	}
	if req.Scope == "" {
		req.Scope = req.AccountID
	}

	key := Key{AccountID: req.AccountID, ResourceID: req.ResourceID}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.Enqueued++
	due := now.Add(s.opts.InitialDelay + s.opts.Jitter(s.opts.InitialJitter))

	if item, ok := s.items[key]; ok {
		item.LastSeen = now
		item.ContainerID = req.ContainerID
		item.Scope = req.Scope
		item.NextDue = due

		refetch := item.State == StateBackoff
		if refetch {
			item.Revision = ""
			item.ModifiedTime = time.Time{}
			item.generation++
		}
		if item.State != StatePolling {
			item.State = StateActive
		}
		s.log.Debug("poll item refreshed", "key", key, "reactivated", refetch)
		if refetch {
			s.startBaseline(key, item.generation)
		}
		s.enforceCaps(req.Scope)
		return nil
	}

	s.seq++
	item := &Item{
		Key:         key,
		ContainerID: req.ContainerID,
		Scope:       req.Scope,
		FirstSeen:   now,
		LastSeen:    now,
		NextDue:     due,
		State:       StateNew,
		seq:         s.seq,
	}
	s.items[key] = item
	s.log.Debug("poll item enqueued", "key", key, "scope", req.Scope)

	s.startBaseline(key, item.generation)
	s.enforceCaps(req.Scope)
	return nil
}

// startBaseline fetches the item's current revision in the background.
// Called with s.mu held.
func (s *Scheduler) startBaseline(key Key, generation uint64) {
	s.baselines.Add(1)
	go func() {
		defer s.baselines.Done()
		s.fetchBaseline(s.baseCtx, key, generation)
	}()
}

func (s *Scheduler) fetchBaseline(ctx context.Context, key Key, generation uint64) {
	s.mu.Lock()
	item, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	scope := item.Scope
	s.mu.Unlock()

	rev, err := s.revision(ctx, scope, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok = s.items[key]
	if !ok || item.generation != generation {
		return
	}
	if err != nil {
		if s.isRateLimited(err) {
			s.backoffScopeLocked(scope, err)
			return
		}
		s.log.Warn("failed to fetch baseline revision", "key", key, "error", err)
		if item.State == StateNew {
			item.State = StateActive
		}
		return
	}

	if rev.Revision != "" {
		item.Revision = rev.Revision
		item.ModifiedTime = rev.ModifiedTime
	}
	if item.State == StateNew {
		item.State = StateActive
	}
}

// revision performs one rate-limited revision fetch
func (s *Scheduler) revision(ctx context.Context, scope string, key Key) (remote.Revision, error) {
	if s.opts.Limiter == nil {
		return s.opts.Resolver.Revision(ctx, key)
	}
	grant, err := s.opts.Limiter.Admit(ctx, scope)
	if err != nil {
		return remote.Revision{}, err
	}
	defer grant.Done()
	return s.opts.Resolver.Revision(ctx, key)
}

func (s *Scheduler) isRateLimited(err error) bool {
	var cooling *ratelimit.CooldownError
	return errors.As(err, &cooling) || s.opts.IsRateLimited(err)
}

// backoffScopeLocked moves every item of a scope into backoff and cools the
// limiter scope down unless the error came from an existing cooldown.
// Called with s.mu held.
func (s *Scheduler) backoffScopeLocked(scope string, cause error) {
	now := s.clock.Now()
	s.metrics.RateLimited++

	for _, item := range s.items {
		if item.Scope != scope {
			continue
		}
		item.State = StateBackoff
		item.NextDue = now.Add(s.opts.Backoff + s.opts.Jitter(s.opts.BackoffJitter))
	}

	var cooling *ratelimit.CooldownError
	if s.opts.Limiter != nil && !errors.As(cause, &cooling) {
		s.opts.Limiter.Cooldown(scope, remote.RetryAfterHint(cause))
	}
	s.log.Warn("poll scope rate limited", "scope", scope, "error", cause)
}

// enforceCaps evicts the oldest items until the global and scope caps hold.
// Called with s.mu held.
func (s *Scheduler) enforceCaps(scope string) {
	if len(s.items) > s.opts.MaxItems {
		for _, item := range s.oldest(len(s.items)-s.opts.MaxItems, "") {
			s.evictLocked(item.Key, EvictGlobalCap)
		}
	}

	inScope := 0
	for _, item := range s.items {
		if item.Scope == scope {
			inScope++
		}
	}
	if inScope > s.opts.MaxPerScope {
		for _, item := range s.oldest(inScope-s.opts.MaxPerScope, scope) {
			s.evictLocked(item.Key, EvictScopeCap)
		}
	}
}

// oldest returns the n items with the earliest FirstSeen, optionally within
// one scope. Enqueue order breaks ties.
func (s *Scheduler) oldest(n int, scope string) []*Item {
	candidates := make([]*Item, 0, len(s.items))
	for _, item := range s.items {
		if scope == "" || item.Scope == scope {
			candidates = append(candidates, item)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.FirstSeen.Equal(b.FirstSeen) {
			return a.FirstSeen.Before(b.FirstSeen)
		}
		return a.seq < b.seq
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

func (s *Scheduler) evictLocked(key Key, reason string) {
	item, ok := s.items[key]
	if !ok {
		return
	}
	delete(s.items, key)
	s.metrics.Evictions[reason]++

	level := slog.LevelDebug
	if reason == EvictGlobalCap || reason == EvictScopeCap {
		level = slog.LevelWarn
	}
	s.log.Log(context.Background(), level, "poll item evicted",
		"key", key,
		"reason", reason,
		"polls", item.PollCount)
}

// Tick polls every due item once. It returns false without doing anything
// when the previous tick is still running.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.ticking.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.metrics.Skipped++
		s.mu.Unlock()
		s.log.Debug("poll tick skipped, previous tick still running")
		return false
	}
	defer s.ticking.Store(false)

	due := s.collectDue()
	if len(due) == 0 {
		return true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, p := range due {
		g.Go(func() error {
			s.poll(gctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return true
}

type pollTarget struct {
	key        Key
	scope      string
	generation uint64
	seq        uint64
}

// collectDue evicts aged items and marks due items as polling
func (s *Scheduler) collectDue() []pollTarget {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []pollTarget
	for key, item := range s.items {
		if now.Sub(item.FirstSeen) > s.opts.MaxAge {
			s.evictLocked(key, EvictMaxAge)
			continue
		}
		interval, ok := intervalFor(s.opts.Tiers, now.Sub(item.LastSeen))
		if !ok {
			s.evictLocked(key, EvictTierEnded)
			continue
		}
		if now.Before(item.NextDue) {
			continue
		}

		item.State = StatePolling
		item.LastPolled = now
		item.PollCount++
		item.NextDue = now.Add(interval + s.opts.Jitter(interval/5))
		s.metrics.Polls++

		due = append(due, pollTarget{key: key, scope: item.Scope, generation: item.generation, seq: item.seq})
	}

	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })
	return due
}

func (s *Scheduler) poll(ctx context.Context, p pollTarget) {
	rev, err := s.revision(ctx, p.scope, p.key)
	if err != nil {
		s.handlePollError(p, err)
		return
	}

	s.mu.Lock()
	item, ok := s.items[p.key]
	if !ok {
		s.mu.Unlock()
		return
	}
	changed := rev.Revision != "" &&
		(rev.Revision != item.Revision || !rev.ModifiedTime.Equal(item.ModifiedTime))
	if !changed {
		if rev.Revision != "" {
			item.Revision = rev.Revision
			item.ModifiedTime = rev.ModifiedTime
		}
		if item.State == StatePolling {
			item.State = StateActive
		}
		s.mu.Unlock()
		return
	}
	s.metrics.Changes++
	snapshot := *item
	s.mu.Unlock()

	s.log.Info("remote revision changed",
		"key", p.key,
		"revision", rev.Revision,
		"polls", snapshot.PollCount)

	synced := false
	if s.opts.OnChange != nil {
		synced, err = s.opts.OnChange(ctx, snapshot)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		if s.isRateLimited(err) {
			s.backoffScopeLocked(p.scope, err)
			return
		}
		s.metrics.Errors++
		s.log.Error("failed to sync changed resource", "key", p.key, "error", err)
	}

	item, ok = s.items[p.key]
	if !ok {
		return
	}
	if synced {
		s.metrics.Syncs++
		if item.generation == p.generation {
			item.Revision = rev.Revision
			item.ModifiedTime = rev.ModifiedTime
		}
	}
	if item.State == StatePolling {
		item.State = StateActive
	}
}

func (s *Scheduler) handlePollError(p pollTarget, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case errors.Is(err, remote.ErrNotFound):
		s.evictLocked(p.key, EvictNotFound)
	case s.isRateLimited(err):
		s.backoffScopeLocked(p.scope, err)
	default:
		s.metrics.Errors++
		s.log.Warn("poll failed", "key", p.key, "error", err)
		if item, ok := s.items[p.key]; ok && item.State == StatePolling {
			item.State = StateActive
		}
	}
}

// Rescan enqueues resources of an account edited within the longest tier,
// rebuilding the working set after a restart. Concurrent rescans of the
// same account share one listing.
func (s *Scheduler) Rescan(ctx context.Context, accountID string) (int, error) {
	v, err, _ := s.rescans.Do(accountID, func() (any, error) {
		since := s.clock.Now().Add(-s.opts.Tiers[len(s.opts.Tiers)-1].MaxAge)
		reqs, err := s.opts.Resolver.Recent(ctx, accountID, since)
		if err != nil {
			return 0, fmt.Errorf("failed to list recent resources: %w", err)
		}
		n := 0
		for _, req := range reqs {
			if req.AccountID == "" {
				req.AccountID = accountID
			}
			if err := s.Enqueue(ctx, req); err != nil {
				s.log.Debug("skipping recent resource", "account", accountID, "resource", req.ResourceID, "error", err)
				continue
			}
			n++
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Len returns the number of tracked items
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Get returns a copy of a tracked item
func (s *Scheduler) Get(key Key) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

// Snapshot returns copies of all tracked items, oldest first
func (s *Scheduler) Snapshot() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Item, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Metrics returns a copy of the scheduler counters
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.metrics
	m.Evictions = make(map[string]uint64, len(s.metrics.Evictions))
	for k, v := range s.metrics.Evictions {
		m.Evictions[k] = v
	}
	m.Tracked = len(s.items)
	return m
}
