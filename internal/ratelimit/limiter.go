package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/vonshlovens/remotesync/internal/remote"
)

// Options configures a Limiter
type Options struct {
	// PerScope is the sustained rate admitted for one scope
	PerScope      rate.Limit
	PerScopeBurst int
	// Global caps the aggregate rate across the scopes of one group
	Global      rate.Limit
	GlobalBurst int
	// MaxConcurrent caps in-flight operations across the scopes of one group
	MaxConcurrent int64
	// Group maps a scope onto the quota it shares with other scopes;
	// defaults to ScopeGroup
	Group          func(scope string) string
	Cooldown       time.Duration
	CooldownJitter time.Duration
	Clock          clockwork.Clock
	// Jitter returns a random duration in [0, max); defaults to math/rand
	Jitter func(max time.Duration) time.Duration
	Logger *slog.Logger
}

// DefaultOptions mirrors the documented provider quotas
func DefaultOptions() Options {
	return Options{
		PerScope:       4,
		PerScopeBurst:  4,
		Global:         10,
		GlobalBurst:    2,
		MaxConcurrent:  2,
		Cooldown:       30 * time.Second,
		CooldownJitter: 5 * time.Second,
	}
}

// CooldownError is returned by Admit while a scope is cooling down
type CooldownError struct {
	Scope string
	Until time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("scope %s rate limited until %s", e.Scope, e.Until.Format(time.RFC3339))
}

func (e *CooldownError) Unwrap() error {
	return remote.ErrRateLimited
}

// ScopeStats reports counters for one scope
type ScopeStats struct {
	Scope         string    `json:"scope"`
	Admitted      uint64    `json:"admitted"`
	Deferred      uint64    `json:"deferred"`
	Cooldowns     uint64    `json:"cooldowns"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

type scopeState struct {
	limiter       *rate.Limiter
	cooldownUntil time.Time
	admitted      uint64
	deferred      uint64
	cooldowns     uint64
}

// groupState is the ceiling shared by every scope of one provider
type groupState struct {
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

// Limiter admits work per scope and per group. A scope is usually one
// provider credential or service account, and a group the provider it
// belongs to, so one provider's load never holds back another's.
type Limiter struct {
	opts   Options
	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex
	scopes map[string]*scopeState
	groups map[string]*groupState
}

// ScopeGroup returns the provider prefix of a "provider:id" scope, or ""
// for scopes without one
func ScopeGroup(scope string) string {
	group, _, ok := strings.Cut(scope, ":")
	if !ok {
		return ""
	}
	return group
}

// Grant is one admitted unit of work
type Grant struct {
	once    sync.Once
	release func()
}

// Done returns the concurrency slot held by the grant
func (g *Grant) Done() {
	if g == nil {
		return
	}
	g.once.Do(g.release)
}

// New creates a limiter
func New(opts Options) *Limiter {
	defaults := DefaultOptions()
	if opts.PerScope <= 0 {
		opts.PerScope = defaults.PerScope
	}
	if opts.PerScopeBurst <= 0 {
		opts.PerScopeBurst = defaults.PerScopeBurst
	}
	if opts.Global <= 0 {
		opts.Global = defaults.Global
	}
	if opts.GlobalBurst <= 0 {
		opts.GlobalBurst = defaults.GlobalBurst
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaults.MaxConcurrent
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Jitter == nil {
		opts.Jitter = randomJitter
	}
	if opts.Group == nil {
		opts.Group = ScopeGroup
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Limiter{
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger,
		scopes: make(map[string]*scopeState),
		groups: make(map[string]*groupState),
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

func (l *Limiter) scope(key string) *scopeState {
	s, ok := l.scopes[key]
	if !ok {
		s = &scopeState{limiter: rate.NewLimiter(l.opts.PerScope, l.opts.PerScopeBurst)}
		l.scopes[key] = s
	}
	return s
}

func (l *Limiter) group(scope string) *groupState {
	key := l.opts.Group(scope)
	g, ok := l.groups[key]
	if !ok {
		g = &groupState{
			limiter: rate.NewLimiter(l.opts.Global, l.opts.GlobalBurst),
			sem:     semaphore.NewWeighted(l.opts.MaxConcurrent),
		}
		l.groups[key] = g
	}
	return g
}

// Admit waits until the scope quota, then the group quota, then a group
// concurrency slot allow one operation. A scope in cooldown is refused
// immediately with a *CooldownError so callers can defer the work.
// Callers holding the grant across a long transfer should call Done once
// the provider has answered, see remote.WithResponseHook.
func (l *Limiter) Admit(ctx context.Context, key string) (*Grant, error) {
	l.mu.Lock()
	s := l.scope(key)
	if until := s.cooldownUntil; l.clock.Now().Before(until) {
		s.deferred++
		l.mu.Unlock()
		return nil, &CooldownError{Scope: key, Until: until}
	}
	scoped := s.limiter
	g := l.group(key)
	l.mu.Unlock()

	if err := l.wait(ctx, scoped); err != nil {
		return nil, err
	}
	if err := l.wait(ctx, g.limiter); err != nil {
		return nil, err
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	l.mu.Lock()
	s.admitted++
	l.mu.Unlock()

	return &Grant{release: func() { g.sem.Release(1) }}, nil
}

// wait reserves a token against the limiter clock and sleeps until it is due
func (l *Limiter) wait(ctx context.Context, lim *rate.Limiter) error {
	now := l.clock.Now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("rate limiter cannot admit a single token")
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	select {
	case <-l.clock.After(delay):
		return nil
	case <-ctx.Done():
		r.CancelAt(l.clock.Now())
		return ctx.Err()
	}
}

// Schedule runs fn once admitted
func (l *Limiter) Schedule(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	grant, err := l.Admit(ctx, key)
	if err != nil {
		return err
	}
	defer grant.Done()
	return fn(ctx)
}

// Cooldown pushes a scope into a cooldown window of the configured base plus
// jitter, or hint if the provider asked for longer. An existing longer
// cooldown is kept.
func (l *Limiter) Cooldown(key string, hint time.Duration) time.Time {
	wait := l.opts.Cooldown + l.opts.Jitter(l.opts.CooldownJitter)
	if hint > wait {
		wait = hint
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.scope(key)
	until := l.clock.Now().Add(wait)
	if until.After(s.cooldownUntil) {
		s.cooldownUntil = until
		s.cooldowns++
		l.logger.Warn("rate limit cooldown", "scope", key, "until", until.Format(time.RFC3339))
	}
	return s.cooldownUntil
}

// InCooldown reports whether a scope is cooling down and until when
func (l *Limiter) InCooldown(key string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.scopes[key]
	if !ok {
		return time.Time{}, false
	}
	if l.clock.Now().Before(s.cooldownUntil) {
		return s.cooldownUntil, true
	}
	return time.Time{}, false
}

// Stats returns per-scope counters sorted by scope
func (l *Limiter) Stats() []ScopeStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	out := make([]ScopeStats, 0, len(l.scopes))
	for key, s := range l.scopes {
		st := ScopeStats{
			Scope:     key,
			Admitted:  s.admitted,
			Deferred:  s.deferred,
			Cooldowns: s.cooldowns,
		}
		if now.Before(s.cooldownUntil) {
			st.CooldownUntil = s.cooldownUntil
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}
