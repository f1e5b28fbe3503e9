package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vonshlovens/remotesync/internal/remote"
)

func noJitter(time.Duration) time.Duration { return 0 }

func newTestLimiter(clock clockwork.Clock, mutate func(*Options)) *Limiter {
	opts := Options{
		PerScope:       1000,
		PerScopeBurst:  1000,
		Global:         1000,
		GlobalBurst:    1000,
		MaxConcurrent:  10,
		Cooldown:       30 * time.Second,
		CooldownJitter: 5 * time.Second,
		Clock:          clock,
		Jitter:         noJitter,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
}

func TestLimiter_CooldownIsolatesScopes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(clock, nil)
	ctx := context.Background()

	l.Cooldown("a", 0)

	_, err := l.Admit(ctx, "a")
	if !errors.Is(err, remote.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited for cooling scope, got %v", err)
	}
	var cooldownErr *CooldownError
	if !errors.As(err, &cooldownErr) || cooldownErr.Scope != "a" {
		t.Errorf("expected CooldownError for scope a, got %v", err)
	}

	grant, err := l.Admit(ctx, "b")
	if err != nil {
		t.Fatalf("scope b should not be affected: %v", err)
	}
	grant.Done()

	clock.Advance(31 * time.Second)
	grant, err = l.Admit(ctx, "a")
	if err != nil {
		t.Fatalf("scope a should be admitted after cooldown: %v", err)
	}
	grant.Done()
}

func TestLimiter_CooldownHonorsHint(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(clock, nil)

	until := l.Cooldown("a", 2*time.Minute)
	if got := until.Sub(clock.Now()); got != 2*time.Minute {
		t.Errorf("expected 2m cooldown, got %v", got)
	}

	// A shorter cooldown must not shrink the window
	l.Cooldown("a", 0)
	if u, ok := l.InCooldown("a"); !ok || !u.Equal(until) {
		t.Errorf("cooldown shortened: %v %v", u, ok)
	}
}

func TestLimiter_ScopeQuotaWaitsWithoutBlockingOthers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(clock, func(o *Options) {
		o.PerScope = 1
		o.PerScopeBurst = 1
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := l.Admit(ctx, "a")
	if err != nil {
		t.Fatalf("first admit failed: %v", err)
	}
	first.Done()

	done := make(chan error, 1)
	go func() {
		g, err := l.Admit(ctx, "a")
		if err == nil {
			g.Done()
		}
		done <- err
	}()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("second admit never waited: %v", err)
	}

	// Scope b is admitted while a waits
	other, err := l.Admit(ctx, "b")
	if err != nil {
		t.Fatalf("scope b blocked: %v", err)
	}
	other.Done()

	select {
	case <-done:
		t.Fatal("scope a admitted before its quota refilled")
	default:
	}

	clock.Advance(time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("second admit failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second admit not released after advancing clock")
	}
}

func TestLimiter_ConcurrencyCap(t *testing.T) {
	l := newTestLimiter(clockwork.NewRealClock(), func(o *Options) {
		o.MaxConcurrent = 1
	})

	held, err := l.Admit(context.Background(), "a")
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Admit(ctx, "b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline while slot held, got %v", err)
	}

	held.Done()
	held.Done()

	g, err := l.Admit(context.Background(), "b")
	if err != nil {
		t.Fatalf("admit after release failed: %v", err)
	}
	g.Done()
}

func TestLimiter_ProvidersDoNotShareSlots(t *testing.T) {
	l := newTestLimiter(clockwork.NewRealClock(), func(o *Options) {
		o.MaxConcurrent = 2
	})
	ctx := context.Background()

	var held []*Grant
	for i := 0; i < 2; i++ {
		g, err := l.Admit(ctx, "dropbox:A")
		if err != nil {
			t.Fatalf("admit failed: %v", err)
		}
		held = append(held, g)
	}

	other, err := l.Admit(ctx, "gdrive:svc")
	if err != nil {
		t.Fatalf("other provider blocked by held dropbox slots: %v", err)
	}
	other.Done()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := l.Admit(short, "dropbox:B"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected same provider to wait for a slot, got %v", err)
	}

	for _, g := range held {
		g.Done()
	}
}

func TestScopeGroup(t *testing.T) {
	tests := map[string]string{
		"dropbox:A":         "dropbox",
		"gdrive:svc@x.iam":  "gdrive",
		"plain":             "",
		"agent:blog:nested": "agent",
	}
	for scope, want := range tests {
		if got := ScopeGroup(scope); got != want {
			t.Errorf("ScopeGroup(%q) = %q, want %q", scope, got, want)
		}
	}
}

func TestLimiter_ScheduleAndStats(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(clock, nil)
	ctx := context.Background()

	ran := 0
	for i := 0; i < 3; i++ {
		if err := l.Schedule(ctx, "a", func(context.Context) error {
			ran++
			return nil
		}); err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
	}
	l.Cooldown("a", 0)
	_ = l.Schedule(ctx, "a", func(context.Context) error {
		t.Error("fn ran during cooldown")
		return nil
	})

	if ran != 3 {
		t.Errorf("expected 3 runs, got %d", ran)
	}
	stats := l.Stats()
	if len(stats) != 1 {
		t.Fatalf("expected one scope, got %d", len(stats))
	}
	if stats[0].Admitted != 3 || stats[0].Deferred != 1 || stats[0].Cooldowns != 1 {
		t.Errorf("unexpected stats: %+v", stats[0])
	}
}
