package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_Fallback_AllowsUnderLimit(t *testing.T) {
	cfg := Config{Enabled: true, Rules: map[Scope]Rule{
		ScopeConnectionIP: {Max: 3, Window: time.Minute},
	}}
	l := New(cfg, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := l.Allow(ctx, ScopeConnectionIP, "1.2.3.4")
		if err != nil {
			t.Fatalf("Allow returned error: %v", err)
		}
		if !allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
}

func TestLimiter_Fallback_BlocksOverLimit(t *testing.T) {
	cfg := Config{Enabled: true, Rules: map[Scope]Rule{
		ScopeConnectionIP: {Max: 2, Window: time.Minute},
	}}
	l := New(cfg, nil)
	ctx := context.Background()

	l.Allow(ctx, ScopeConnectionIP, "1.2.3.4")
	l.Allow(ctx, ScopeConnectionIP, "1.2.3.4")
	allowed, _ := l.Allow(ctx, ScopeConnectionIP, "1.2.3.4")
	if allowed {
		t.Error("third request should be blocked")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l := New(Config{Enabled: false}, nil)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		allowed, _ := l.Allow(ctx, ScopeConnectionIP, "1.2.3.4")
		if !allowed {
			t.Fatal("disabled limiter must always allow")
		}
	}
}

func TestLimiter_UnconfiguredScopeAllows(t *testing.T) {
	l := New(Config{Enabled: true, Rules: map[Scope]Rule{}}, nil)
	ctx := context.Background()

	allowed, err := l.Allow(ctx, ScopeUser, "alice")
	if err != nil || !allowed {
		t.Error("scope with no configured rule should always allow")
	}
}

func TestLimiter_DifferentKeysIndependent(t *testing.T) {
	cfg := Config{Enabled: true, Rules: map[Scope]Rule{
		ScopeAuthIP: {Max: 1, Window: time.Minute},
	}}
	l := New(cfg, nil)
	ctx := context.Background()

	allowed1, _ := l.Allow(ctx, ScopeAuthIP, "10.0.0.1")
	allowed2, _ := l.Allow(ctx, ScopeAuthIP, "10.0.0.2")
	if !allowed1 || !allowed2 {
		t.Error("distinct keys should not share a counter")
	}

	blocked, _ := l.Allow(ctx, ScopeAuthIP, "10.0.0.1")
	if blocked {
		t.Error("second request against the same key should be blocked")
	}
}

func TestLimiter_Reset(t *testing.T) {
	cfg := Config{Enabled: true, Rules: map[Scope]Rule{
		ScopeUser: {Max: 1, Window: time.Minute},
	}}
	l := New(cfg, nil)
	ctx := context.Background()

	l.Allow(ctx, ScopeUser, "bob")
	blocked, _ := l.Allow(ctx, ScopeUser, "bob")
	if blocked {
		t.Fatal("expected second attempt to be blocked before reset")
	}

	l.Reset(ctx, ScopeUser, "bob")

	allowed, _ := l.Allow(ctx, ScopeUser, "bob")
	if !allowed {
		t.Error("request after reset should be allowed")
	}
}

func TestLimiter_Remaining(t *testing.T) {
	cfg := Config{Enabled: true, Rules: map[Scope]Rule{
		ScopeTenant: {Max: 5, Window: time.Minute},
	}}
	l := New(cfg, nil)
	ctx := context.Background()

	if got := l.Remaining(ctx, ScopeTenant, "acme"); got != 5 {
		t.Errorf("Remaining before any request = %d, want 5", got)
	}

	l.Allow(ctx, ScopeTenant, "acme")
	l.Allow(ctx, ScopeTenant, "acme")

	if got := l.Remaining(ctx, ScopeTenant, "acme"); got != 3 {
		t.Errorf("Remaining after 2 requests = %d, want 3", got)
	}
}

func TestLimiter_WindowExpires(t *testing.T) {
	cfg := Config{Enabled: true, Rules: map[Scope]Rule{
		ScopeDestination: {Max: 1, Window: 10 * time.Millisecond},
	}}
	l := New(cfg, nil)
	ctx := context.Background()

	l.Allow(ctx, ScopeDestination, "example.com")
	blocked, _ := l.Allow(ctx, ScopeDestination, "example.com")
	if blocked {
		t.Fatal("expected second attempt inside the window to be blocked")
	}

	time.Sleep(20 * time.Millisecond)

	allowed, _ := l.Allow(ctx, ScopeDestination, "example.com")
	if !allowed {
		t.Error("request after window expiry should be allowed")
	}
}
