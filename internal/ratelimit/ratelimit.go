// Package ratelimit enforces the per-scope sending and connection limits:
// connections per IP, auth attempts per IP, and send volume per user,
// per tenant, and per destination domain. Counting is Redis-backed so
// limits hold across every server process sharing the broker; when Redis
// is unavailable it falls back to an in-process fixed-window counter (the
// same shape as the admin login limiter this package generalizes), trading
// cross-process accuracy for availability rather than failing open.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scope identifies what a limit is counted against.
type Scope string

const (
	ScopeConnectionIP Scope = "conn_ip"
	ScopeAuthIP       Scope = "auth_ip"
	ScopeUser         Scope = "user"
	ScopeTenant       Scope = "tenant"
	ScopeDestination  Scope = "destination"
)

// Rule configures one scope's limit.
type Rule struct {
	Max    int
	Window time.Duration
}

// Config configures the limiter's rules. A zero Max disables that scope.
type Config struct {
	Enabled bool
	Rules   map[Scope]Rule
}

// DefaultConfig returns the spec-default limits.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Rules: map[Scope]Rule{
			ScopeConnectionIP: {Max: 60, Window: time.Minute},
			ScopeAuthIP:       {Max: 10, Window: 15 * time.Minute},
			ScopeUser:         {Max: 500, Window: time.Hour},
			ScopeTenant:       {Max: 5000, Window: time.Hour},
			ScopeDestination:  {Max: 200, Window: time.Hour},
		},
	}
}

// Limiter enforces fixed-window limits per scope+key: a key's count resets
// when its window ends; windows do not slide.
type Limiter struct {
	cfg    Config
	client *redis.Client // may be nil: fall back to in-process counting

	mu       sync.Mutex
	fallback map[string]*window
}

type window struct {
	count     int
	resetAt   time.Time
}

// New creates a Limiter. client may be nil for single-node deployments or
// when Redis is temporarily unreachable; in that case counting is
// in-process only and resets if the process restarts.
func New(cfg Config, client *redis.Client) *Limiter {
	return &Limiter{
		cfg:      cfg,
		client:   client,
		fallback: make(map[string]*window),
	}
}

// Allow increments the counter for scope+key and reports whether the
// request is within the configured limit. A disabled limiter, or a scope
// with no configured rule, always allows.
func (l *Limiter) Allow(ctx context.Context, scope Scope, key string) (bool, error) {
	if !l.cfg.Enabled {
		return true, nil
	}
	rule, ok := l.cfg.Rules[scope]
	if !ok || rule.Max <= 0 {
		return true, nil
	}

	redisKey := "ratelimit:" + string(scope) + ":" + key

	if l.client != nil {
		count, err := l.incrRedis(ctx, redisKey, rule.Window)
		if err == nil {
			return count <= int64(rule.Max), nil
		}
		// Redis unreachable: fall through to the in-process counter rather
		// than failing the request outright.
	}

	return l.incrFallback(redisKey, rule), nil
}

func (l *Limiter) incrRedis(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		// The first hit opens the window; later hits must not extend it.
		l.client.Expire(ctx, key, window)
	}
	return count, nil
}

func (l *Limiter) incrFallback(key string, rule Rule) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.fallback[key]
	if !ok || now.After(w.resetAt) {
		w = &window{count: 0, resetAt: now.Add(rule.Window)}
		l.fallback[key] = w
	}
	w.count++
	return w.count <= rule.Max
}

// Remaining reports how many requests are left in the current window for
// scope+key, without incrementing. Best-effort: against Redis it reads the
// counter directly; in fallback mode it reads the in-process counter.
func (l *Limiter) Remaining(ctx context.Context, scope Scope, key string) int {
	rule, ok := l.cfg.Rules[scope]
	if !ok || rule.Max <= 0 {
		return rule.Max
	}
	redisKey := "ratelimit:" + string(scope) + ":" + key

	if l.client != nil {
		if v, err := l.client.Get(ctx, redisKey).Int(); err == nil {
			remaining := rule.Max - v
			if remaining < 0 {
				return 0
			}
			return remaining
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.fallback[redisKey]
	if !ok || time.Now().After(w.resetAt) {
		return rule.Max
	}
	remaining := rule.Max - w.count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset clears the counter for scope+key, used after a successful
// authentication or when an operator manually lifts a block.
func (l *Limiter) Reset(ctx context.Context, scope Scope, key string) {
	redisKey := "ratelimit:" + string(scope) + ":" + key
	if l.client != nil {
		l.client.Del(ctx, redisKey)
	}
	l.mu.Lock()
	delete(l.fallback, redisKey)
	l.mu.Unlock()
}

// StartCleanup periodically evicts expired in-process fallback entries so
// long-lived processes don't accumulate stale IPs/users indefinitely.
func (l *Limiter) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for key, w := range l.fallback {
		if now.After(w.resetAt) {
			delete(l.fallback, key)
		}
	}
}
