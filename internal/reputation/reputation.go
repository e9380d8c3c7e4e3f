// Package reputation tracks delivery outcomes per destination (MX host or
// domain) and gates further attempts once a key has accumulated too many
// consecutive failures. It follows the same atomic-counter, sync.Map
// registry shape as the resilience circuit breaker, but the state machine
// is specific to mail delivery: a soft threshold imposes a short block, a
// hard threshold (or an explicit permanent bounce) imposes a longer one,
// and any success clears the streak.
package reputation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls the soft/hard failure thresholds and block durations.
type Config struct {
	SoftFailureThreshold int64
	HardFailureThreshold int64
	SoftBlockDuration    time.Duration
	HardBlockDuration    time.Duration
}

// DefaultConfig returns the spec-default thresholds: 3 consecutive
// failures for a 5 minute soft block, 10 for a 1 hour hard block.
func DefaultConfig() Config {
	return Config{
		SoftFailureThreshold: 3,
		HardFailureThreshold: 10,
		SoftBlockDuration:    5 * time.Minute,
		HardBlockDuration:    time.Hour,
	}
}

// Store persists reputation rows so state survives a restart. Entries are
// best-effort snapshots; losing recent history after a crash only costs a
// few retried deliveries, never correctness.
type Store interface {
	LoadReputation(ctx context.Context, key string) (successes, consecutiveFailures int64, blockedUntil time.Time, found bool, err error)
	SaveReputation(ctx context.Context, key string, successes, consecutiveFailures int64, blockedUntil time.Time) error
}

// entry holds the live counters for one key (an MX host or destination domain).
type entry struct {
	successes           int64 // atomic
	consecutiveFailures int64 // atomic
	blockedUntil        int64 // atomic, unix nano; zero means not blocked
	hardBlocked         int32 // atomic bool
}

// Manager is the Reputation Manager: record outcomes, ask whether delivery
// to a key is currently allowed.
type Manager struct {
	cfg     Config
	store   Store
	entries sync.Map // string -> *entry
}

// New creates a reputation manager. store may be nil, in which case state
// is in-process only (acceptable for single-node deployments).
func New(cfg Config, store Store) *Manager {
	if cfg.SoftFailureThreshold <= 0 {
		cfg.SoftFailureThreshold = 3
	}
	if cfg.HardFailureThreshold <= cfg.SoftFailureThreshold {
		cfg.HardFailureThreshold = cfg.SoftFailureThreshold + 7
	}
	if cfg.SoftBlockDuration <= 0 {
		cfg.SoftBlockDuration = 5 * time.Minute
	}
	if cfg.HardBlockDuration <= 0 {
		cfg.HardBlockDuration = time.Hour
	}
	return &Manager{cfg: cfg, store: store}
}

func (m *Manager) get(ctx context.Context, key string) *entry {
	if e, ok := m.entries.Load(key); ok {
		return e.(*entry)
	}

	e := &entry{}
	if m.store != nil {
		if successes, failures, blockedUntil, found, err := m.store.LoadReputation(ctx, key); err == nil && found {
			e.successes = successes
			e.consecutiveFailures = failures
			if !blockedUntil.IsZero() {
				e.blockedUntil = blockedUntil.UnixNano()
			}
		}
	}

	actual, _ := m.entries.LoadOrStore(key, e)
	return actual.(*entry)
}

// DeliveryAllowed reports whether a delivery attempt to key is currently
// permitted, i.e. the key is not within an active block window.
func (m *Manager) DeliveryAllowed(ctx context.Context, key string) bool {
	e := m.get(ctx, key)
	until := atomic.LoadInt64(&e.blockedUntil)
	if until == 0 {
		return true
	}
	return time.Now().After(time.Unix(0, until))
}

// RecordSuccess clears the consecutive-failure streak and any active block.
func (m *Manager) RecordSuccess(ctx context.Context, key string) {
	e := m.get(ctx, key)
	atomic.AddInt64(&e.successes, 1)
	atomic.StoreInt64(&e.consecutiveFailures, 0)
	atomic.StoreInt64(&e.blockedUntil, 0)
	atomic.StoreInt32(&e.hardBlocked, 0)
	m.persist(ctx, key, e)
}

// RecordFailure records a delivery failure against key. hardBounce marks an
// explicit permanent failure (e.g. a 5.1.1 from the destination), which
// always imposes the hard block regardless of the failure count.
func (m *Manager) RecordFailure(ctx context.Context, key string, hardBounce bool) {
	e := m.get(ctx, key)
	failures := atomic.AddInt64(&e.consecutiveFailures, 1)

	now := time.Now()
	switch {
	case hardBounce || failures >= m.cfg.HardFailureThreshold:
		atomic.StoreInt64(&e.blockedUntil, now.Add(m.cfg.HardBlockDuration).UnixNano())
		atomic.StoreInt32(&e.hardBlocked, 1)
	case failures >= m.cfg.SoftFailureThreshold:
		// Don't downgrade an existing hard block with a later soft one.
		if atomic.LoadInt32(&e.hardBlocked) == 0 {
			atomic.StoreInt64(&e.blockedUntil, now.Add(m.cfg.SoftBlockDuration).UnixNano())
		}
	}

	m.persist(ctx, key, e)
}

func (m *Manager) persist(ctx context.Context, key string, e *entry) {
	if m.store == nil {
		return
	}
	var blockedUntil time.Time
	if until := atomic.LoadInt64(&e.blockedUntil); until != 0 {
		blockedUntil = time.Unix(0, until)
	}
	_ = m.store.SaveReputation(ctx, key,
		atomic.LoadInt64(&e.successes),
		atomic.LoadInt64(&e.consecutiveFailures),
		blockedUntil,
	)
}

// Status reports the current counters for a key, for diagnostics/monitoring.
type Status struct {
	Successes           int64
	ConsecutiveFailures int64
	BlockedUntil        time.Time
	Blocked             bool
}

// Status returns the current reputation status for key.
func (m *Manager) Status(ctx context.Context, key string) Status {
	e := m.get(ctx, key)
	var blockedUntil time.Time
	if until := atomic.LoadInt64(&e.blockedUntil); until != 0 {
		blockedUntil = time.Unix(0, until)
	}
	return Status{
		Successes:           atomic.LoadInt64(&e.successes),
		ConsecutiveFailures: atomic.LoadInt64(&e.consecutiveFailures),
		BlockedUntil:        blockedUntil,
		Blocked:             !blockedUntil.IsZero() && time.Now().Before(blockedUntil),
	}
}

// Sweep clears expired block windows, freeing memory on long-lived keys.
// Intended to be called from a periodic ticker (see the teacher's
// greylist cleanup-routine shape).
func (m *Manager) Sweep() (cleared int) {
	now := time.Now()
	m.entries.Range(func(_, value any) bool {
		e := value.(*entry)
		until := atomic.LoadInt64(&e.blockedUntil)
		if until != 0 && now.After(time.Unix(0, until)) {
			atomic.StoreInt64(&e.blockedUntil, 0)
			atomic.StoreInt32(&e.hardBlocked, 0)
			cleared++
		}
		return true
	})
	return cleared
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
