// Package queuemonitor implements the Queue Monitor (C12): periodic
// sampling of queue depth/failure-rate/stuck-job health, alerting through
// the Queue Service itself. It is grounded on the teacher's ticker-driven
// background-goroutine idiom (delivery.go's recoveryWorker, redis.go's
// healthMonitor), generalized from a single recovery sweep into health
// sampling across every (tenant, kind) combination with alert rules.
package queuemonitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fenilsonani/mailoutd/internal/broker"
	"github.com/fenilsonani/mailoutd/internal/logging"
	"github.com/fenilsonani/mailoutd/internal/metrics"
	"github.com/fenilsonani/mailoutd/internal/queue"
	"github.com/redis/go-redis/v9"
)

// systemTenant is the reserved tenant id the monitor uses to enqueue its
// own alert jobs. Sampling that tenant's own send-webhook queue is excluded
// from the waiting-count and stuck-job rules, so a burst of alerts cannot
// trigger alerts about itself.
const systemTenant = "system"

// Config controls sampling interval and alert thresholds.
type Config struct {
	SampleInterval      time.Duration
	HighFailureRate     float64 // failures / (failures+completions) from the queue's lifetime counters; no time window is applied
	HighWaitingCount    map[queue.Kind]int64
	StuckJobAge         map[queue.Kind]time.Duration
	AlertWebhookEnabled bool
}

// DefaultConfig returns the spec defaults: sample every 30s, alert at a 20%
// failure rate, with queue-specific stuck-job deadlines (5 min email, 30s
// webhook).
func DefaultConfig() Config {
	return Config{
		SampleInterval:  30 * time.Second,
		HighFailureRate: 0.2,
		HighWaitingCount: map[queue.Kind]int64{
			queue.KindSendEmail:       1000,
			queue.KindSendWebhook:     500,
			queue.KindUpdateAnalytics: 5000,
		},
		StuckJobAge: map[queue.Kind]time.Duration{
			queue.KindSendEmail:       5 * time.Minute,
			queue.KindSendWebhook:     30 * time.Second,
			queue.KindUpdateAnalytics: 5 * time.Minute,
		},
		AlertWebhookEnabled: true,
	}
}

// Alert describes a raised anomaly, recorded and optionally dispatched as
// a send-webhook job.
type Alert struct {
	Rule      string
	TenantID  string
	Kind      queue.Kind
	Detail    string
	Value     float64
	Timestamp time.Time
}

// Monitor samples every known tenant's queue stats on an interval and
// raises alerts per the configured rules.
type Monitor struct {
	cfg    Config
	q      *queue.RedisQueue
	broker *redis.Client
	logger *logging.Logger

	mu     sync.Mutex
	alerts []Alert
}

// New creates a Monitor. brokerClient may be nil, in which case the
// broker_disconnection rule is skipped.
func New(cfg Config, q *queue.RedisQueue, brokerClient *redis.Client, logger *logging.Logger) *Monitor {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 30 * time.Second
	}
	return &Monitor{cfg: cfg, q: q, broker: brokerClient, logger: logger}
}

// Run samples on Config.SampleInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	if m.broker != nil && !broker.Healthy(ctx, m.broker) {
		m.raise(ctx, Alert{Rule: "broker_disconnection", TenantID: systemTenant, Detail: "broker ping failed", Timestamp: time.Now()})
		return
	}

	kinds := []queue.Kind{queue.KindSendEmail, queue.KindSendWebhook, queue.KindUpdateAnalytics}
	for _, kind := range kinds {
		tenants, err := m.q.Tenants(ctx, kind)
		if err != nil {
			continue
		}
		for _, tenantID := range tenants {
			m.sampleOne(ctx, tenantID, kind)
		}
	}
}

func (m *Monitor) sampleOne(ctx context.Context, tenantID string, kind queue.Kind) {
	stats, err := m.q.Stats(ctx, tenantID, kind)
	if err != nil {
		return
	}

	metrics.QueueDepth.WithLabelValues(tenantID, string(kind)).Set(float64(stats.Pending))

	total := stats.TotalSent + stats.TotalFailed
	if total > 0 {
		failureRate := float64(stats.TotalFailed) / float64(total)
		if failureRate > m.cfg.HighFailureRate {
			m.raise(ctx, Alert{
				Rule: "high_failure_rate", TenantID: tenantID, Kind: kind,
				Value: failureRate, Detail: fmt.Sprintf("failure rate %.2f over sampled totals", failureRate),
				Timestamp: time.Now(),
			})
		}
	}

	// Exclude the system tenant's own webhook queue from the waiting/stuck
	// rules: a burst of alert deliveries must not trigger alerts about
	// itself.
	if tenantID == systemTenant && kind == queue.KindSendWebhook {
		return
	}

	if limit, ok := m.cfg.HighWaitingCount[kind]; ok && stats.Pending > limit {
		m.raise(ctx, Alert{
			Rule: "high_waiting_count", TenantID: tenantID, Kind: kind,
			Value: float64(stats.Pending), Detail: fmt.Sprintf("%d waiting, limit %d", stats.Pending, limit),
			Timestamp: time.Now(),
		})
	}

	if deadline, ok := m.cfg.StuckJobAge[kind]; ok {
		stuck, err := m.q.RecoverStale(ctx, tenantID, kind, deadline)
		if err == nil && stuck > 0 {
			m.raise(ctx, Alert{
				Rule: "queue_stuck", TenantID: tenantID, Kind: kind,
				Value: float64(stuck), Detail: fmt.Sprintf("%d jobs recovered past their deadline", stuck),
				Timestamp: time.Now(),
			})
		}
	}
}

func (m *Monitor) raise(ctx context.Context, a Alert) {
	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > 500 {
		m.alerts = m.alerts[len(m.alerts)-500:]
	}
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.WarnContext(ctx, "queue health alert",
			"rule", a.Rule, "tenant_id", a.TenantID, "kind", string(a.Kind), "detail", a.Detail)
	}

	if !m.cfg.AlertWebhookEnabled || m.q == nil {
		return
	}
	// Alerts are dispatched through the same Queue Service, always under
	// the reserved system tenant so alert traffic never competes with a
	// tenant's own send-email/send-webhook concurrency slice.
	job := &queue.Message{
		TenantID:    systemTenant,
		Kind:        queue.KindSendWebhook,
		Payload:     fmt.Sprintf(`{"rule":%q,"tenant_id":%q,"kind":%q,"detail":%q}`, a.Rule, a.TenantID, a.Kind, a.Detail),
		MaxAttempts: 5,
	}
	_ = m.q.Enqueue(ctx, job)
}

// Alerts returns a snapshot of recently raised alerts, for diagnostics.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}
