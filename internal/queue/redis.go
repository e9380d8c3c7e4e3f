// Package queue implements the multi-tenant, multi-kind job queue backed
// by Redis sorted sets. Jobs live in one of three named queues (send-email,
// send-webhook, update-analytics); within a queue, state flows through
// pending -> processing -> sent|failed, with retries rescheduled back onto
// pending using an exponential backoff with jitter.
//
// Per-tenant isolation is expressed purely through key namespacing: every
// key is prefixed with the configured namespace and the tenant ID, so a
// single Redis instance serves every tenant without cross-tenant key
// collisions. A tenant ID of "" addresses the shared system namespace; the
// queue monitor's own alerts do not use it, they go under the ordinary
// tenant ID "system".
package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Common errors
var (
	ErrMessageNotFound = errors.New("message not found")
	ErrQueueClosed     = errors.New("queue is closed")
)

// Kind identifies which named queue a job belongs to.
type Kind string

const (
	KindSendEmail      Kind = "send-email"
	KindSendWebhook    Kind = "send-webhook"
	KindUpdateAnalytics Kind = "update-analytics"
)

// Message represents a queued job. Despite the name (kept from the
// teacher's original single-purpose delivery queue), a Message is now a
// generic unit of queued work: outbound mail delivery, webhook dispatch,
// or an analytics update, distinguished by Kind.
type Message struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Kind        Kind      `json:"kind"`
	Priority    int       `json:"priority"` // lower value = higher priority
	Sender      string    `json:"sender"`
	Recipients  []string  `json:"recipients"`
	MessagePath string    `json:"message_path"` // path to message file on disk, send-email only
	Payload     string    `json:"payload,omitempty"` // opaque body for webhook/analytics jobs
	Size        int64     `json:"size"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	NextAttempt time.Time `json:"next_attempt"`
	LastError   string    `json:"last_error,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	Domain      string    `json:"domain"` // recipient domain, used for reputation/circuit keys
}

// Status represents the job's delivery status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSending  Status = "sending"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusDeferred Status = "deferred"
	StatusBounced  Status = "bounced"
)

// Config configures the Redis-backed queue.
type Config struct {
	// RedisURL is the Redis connection URL.
	RedisURL string
	// Prefix is the key namespace prefix shared by every tenant/queue.
	Prefix string
	// MaxRetries is the maximum delivery attempts.
	MaxRetries int
	// RetryMaxAge is the maximum time to retry before permanent failure.
	RetryMaxAge time.Duration
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() Config {
	return Config{
		RedisURL:    "redis://localhost:6379/0",
		Prefix:      "mail",
		MaxRetries:  15,
		RetryMaxAge: 7 * 24 * time.Hour, // 7 days
	}
}

// RedisQueue implements the job queue using Redis.
type RedisQueue struct {
	client *redis.Client
	config Config
	closed int32 // atomic: 1 if closed, 0 if open

	wg sync.WaitGroup
	mu sync.RWMutex
}

// NewRedisQueue creates a new Redis-backed queue.
func NewRedisQueue(cfg Config) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 1 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 5
	opts.MaxIdleConns = 10
	opts.ConnMaxIdleTime = 5 * time.Minute
	opts.ConnMaxLifetime = 30 * time.Minute
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for i := 0; i < 3; i++ {
		if err := client.Ping(ctx).Err(); err == nil {
			lastErr = nil
			break
		} else {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * time.Second)
			}
		}
	}
	if lastErr != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis after retries: %w", lastErr)
	}

	q := &RedisQueue{
		client: client,
		config: cfg,
		closed: 0,
	}

	go q.healthMonitor()

	return q, nil
}

// namespace returns the key namespace for a tenant/kind pair. An empty
// tenant ID addresses the shared system namespace.
func (q *RedisQueue) namespace(tenantID string, kind Kind) string {
	if tenantID == "" {
		return fmt.Sprintf("%s:system:%s", q.config.Prefix, kind)
	}
	return fmt.Sprintf("%s:tenant:%s:%s", q.config.Prefix, tenantID, kind)
}

func (q *RedisQueue) pendingKey(tenantID string, kind Kind) string {
	return q.namespace(tenantID, kind) + ":pending"
}
func (q *RedisQueue) processingKey(tenantID string, kind Kind) string {
	return q.namespace(tenantID, kind) + ":processing"
}
func (q *RedisQueue) failedKey(tenantID string, kind Kind) string {
	return q.namespace(tenantID, kind) + ":failed"
}
func (q *RedisQueue) sentKey(tenantID string, kind Kind) string {
	return q.namespace(tenantID, kind) + ":sent"
}
func (q *RedisQueue) statsKey(tenantID string, kind Kind) string {
	return q.namespace(tenantID, kind) + ":stats"
}
func (q *RedisQueue) messageKey(id string) string {
	return q.config.Prefix + ":message:" + id
}

// tenantsKey tracks which tenants have ever enqueued work for a kind, so
// worker pools and the queue monitor can discover namespaces to scan
// without an expensive KEYS/SCAN over the whole keyspace.
func (q *RedisQueue) tenantsKey(kind Kind) string {
	return q.config.Prefix + ":tenants:" + string(kind)
}

// healthMonitor periodically checks Redis connection health.
func (q *RedisQueue) healthMonitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		if atomic.LoadInt32(&q.closed) == 1 {
			return
		}

		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = q.client.Ping(ctx).Err()
			cancel()
		}
	}
}

func (q *RedisQueue) isClosed() bool {
	return atomic.LoadInt32(&q.closed) == 1
}

func (q *RedisQueue) validateContext(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is nil")
	}
	if q.isClosed() {
		return ErrQueueClosed
	}
	return nil
}

// Enqueue adds a job to the named queue for its tenant.
func (q *RedisQueue) Enqueue(ctx context.Context, msg *Message) error {
	if err := q.validateContext(ctx); err != nil {
		return err
	}

	q.wg.Add(1)
	defer q.wg.Done()

	if msg == nil {
		return errors.New("message is nil")
	}
	if msg.Kind == "" {
		msg.Kind = KindSendEmail
	}
	if msg.ID == "" {
		msg.ID = generateMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.NextAttempt.IsZero() {
		msg.NextAttempt = time.Now()
	}
	if msg.MaxAttempts == 0 {
		msg.MaxAttempts = q.config.MaxRetries
	}
	msg.Status = StatusPending

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// Priority breaks ties within the same readiness time: jobs scheduled
	// for the same instant order by priority by folding it into the score's
	// fractional component (lower priority sorts first).
	score := float64(msg.NextAttempt.UnixNano()) + float64(msg.Priority)/1e6

	maxRetries := 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		pipe := q.client.TxPipeline()
		pipe.Set(ctx, q.messageKey(msg.ID), data, 0)
		pipe.ZAdd(ctx, q.pendingKey(msg.TenantID, msg.Kind), redis.Z{
			Score:  score,
			Member: msg.ID,
		})
		pipe.SAdd(ctx, q.tenantsKey(msg.Kind), msg.TenantID)
		pipe.HIncrBy(ctx, q.statsKey(msg.TenantID, msg.Kind), "enqueued", 1)

		_, err = pipe.Exec(ctx)
		if err == nil {
			return nil
		}

		if !isTransientRedisError(err) {
			return fmt.Errorf("failed to enqueue message: %w", err)
		}

		if attempt < maxRetries-1 {
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
		}
	}

	return fmt.Errorf("failed to enqueue message after %d retries: %w", maxRetries, err)
}

// Tenants returns the tenant IDs that have enqueued work for kind.
func (q *RedisQueue) Tenants(ctx context.Context, kind Kind) ([]string, error) {
	return q.client.SMembers(ctx, q.tenantsKey(kind)).Result()
}

// Dequeue retrieves the next ready job for a tenant/kind pair. Returns nil
// if no jobs are ready. Callers implementing per-tenant fair share should
// round-robin across Tenants(kind) rather than always polling one tenant.
func (q *RedisQueue) Dequeue(ctx context.Context, tenantID string, kind Kind) (*Message, error) {
	if err := q.validateContext(ctx); err != nil {
		return nil, err
	}

	q.wg.Add(1)
	defer q.wg.Done()

	now := float64(time.Now().UnixNano()) + 1 // +1 so exact-now priority-0 jobs are included

	results, err := q.client.ZRangeByScoreWithScores(ctx, q.pendingKey(tenantID, kind), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", now),
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query pending queue: %w", err)
	}

	if len(results) == 0 {
		return nil, nil
	}

	msgID := results[0].Member.(string)

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.pendingKey(tenantID, kind), msgID)
	pipe.SAdd(ctx, q.processingKey(tenantID, kind), msgID)

	_, err = pipe.Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to move message to processing: %w", err)
	}

	msg, err := q.GetMessage(ctx, msgID)
	if err != nil {
		rollbackPipe := q.client.TxPipeline()
		rollbackPipe.SRem(ctx, q.processingKey(tenantID, kind), msgID)
		rollbackPipe.ZAdd(ctx, q.pendingKey(tenantID, kind), redis.Z{
			Score:  results[0].Score,
			Member: msgID,
		})
		if _, rbErr := rollbackPipe.Exec(ctx); rbErr != nil {
			return nil, fmt.Errorf("failed to get message %s and rollback failed: %w (rollback error: %v)", msgID, err, rbErr)
		}
		return nil, err
	}

	msg.Status = StatusSending
	msg.Attempts++
	msg.LastAttempt = time.Now()

	if err := q.updateMessage(ctx, msg); err != nil {
		rollbackPipe := q.client.TxPipeline()
		rollbackPipe.SRem(ctx, q.processingKey(tenantID, kind), msgID)
		rollbackPipe.ZAdd(ctx, q.pendingKey(tenantID, kind), redis.Z{
			Score:  results[0].Score,
			Member: msgID,
		})
		rollbackPipe.Exec(ctx)
		return nil, err
	}

	return msg, nil
}

// Complete marks a job as successfully processed.
func (q *RedisQueue) Complete(ctx context.Context, msgID string) error {
	if err := q.validateContext(ctx); err != nil {
		return err
	}

	q.wg.Add(1)
	defer q.wg.Done()

	msg, err := q.GetMessage(ctx, msgID)
	if err != nil {
		return err
	}

	msg.Status = StatusSent

	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.processingKey(msg.TenantID, msg.Kind), msgID)
	pipe.ZAdd(ctx, q.sentKey(msg.TenantID, msg.Kind), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: msgID,
	})
	pipe.HIncrBy(ctx, q.statsKey(msg.TenantID, msg.Kind), "sent", 1)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	pipe.Set(ctx, q.messageKey(msgID), data, 7*24*time.Hour)

	_, err = pipe.Exec(ctx)
	return err
}

// Retry schedules a job for retry with exponential backoff, or fails it
// permanently once its attempt/age budget is exhausted.
func (q *RedisQueue) Retry(ctx context.Context, msgID string, lastError error) error {
	msg, err := q.GetMessage(ctx, msgID)
	if err != nil {
		return err
	}

	msg.LastError = lastError.Error()

	if msg.Attempts >= msg.MaxAttempts {
		return q.Fail(ctx, msgID, "max attempts exceeded")
	}

	if time.Since(msg.CreatedAt) > q.config.RetryMaxAge {
		return q.Fail(ctx, msgID, "message expired")
	}

	msg.NextAttempt = calculateNextRetry(msg.Attempts)
	msg.Status = StatusDeferred

	score := float64(msg.NextAttempt.UnixNano()) + float64(msg.Priority)/1e6

	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.processingKey(msg.TenantID, msg.Kind), msgID)
	pipe.ZAdd(ctx, q.pendingKey(msg.TenantID, msg.Kind), redis.Z{
		Score:  score,
		Member: msgID,
	})
	pipe.HIncrBy(ctx, q.statsKey(msg.TenantID, msg.Kind), "retried", 1)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	pipe.Set(ctx, q.messageKey(msgID), data, 0)

	_, err = pipe.Exec(ctx)
	return err
}

// Fail permanently fails a job (no more retries).
func (q *RedisQueue) Fail(ctx context.Context, msgID string, reason string) error {
	msg, err := q.GetMessage(ctx, msgID)
	if err != nil {
		return err
	}

	msg.Status = StatusFailed
	msg.LastError = reason

	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.processingKey(msg.TenantID, msg.Kind), msgID)
	pipe.ZAdd(ctx, q.failedKey(msg.TenantID, msg.Kind), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: msgID,
	})
	pipe.HIncrBy(ctx, q.statsKey(msg.TenantID, msg.Kind), "failed", 1)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	pipe.Set(ctx, q.messageKey(msgID), data, 30*24*time.Hour)

	_, err = pipe.Exec(ctx)
	return err
}

// GetMessage retrieves a job by ID.
func (q *RedisQueue) GetMessage(ctx context.Context, msgID string) (*Message, error) {
	data, err := q.client.Get(ctx, q.messageKey(msgID)).Bytes()
	if err == redis.Nil {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	return &msg, nil
}

func (q *RedisQueue) updateMessage(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.messageKey(msg.ID), data, 0).Err()
}

// Stats returns queue statistics for one tenant/kind pair.
func (q *RedisQueue) Stats(ctx context.Context, tenantID string, kind Kind) (*QueueStats, error) {
	pipe := q.client.TxPipeline()
	pendingCmd := pipe.ZCard(ctx, q.pendingKey(tenantID, kind))
	processingCmd := pipe.SCard(ctx, q.processingKey(tenantID, kind))
	sentCmd := pipe.ZCard(ctx, q.sentKey(tenantID, kind))
	failedCmd := pipe.ZCard(ctx, q.failedKey(tenantID, kind))
	statsCmd := pipe.HGetAll(ctx, q.statsKey(tenantID, kind))

	_, err := pipe.Exec(ctx)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		Pending:    pendingCmd.Val(),
		Processing: processingCmd.Val(),
		Sent:       sentCmd.Val(),
		Failed:     failedCmd.Val(),
	}

	counters := statsCmd.Val()
	if v, ok := counters["enqueued"]; ok {
		fmt.Sscanf(v, "%d", &stats.TotalEnqueued)
	}
	if v, ok := counters["sent"]; ok {
		fmt.Sscanf(v, "%d", &stats.TotalSent)
	}
	if v, ok := counters["failed"]; ok {
		fmt.Sscanf(v, "%d", &stats.TotalFailed)
	}
	if v, ok := counters["retried"]; ok {
		fmt.Sscanf(v, "%d", &stats.TotalRetried)
	}

	return stats, nil
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Pending       int64
	Processing    int64
	Sent          int64
	Failed        int64
	TotalEnqueued int64
	TotalSent     int64
	TotalFailed   int64
	TotalRetried  int64
}

// PendingCount returns the number of jobs waiting for processing.
func (q *RedisQueue) PendingCount(ctx context.Context, tenantID string, kind Kind) (int64, error) {
	return q.client.ZCard(ctx, q.pendingKey(tenantID, kind)).Result()
}

// ProcessingCount returns the number of jobs currently being processed.
func (q *RedisQueue) ProcessingCount(ctx context.Context, tenantID string, kind Kind) (int64, error) {
	return q.client.SCard(ctx, q.processingKey(tenantID, kind)).Result()
}

// RecoverStale moves jobs stuck in processing back to pending. Handles the
// case where a worker crashed mid-delivery.
func (q *RedisQueue) RecoverStale(ctx context.Context, tenantID string, kind Kind, staleThreshold time.Duration) (int, error) {
	processing, err := q.client.SMembers(ctx, q.processingKey(tenantID, kind)).Result()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, msgID := range processing {
		msg, err := q.GetMessage(ctx, msgID)
		if err != nil {
			continue
		}

		if time.Since(msg.LastAttempt) > staleThreshold {
			if err := q.Retry(ctx, msgID, errors.New("worker timeout")); err == nil {
				recovered++
			}
		}
	}

	return recovered, nil
}

// Cleanup removes old sent/failed jobs for one tenant/kind pair.
func (q *RedisQueue) Cleanup(ctx context.Context, tenantID string, kind Kind, olderThan time.Duration) error {
	if err := q.validateContext(ctx); err != nil {
		return err
	}

	q.wg.Add(1)
	defer q.wg.Done()

	threshold := float64(time.Now().Add(-olderThan).UnixNano())

	if err := q.client.ZRemRangeByScore(ctx, q.sentKey(tenantID, kind), "-inf", fmt.Sprintf("%f", threshold)).Err(); err != nil {
		return fmt.Errorf("failed to cleanup sent messages: %w", err)
	}

	if err := q.client.ZRemRangeByScore(ctx, q.failedKey(tenantID, kind), "-inf", fmt.Sprintf("%f", threshold)).Err(); err != nil {
		return fmt.Errorf("failed to cleanup failed messages: %w", err)
	}

	return nil
}

// Close closes the Redis connection gracefully.
func (q *RedisQueue) Close() error {
	if !atomic.CompareAndSwapInt32(&q.closed, 0, 1) {
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
	}

	return q.client.Close()
}

// isTransientRedisError checks if an error is transient and worth retrying.
func isTransientRedisError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return contains(errStr, "connection refused") ||
		contains(errStr, "timeout") ||
		contains(errStr, "connection reset") ||
		contains(errStr, "broken pipe") ||
		contains(errStr, "i/o timeout") ||
		contains(errStr, "network") ||
		contains(errStr, "EOF")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(substr) == 0 ||
		func() bool {
			for i := 0; i <= len(s)-len(substr); i++ {
				if s[i:i+len(substr)] == substr {
					return true
				}
			}
			return false
		}())
}

// calculateNextRetry computes the next retry time using an exponential
// backoff (base 30s, factor 2, capped at 1h) with +/-20% jitter.
func calculateNextRetry(attempts int) time.Time {
	const (
		base      = 30 * time.Second
		factor    = 2
		maxDelay  = time.Hour
	)

	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}

	delay := base
	for i := 0; i < idx; i++ {
		delay *= factor
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	jitterRange := int64(delay) * 2 / 5 // 40% span, i.e. +/-20%
	var jitter time.Duration
	if jitterRange > 0 {
		jitter = time.Duration(time.Now().UnixNano()%jitterRange) - time.Duration(jitterRange/2)
	}

	return time.Now().Add(delay + jitter)
}

// generateMessageID generates a unique job ID.
func generateMessageID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(b))
}
