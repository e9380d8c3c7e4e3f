// Package delivery implements outbound email delivery with circuit breakers and retry logic.
package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fenilsonani/mailoutd/internal/logging"
	"github.com/fenilsonani/mailoutd/internal/metrics"
	"github.com/fenilsonani/mailoutd/internal/queue"
	"github.com/fenilsonani/mailoutd/internal/reputation"
	"github.com/fenilsonani/mailoutd/internal/resilience"
	"github.com/fenilsonani/mailoutd/internal/security"
)

// Common errors
var (
	ErrPermanentFailure = errors.New("permanent delivery failure")
	ErrTemporaryFailure = errors.New("temporary delivery failure")
	ErrCircuitOpen      = errors.New("circuit breaker open for domain")
	ErrReputationBlocked = errors.New("destination blocked by reputation manager")
	ErrAllMXFailed      = errors.New("all MX servers failed")
	ErrMessageTooLarge  = errors.New("message too large")
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// Config configures the delivery engine.
type Config struct {
	// Workers is the number of concurrent delivery workers.
	Workers int
	// Hostname is the HELO/EHLO hostname.
	Hostname string
	// ConnectTimeout is the TCP connection timeout.
	ConnectTimeout time.Duration
	// CommandTimeout is the SMTP command timeout.
	CommandTimeout time.Duration
	// MaxMessageSize is the maximum message size in bytes.
	MaxMessageSize int64
	// RequireTLS requires TLS for outbound delivery.
	RequireTLS bool
	// VerifyTLS verifies TLS certificates.
	VerifyTLS bool
	// QueuePath is the base path for queued message files (for safe cleanup verification)
	QueuePath string
	// PoolMaxPerHost caps how many idle sessions are kept for one MX host.
	// It does not bound concurrent connections to that host.
	PoolMaxPerHost int
	// PoolMaxMessages caps how many messages a pooled session carries before recycling.
	PoolMaxMessages int
	// PoolIdleTimeout is how long an unused pooled connection is kept before closing.
	PoolIdleTimeout time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		Hostname:        "localhost",
		ConnectTimeout:  30 * time.Second,
		CommandTimeout:  5 * time.Minute,
		MaxMessageSize:  25 * 1024 * 1024, // 25MB
		RequireTLS:      false,
		VerifyTLS:       true,
		PoolMaxPerHost:  4,
		PoolMaxMessages: 50,
		PoolIdleTimeout: 90 * time.Second,
	}
}

// Engine handles outbound email delivery.
type Engine struct {
	config     Config
	queue      *queue.RedisQueue
	mxResolver *MXResolver
	dkimPool   *security.DKIMSignerPool
	breakers   *resilience.BreakerRegistry
	reputation *reputation.Manager
	logger     *logging.Logger

	pools   map[string]*hostPool
	poolsMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	mu           sync.RWMutex
	totalSent    int64
	totalFailed  int64
	totalRetried int64
}

// NewEngine creates a new delivery engine.
func NewEngine(cfg Config, q *queue.RedisQueue, dkim *security.DKIMSignerPool, rep *reputation.Manager, logger *logging.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	if rep == nil {
		rep = reputation.New(reputation.DefaultConfig(), nil)
	}

	return &Engine{
		config:     cfg,
		queue:      q,
		mxResolver: NewMXResolver(DefaultMXResolverConfig()),
		dkimPool:   dkim,
		reputation: rep,
		breakers: resilience.NewBreakerRegistry(func(key string) resilience.Config {
			return resilience.Config{
				Name:             "smtp:" + key,
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          5 * time.Minute,
				HalfOpenMaxCalls: 2,
				ExecutionTimeout: 2 * time.Minute,
			}
		}),
		pools:  make(map[string]*hostPool),
		logger: logger.Delivery(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the delivery workers. The workers consume send-email jobs
// only, fair-sharing across tenants with outstanding send-email jobs; no
// worker here consumes send-webhook or update-analytics jobs.
func (e *Engine) Start() {
	e.logger.Info("Starting delivery engine", "workers", e.config.Workers)

	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	e.wg.Add(1)
	go e.recoveryWorker()

	e.wg.Add(1)
	go e.poolReaper()
}

// Stop gracefully stops the delivery engine.
func (e *Engine) Stop() {
	e.logger.Info("Stopping delivery engine")
	e.cancel()
	e.wg.Wait()
	e.closeAllPools()
	e.logger.Info("Delivery engine stopped")
}

// Enqueue adds a message for delivery on behalf of tenantID.
func (e *Engine) Enqueue(ctx context.Context, tenantID, sender string, recipients []string, messagePath string) error {
	info, err := os.Stat(messagePath)
	if err != nil {
		return fmt.Errorf("message file not found: %w", err)
	}

	if info.Size() > e.config.MaxMessageSize {
		return ErrMessageTooLarge
	}

	byDomain := make(map[string][]string)
	for _, rcpt := range recipients {
		domain := extractDomain(rcpt)
		if domain == "" {
			e.logger.WarnContext(ctx, "Invalid recipient address", "recipient", rcpt)
			continue
		}
		byDomain[domain] = append(byDomain[domain], rcpt)
	}

	for domain, rcpts := range byDomain {
		msg := &queue.Message{
			TenantID:    tenantID,
			Kind:        queue.KindSendEmail,
			Sender:      sender,
			Recipients:  rcpts,
			MessagePath: messagePath,
			Size:        info.Size(),
			Domain:      domain,
		}

		if err := e.queue.Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("failed to enqueue for domain %s: %w", domain, err)
		}

		e.logger.InfoContext(ctx, "Message enqueued",
			"tenant_id", tenantID,
			"domain", domain,
			"recipients", len(rcpts),
			"size", info.Size(),
		)
	}

	return nil
}

// worker is a delivery worker goroutine. It fair-shares across tenants with
// outstanding send-email jobs, polling one tenant's queue per iteration in
// round-robin order rather than always draining the first tenant dry.
func (e *Engine) worker(id int) {
	defer e.wg.Done()

	e.logger.Debug("Delivery worker started", "worker_id", id)
	cursor := 0

	for {
		select {
		case <-e.ctx.Done():
			e.logger.Debug("Delivery worker stopping", "worker_id", id)
			return
		default:
		}

		tenants, err := e.queue.Tenants(e.ctx, queue.KindSendEmail)
		if err != nil || len(tenants) == 0 {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		cursor = (cursor + 1) % len(tenants)
		tenantID := tenants[cursor]

		msg, err := e.queue.Dequeue(e.ctx, tenantID, queue.KindSendEmail)
		if err != nil {
			if !errors.Is(err, queue.ErrQueueClosed) {
				e.logger.Error("Failed to dequeue message", "error", err.Error(), "worker_id", id)
			}
			time.Sleep(time.Second)
			continue
		}

		if msg == nil {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		e.deliverMessage(msg)
	}
}

// deliverMessage attempts to deliver a single message.
func (e *Engine) deliverMessage(msg *queue.Message) {
	ctx := logging.WithMessageID(e.ctx, msg.ID)
	logger := e.logger.WithFields("message_id", msg.ID, "domain", msg.Domain, "tenant_id", msg.TenantID)

	logger.InfoContext(ctx, "Attempting delivery",
		"attempt", msg.Attempts,
		"recipients", len(msg.Recipients),
	)

	if !e.reputation.DeliveryAllowed(ctx, "domain:"+msg.Domain) {
		metrics.RecordReputationBlock("domain:" + msg.Domain)
		logger.WarnContext(ctx, "Destination domain blocked by reputation manager, deferring")
		e.queue.Retry(ctx, msg.ID, ErrReputationBlocked)
		e.mu.Lock()
		e.totalRetried++
		e.mu.Unlock()
		return
	}

	breaker := e.breakers.Get(msg.Domain)
	if breaker.State() == resilience.StateOpen {
		logger.WarnContext(ctx, "Circuit breaker open, deferring")
		e.queue.Retry(ctx, msg.ID, ErrCircuitOpen)
		e.mu.Lock()
		e.totalRetried++
		e.mu.Unlock()
		return
	}

	attemptStart := time.Now()
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		return e.attemptDelivery(ctx, msg)
	})
	metrics.RecordDelivery(err == nil, time.Since(attemptStart).Seconds())

	if err != nil {
		hardBounce := isPermanentError(err)
		e.reputation.RecordFailure(ctx, "domain:"+msg.Domain, hardBounce)

		if hardBounce {
			metrics.MessagesBounced.Inc()
			logger.ErrorContext(ctx, "Permanent delivery failure", err)
			e.queue.Fail(ctx, msg.ID, err.Error())
			e.mu.Lock()
			e.totalFailed++
			e.mu.Unlock()

			if err := e.cleanupMessageFile(msg.MessagePath); err != nil {
				logger.WarnContext(ctx, "Failed to cleanup message file after failure",
					"path", msg.MessagePath,
					"error", err.Error())
			}
		} else {
			metrics.DeliveryRetries.Inc()
			logger.WarnContext(ctx, "Temporary delivery failure, will retry", "error", err.Error())
			e.queue.Retry(ctx, msg.ID, err)
			e.mu.Lock()
			e.totalRetried++
			e.mu.Unlock()
		}
		return
	}

	e.reputation.RecordSuccess(ctx, "domain:"+msg.Domain)

	logger.InfoContext(ctx, "Message delivered successfully")
	e.queue.Complete(ctx, msg.ID)
	e.mu.Lock()
	e.totalSent++
	e.mu.Unlock()

	if err := e.cleanupMessageFile(msg.MessagePath); err != nil {
		logger.WarnContext(ctx, "Failed to cleanup message file",
			"path", msg.MessagePath,
			"error", err.Error())
	}
}

// cleanupMessageFile safely removes a message file after delivery
func (e *Engine) cleanupMessageFile(path string) error {
	if path == "" {
		return nil
	}

	if e.config.QueuePath != "" && !strings.HasPrefix(path, e.config.QueuePath) {
		e.logger.Warn("Refusing to delete file outside queue path",
			"path", path,
			"queue_path", e.config.QueuePath)
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove message file: %w", err)
	}
	return nil
}

// attemptDelivery tries to deliver to MX servers, skipping hosts the
// reputation manager currently has blocked.
func (e *Engine) attemptDelivery(ctx context.Context, msg *queue.Message) error {
	messageData, err := e.readAndSignMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to prepare message: %w", err)
	}

	mxHosts, err := e.mxResolver.LookupWithFallback(ctx, msg.Domain)
	if err != nil {
		return fmt.Errorf("MX lookup failed: %w", err)
	}

	var lastErr error
	for _, mx := range mxHosts {
		if !e.reputation.DeliveryAllowed(ctx, "mx:"+mx.Host) {
			e.logger.DebugContext(ctx, "Skipping MX host blocked by reputation manager", "host", mx.Host)
			continue
		}

		for _, addr := range mx.Addresses {
			lastErr = e.deliverToHost(ctx, addr, mx.Host, msg, messageData)
			if lastErr == nil {
				e.reputation.RecordSuccess(ctx, "mx:"+mx.Host)
				return nil
			}

			e.reputation.RecordFailure(ctx, "mx:"+mx.Host, isPermanentError(lastErr))

			if isPermanentError(lastErr) {
				return lastErr
			}

			e.logger.DebugContext(ctx, "MX attempt failed, trying next",
				"host", mx.Host,
				"addr", addr,
				"error", lastErr.Error(),
			)
		}
	}

	if lastErr == nil {
		return ErrReputationBlocked
	}
	return fmt.Errorf("%w: %v", ErrAllMXFailed, lastErr)
}

// readAndSignMessage reads the message and applies DKIM signature.
func (e *Engine) readAndSignMessage(ctx context.Context, msg *queue.Message) ([]byte, error) {
	data, err := os.ReadFile(msg.MessagePath)
	if err != nil {
		return nil, err
	}

	if e.dkimPool != nil {
		senderDomain := extractDomain(msg.Sender)
		signer := e.dkimPool.GetSigner(senderDomain)
		if signer != nil {
			var signed bytes.Buffer
			if err := signer.Sign(&signed, bytes.NewReader(data)); err != nil {
				e.logger.WarnContext(ctx, "DKIM signing failed", "error", err.Error())
			} else {
				data = signed.Bytes()
			}
		}
	}

	return data, nil
}

// deliverToHost delivers to a specific SMTP server, acquiring a pooled
// connection for the host when one is idle and still fresh, or dialing a
// new one otherwise (the number of concurrent dials is not capped).
func (e *Engine) deliverToHost(ctx context.Context, addr, hostname string, msg *queue.Message, data []byte) error {
	pc, err := e.acquireConn(ctx, addr, hostname)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	client := pc.client
	pc.conn.SetDeadline(time.Now().Add(e.config.CommandTimeout))

	if err := client.Mail(msg.Sender); err != nil {
		e.discardConn(pc)
		return classifyError(err)
	}

	for _, rcpt := range msg.Recipients {
		if err := client.Rcpt(rcpt); err != nil {
			e.logger.WarnContext(ctx, "RCPT failed",
				"recipient", rcpt,
				"error", err.Error(),
			)
		}
	}

	w, err := client.Data()
	if err != nil {
		e.discardConn(pc)
		return classifyError(err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		e.discardConn(pc)
		return fmt.Errorf("data write failed: %w", err)
	}

	if err := w.Close(); err != nil {
		e.discardConn(pc)
		return classifyError(err)
	}

	pc.messagesSent++
	e.releaseConn(hostname, pc)

	return nil
}

// recoveryWorker periodically recovers stale messages, across every tenant
// and queue kind currently known to the queue.
func (e *Engine) recoveryWorker() {
	defer e.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for _, kind := range []queue.Kind{queue.KindSendEmail, queue.KindSendWebhook, queue.KindUpdateAnalytics} {
				tenants, err := e.queue.Tenants(e.ctx, kind)
				if err != nil {
					continue
				}
				for _, tenantID := range tenants {
					recovered, err := e.queue.RecoverStale(e.ctx, tenantID, kind, 10*time.Minute)
					if err != nil {
						e.logger.Error("Stale recovery failed", "error", err.Error(), "tenant_id", tenantID, "kind", string(kind))
					} else if recovered > 0 {
						e.logger.Info("Recovered stale messages", "count", recovered, "tenant_id", tenantID, "kind", string(kind))
					}
				}
			}
		}
	}
}

// Stats returns delivery statistics for one tenant.
func (e *Engine) Stats(tenantID string) EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	queueStats, _ := e.queue.Stats(e.ctx, tenantID, queue.KindSendEmail)

	return EngineStats{
		TotalSent:    e.totalSent,
		TotalFailed:  e.totalFailed,
		TotalRetried: e.totalRetried,
		QueueStats:   queueStats,
		MXCacheStats: e.mxResolver.CacheStats(),
	}
}

// EngineStats contains delivery engine statistics.
type EngineStats struct {
	TotalSent    int64
	TotalFailed  int64
	TotalRetried int64
	QueueStats   *queue.QueueStats
	MXCacheStats MXCacheStats
}

// Helper functions

// extractDomain extracts the domain from an email address.
func extractDomain(email string) string {
	parts := strings.SplitN(email, "@", 2)
	if len(parts) != 2 {
		return ""
	}
	return strings.ToLower(parts[1])
}

// isPermanentError determines if an error is permanent (5xx) vs temporary (4xx).
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()

	if strings.Contains(errStr, "550") ||
		strings.Contains(errStr, "551") ||
		strings.Contains(errStr, "552") ||
		strings.Contains(errStr, "553") ||
		strings.Contains(errStr, "554") {
		return true
	}

	if errors.Is(err, ErrPermanentFailure) ||
		errors.Is(err, ErrInvalidRecipient) ||
		errors.Is(err, ErrMessageTooLarge) {
		return true
	}

	return false
}

// classifyError classifies an SMTP error as permanent or temporary.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	errStr := err.Error()

	if strings.HasPrefix(errStr, "5") ||
		strings.Contains(errStr, " 5") {
		return fmt.Errorf("%w: %v", ErrPermanentFailure, err)
	}

	return fmt.Errorf("%w: %v", ErrTemporaryFailure, err)
}
