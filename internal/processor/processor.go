// Package processor implements the Email Processor (C8): the single entry
// point for accepted messages, orchestrating Domain Validator -> DKIM Key
// Manager -> Queue Service and recording the Email row that is the source
// of truth for a message's delivery state. It is modeled on the teacher's
// smtp.Session handleOutbound/handleInbound control flow
// (internal/smtp/backend.go), generalized into its own tested component
// instead of being embedded in the SMTP session.
package processor

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fenilsonani/mailoutd/internal/domainvalidator"
	"github.com/fenilsonani/mailoutd/internal/queue"
	"github.com/fenilsonani/mailoutd/internal/security"
)

// ErrRejected is returned when a message fails a policy check (spam
// threshold, message validation) and must not be accepted.
var ErrRejected = errors.New("message rejected by policy")

// Direction mirrors the Email Record's direction column.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Signer is the subset of security.DKIMSignerPool the processor needs.
type Signer interface {
	Sign(domain string, w io.Writer, r io.Reader) error
	GetSigner(domain string) *security.DKIMSigner
}

// Message is the normalized, already-parsed envelope+body the SMTP server
// hands to the processor.
type Message struct {
	TenantID    string
	UserID      int64 // 0 for anonymous MX-port inbound
	From        string
	Recipients  []string
	Headers     map[string]string
	Body        []byte
	Spam        security.SpamResult
}

// Outcome is returned by both process_outgoing and process_incoming.
type Outcome struct {
	Accepted  bool
	MessageID string
	Modified  bool // true if the From address was rewritten to the fallback
}

// Processor composes the Domain Validator, DKIM Key Manager, and Queue
// Service into the two accept-path operations named in the spec.
type Processor struct {
	db          *sql.DB
	domains     *domainvalidator.Validator
	signer      Signer
	queue       *queue.RedisQueue
	security    *security.Manager
	queuePath   string
	primaryHost string
}

// New creates a Processor. queuePath is the directory spooled outbound
// message bodies are written to before being handed to the Queue Service,
// following the teacher's backend.go convention of queueing by file path
// rather than embedding the whole body in the job payload.
func New(db *sql.DB, domains *domainvalidator.Validator, signer Signer, q *queue.RedisQueue, sec *security.Manager, queuePath, primaryHost string) *Processor {
	return &Processor{db: db, domains: domains, signer: signer, queue: q, security: sec, queuePath: queuePath, primaryHost: primaryHost}
}

// ProcessOutgoing validates the sender domain, applies DKIM, and enqueues
// one send-email job carrying every recipient. The Email row is written in
// pending state before the job is enqueued, and the enqueue uses the same
// message-id as the row's idempotency key, so no job exists without its
// Email row. If the enqueue fails (or no queue is configured) the row stays
// pending with no job, and nothing here re-enqueues it.
func (p *Processor) ProcessOutgoing(ctx context.Context, msg Message) (Outcome, error) {
	from := msg.From
	modified := false

	if p.domains != nil && msg.UserID != 0 {
		result, err := p.domains.Check(ctx, msg.UserID, msg.From)
		if err != nil {
			return Outcome{}, fmt.Errorf("domain validation failed: %w", err)
		}
		if !result.Verified && result.Fallback != "" {
			from = result.Fallback
			modified = true
		}
	}

	if p.security != nil {
		check := p.security.CheckMessage(msg.Headers, true, nil, nil)
		if !check.Secure {
			return Outcome{Accepted: false}, fmt.Errorf("%w: %s", ErrRejected, strings.Join(check.Issues, "; "))
		}
		if p.security.SpamBlocked(msg.Spam) {
			p.security.EmitEvent(ctx, "outbound-spam-score-exceeded", from)
			return Outcome{Accepted: false}, fmt.Errorf("%w: spam score %.1f", ErrRejected, msg.Spam.Score)
		}
	}

	messageID := generateMessageID()
	domain := addressDomain(from)

	body := msg.Body
	if p.signer != nil && p.signer.GetSigner(domain) != nil {
		var signed strings.Builder
		if err := p.signer.Sign(domain, &signed, strings.NewReader(string(msg.Body))); err != nil {
			return Outcome{}, fmt.Errorf("DKIM signing failed: %w", err)
		}
		body = []byte(signed.String())
	}

	messagePath, err := p.spoolMessage(messageID, body)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to spool message: %w", err)
	}

	if err := p.insertEmailRow(ctx, messageID, from, msg.Recipients, DirectionOutbound, modified); err != nil {
		return Outcome{}, fmt.Errorf("failed to record email row: %w", err)
	}

	if p.queue != nil {
		job := &queue.Message{
			ID:          messageID,
			TenantID:    msg.TenantID,
			Kind:        queue.KindSendEmail,
			Sender:      from,
			Recipients:  msg.Recipients,
			MessagePath: messagePath,
			Size:        int64(len(body)),
			MaxAttempts: 3,
			Domain:      addressDomain(firstOrEmpty(msg.Recipients)),
		}
		if err := p.queue.Enqueue(ctx, job); err != nil {
			return Outcome{}, fmt.Errorf("failed to enqueue delivery job: %w", err)
		}
	}

	return Outcome{Accepted: true, MessageID: messageID, Modified: modified}, nil
}

// ProcessIncoming persists an inbound Email row as terminal (delivered),
// since this relay provides no onward relay or mailbox store for inbound
// mail (§1 Non-goals: no IMAP/POP hosting), and emits a security event if
// the spam score exceeds the configured threshold.
func (p *Processor) ProcessIncoming(ctx context.Context, msg Message) (Outcome, error) {
	messageID := generateMessageID()

	if p.security != nil && p.security.SpamBlocked(msg.Spam) {
		p.security.EmitEvent(ctx, "inbound-spam-score-exceeded", msg.From)
	}

	if err := p.insertEmailRowStatus(ctx, messageID, msg.From, msg.Recipients, DirectionInbound, "delivered", false); err != nil {
		return Outcome{}, fmt.Errorf("failed to record email row: %w", err)
	}

	return Outcome{Accepted: true, MessageID: messageID}, nil
}

// ValidateLocalRecipient reports whether addr's domain is in the locally
// hosted set, used by the SMTP server to decide inbound-vs-outbound routing
// on the MX port.
func (p *Processor) ValidateLocalRecipient(addr string) bool {
	if p.domains == nil {
		return false
	}
	return p.domains.IsLocallyHosted(addressDomain(addr))
}

func (p *Processor) spoolMessage(messageID string, body []byte) (string, error) {
	if err := os.MkdirAll(p.queuePath, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(p.queuePath, messageID+".eml")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (p *Processor) insertEmailRow(ctx context.Context, messageID, from string, recipients []string, direction Direction, modified bool) error {
	return p.insertEmailRowStatus(ctx, messageID, from, recipients, direction, "pending", modified)
}

func (p *Processor) insertEmailRowStatus(ctx context.Context, messageID, from string, recipients []string, direction Direction, status string, modified bool) error {
	if p.db == nil {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO emails (message_id, sender, recipients, direction, status, modified, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(message_id) DO UPDATE SET status = excluded.status
	`, messageID, from, strings.Join(recipients, ","), string(direction), status, modified, time.Now())
	return err
}

func addressDomain(addr string) string {
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	parts := strings.SplitN(addr, "@", 2)
	if len(parts) != 2 {
		return ""
	}
	return strings.ToLower(parts[1])
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func generateMessageID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
