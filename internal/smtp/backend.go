package smtp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/fenilsonani/mailoutd/internal/auth"
	"github.com/fenilsonani/mailoutd/internal/config"
	"github.com/fenilsonani/mailoutd/internal/domainvalidator"
	"github.com/fenilsonani/mailoutd/internal/logging"
	"github.com/fenilsonani/mailoutd/internal/metrics"
	"github.com/fenilsonani/mailoutd/internal/processor"
	"github.com/fenilsonani/mailoutd/internal/ratelimit"
	"github.com/fenilsonani/mailoutd/internal/security"
)

// errTempPolicy, errAuthFailed, errUnknownRecipient, errRelayDenied and
// errMessageTooLarge carry the exact enhanced status codes this relay's
// accept path promises: 421 4.7.0, 535 5.7.8, 550 5.1.1, 550 5.7.1, and
// 552 5.3.4 respectively.
var (
	errTempPolicy = &smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCode{4, 7, 0},
		Message:      "Temporary policy rejection, try again later",
	}
	errAuthFailed = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication credentials invalid",
	}
	errUnknownRecipient = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "User not found",
	}
	errRelayDenied = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Relay access denied",
	}
	errMessageTooLarge = &smtp.SMTPError{
		Code:         552,
		EnhancedCode: smtp.EnhancedCode{5, 3, 4},
		Message:      "Message size exceeds fixed maximum message size",
	}
)

// Backend implements the go-smtp Backend interface. It is the SMTP Server
// (C11)'s session factory: every policy decision inside a Session is
// delegated to one of the standalone components (Domain Validator,
// Security Manager, Rate Limiter, Email Processor) rather than being
// implemented inline, generalizing the teacher's single-mailbox
// backend.go into the multi-tenant relay's accept path.
type Backend struct {
	config        *config.Config
	authenticator *auth.Authenticator
	domains       *domainvalidator.Validator
	security      *security.Manager
	limiter       *ratelimit.Limiter
	processor     *processor.Processor
	logger        *logging.Logger
	localDomains  map[string]bool
}

// NewBackend creates a new SMTP backend wired to the relay's shared
// components.
func NewBackend(
	cfg *config.Config,
	authenticator *auth.Authenticator,
	domains *domainvalidator.Validator,
	secManager *security.Manager,
	limiter *ratelimit.Limiter,
	proc *processor.Processor,
	logger *logging.Logger,
) *Backend {
	localDomains := make(map[string]bool, len(cfg.Domains))
	for _, d := range cfg.Domains {
		localDomains[strings.ToLower(d.Name)] = true
	}

	return &Backend{
		config:        cfg,
		authenticator: authenticator,
		domains:       domains,
		security:      secManager,
		limiter:       limiter,
		processor:     proc,
		logger:        logger.SMTP(),
		localDomains:  localDomains,
	}
}

// NewSession is called when a new SMTP connection is established. Connection
// policy (deny list, reputation tarpit) is enforced here, before any command
// is accepted, per the Security Manager's validate_connection operation.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return b.newSession(c, false)
}

// newSession implements NewSession for both the MX and submission roles;
// submissionBackend.NewSession calls this directly with isSubmission=true
// so the connection is counted under the right role from the start instead
// of being reclassified after the fact.
func (b *Backend) newSession(c *smtp.Conn, isSubmission bool) (smtp.Session, error) {
	remoteAddr := ""
	if c.Conn() != nil {
		remoteAddr = c.Conn().RemoteAddr().String()
	}
	clientIP := ipOnly(remoteAddr)
	ctx := logging.WithRemoteAddr(context.Background(), remoteAddr)

	if b.security != nil {
		decision := b.security.ValidateConnection(ctx, clientIP, "")
		if !decision.Allow {
			metrics.RecordRejection("security")
			b.logger.WarnContext(ctx, "Connection rejected by security policy",
				"remote_addr", remoteAddr,
				"reason", decision.Reason,
			)
			return nil, errTempPolicy
		}
	}

	if b.limiter != nil {
		allowed, err := b.limiter.Allow(ctx, ratelimit.ScopeConnectionIP, clientIP)
		if err == nil && !allowed {
			metrics.RecordRateLimitRejection(string(ratelimit.ScopeConnectionIP))
			b.logger.WarnContext(ctx, "Connection rejected by rate limiter", "remote_addr", remoteAddr)
			return nil, errTempPolicy
		}
	}

	metrics.RecordConnection(sessionRole(isSubmission))

	return &Session{
		backend:      b,
		conn:         c,
		isSubmission: isSubmission,
		remoteAddr:   remoteAddr,
		clientIP:     clientIP,
		ctx:          ctx,
	}, nil
}

// sessionRole returns the metrics label for a session's listener role.
func sessionRole(isSubmission bool) string {
	if isSubmission {
		return "submission"
	}
	return "mx"
}

// Session implements the go-smtp Session interface.
type Session struct {
	backend      *Backend
	conn         *smtp.Conn
	user         *auth.User
	from         string
	rcpts        []string
	isSubmission bool
	remoteAddr   string
	clientIP     string
	ctx          context.Context
}

// AuthPlain handles PLAIN authentication for the submission port.
func (s *Session) AuthPlain(username, password string) error {
	if s.backend.limiter != nil {
		allowed, err := s.backend.limiter.Allow(s.ctx, ratelimit.ScopeAuthIP, s.clientIP)
		if err == nil && !allowed {
			return errTempPolicy
		}
	}

	user, err := s.backend.authenticator.Authenticate(s.ctx, username, password)
	if s.backend.authenticator != nil {
		s.backend.authenticator.RecordAttempt(s.ctx, s.clientIP, username, "smtp-submission", err == nil)
	}
	if err != nil {
		metrics.RecordAuth(false)
		s.backend.logger.WarnContext(s.ctx, "Authentication failed",
			"username", username,
			"remote_addr", s.remoteAddr,
		)
		return errAuthFailed
	}
	metrics.RecordAuth(true)

	s.user = user
	s.ctx = logging.WithUserID(s.ctx, user.ID)
	s.backend.logger.InfoContext(s.ctx, "User authenticated",
		"username", username,
	)
	return nil
}

// Mail is called when the MAIL FROM command is received. Sender-domain
// ownership is resolved later, in the Email Processor, so a submission's
// MAIL FROM is never itself rejected for an unverified domain — it is
// transparently rewritten to the tenant's fallback address instead.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt is called when the RCPT TO command is received.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.isSubmission {
		return s.rcptSubmission(to)
	}
	return s.rcptInbound(to)
}

func (s *Session) rcptSubmission(to string) error {
	if s.user == nil {
		return &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}

	if s.backend.limiter != nil {
		tenantID := strconv.FormatInt(s.user.TenantID, 10)
		userKey := strconv.FormatInt(s.user.ID, 10)
		destDomain := addrDomain(to)

		checks := []struct {
			scope ratelimit.Scope
			key   string
		}{
			{ratelimit.ScopeUser, userKey},
			{ratelimit.ScopeTenant, tenantID},
			{ratelimit.ScopeDestination, destDomain},
		}
		for _, check := range checks {
			allowed, err := s.backend.limiter.Allow(s.ctx, check.scope, check.key)
			if err == nil && !allowed {
				metrics.RecordRateLimitRejection(string(check.scope))
				s.backend.logger.InfoContext(s.ctx, "Recipient rejected by rate limiter",
					"scope", string(check.scope),
					"recipient", to,
				)
				return errTempPolicy
			}
		}
	}

	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *Session) rcptInbound(to string) error {
	if s.backend.processor != nil && !s.backend.processor.ValidateLocalRecipient(to) {
		s.backend.logger.InfoContext(s.ctx, "Rejected relay attempt to non-local domain",
			"recipient", to,
		)
		return errRelayDenied
	}

	valid, err := s.backend.authenticator.ValidateAddress(s.ctx, to)
	if err != nil {
		s.backend.logger.ErrorContext(s.ctx, "Error validating recipient", err,
			"recipient", to,
		)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary failure, please try again",
		}
	}
	if !valid {
		s.backend.logger.InfoContext(s.ctx, "Rejected unknown recipient",
			"recipient", to,
		)
		return errUnknownRecipient
	}

	s.rcpts = append(s.rcpts, to)
	return nil
}

// Data is called when the DATA command is received.
func (s *Session) Data(r io.Reader) error {
	if len(s.rcpts) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No recipients specified",
		}
	}

	maxSize := int64(s.backend.config.Security.MaxMessageSize)
	data, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		s.backend.logger.ErrorContext(s.ctx, "Failed to read message data", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Error reading message data",
		}
	}
	if int64(len(data)) > maxSize {
		return errMessageTooLarge
	}

	headers, body := parseHeaders(data)

	if s.isSubmission {
		return s.handleOutbound(headers, body, data)
	}
	return s.handleInbound(headers, body, data)
}

// handleOutbound runs an authenticated submission through the Email
// Processor's accept path (domain validation, DKIM, queueing).
func (s *Session) handleOutbound(headers map[string]string, body string, raw []byte) error {
	spam := security.AnalyseSpam(body, headers)

	var userID int64
	var tenantID string
	if s.user != nil {
		userID = s.user.ID
		tenantID = strconv.FormatInt(s.user.TenantID, 10)
	}

	outcome, err := s.backend.processor.ProcessOutgoing(s.ctx, processor.Message{
		TenantID:   tenantID,
		UserID:     userID,
		From:       s.from,
		Recipients: s.rcpts,
		Headers:    headers,
		Body:       raw,
		Spam:       spam,
	})
	if err != nil {
		if errors.Is(err, processor.ErrRejected) {
			metrics.RecordRejection("policy")
		} else {
			metrics.RecordRejection("queue_error")
		}
		s.backend.logger.ErrorContext(s.ctx, "Outbound message rejected", err,
			"from", s.from,
			"recipients", len(s.rcpts),
		)
		if errors.Is(err, processor.ErrRejected) {
			return errRelayDenied
		}
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary failure queuing message",
		}
	}

	metrics.MessagesQueued.Inc()
	s.backend.logger.InfoContext(s.ctx, "Message accepted for delivery",
		"message_id", outcome.MessageID,
		"recipients", len(s.rcpts),
		"modified_sender", outcome.Modified,
	)
	return nil
}

// handleInbound accepts mail arriving on the MX port. This relay hosts no
// mailboxes (Non-goal), so an accepted inbound message is recorded as
// terminal via the Email Processor rather than being appended to a maildir.
func (s *Session) handleInbound(headers map[string]string, body string, raw []byte) error {
	spam := security.AnalyseSpam(body, headers)

	if s.backend.security != nil {
		check := s.backend.security.CheckMessage(headers, false, rcptDomains(s.rcpts), s.backend.localDomains)
		if !check.Secure {
			metrics.RecordRejection("security")
			s.backend.logger.WarnContext(s.ctx, "Rejected message on security check",
				"issues", strings.Join(check.Issues, "; "),
			)
			return errRelayDenied
		}
	}

	_, err := s.backend.processor.ProcessIncoming(s.ctx, processor.Message{
		From:       s.from,
		Recipients: s.rcpts,
		Headers:    headers,
		Body:       raw,
		Spam:       spam,
	})
	if err != nil {
		s.backend.logger.ErrorContext(s.ctx, "Failed to record inbound message", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 0, 0},
			Message:      "Temporary delivery failure",
		}
	}

	metrics.MessagesReceived.Inc()
	return nil
}

// Reset is called after a successful DATA command or RSET.
func (s *Session) Reset() {
	s.from = ""
	s.rcpts = nil
}

// Logout is called when the connection is closed.
func (s *Session) Logout() error {
	metrics.ReleaseConnection(sessionRole(s.isSubmission))
	return nil
}

func rcptDomains(rcpts []string) []string {
	domains := make([]string, len(rcpts))
	for i, r := range rcpts {
		domains[i] = addrDomain(r)
	}
	return domains
}

// parseHeaders splits raw message bytes into a flattened header map and the
// body text (not transfer-decoded), following the teacher's maildir parser's convention of
// using net/mail for RFC 5322 header parsing.
func parseHeaders(data []byte) (map[string]string, string) {
	msg, err := mail.ReadMessage(strings.NewReader(string(data)))
	if err != nil {
		return map[string]string{}, string(data)
	}
	headers := make(map[string]string, len(msg.Header))
	for k := range msg.Header {
		headers[k] = msg.Header.Get(k)
	}
	bodyBytes, err := io.ReadAll(msg.Body)
	if err != nil {
		return headers, ""
	}
	return headers, string(bodyBytes)
}

// addrDomain extracts and lowercases the domain part of an email address.
func addrDomain(addr string) string {
	_, domain := parseAddress(addr)
	return domain
}

// parseAddress extracts local part and domain from an email address.
func parseAddress(addr string) (local, domain string) {
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")

	parts := strings.SplitN(addr, "@", 2)
	if len(parts) == 2 {
		return strings.ToLower(parts[0]), strings.ToLower(parts[1])
	}
	return addr, ""
}

// ipOnly strips the port from a host:port remote address.
func ipOnly(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// generateID generates a cryptographically secure unique ID.
func generateID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d-%x", time.Now().UnixNano(), time.Now().UnixNano()%0xFFFFFF)
	}
	return hex.EncodeToString(b)
}
