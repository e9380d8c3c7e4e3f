package security

import (
	"context"
	"database/sql"
	"net"
	"regexp"
	"strings"
	"time"
)

// ConnectionDecision is the outcome of validating an inbound connection.
type ConnectionDecision struct {
	Allow  bool
	Reason string
}

// MessageCheck is the outcome of checking a message for header injection
// and relay abuse before it reaches the Email Processor. MIME structure is
// not checked.
type MessageCheck struct {
	Secure bool
	Issues []string
}

// SpamResult is the outcome of the lightweight spam heuristic.
type SpamResult struct {
	Score        float64
	MatchedRules []string
}

var suspectPhrases = []string{
	"click here now", "act now", "limited time offer", "wire transfer",
	"nigerian prince", "viagra", "you have won", "urgent response required",
	"congratulations you've been selected",
}

var headerInjectionPattern = regexp.MustCompile(`[\r\n](?:to|cc|bcc|from|subject):`)

// Manager is the Security Manager (C6): connection policy, message/spam
// checks, and security-event emission. The deny-list table follows the
// same sqlite triplet-table idiom as the teacher's greylist package
// (CREATE TABLE IF NOT EXISTS, narrow single-purpose queries), generalized
// from a greylisting delay into a straightforward allow/deny decision plus
// an append-only audit trail, since greylisting itself is out of scope here.
type Manager struct {
	db             *sql.DB
	spamThreshold  float64
	reputation     reputationChecker
}

// reputationChecker is the subset of *reputation.Manager this package needs,
// kept as an interface so tests can substitute a fake instead of wiring a
// full reputation manager.
type reputationChecker interface {
	DeliveryAllowed(ctx context.Context, key string) bool
}

// NewManager creates a Security Manager backed by db for deny-list and
// security-event persistence. spamThreshold is the score at/above which
// SpamBlocked flags a message; AnalyseSpam itself only scores.
func NewManager(db *sql.DB, spamThreshold float64, rep reputationChecker) (*Manager, error) {
	if spamThreshold <= 0 {
		spamThreshold = 8.0
	}
	if db != nil {
		if _, err := db.Exec(`
			CREATE TABLE IF NOT EXISTS security_deny_list (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				cidr TEXT NOT NULL UNIQUE,
				reason TEXT,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			CREATE TABLE IF NOT EXISTS security_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				reason TEXT NOT NULL,
				subject TEXT NOT NULL,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_security_events_created_at ON security_events(created_at);
		`); err != nil {
			return nil, err
		}
	}
	return &Manager{db: db, spamThreshold: spamThreshold, reputation: rep}, nil
}

// ValidateConnection checks ip against the deny list and, if a reputation
// manager is wired, against its tarpit state for repeat abusers.
func (m *Manager) ValidateConnection(ctx context.Context, ip, heloHostname string) ConnectionDecision {
	if m.db != nil {
		denied, reason := m.isDenied(ctx, ip)
		if denied {
			return ConnectionDecision{Allow: false, Reason: reason}
		}
	}
	if m.reputation != nil && !m.reputation.DeliveryAllowed(ctx, "conn-ip:"+ip) {
		return ConnectionDecision{Allow: false, Reason: "ip temporarily blocked for repeated abuse"}
	}
	return ConnectionDecision{Allow: true}
}

func (m *Manager) isDenied(ctx context.Context, ip string) (bool, string) {
	host := ip
	if h, _, err := net.SplitHostPort(ip); err == nil {
		host = h
	}
	parsed := net.ParseIP(host)
	if parsed == nil {
		return false, ""
	}

	rows, err := m.db.QueryContext(ctx, "SELECT cidr, reason FROM security_deny_list")
	if err != nil {
		return false, ""
	}
	defer rows.Close()

	for rows.Next() {
		var cidr, reason string
		if err := rows.Scan(&cidr, &reason); err != nil {
			continue
		}
		if !strings.Contains(cidr, "/") {
			if cidr == host {
				return true, reason
			}
			continue
		}
		_, network, err := net.ParseCIDR(cidr)
		if err == nil && network.Contains(parsed) {
			return true, reason
		}
	}
	return false, ""
}

// Deny adds an entry (single IP or CIDR) to the deny list.
func (m *Manager) Deny(ctx context.Context, cidr, reason string) error {
	if m.db == nil {
		return nil
	}
	_, err := m.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO security_deny_list (cidr, reason) VALUES (?, ?)", cidr, reason)
	return err
}

// CheckMessage inspects headers and body for injection attempts and,
// for anonymous MX-port connections, relay abuse (RCPT to a non-local
// domain without authentication).
func (m *Manager) CheckMessage(headers map[string]string, isAuthenticated bool, rcptDomains []string, localDomains map[string]bool) MessageCheck {
	var issues []string

	for name, value := range headers {
		if headerInjectionPattern.MatchString(strings.ToLower(value)) {
			issues = append(issues, "header injection attempt in "+name)
		}
		if strings.ContainsAny(value, "\r\n") {
			issues = append(issues, "embedded CRLF in header "+name)
		}
	}

	if !isAuthenticated {
		for _, domain := range rcptDomains {
			if !localDomains[strings.ToLower(domain)] {
				issues = append(issues, "relay abuse: unauthenticated send to non-local domain "+domain)
			}
		}
	}

	return MessageCheck{Secure: len(issues) == 0, Issues: issues}
}

// AnalyseSpam scores a message body+headers using a bounded heuristic:
// presence of suspect phrases, link-to-text ratio, uppercase ratio, and
// missing common headers. The score has no fixed upper bound by
// construction but in practice stays within a small range; callers compare
// it against a configured threshold.
func AnalyseSpam(body string, headers map[string]string) SpamResult {
	var score float64
	var matched []string

	lower := strings.ToLower(body)
	for _, phrase := range suspectPhrases {
		if strings.Contains(lower, phrase) {
			score += 2
			matched = append(matched, "suspect-phrase:"+phrase)
		}
	}

	if ratio := linkToTextRatio(body); ratio > 0.3 {
		score += ratio * 4
		matched = append(matched, "high-link-ratio")
	}

	if ratio := uppercaseRatio(body); ratio > 0.6 && len(body) > 20 {
		score += 2
		matched = append(matched, "excessive-uppercase")
	}

	for _, required := range []string{"Subject", "Date", "Message-Id"} {
		if !hasHeaderCaseInsensitive(headers, required) {
			score += 1
			matched = append(matched, "missing-header:"+required)
		}
	}

	return SpamResult{Score: score, MatchedRules: matched}
}

func hasHeaderCaseInsensitive(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

var linkPattern = regexp.MustCompile(`https?://\S+`)

func linkToTextRatio(body string) float64 {
	if len(body) == 0 {
		return 0
	}
	links := linkPattern.FindAllString(body, -1)
	var linkChars int
	for _, l := range links {
		linkChars += len(l)
	}
	return float64(linkChars) / float64(len(body))
}

func uppercaseRatio(body string) float64 {
	var upper, letters int
	for _, r := range body {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') {
			letters++
			if r >= 'A' && r <= 'Z' {
				upper++
			}
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}

// SpamBlocked reports whether result meets or exceeds the configured
// rejection threshold.
func (m *Manager) SpamBlocked(result SpamResult) bool {
	return result.Score >= m.spamThreshold
}

// EmitEvent records a security event to the durable audit table.
func (m *Manager) EmitEvent(ctx context.Context, reason, subject string) error {
	if m.db == nil {
		return nil
	}
	_, err := m.db.ExecContext(ctx,
		"INSERT INTO security_events (reason, subject, created_at) VALUES (?, ?, ?)",
		reason, subject, time.Now())
	return err
}
