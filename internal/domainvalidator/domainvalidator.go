// Package domainvalidator verifies, on each authenticated submission, that
// the declared sender domain is owned and verified by the authenticated
// user. It is grounded on auth.Authenticator's domain/user lookup pattern
// (internal/auth/auth.go), extended with the verified-ownership check and
// noreply fallback-address synthesis this spec's multi-tenant model needs
// but the teacher's single-mailbox auth layer never did.
package domainvalidator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

)

// ErrDomainNotOwned is returned when the caller is not the domain's owner.
var ErrDomainNotOwned = errors.New("domain not owned by user")

// ErrInvalidAddress is returned when a from-address cannot be parsed.
var ErrInvalidAddress = errors.New("invalid from address")

// Result is the outcome of checking a sender address against a user's
// claimed, verified domains.
type Result struct {
	OK       bool   // true if the address may be used as-is, or a Fallback was synthesized
	Verified bool   // true iff the declared domain is owned and verified
	Fallback string // non-empty when the From address must be rewritten
}

// Validator checks sender-domain ownership against the durable store.
type Validator struct {
	db            *sql.DB
	primaryDomain string // system fallback domain for noreply addresses
	systemDomains map[string]bool
}

// New creates a Validator. primaryDomain is the system domain used to
// synthesize fallback addresses; systemDomains are locally hosted domains
// that are always permitted regardless of per-user ownership (e.g. the
// relay's own sending identities).
func New(db *sql.DB, primaryDomain string, systemDomains []string) *Validator {
	set := make(map[string]bool, len(systemDomains))
	for _, d := range systemDomains {
		set[strings.ToLower(d)] = true
	}
	return &Validator{db: db, primaryDomain: primaryDomain, systemDomains: set}
}

// Check verifies that fromAddress may be used as the envelope/header sender
// for userID. Locally hosted system domains are always permitted. Otherwise
// it looks up (user_id, domain) in the domains table: a verified row
// succeeds; anything else falls back to a synthesized
// noreply+user{id}@<primary-domain> address, with OK still true (the
// submission is accepted, just rewritten) and Verified false.
func (v *Validator) Check(ctx context.Context, userID int64, fromAddress string) (Result, error) {
	_, domain, err := splitAddress(fromAddress)
	if err != nil {
		return Result{}, fmt.Errorf("invalid from address: %w", err)
	}
	domain = strings.ToLower(domain)

	if v.systemDomains[domain] {
		return Result{OK: true, Verified: true}, nil
	}

	verified, err := v.lookupVerified(ctx, userID, domain)
	if err != nil {
		return Result{}, err
	}
	if verified {
		return Result{OK: true, Verified: true}, nil
	}

	return Result{
		OK:       true,
		Verified: false,
		Fallback: fmt.Sprintf("noreply+user%d@%s", userID, v.primaryDomain),
	}, nil
}

func (v *Validator) lookupVerified(ctx context.Context, userID int64, domain string) (bool, error) {
	var verified bool
	err := v.db.QueryRowContext(ctx, `
		SELECT verified FROM domains WHERE user_id = ? AND name = ?
	`, userID, domain).Scan(&verified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query domain ownership: %w", err)
	}
	return verified, nil
}

// IsLocallyHosted reports whether domain belongs to the locally hosted set
// used by the Email Processor to distinguish inbound-to-local from
// outbound-to-internet routing (§4.2 validate_local_recipient).
func (v *Validator) IsLocallyHosted(domain string) bool {
	return v.systemDomains[strings.ToLower(domain)]
}

func splitAddress(addr string) (local, domain string, err error) {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	parts := strings.SplitN(addr, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidAddress
	}
	return parts[0], parts[1], nil
}
