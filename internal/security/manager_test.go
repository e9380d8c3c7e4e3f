package security

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func setupManagerDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared&mode=rwc")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	return db
}

func TestManager_ValidateConnection_Allowed(t *testing.T) {
	db := setupManagerDB(t)
	defer db.Close()

	m, err := NewManager(db, 8.0, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	decision := m.ValidateConnection(context.Background(), "10.0.0.1", "client.example.com")
	if !decision.Allow {
		t.Errorf("expected connection to be allowed, got reason %q", decision.Reason)
	}
}

func TestManager_ValidateConnection_Denied(t *testing.T) {
	db := setupManagerDB(t)
	defer db.Close()

	m, err := NewManager(db, 8.0, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	if err := m.Deny(context.Background(), "192.0.2.0/24", "known abuser"); err != nil {
		t.Fatalf("Deny failed: %v", err)
	}

	decision := m.ValidateConnection(context.Background(), "192.0.2.55", "")
	if decision.Allow {
		t.Error("expected connection from denied CIDR to be rejected")
	}
	if decision.Reason != "known abuser" {
		t.Errorf("reason = %q, want %q", decision.Reason, "known abuser")
	}
}

func TestManager_ValidateConnection_SingleIPDeny(t *testing.T) {
	db := setupManagerDB(t)
	defer db.Close()

	m, _ := NewManager(db, 8.0, nil)
	m.Deny(context.Background(), "203.0.113.9", "spam source")

	decision := m.ValidateConnection(context.Background(), "203.0.113.9:54321", "")
	if decision.Allow {
		t.Error("expected exact-IP deny entry to match despite the port suffix")
	}
}

type fakeReputation struct{ blocked map[string]bool }

func (f *fakeReputation) DeliveryAllowed(ctx context.Context, key string) bool {
	return !f.blocked[key]
}

func TestManager_ValidateConnection_ReputationBlocked(t *testing.T) {
	db := setupManagerDB(t)
	defer db.Close()

	rep := &fakeReputation{blocked: map[string]bool{"conn-ip:198.51.100.7": true}}
	m, _ := NewManager(db, 8.0, rep)

	decision := m.ValidateConnection(context.Background(), "198.51.100.7", "")
	if decision.Allow {
		t.Error("expected reputation-blocked IP to be rejected")
	}
}

func TestManager_CheckMessage_HeaderInjection(t *testing.T) {
	db := setupManagerDB(t)
	defer db.Close()
	m, _ := NewManager(db, 8.0, nil)

	headers := map[string]string{"Subject": "hello\r\nBcc: victim@example.com"}
	result := m.CheckMessage(headers, true, nil, nil)
	if result.Secure {
		t.Error("expected header injection to be flagged")
	}
	if len(result.Issues) == 0 {
		t.Error("expected at least one issue reported")
	}
}

func TestManager_CheckMessage_RelayAbuse(t *testing.T) {
	db := setupManagerDB(t)
	defer db.Close()
	m, _ := NewManager(db, 8.0, nil)

	local := map[string]bool{"example.com": true}
	result := m.CheckMessage(map[string]string{"Subject": "hi"}, false, []string{"other.com"}, local)
	if result.Secure {
		t.Error("expected unauthenticated relay to a non-local domain to be flagged")
	}
}

func TestManager_CheckMessage_AuthenticatedAnyDestination(t *testing.T) {
	db := setupManagerDB(t)
	defer db.Close()
	m, _ := NewManager(db, 8.0, nil)

	local := map[string]bool{"example.com": true}
	result := m.CheckMessage(map[string]string{"Subject": "hi"}, true, []string{"other.com"}, local)
	if !result.Secure {
		t.Errorf("authenticated sends to any destination should be allowed, got issues: %v", result.Issues)
	}
}

func TestAnalyseSpam_CleanMessage(t *testing.T) {
	headers := map[string]string{"Subject": "Weekly update", "Date": "Mon", "Message-Id": "<1@x>"}
	result := AnalyseSpam("Hi team, here is the weekly update. See you Monday.", headers)
	if result.Score >= 8.0 {
		t.Errorf("clean message scored too high: %f (%v)", result.Score, result.MatchedRules)
	}
}

func TestAnalyseSpam_SuspectPhrases(t *testing.T) {
	result := AnalyseSpam("ACT NOW! CLICK HERE NOW! YOU HAVE WON A WIRE TRANSFER!", nil)
	if result.Score < 8.0 {
		t.Errorf("spammy message scored too low: %f (%v)", result.Score, result.MatchedRules)
	}
}

func TestManager_SpamBlocked(t *testing.T) {
	db := setupManagerDB(t)
	defer db.Close()
	m, _ := NewManager(db, 5.0, nil)

	if !m.SpamBlocked(SpamResult{Score: 5.0}) {
		t.Error("score equal to threshold should be blocked")
	}
	if m.SpamBlocked(SpamResult{Score: 4.9}) {
		t.Error("score below threshold should not be blocked")
	}
}

func TestManager_EmitEvent(t *testing.T) {
	db := setupManagerDB(t)
	defer db.Close()
	m, _ := NewManager(db, 8.0, nil)

	if err := m.EmitEvent(context.Background(), "spam-threshold-exceeded", "alice@example.com"); err != nil {
		t.Fatalf("EmitEvent failed: %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM security_events WHERE reason = ?", "spam-threshold-exceeded").Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 security event, got %d", count)
	}
}
