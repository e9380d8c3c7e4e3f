package processor

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fenilsonani/mailoutd/internal/domainvalidator"
)

func setupProcessorDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared&mode=rwc")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE domains (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER,
			name TEXT NOT NULL,
			verified BOOLEAN DEFAULT FALSE
		);
		CREATE TABLE emails (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT UNIQUE NOT NULL,
			sender TEXT NOT NULL,
			recipients TEXT NOT NULL,
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			modified BOOLEAN DEFAULT FALSE,
			attempts INTEGER DEFAULT 0,
			created_at DATETIME
		);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return db
}

func TestProcessor_ProcessOutgoing_VerifiedDomain(t *testing.T) {
	db := setupProcessorDB(t)
	defer db.Close()

	db.Exec("INSERT INTO domains (user_id, name, verified) VALUES (1, 'verified.tld', TRUE)")
	validator := domainvalidator.New(db, "primary.tld", nil)

	p := New(db, validator, nil, nil, nil, t.TempDir(), "primary.tld")

	outcome, err := p.ProcessOutgoing(context.Background(), Message{
		UserID:     1,
		From:       "alice@verified.tld",
		Recipients: []string{"bob@gmail.com"},
		Headers:    map[string]string{"Subject": "hi"},
		Body:       []byte("Subject: hi\r\n\r\nhello"),
	})
	if err != nil {
		t.Fatalf("ProcessOutgoing failed: %v", err)
	}
	if !outcome.Accepted {
		t.Fatal("expected message to be accepted")
	}
	if outcome.Modified {
		t.Error("expected no rewrite for a verified domain")
	}

	var sender string
	var modified bool
	db.QueryRow("SELECT sender, modified FROM emails WHERE message_id = ?", outcome.MessageID).Scan(&sender, &modified)
	if sender != "alice@verified.tld" {
		t.Errorf("sender = %q, want alice@verified.tld", sender)
	}
	if modified {
		t.Error("modified flag should be false")
	}
}

func TestProcessor_ProcessOutgoing_UnverifiedDomainFallback(t *testing.T) {
	db := setupProcessorDB(t)
	defer db.Close()

	validator := domainvalidator.New(db, "primary.tld", nil)
	p := New(db, validator, nil, nil, nil, t.TempDir(), "primary.tld")

	outcome, err := p.ProcessOutgoing(context.Background(), Message{
		UserID:     42,
		From:       "alice@unverified.tld",
		Recipients: []string{"bob@gmail.com"},
		Body:       []byte("Subject: hi\r\n\r\nhello"),
	})
	if err != nil {
		t.Fatalf("ProcessOutgoing failed: %v", err)
	}
	if !outcome.Modified {
		t.Error("expected From to be rewritten for an unverified domain")
	}

	var sender string
	db.QueryRow("SELECT sender FROM emails WHERE message_id = ?", outcome.MessageID).Scan(&sender)
	if sender != "noreply+user42@primary.tld" {
		t.Errorf("sender = %q, want the synthesized fallback address", sender)
	}
}

func TestProcessor_ProcessIncoming_RecordsTerminalStatus(t *testing.T) {
	db := setupProcessorDB(t)
	defer db.Close()

	p := New(db, nil, nil, nil, nil, t.TempDir(), "primary.tld")

	outcome, err := p.ProcessIncoming(context.Background(), Message{
		From:       "external@sender.com",
		Recipients: []string{"user@primary.tld"},
	})
	if err != nil {
		t.Fatalf("ProcessIncoming failed: %v", err)
	}

	var status, direction string
	db.QueryRow("SELECT status, direction FROM emails WHERE message_id = ?", outcome.MessageID).Scan(&status, &direction)
	if status != "delivered" {
		t.Errorf("status = %q, want delivered", status)
	}
	if direction != "inbound" {
		t.Errorf("direction = %q, want inbound", direction)
	}
}

func TestProcessor_ValidateLocalRecipient(t *testing.T) {
	db := setupProcessorDB(t)
	defer db.Close()

	validator := domainvalidator.New(db, "primary.tld", []string{"primary.tld", "alt.tld"})
	p := New(db, validator, nil, nil, nil, t.TempDir(), "primary.tld")

	if !p.ValidateLocalRecipient("user@primary.tld") {
		t.Error("expected primary.tld to be locally hosted")
	}
	if p.ValidateLocalRecipient("user@gmail.com") {
		t.Error("expected gmail.com to not be locally hosted")
	}
}
