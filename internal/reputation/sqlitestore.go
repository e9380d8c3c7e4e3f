package reputation

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteStore persists reputation counters to the durable store's
// reputation table, following the same narrow upsert-on-save idiom as the
// processor package's Email row insert.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a Store backed by db.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// LoadReputation implements Store.
func (s *SQLiteStore) LoadReputation(ctx context.Context, key string) (successes, consecutiveFailures int64, blockedUntil time.Time, found bool, err error) {
	var blockedUntilNull sql.NullTime
	row := s.db.QueryRowContext(ctx,
		"SELECT successes, consecutive_failures, blocked_until FROM reputation WHERE key = ?", key)
	err = row.Scan(&successes, &consecutiveFailures, &blockedUntilNull)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, 0, time.Time{}, false, err
	}
	if blockedUntilNull.Valid {
		blockedUntil = blockedUntilNull.Time
	}
	return successes, consecutiveFailures, blockedUntil, true, nil
}

// SaveReputation implements Store.
func (s *SQLiteStore) SaveReputation(ctx context.Context, key string, successes, consecutiveFailures int64, blockedUntil time.Time) error {
	var blockedUntilArg interface{}
	if !blockedUntil.IsZero() {
		blockedUntilArg = blockedUntil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reputation (key, successes, consecutive_failures, last_outcome_at, blocked_until)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, ?)
		ON CONFLICT(key) DO UPDATE SET
			successes = excluded.successes,
			consecutive_failures = excluded.consecutive_failures,
			last_outcome_at = CURRENT_TIMESTAMP,
			blocked_until = excluded.blocked_until
	`, key, successes, consecutiveFailures, blockedUntilArg)
	return err
}
