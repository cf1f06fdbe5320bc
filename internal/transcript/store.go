// Package transcript provides optional PostgreSQL persistence for
// conversation transcripts.
//
// A [Store] holds a single [pgxpool.Pool]. The schema is created on first use
// via idempotent DDL, so no external migration step is required.
//
// Usage:
//
//	store, err := transcript.Open(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Append(ctx, transcript.Entry{Speaker: "user", Text: "hello"})
package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    id         BIGSERIAL    PRIMARY KEY,
    session_id TEXT         NOT NULL DEFAULT '',
    speaker    TEXT         NOT NULL,
    text       TEXT         NOT NULL,
    timestamp  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcripts_session_id
    ON transcripts (session_id);

CREATE INDEX IF NOT EXISTS idx_transcripts_timestamp
    ON transcripts (timestamp);
`

// Entry is one persisted transcript fragment.
type Entry struct {
	ID        int64
	SessionID string
	Speaker   string // "user" or "model"
	Text      string
	Timestamp time.Time
}

// Store is a PostgreSQL-backed transcript log. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Open creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and runs the idempotent schema DDL.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlTranscripts); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Append persists one transcript entry. The entry's Timestamp is used as-is
// when set; a zero Timestamp falls back to the database clock.
func (s *Store) Append(ctx context.Context, e Entry) error {
	var err error
	if e.Timestamp.IsZero() {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO transcripts (session_id, speaker, text) VALUES ($1, $2, $3)`,
			e.SessionID, e.Speaker, e.Text,
		)
	} else {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO transcripts (session_id, speaker, text, timestamp) VALUES ($1, $2, $3, $4)`,
			e.SessionID, e.Speaker, e.Text, e.Timestamp,
		)
	}
	if err != nil {
		return fmt.Errorf("transcript store: append: %w", err)
	}
	return nil
}

// Recent returns up to limit entries for the given session, newest first.
// An empty sessionID returns entries across all sessions.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, speaker, text, timestamp
		FROM transcripts
		WHERE ($1 = '' OR session_id = $1)
		ORDER BY timestamp DESC
		LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("transcript store: recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Speaker, &e.Text, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("transcript store: scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript store: rows: %w", err)
	}
	return entries, nil
}

// Ping verifies database connectivity. Suitable as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
