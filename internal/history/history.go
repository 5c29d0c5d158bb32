// Package history is a supplemental, non-crash-critical audit ledger
// of completed update attempts. It is purely observational: deleting
// it never affects the correctness of the PersistentState journal or
// the symlink set it describes. Backed by sqlite, unlike the
// crash-durable state store which is a single JSON file.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	version TEXT NOT NULL,
	action TEXT NOT NULL,
	outcome TEXT NOT NULL,
	error_code TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '{}',
	timestamp DATETIME NOT NULL
);
`

// Action classifies the kind of attempt an Entry records.
type Action string

const (
	ActionDownload Action = "download"
	ActionInstall  Action = "install"
	ActionRollback Action = "rollback"
)

// Outcome classifies how the attempt concluded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Entry is one row of the audit ledger.
type Entry struct {
	Version   string
	Action    Action
	Outcome   Outcome
	ErrorCode string
	Detail    map[string]string
	Timestamp time.Time
}

// Ledger wraps the sqlite-backed history database.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if necessary) the ledger database at path and
// ensures its schema exists.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Append records a new entry. Failures here never interrupt the
// orchestrator's own flow; callers log and continue on error.
func (l *Ledger) Append(ctx context.Context, e Entry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("marshaling detail: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO history (version, action, outcome, error_code, detail, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Version, e.Action, e.Outcome, e.ErrorCode, string(detail), e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting history entry: %w", err)
	}
	return nil
}

// List returns the most recent entries, newest first, bounded by
// limit.
func (l *Ledger) List(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT version, action, outcome, error_code, detail, timestamp FROM history ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var detail string
		if err := rows.Scan(&e.Version, &e.Action, &e.Outcome, &e.ErrorCode, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
			return nil, fmt.Errorf("unmarshaling detail: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
