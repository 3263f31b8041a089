package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	// Registers the "sqlite" database/sql driver. Pure Go, no CGO.
	_ "modernc.org/sqlite"

	"github.com/hrygo/txndispatch/dispatch"
)

// SQLiteStore persists CompletionRecords to a SQLite database file. It is
// the zero-dependency default store, and the one used by this package's
// own tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the database file at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "audit: open sqlite")
	}
	return &SQLiteStore{db: db}, nil
}

// EnsureSchema creates the completion_record table if it does not already
// exist.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	const stmt = `
		CREATE TABLE IF NOT EXISTS completion_record (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			family TEXT NOT NULL,
			version TEXT NOT NULL,
			context_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			transaction_id TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			error_data BLOB,
			observed_at DATETIME NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create completion_record table: %w", err)
	}
	return nil
}

// Record implements Store.
func (s *SQLiteStore) Record(ctx context.Context, key dispatch.RoutingKey, record CompletionRecord) error {
	const stmt = `
		INSERT INTO completion_record
			(family, version, context_id, outcome, transaction_id, error_message, error_data, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, stmt,
		key.Family,
		key.Version,
		record.ContextID.String(),
		record.Outcome.String(),
		record.TransactionID,
		record.ErrorMessage,
		record.ErrorData,
		record.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert completion_record: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
