package audit

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the "postgres" database/sql driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/txndispatch/dispatch"
)

// PostgresStore persists CompletionRecords to a Postgres table via
// database/sql, using the lib/pq driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against dsn. Callers are
// responsible for running EnsureSchema (or an equivalent migration) before
// the first Record call.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "audit: open postgres")
	}
	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the completion_record table if it does not already
// exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const stmt = `
		CREATE TABLE IF NOT EXISTS completion_record (
			id SERIAL PRIMARY KEY,
			family TEXT NOT NULL,
			version TEXT NOT NULL,
			context_id UUID NOT NULL,
			outcome TEXT NOT NULL,
			transaction_id TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			error_data BYTEA,
			observed_at TIMESTAMPTZ NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create completion_record table: %w", err)
	}
	return nil
}

// Record implements Store.
func (s *PostgresStore) Record(ctx context.Context, key dispatch.RoutingKey, record CompletionRecord) error {
	const stmt = `
		INSERT INTO completion_record
			(family, version, context_id, outcome, transaction_id, error_message, error_data, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, stmt,
		key.Family,
		key.Version,
		record.ContextID,
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

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
