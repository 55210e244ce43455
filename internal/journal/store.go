// Package journal records every finished command of a session and persists
// the records to PostgreSQL.
package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool abstracts pgxpool.Pool so tests can use pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schema = `
        CREATE TABLE IF NOT EXISTS command_journal (
            id          TEXT PRIMARY KEY,
            session_id  TEXT NOT NULL,
            name        TEXT NOT NULL,
            failed      BOOLEAN NOT NULL,
            window_id   TEXT NOT NULL,
            frame_id    TEXT NOT NULL,
            value       JSONB,
            errors      JSONB,
            elapsed_ms  BIGINT NOT NULL,
            finished_at TIMESTAMPTZ NOT NULL
        );
        CREATE INDEX IF NOT EXISTS command_journal_session_idx
            ON command_journal (session_id, finished_at);
    `

var journalColumns = []string{
	"id", "session_id", "name", "failed", "window_id", "frame_id",
	"value", "errors", "elapsed_ms", "finished_at",
}

// Store persists journal entries.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// NewStore creates a store and verifies the connection.
func NewStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("journal_store")}, nil
}

// EnsureSchema creates the journal table when it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

// Persist writes entries in one transaction.
func (s *Store) Persist(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	rows := make([][]interface{}, len(entries))
	for i, e := range entries {
		rows[i] = []interface{}{
			e.CommandID, e.SessionID, e.Name, e.Failed, e.Context.WindowID, e.Context.FrameID,
			e.Value, e.Errors, e.Elapsed.Milliseconds(), e.FinishedAt.UTC(),
		}
	}
	copied, err := tx.CopyFrom(ctx, pgx.Identifier{"command_journal"}, journalColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy journal entries: %w", err)
	}
	if int(copied) != len(entries) {
		return fmt.Errorf("mismatch in copied journal entries: expected %d, got %d", len(entries), copied)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const sqlEntriesBySession = `
        SELECT id, name, failed, window_id, frame_id, value, errors, elapsed_ms, finished_at
        FROM command_journal
        WHERE session_id = $1
        ORDER BY finished_at ASC;
    `

// EntriesBySession returns a session's entries in completion order.
func (s *Store) EntriesBySession(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, sqlEntriesBySession, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e := Entry{SessionID: sessionID}
		var elapsedMs int64
		err := rows.Scan(
			&e.CommandID, &e.Name, &e.Failed, &e.Context.WindowID, &e.Context.FrameID,
			&e.Value, &e.Errors, &elapsedMs, &e.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.Elapsed = msToDuration(elapsedMs)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}
