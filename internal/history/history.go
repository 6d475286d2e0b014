// Package history persists a record of past materializations to a
// small SQLite database, independent of the in-memory Document
// Registry: when file-backed it survives process restarts, and it is purely additive,
// consulted only by the getMaterializationHistory RPC.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

//go:embed migrations/*.sql
var migrations embed.FS

// Entry is one past materialization, successful or not.
type Entry struct {
	ID             int64     `json:"id"`
	DocumentID     string    `json:"documentId"`
	SymbolName     string    `json:"symbolName"`
	TableName      string    `json:"tableName,omitempty"`
	TotalRowCount  int64     `json:"totalRowCount,omitempty"`
	Cancelled      bool      `json:"cancelled"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	MaterializedAt time.Time `json:"materializedAt"`
}

// Store is a goose-migrated SQLite-backed history log.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (creating if needed) the SQLite database at path and
// migrates it to the latest schema. path may be ":memory:" for tests.
func New(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history database: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Record inserts a completed, failed, or cancelled materialization.
func (s *Store) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO materialization_history
			(document_id, symbol_name, table_name, total_row_count, cancelled, error_message, materialized_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.DocumentID, e.SymbolName, e.TableName, e.TotalRowCount, e.Cancelled, e.ErrorMessage, e.MaterializedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record materialization history: %w", err)
	}
	return nil
}

// List returns the most recent entries, most recent first, optionally
// filtered to one document. limit <= 0 defaults to 50.
func (s *Store) List(ctx context.Context, documentID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if documentID == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, document_id, symbol_name, table_name, total_row_count, cancelled, error_message, materialized_at
			FROM materialization_history ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, document_id, symbol_name, table_name, total_row_count, cancelled, error_message, materialized_at
			FROM materialization_history WHERE document_id = ? ORDER BY id DESC LIMIT ?`, documentID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list materialization history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var tableName, errorMessage sql.NullString
		var materializedAt string
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.SymbolName, &tableName, &e.TotalRowCount, &e.Cancelled, &errorMessage, &materializedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.TableName = tableName.String
		e.ErrorMessage = errorMessage.String
		if t, err := time.Parse(time.RFC3339, materializedAt); err == nil {
			e.MaterializedAt = t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
