// Package engine wraps the embedded DuckDB analytics engine behind a
// small contract: run a statement, run a query and get rows back, open
// an independent background connection that can be interrupted and
// polled for progress, and register an in-memory blob as a file the
// engine can read. Everything above this package treats DuckDB as an
// implementation detail reachable only through this interface.
package engine

import (
	"context"
	"log/slog"
)

// Row is one result row, keyed by column name in column order.
type Row map[string]any

// QueryResult is the result of a query: an ordered column list plus rows.
type QueryResult struct {
	Columns []string
	Rows    []Row
}

// Progress reports how far a background statement has gotten.
type Progress struct {
	RowsProcessed int64
	// Percentage is nil when the driver has no better estimate than the
	// caller can derive itself from RowsProcessed and a known total.
	Percentage *float64
}

// Connection is an independent engine connection whose in-flight
// statement can be interrupted from another goroutine. Used exclusively
// by the Materialization Manager's background worker.
type Connection interface {
	Run(ctx context.Context, sql string) error
	Query(ctx context.Context, sql string) (*QueryResult, error)
	Progress() (Progress, error)
	Interrupt() error
	Close() error
}

// Engine is the contract the rest of the server programs against.
type Engine interface {
	// Run executes a statement without materializing rows.
	Run(ctx context.Context, sql string) error
	// Query executes a statement and returns its rows.
	Query(ctx context.Context, sql string) (*QueryResult, error)
	// BackgroundConnection opens an independent connection for
	// long-running, interruptible work.
	BackgroundConnection(ctx context.Context) (Connection, error)
	// RegisterBlob stages bytes as a file the engine can read via its
	// GDX reader functions, returning the local path.
	RegisterBlob(name string, data []byte) (string, error)
	// Dispose closes all connections and removes any persistent database
	// files, including write-ahead logs. keepBlobDir, when true, leaves
	// registered blob files on disk (used across a recovery reset so
	// remote-sourced documents stay valid).
	Dispose(keepBlobDir bool) error
}

// Config configures a new Engine.
type Config struct {
	// Path is empty for in-memory, or a file path for a persistent
	// database (named gdx-viewer-<uuid>.duckdb by convention).
	Path string
	// Logger receives lifecycle and error logs. Defaults to a discard
	// logger when nil.
	Logger *slog.Logger
}
