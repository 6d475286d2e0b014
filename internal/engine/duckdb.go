package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb" // registers the "duckdb" driver
)

// maxSafeInteger is 2^53, the largest integer a float64 represents
// exactly. Values beyond it are coerced and lose precision; this
// tradeoff is documented for callers rather than hidden.
const maxSafeInteger = int64(1) << 53

// duckDBEngine is the Engine implementation backed by an embedded
// DuckDB database, constrained to a single pooled connection so that
// session-scoped settings (INSTALL/LOAD, PRAGMA) apply consistently:
// session settings don't propagate across pooled connections.
type duckDBEngine struct {
	mu      sync.Mutex
	db      *sql.DB
	path    string
	blobDir string
	logger  *slog.Logger
}

// New opens a new DuckDB-backed Engine. cfg.Path empty means in-memory.
func New(cfg Config) (Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, wrapf("open duckdb: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, wrapf("ping duckdb: %w", err)
	}

	blobDir, err := os.MkdirTemp("", "gdxviewer-blob-*")
	if err != nil {
		_ = db.Close()
		return nil, wrapf("create blob staging dir: %w", err)
	}

	e := &duckDBEngine{db: db, path: cfg.Path, blobDir: blobDir, logger: logger}
	if err := e.bootstrap(context.Background()); err != nil {
		_ = e.Dispose(false)
		return nil, err
	}
	return e, nil
}

// bootstrap installs the extensions the GDX viewer needs and runs a
// warmup statement: connect, then load extensions, then verify with a
// trivial query, the same shape an adapter's connect-and-warm-up step
// takes.
func (e *duckDBEngine) bootstrap(ctx context.Context) error {
	optional := []string{"INSTALL excel", "LOAD excel", "INSTALL gdx", "LOAD gdx"}
	for _, stmt := range optional {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			e.logger.Warn("optional extension bootstrap failed", "stmt", stmt, "error", err)
		}
	}
	if _, err := e.db.ExecContext(ctx, "SELECT 1"); err != nil {
		return wrapf("warmup query: %w", err)
	}
	return nil
}

func (e *duckDBEngine) Run(ctx context.Context, sqlStr string) error {
	if _, err := e.db.ExecContext(ctx, sqlStr); err != nil {
		return wrapf("run statement: %w", err)
	}
	return nil
}

func (e *duckDBEngine) Query(ctx context.Context, sqlStr string) (*QueryResult, error) {
	rows, err := e.db.QueryContext(ctx, sqlStr)
	if err != nil {
		return nil, wrapf("run query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRows(rows)
}

// BackgroundConnection opens an independent single-connection database
// handle so the returned Connection's statements can be interrupted
// without affecting the main connection.
func (e *duckDBEngine) BackgroundConnection(ctx context.Context) (Connection, error) {
	db, err := sql.Open("duckdb", e.path)
	if err != nil {
		return nil, wrapf("open background connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrapf("ping background connection: %w", err)
	}
	for _, stmt := range []string{"INSTALL gdx", "LOAD gdx"} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			e.logger.Warn("background connection extension load failed", "stmt", stmt, "error", err)
		}
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, wrapf("acquire background conn: %w", err)
	}
	return &dbConnection{db: db, conn: conn}, nil
}

// RegisterBlob writes bytes to a process-private file under the
// engine's blob staging directory and returns the local path. A random
// filename prefix (name is still honored as a suffix for readability)
// avoids collisions when the same logical name is registered twice
// concurrently.
func (e *duckDBEngine) RegisterBlob(name string, data []byte) (string, error) {
	safe := uuid.NewString() + "-" + filepath.Base(name)
	path := filepath.Join(e.blobDir, safe)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", wrapf("register blob: %w", err)
	}
	return path, nil
}

// Dispose closes the main connection, deletes the persistent database
// file and its write-ahead log (if any), and removes the blob staging
// directory unless keepBlobDir is set (remote-sourced temp files must
// survive a recovery reset, since the resolver never re-fetches them).
func (e *duckDBEngine) Dispose(keepBlobDir bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	if e.db != nil {
		err = e.db.Close()
	}
	if e.path != "" {
		_ = os.Remove(e.path)
		_ = os.Remove(e.path + ".wal")
	}
	if !keepBlobDir {
		_ = os.RemoveAll(e.blobDir)
	}
	if err != nil {
		return wrapf("dispose engine: %w", err)
	}
	return nil
}

// dbConnection implements Connection over an independent single-conn
// *sql.DB plus a held *sql.Conn, so Interrupt can reach the same
// underlying driver connection a long-running statement is blocked on.
type dbConnection struct {
	db   *sql.DB
	conn *sql.Conn

	mu       sync.Mutex
	progress Progress
}

func (c *dbConnection) Run(ctx context.Context, sqlStr string) error {
	if _, err := c.conn.ExecContext(ctx, sqlStr); err != nil {
		return wrapf("background run: %w", err)
	}
	return nil
}

func (c *dbConnection) Query(ctx context.Context, sqlStr string) (*QueryResult, error) {
	rows, err := c.conn.QueryContext(ctx, sqlStr)
	if err != nil {
		return nil, wrapf("background query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRows(rows)
}

// progressor is implemented by driver connections that can report how
// far an in-flight statement has gotten. Not every DuckDB build exposes
// this; when it doesn't, Progress reports zero values and the caller
// (the Materialization Manager) falls back to its own estimate.
type progressor interface {
	QueryProgress() (rowsProcessed int64, percentage float64, ok bool)
}

func (c *dbConnection) Progress() (Progress, error) {
	var p Progress
	err := c.conn.Raw(func(driverConn any) error {
		pr, ok := driverConn.(progressor)
		if !ok {
			return nil
		}
		rows, pct, ok := pr.QueryProgress()
		if !ok {
			return nil
		}
		p.RowsProcessed = rows
		p.Percentage = &pct
		return nil
	})
	if err != nil {
		return Progress{}, wrapf("read progress: %w", err)
	}
	return p, nil
}

// interrupter is implemented by driver connections that can abort an
// in-flight statement from another goroutine.
type interrupter interface {
	Interrupt() error
}

func (c *dbConnection) Interrupt() error {
	err := c.conn.Raw(func(driverConn any) error {
		it, ok := driverConn.(interrupter)
		if !ok {
			return fmt.Errorf("driver connection does not support interruption")
		}
		return it.Interrupt()
	})
	if err != nil {
		return wrapf("interrupt: %w", err)
	}
	return nil
}

func (c *dbConnection) Close() error {
	_ = c.conn.Close()
	if err := c.db.Close(); err != nil {
		return wrapf("close background connection: %w", err)
	}
	return nil
}

// scanRows drains a *sql.Rows into a QueryResult, coercing 64-bit
// integers that exceed maxSafeInteger to float64.
func scanRows(rows *sql.Rows) (*QueryResult, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, wrapf("read columns: %w", err)
	}

	result := &QueryResult{Columns: columns, Rows: make([]Row, 0)}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, wrapf("scan row: %w", err)
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = coerceValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapf("iterate rows: %w", err)
	}
	return result, nil
}

func coerceValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case int64:
		if t > maxSafeInteger || t < -maxSafeInteger {
			return float64(t)
		}
		return t
	default:
		return v
	}
}
