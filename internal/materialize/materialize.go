// Package materialize drives the two-phase materialization of a
// symbol's rows into a queryable DuckDB table: a synchronous, bounded
// preview for immediate display, and a cancellable background job that
// builds the full table and reports progress as it goes.
package materialize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gdxviewer/query-server/internal/apierr"
	"github.com/gdxviewer/query-server/internal/engine"
	"github.com/gdxviewer/query-server/internal/sqlident"
)

const progressPollInterval = 500 * time.Millisecond

// EventKind identifies which materialization event fired.
type EventKind string

const (
	EventProgress EventKind = "materializationProgress"
	EventComplete EventKind = "materializationComplete"
	EventError    EventKind = "materializationError"
)

// Event is pushed to a Sink as a background materialization advances.
type Event struct {
	Kind          EventKind
	DocumentID    string
	SymbolName    string
	TableName     string
	Progress      *engine.Progress
	Columns       []string
	TotalRowCount int64
	Err           *apierr.Error
}

// Sink receives materialization events for delivery to whatever client
// is watching the symbol (typically over the WebSocket RPC layer).
type Sink interface {
	Emit(Event)
}

// TableName derives the DuckDB table name a materialized symbol is
// stored under: the document and symbol identifiers, sanitized to a
// safe identifier alphabet and joined so distinct documents never
// collide even if they share a symbol name.
func TableName(documentID, symbolName string) string {
	return sqlident.Sanitize(documentID) + "__" + sqlident.Sanitize(symbolName)
}

type job struct {
	cancel context.CancelFunc
	conn   engine.Connection
}

// Manager tracks in-flight background materializations and exposes the
// preview/materialize/cancel operations the dispatcher calls.
type Manager struct {
	eng    engine.Engine
	sink   Sink
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*job
}

// New creates a Manager. sink receives progress/complete/error events;
// eng is used both for the synchronous preview and to open background
// connections for full materialization.
func New(eng engine.Engine, sink Sink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{eng: eng, sink: sink, logger: logger, active: make(map[string]*job)}
}

func jobKey(documentID, symbolName string) string {
	return documentID + "\x00" + symbolName
}

// SetEngine swaps the engine used for previews and new background
// connections, used by the dispatcher after a crash-recovery reinit.
// Jobs already running keep the Connection they opened against the old
// engine; Reset should be called alongside this after a recovery reset
// since those connections are no longer valid.
func (m *Manager) SetEngine(eng engine.Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eng = eng
}

func (m *Manager) currentEngine() engine.Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eng
}

// Preview runs sourceExpr with a row limit on the main engine
// connection and returns immediately; callers are expected to run it
// from the serialized dispatcher, not concurrently with other main
// connection work.
func (m *Manager) Preview(ctx context.Context, sourceExpr string, pageSize int) (*engine.QueryResult, error) {
	stmt := fmt.Sprintf("SELECT * FROM %s LIMIT %d", sourceExpr, pageSize)
	result, err := m.currentEngine().Query(ctx, stmt)
	if err != nil {
		return nil, classify(err)
	}
	return result, nil
}

// Start begins background materialization of sourceExpr into the table
// named by TableName(documentID, symbolName). recordCount is the
// symbol's declared row count from the GDX index, used to derive
// progress percentages that don't depend on the driver reporting its
// own estimate; pass 0 if unknown. Start returns once the background
// connection and goroutine are running; completion is reported
// asynchronously through the Sink.
func (m *Manager) Start(documentID, symbolName, sourceExpr string, recordCount int64) error {
	key := jobKey(documentID, symbolName)

	m.mu.Lock()
	if _, exists := m.active[key]; exists {
		m.mu.Unlock()
		return apierr.New(apierr.InvalidInput, "a materialization is already running for this symbol")
	}
	m.mu.Unlock()

	// At most one active materialization per document: starting a new
	// one for a different symbol on the same document cancels whatever
	// was already running for it.
	m.CancelDocument(documentID)

	conn, err := m.currentEngine().BackgroundConnection(context.Background())
	if err != nil {
		return apierr.Wrap(apierr.TransientEngine, "failed to open background connection", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.active[key] = &job{cancel: cancel, conn: conn}
	m.mu.Unlock()

	go m.run(ctx, documentID, symbolName, sourceExpr, conn, recordCount)
	return nil
}

func (m *Manager) run(ctx context.Context, documentID, symbolName, sourceExpr string, conn engine.Connection, recordCount int64) {
	key := jobKey(documentID, symbolName)
	table := TableName(documentID, symbolName)

	defer func() {
		m.mu.Lock()
		delete(m.active, key)
		m.mu.Unlock()
		if err := conn.Close(); err != nil {
			m.logger.Warn("failed to close background connection", "documentId", documentID, "symbolName", symbolName, "error", err)
		}
	}()

	stmt := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * FROM %s", sqlident.Quote(table), sourceExpr)

	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx, stmt) }()

	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			m.finish(ctx, conn, documentID, symbolName, table, err)
			return
		case <-ticker.C:
			p, err := conn.Progress()
			if err != nil {
				m.logger.Debug("progress poll failed", "documentId", documentID, "symbolName", symbolName, "error", err)
				continue
			}
			applyRecordCountEstimate(&p, recordCount)
			m.sink.Emit(Event{Kind: EventProgress, DocumentID: documentID, SymbolName: symbolName, TableName: table, Progress: &p})
		}
	}
}

func (m *Manager) finish(ctx context.Context, conn engine.Connection, documentID, symbolName, table string, runErr error) {
	if runErr != nil {
		if ctx.Err() != nil {
			m.sink.Emit(Event{
				Kind: EventError, DocumentID: documentID, SymbolName: symbolName, TableName: table,
				Err: apierr.New(apierr.Cancelled, "materialization was cancelled"),
			})
			return
		}
		m.sink.Emit(Event{
			Kind: EventError, DocumentID: documentID, SymbolName: symbolName, TableName: table,
			Err: classify(runErr),
		})
		return
	}

	columns, totalRowCount, err := describeTable(ctx, conn, table)
	if err != nil {
		m.sink.Emit(Event{
			Kind: EventError, DocumentID: documentID, SymbolName: symbolName, TableName: table,
			Err: classify(err),
		})
		return
	}
	m.sink.Emit(Event{
		Kind: EventComplete, DocumentID: documentID, SymbolName: symbolName, TableName: table,
		Columns: columns, TotalRowCount: totalRowCount,
	})
}

// describeTable reads back the materialized table's column order and
// row count so the caller can record a MaterializedSymbol without a
// second round trip through the dispatcher.
func describeTable(ctx context.Context, conn engine.Connection, table string) ([]string, int64, error) {
	colsResult, err := conn.Query(ctx, fmt.Sprintf(
		"SELECT column_name FROM information_schema.columns WHERE table_name = %s ORDER BY ordinal_position",
		sqlident.QuoteLiteral(table)))
	if err != nil {
		return nil, 0, fmt.Errorf("describe columns: %w", err)
	}
	columns := make([]string, 0, len(colsResult.Rows))
	for _, row := range colsResult.Rows {
		if name, ok := row["column_name"].(string); ok {
			columns = append(columns, name)
		}
	}

	countResult, err := conn.Query(ctx, fmt.Sprintf("SELECT COUNT(*) AS n FROM %s", sqlident.Quote(table)))
	if err != nil {
		return nil, 0, fmt.Errorf("count rows: %w", err)
	}
	var total int64
	if len(countResult.Rows) == 1 {
		switch n := countResult.Rows[0]["n"].(type) {
		case int64:
			total = n
		case float64:
			total = int64(n)
		}
	}
	return columns, total, nil
}

// Cancel interrupts an in-flight background materialization. It is a
// no-op error (NotFound) if none is running for the given symbol.
func (m *Manager) Cancel(documentID, symbolName string) error {
	key := jobKey(documentID, symbolName)
	m.mu.Lock()
	j, ok := m.active[key]
	m.mu.Unlock()
	if !ok {
		return apierr.New(apierr.NotFound, "no active materialization for this symbol")
	}
	j.cancel()
	if err := j.conn.Interrupt(); err != nil {
		return apierr.Wrap(apierr.TransientEngine, "failed to interrupt materialization", err)
	}
	return nil
}

// CancelDocument interrupts every active materialization belonging to
// documentID, regardless of symbol. It is a no-op if none is running.
func (m *Manager) CancelDocument(documentID string) {
	prefix := documentID + "\x00"
	m.mu.Lock()
	var jobs []*job
	for key, j := range m.active {
		if strings.HasPrefix(key, prefix) {
			jobs = append(jobs, j)
		}
	}
	m.mu.Unlock()

	for _, j := range jobs {
		j.cancel()
		if err := j.conn.Interrupt(); err != nil {
			m.logger.Debug("interrupt during document cancel failed", "documentId", documentID, "error", err)
		}
	}
}

// Reset forgets all tracked jobs without touching their connections.
// Used after a crash-recovery engine reinit, where every background
// connection is already invalid because the engine that owned them was
// disposed.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = make(map[string]*job)
}

// applyRecordCountEstimate sets p.Percentage from p.RowsProcessed
// against the symbol's known record count, which is available for
// every GDX symbol and doesn't depend on the driver exposing its own
// progress figure. When recordCount is unknown, whatever the driver
// itself reported is kept; when neither source is available Percentage
// is pinned to 0 rather than left unset.
func applyRecordCountEstimate(p *engine.Progress, recordCount int64) {
	if recordCount > 0 {
		pct := float64(p.RowsProcessed) / float64(recordCount) * 100
		if pct > 100 {
			pct = 100
		}
		p.Percentage = &pct
		return
	}
	if p.Percentage == nil {
		var zero float64
		p.Percentage = &zero
	}
}

func classify(err error) *apierr.Error {
	if engine.IsFatal(err) {
		return apierr.Wrap(apierr.FatalEngine, apierr.Sanitize(err.Error()), err)
	}
	return apierr.Wrap(apierr.TransientEngine, apierr.Sanitize(err.Error()), err)
}
