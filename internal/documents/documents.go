// Package documents owns per-document state: which GDX file backs a
// documentId, its symbol catalog, and which symbols have been
// materialized into engine tables. It never talks to a WebSocket and
// never decides how to recover from a fatal engine error; the
// dispatcher orchestrates both, calling back into the registry for
// state changes.
package documents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gdxviewer/query-server/internal/apierr"
	"github.com/gdxviewer/query-server/internal/engine"
	"github.com/gdxviewer/query-server/internal/sqlident"
	"github.com/gdxviewer/query-server/internal/source"
)

// Symbol describes one named tabular object inside a GDX file, as
// reported by the engine's gdx_symbols table function.
type Symbol struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	DimensionCount int    `json:"dimensionCount"`
	RecordCount    int64  `json:"recordCount"`
}

// MaterializedSymbol is the result of fully caching a symbol as a table.
type MaterializedSymbol struct {
	TableName     string   `json:"tableName"`
	Columns       []string `json:"columns"`
	TotalRowCount int64    `json:"totalRowCount"`
}

// State is one document's registry entry.
type State struct {
	DocumentID   string
	Source       string
	LocalPath    string
	Symbols      []Symbol
	Materialized map[string]MaterializedSymbol
}

// Canceller aborts any active background materialization for a
// document. Satisfied by *materialize.Manager; accepted as a narrow
// interface here so tests don't need a real one.
type Canceller interface {
	CancelDocument(documentID string)
}

// Registry owns every open DocumentState.
type Registry struct {
	eng        engine.Engine
	resolver   *source.Resolver
	canceller  Canceller
	logger     *slog.Logger

	mu   sync.Mutex
	docs map[string]*State
}

// New creates an empty Registry.
func New(eng engine.Engine, resolver *source.Resolver, canceller Canceller, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{eng: eng, resolver: resolver, canceller: canceller, logger: logger, docs: make(map[string]*State)}
}

// SetEngine swaps the engine a Registry queries against, used by the
// dispatcher after a crash-recovery reinit.
func (r *Registry) SetEngine(eng engine.Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eng = eng
}

// Get returns the state for documentID, if open.
func (r *Registry) Get(documentID string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.docs[documentID]
	return s, ok
}

// IsOpen reports whether documentID has an open entry.
func (r *Registry) IsOpen(documentID string) bool {
	_, ok := r.Get(documentID)
	return ok
}

// Open registers a new document, resolving its source and reading its
// symbol catalog. Callers must check IsOpen first; Open always creates
// a fresh entry, overwriting any existing one for documentID.
func (r *Registry) Open(ctx context.Context, documentID, src string) ([]Symbol, error) {
	localPath, err := r.resolver.Resolve(ctx, src)
	if err != nil {
		return nil, err
	}

	symbols, err := r.readSymbols(ctx, localPath)
	if err != nil {
		return nil, err
	}

	state := &State{
		DocumentID:   documentID,
		Source:       src,
		LocalPath:    localPath,
		Symbols:      symbols,
		Materialized: make(map[string]MaterializedSymbol),
	}

	r.mu.Lock()
	r.docs[documentID] = state
	r.mu.Unlock()
	return symbols, nil
}

// DropTables issues DROP TABLE IF EXISTS for every materialized table
// belonging to documentID and clears its Materialized map. Used before
// a force-reload's global engine reset, and on Close.
func (r *Registry) DropTables(ctx context.Context, documentID string) error {
	r.mu.Lock()
	state, ok := r.docs[documentID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	tables := make([]string, 0, len(state.Materialized))
	for _, ms := range state.Materialized {
		tables = append(tables, ms.TableName)
	}
	state.Materialized = make(map[string]MaterializedSymbol)
	r.mu.Unlock()

	for _, table := range tables {
		stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s", sqlident.Quote(table))
		if err := r.eng.Run(ctx, stmt); err != nil {
			r.logger.Warn("failed to drop materialized table", "documentId", documentID, "table", table, "error", err)
		}
	}
	return nil
}

// Close cancels the document's active materialization, drops its
// tables, best-effort checkpoints the engine, and removes it from the
// registry.
func (r *Registry) Close(ctx context.Context, documentID string) error {
	if r.canceller != nil {
		r.canceller.CancelDocument(documentID)
	}
	if err := r.DropTables(ctx, documentID); err != nil {
		return err
	}
	if err := r.eng.Run(ctx, "CHECKPOINT"); err != nil {
		r.logger.Debug("checkpoint after close failed", "documentId", documentID, "error", err)
	}

	r.mu.Lock()
	delete(r.docs, documentID)
	r.mu.Unlock()
	return nil
}

// ForceReloadPrepare cancels documentID's active materialization and
// drops its tables, ahead of the caller performing a global engine
// reset. It does not remove the document from the registry.
func (r *Registry) ForceReloadPrepare(ctx context.Context, documentID string) error {
	if r.canceller != nil {
		r.canceller.CancelDocument(documentID)
	}
	return r.DropTables(ctx, documentID)
}

// ReloadAll re-resolves every open document's source and re-reads its
// symbol catalog against the current engine, clearing any leftover
// Materialized bookkeeping. Called once, after a force-reload's global
// engine reset, for every document — not just the one that requested
// the reload — because the reset invalidated all of them equally.
func (r *Registry) ReloadAll(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.docs))
	for id := range r.docs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.mu.Lock()
		state, ok := r.docs[id]
		r.mu.Unlock()
		if !ok {
			continue
		}

		localPath, err := r.resolver.Resolve(ctx, state.Source)
		if err != nil {
			return err
		}
		symbols, err := r.readSymbols(ctx, localPath)
		if err != nil {
			return err
		}

		r.mu.Lock()
		state.LocalPath = localPath
		state.Symbols = symbols
		state.Materialized = make(map[string]MaterializedSymbol)
		r.mu.Unlock()
	}
	return nil
}

// ClearAllMaterialized wipes the Materialized map on every open
// document without dropping tables or touching the engine, used by the
// dispatcher's crash-recovery path where the tables are already gone
// because the whole engine was disposed.
func (r *Registry) ClearAllMaterialized() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, state := range r.docs {
		state.Materialized = make(map[string]MaterializedSymbol)
	}
}

// RecordMaterialized stores the result of a completed materialization.
func (r *Registry) RecordMaterialized(documentID, symbolName string, ms MaterializedSymbol) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.docs[documentID]
	if !ok {
		return apierr.New(apierr.NotFound, "document is not open")
	}
	state.Materialized[symbolName] = ms
	return nil
}

// IsMaterialized reports whether symbolName has a cached table.
func (r *Registry) IsMaterialized(documentID, symbolName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.docs[documentID]
	if !ok {
		return false
	}
	_, ok = state.Materialized[symbolName]
	return ok
}

// MaterializedOf returns the full MaterializedSymbol for symbolName, if any.
func (r *Registry) MaterializedOf(documentID, symbolName string) (MaterializedSymbol, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.docs[documentID]
	if !ok {
		return MaterializedSymbol{}, false
	}
	ms, ok := state.Materialized[symbolName]
	return ms, ok
}

// TableNameOf returns the materialized table name for symbolName, if any.
func (r *Registry) TableNameOf(documentID, symbolName string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.docs[documentID]
	if !ok {
		return "", false
	}
	ms, ok := state.Materialized[symbolName]
	return ms.TableName, ok
}

// ColumnsOf returns the materialized column list for symbolName, if any.
func (r *Registry) ColumnsOf(documentID, symbolName string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.docs[documentID]
	if !ok {
		return nil, false
	}
	ms, ok := state.Materialized[symbolName]
	return ms.Columns, ok
}

// SymbolByName looks up one symbol from a document's catalog.
func (r *Registry) SymbolByName(documentID, symbolName string) (Symbol, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.docs[documentID]
	if !ok {
		return Symbol{}, false
	}
	for _, s := range state.Symbols {
		if s.Name == symbolName {
			return s, true
		}
	}
	return Symbol{}, false
}

func (r *Registry) readSymbols(ctx context.Context, localPath string) ([]Symbol, error) {
	stmt := fmt.Sprintf("SELECT name, type, dimensionCount, recordCount FROM gdx_symbols(%s)", sqlident.QuoteLiteral(localPath))
	result, err := r.eng.Query(ctx, stmt)
	if err != nil {
		if engine.IsFatal(err) {
			return nil, apierr.Wrap(apierr.FatalEngine, apierr.Sanitize(err.Error()), err)
		}
		return nil, apierr.Wrap(apierr.TransientEngine, apierr.Sanitize(err.Error()), err)
	}

	symbols := make([]Symbol, 0, len(result.Rows))
	for _, row := range result.Rows {
		symbols = append(symbols, Symbol{
			Name:           asString(row["name"]),
			Type:           asString(row["type"]),
			DimensionCount: int(asInt(row["dimensionCount"])),
			RecordCount:    asInt(row["recordCount"]),
		})
	}
	return symbols, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
