package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gdxviewer/query-server/internal/apierr"
	"github.com/gdxviewer/query-server/internal/documents"
	"github.com/gdxviewer/query-server/internal/engine"
	"github.com/gdxviewer/query-server/internal/filter"
	"github.com/gdxviewer/query-server/internal/history"
	"github.com/gdxviewer/query-server/internal/sqlident"
)

const defaultPageSize = 1000

// PingResult is the ping method's fixed reply.
type PingResult struct {
	Pong bool `json:"pong"`
}

// OpenDocumentParams is openDocument's request payload.
type OpenDocumentParams struct {
	DocumentID  string `json:"documentId"`
	Source      string `json:"source"`
	ForceReload bool   `json:"forceReload"`
}

// OpenDocumentResult is openDocument's reply.
type OpenDocumentResult struct {
	Symbols []documents.Symbol `json:"symbols"`
}

// CloseDocumentParams is closeDocument's request payload.
type CloseDocumentParams struct {
	DocumentID string `json:"documentId"`
}

// SuccessResult is the shared shape of every method whose only reply is
// a success acknowledgement.
type SuccessResult struct {
	Success bool `json:"success"`
}

// MaterializeSymbolParams is materializeSymbol's request payload.
type MaterializeSymbolParams struct {
	DocumentID string `json:"documentId"`
	SymbolName string `json:"symbolName"`
	PageSize   int    `json:"pageSize"`
}

// MaterializeSymbolResult is materializeSymbol's reply. TableName is a
// pointer so the preview branch serializes it as JSON null rather than
// an empty string.
type MaterializeSymbolResult struct {
	TableName       *string      `json:"tableName"`
	Columns         []string     `json:"columns"`
	TotalRowCount   int64        `json:"totalRowCount"`
	Status          string       `json:"status"`
	PreviewRows     []engine.Row `json:"previewRows,omitempty"`
	PreviewRowCount int          `json:"previewRowCount,omitempty"`
}

// CancelMaterializationParams is cancelMaterialization's request payload.
type CancelMaterializationParams struct {
	DocumentID string `json:"documentId"`
}

// ExecuteQueryParams is executeQuery's request payload.
type ExecuteQueryParams struct {
	DocumentID string `json:"documentId"`
	SQL        string `json:"sql"`
}

// ExecuteQueryResult is executeQuery's reply.
type ExecuteQueryResult struct {
	Columns  []string     `json:"columns"`
	Rows     []engine.Row `json:"rows"`
	RowCount int          `json:"rowCount"`
}

// GetDomainValuesParams is getDomainValues's request payload.
type GetDomainValuesParams struct {
	DocumentID       string          `json:"documentId"`
	Symbol           string          `json:"symbol"`
	DimIndex         int             `json:"dimIndex"`
	DimensionFilters json.RawMessage `json:"dimensionFilters,omitempty"`
}

// GetDomainValuesResult is getDomainValues's reply.
type GetDomainValuesResult struct {
	Values []string `json:"values"`
}

// GetFilterOptionsParams is getFilterOptions's request payload.
type GetFilterOptionsParams struct {
	DocumentID string          `json:"documentId"`
	SymbolName string          `json:"symbolName"`
	Filters    []filter.Filter `json:"filters"`
}

// GetFilterOptionsResult is getFilterOptions's reply.
type GetFilterOptionsResult struct {
	FilterOptions map[string][]string `json:"filterOptions"`
}

// GetMaterializationHistoryParams is the supplemental history method's
// request payload.
type GetMaterializationHistoryParams struct {
	DocumentID string `json:"documentId,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// GetMaterializationHistoryResult is the supplemental history method's reply.
type GetMaterializationHistoryResult struct {
	Entries []history.Entry `json:"entries"`
}

func (d *Dispatcher) route(ctx context.Context, method string, rawParams json.RawMessage) (any, error) {
	switch method {
	case "ping":
		return d.handlePing()
	case "openDocument":
		return d.handleOpenDocument(ctx, rawParams)
	case "closeDocument":
		return d.handleCloseDocument(ctx, rawParams)
	case "materializeSymbol":
		return d.handleMaterializeSymbol(ctx, rawParams)
	case "cancelMaterialization":
		return d.handleCancelMaterialization(rawParams)
	case "executeQuery":
		return d.handleExecuteQuery(ctx, rawParams)
	case "getDomainValues":
		return d.handleGetDomainValues(ctx, rawParams)
	case "getFilterOptions":
		return d.handleGetFilterOptions(ctx, rawParams)
	case "getMaterializationHistory":
		return d.handleGetMaterializationHistory(ctx, rawParams)
	default:
		return nil, apierr.New(apierr.InvalidInput, fmt.Sprintf("unknown method %q", method))
	}
}

func decodeParams[T any](rawParams json.RawMessage) (T, error) {
	var p T
	if len(rawParams) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(rawParams, &p); err != nil {
		return p, apierr.Wrap(apierr.InvalidInput, "invalid request params", err)
	}
	return p, nil
}

func (d *Dispatcher) handlePing() (any, error) {
	return PingResult{Pong: true}, nil
}

func (d *Dispatcher) handleOpenDocument(ctx context.Context, rawParams json.RawMessage) (any, error) {
	p, err := decodeParams[OpenDocumentParams](rawParams)
	if err != nil {
		return nil, err
	}
	if p.DocumentID == "" || p.Source == "" {
		return nil, apierr.New(apierr.InvalidInput, "documentId and source are required")
	}

	if p.ForceReload {
		if !d.registry.IsOpen(p.DocumentID) {
			return nil, apierr.New(apierr.NotFound, "document is not open")
		}
		if err := d.registry.ForceReloadPrepare(ctx, p.DocumentID); err != nil {
			return nil, err
		}
		if err := d.recover(); err != nil {
			return nil, apierr.Wrap(apierr.FatalEngine, "failed to reset engine for force reload", err)
		}
		if err := d.registry.ReloadAll(ctx); err != nil {
			return nil, err
		}
		state, _ := d.registry.Get(p.DocumentID)
		return OpenDocumentResult{Symbols: state.Symbols}, nil
	}

	if state, ok := d.registry.Get(p.DocumentID); ok {
		return OpenDocumentResult{Symbols: state.Symbols}, nil
	}

	symbols, err := d.registry.Open(ctx, p.DocumentID, p.Source)
	if err != nil {
		return nil, err
	}
	return OpenDocumentResult{Symbols: symbols}, nil
}

func (d *Dispatcher) handleCloseDocument(ctx context.Context, rawParams json.RawMessage) (any, error) {
	p, err := decodeParams[CloseDocumentParams](rawParams)
	if err != nil {
		return nil, err
	}
	if p.DocumentID == "" {
		return nil, apierr.New(apierr.InvalidInput, "documentId is required")
	}
	if err := d.registry.Close(ctx, p.DocumentID); err != nil {
		return nil, err
	}
	return SuccessResult{Success: true}, nil
}

func (d *Dispatcher) handleMaterializeSymbol(ctx context.Context, rawParams json.RawMessage) (any, error) {
	p, err := decodeParams[MaterializeSymbolParams](rawParams)
	if err != nil {
		return nil, err
	}
	if p.DocumentID == "" || p.SymbolName == "" {
		return nil, apierr.New(apierr.InvalidInput, "documentId and symbolName are required")
	}
	pageSize := p.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	state, ok := d.registry.Get(p.DocumentID)
	if !ok {
		return nil, apierr.New(apierr.NotFound, "document is not open")
	}

	if ms, ok := d.registry.MaterializedOf(p.DocumentID, p.SymbolName); ok {
		table := ms.TableName
		return MaterializeSymbolResult{
			TableName: &table, Columns: ms.Columns, TotalRowCount: ms.TotalRowCount, Status: "materialized",
		}, nil
	}

	symbol, ok := d.registry.SymbolByName(p.DocumentID, p.SymbolName)
	if !ok {
		return nil, apierr.New(apierr.NotFound, fmt.Sprintf("symbol %q not found in document", p.SymbolName))
	}

	sourceExpr := fmt.Sprintf("read_gdx(%s, %s)", sqlident.QuoteLiteral(state.LocalPath), sqlident.QuoteLiteral(symbol.Name))

	preview, err := d.materializer.Preview(ctx, sourceExpr, pageSize)
	if err != nil {
		return nil, err
	}

	if err := d.materializer.Start(p.DocumentID, p.SymbolName, sourceExpr, symbol.RecordCount); err != nil {
		return nil, err
	}

	return MaterializeSymbolResult{
		TableName:       nil,
		Columns:         preview.Columns,
		TotalRowCount:   symbol.RecordCount,
		Status:          "preview",
		PreviewRows:     preview.Rows,
		PreviewRowCount: len(preview.Rows),
	}, nil
}

func (d *Dispatcher) handleCancelMaterialization(rawParams json.RawMessage) (any, error) {
	p, err := decodeParams[CancelMaterializationParams](rawParams)
	if err != nil {
		return nil, err
	}
	if p.DocumentID == "" {
		return nil, apierr.New(apierr.InvalidInput, "documentId is required")
	}
	d.materializer.CancelDocument(p.DocumentID)
	return SuccessResult{Success: true}, nil
}

func (d *Dispatcher) handleExecuteQuery(ctx context.Context, rawParams json.RawMessage) (any, error) {
	p, err := decodeParams[ExecuteQueryParams](rawParams)
	if err != nil {
		return nil, err
	}
	if p.DocumentID == "" || p.SQL == "" {
		return nil, apierr.New(apierr.InvalidInput, "documentId and sql are required")
	}
	state, ok := d.registry.Get(p.DocumentID)
	if !ok {
		return nil, apierr.New(apierr.NotFound, "document is not open")
	}

	stmt := rewriteSQL(p.SQL, state.Source, state.LocalPath)
	result, err := d.eng.Query(ctx, stmt)
	if err != nil {
		return nil, classifyEngineErr(err)
	}
	return ExecuteQueryResult{Columns: result.Columns, Rows: result.Rows, RowCount: len(result.Rows)}, nil
}

// rewriteSQL substitutes both the placeholder token __GDX_FILE__ and the
// document's original source string with its resolved local path, so a
// client-authored query never needs to know how the source was resolved.
// This is a textual rewrite, not a bound parameter: callers write the
// placeholder (or the original source) inside their own quoting, e.g.
// read_gdx('__GDX_FILE__', 'sym'), so the substitution itself must not
// add quotes of its own.
func rewriteSQL(sql, source, localPath string) string {
	sql = strings.ReplaceAll(sql, "__GDX_FILE__", localPath)
	sql = strings.ReplaceAll(sql, source, localPath)
	return sql
}

func (d *Dispatcher) handleGetDomainValues(ctx context.Context, rawParams json.RawMessage) (any, error) {
	p, err := decodeParams[GetDomainValuesParams](rawParams)
	if err != nil {
		return nil, err
	}
	if p.DocumentID == "" || p.Symbol == "" {
		return nil, apierr.New(apierr.InvalidInput, "documentId and symbol are required")
	}
	state, ok := d.registry.Get(p.DocumentID)
	if !ok {
		return nil, apierr.New(apierr.NotFound, "document is not open")
	}

	var stmt string
	if ms, ok := d.registry.MaterializedOf(p.DocumentID, p.Symbol); ok {
		col := fmt.Sprintf("dim_%d", p.DimIndex+1)
		stmt = fmt.Sprintf("SELECT DISTINCT %s AS v FROM %s ORDER BY %s", sqlident.Quote(col), sqlident.Quote(ms.TableName), sqlident.Quote(col))
	} else {
		args := []string{sqlident.QuoteLiteral(state.LocalPath), sqlident.QuoteLiteral(p.Symbol), fmt.Sprintf("%d", p.DimIndex)}
		if len(p.DimensionFilters) > 0 {
			args = append(args, fmt.Sprintf("dimension_filters=%s", sqlident.QuoteLiteral(string(p.DimensionFilters))))
		}
		stmt = fmt.Sprintf("SELECT DISTINCT value AS v FROM gdx_domain_values(%s) ORDER BY v", strings.Join(args, ", "))
	}

	result, err := d.eng.Query(ctx, stmt)
	if err != nil {
		return nil, classifyEngineErr(err)
	}
	values := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		if s, ok := row["v"].(string); ok {
			values = append(values, s)
		}
	}
	return GetDomainValuesResult{Values: values}, nil
}

func (d *Dispatcher) handleGetFilterOptions(ctx context.Context, rawParams json.RawMessage) (any, error) {
	p, err := decodeParams[GetFilterOptionsParams](rawParams)
	if err != nil {
		return nil, err
	}
	if p.DocumentID == "" || p.SymbolName == "" {
		return nil, apierr.New(apierr.InvalidInput, "documentId and symbolName are required")
	}
	if !d.registry.IsOpen(p.DocumentID) {
		return nil, apierr.New(apierr.NotFound, "document is not open")
	}

	ms, ok := d.registry.MaterializedOf(p.DocumentID, p.SymbolName)
	if !ok {
		return nil, apierr.New(apierr.NotMaterialized, "symbol has not been materialized yet")
	}

	options := make(map[string][]string)
	for _, col := range ms.Columns {
		if !strings.HasPrefix(col, "dim_") {
			continue
		}
		others := make([]filter.Filter, 0, len(p.Filters))
		for _, f := range p.Filters {
			if f.ColumnName != col {
				others = append(others, f)
			}
		}
		where := filter.Compile(others)
		stmt := fmt.Sprintf("SELECT DISTINCT %s AS v FROM %s", sqlident.Quote(col), sqlident.Quote(ms.TableName))
		if where != "" {
			stmt += " WHERE " + where
		}
		stmt += fmt.Sprintf(" ORDER BY %s", sqlident.Quote(col))

		result, err := d.eng.Query(ctx, stmt)
		if err != nil {
			return nil, classifyEngineErr(err)
		}
		values := make([]string, 0, len(result.Rows))
		for _, row := range result.Rows {
			if s, ok := row["v"].(string); ok {
				values = append(values, s)
			}
		}
		options[col] = values
	}

	return GetFilterOptionsResult{FilterOptions: options}, nil
}

func (d *Dispatcher) handleGetMaterializationHistory(ctx context.Context, rawParams json.RawMessage) (any, error) {
	p, err := decodeParams[GetMaterializationHistoryParams](rawParams)
	if err != nil {
		return nil, err
	}
	if d.historyStore == nil {
		return GetMaterializationHistoryResult{Entries: []history.Entry{}}, nil
	}
	entries, err := d.historyStore.List(ctx, p.DocumentID, p.Limit)
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientEngine, "failed to list materialization history", err)
	}
	return GetMaterializationHistoryResult{Entries: entries}, nil
}
