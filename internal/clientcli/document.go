package clientcli

import (
	"context"

	"github.com/gdxviewer/query-server/pkg/client"
)

// symbol mirrors the openDocument response shape the server sends; kept
// local rather than imported so this CLI depends only on the wire
// contract, not on the server's internal types.
type symbol struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	DimensionCount int    `json:"dimensionCount"`
	RecordCount    int64  `json:"recordCount"`
}

type openDocumentResult struct {
	Symbols []symbol `json:"symbols"`
}

type executeQueryResult struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"rowCount"`
}

type materializeSymbolResult struct {
	TableName       *string          `json:"tableName"`
	Columns         []string         `json:"columns"`
	TotalRowCount   int64            `json:"totalRowCount"`
	Status          string           `json:"status"`
	PreviewRows     []map[string]any `json:"previewRows,omitempty"`
	PreviewRowCount int              `json:"previewRowCount,omitempty"`
}

func openDocument(ctx context.Context, c *client.Client, source string) (string, []symbol, error) {
	docID := documentIDFor(source)
	var result openDocumentResult
	err := c.Call(ctx, "openDocument", map[string]any{
		"documentId": docID,
		"source":     source,
	}, &result)
	if err != nil {
		return "", nil, err
	}
	return docID, result.Symbols, nil
}

func closeDocument(ctx context.Context, c *client.Client, docID string) error {
	return c.Call(ctx, "closeDocument", map[string]string{"documentId": docID}, nil)
}

func executeQuery(ctx context.Context, c *client.Client, docID, sql string) (executeQueryResult, error) {
	var result executeQueryResult
	err := c.Call(ctx, "executeQuery", map[string]string{
		"documentId": docID,
		"sql":        sql,
	}, &result)
	return result, err
}

func materializeSymbol(ctx context.Context, c *client.Client, docID, symbolName string) (materializeSymbolResult, error) {
	var result materializeSymbolResult
	err := c.Call(ctx, "materializeSymbol", map[string]any{
		"documentId": docID,
		"symbolName": symbolName,
	}, &result)
	return result, err
}
