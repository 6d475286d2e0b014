package documents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gdxviewer/query-server/internal/engine"
	"github.com/gdxviewer/query-server/internal/source"
)

type fakeEngine struct {
	symbolRows []engine.Row
	queryErr   error
	runCalls   []string
}

func (e *fakeEngine) Run(ctx context.Context, sql string) error {
	e.runCalls = append(e.runCalls, sql)
	return nil
}

func (e *fakeEngine) Query(ctx context.Context, sql string) (*engine.QueryResult, error) {
	if e.queryErr != nil {
		return nil, e.queryErr
	}
	return &engine.QueryResult{Columns: []string{"name", "type", "dimensionCount", "recordCount"}, Rows: e.symbolRows}, nil
}

func (e *fakeEngine) BackgroundConnection(ctx context.Context) (engine.Connection, error) {
	return nil, errors.New("not implemented")
}
func (e *fakeEngine) RegisterBlob(name string, data []byte) (string, error) { return "", nil }
func (e *fakeEngine) Dispose(keepBlobDir bool) error                        { return nil }

type fakeCanceller struct {
	cancelled []string
}

func (c *fakeCanceller) CancelDocument(documentID string) {
	c.cancelled = append(c.cancelled, documentID)
}

func newTestRegistry(eng *fakeEngine, canceller *fakeCanceller) *Registry {
	return New(eng, source.New(false, eng, nil), canceller, nil)
}

func symbolRow(name, typ string, dims, records int64) engine.Row {
	return engine.Row{"name": name, "type": typ, "dimensionCount": dims, "recordCount": records}
}

func TestOpenReadsSymbolCatalog(t *testing.T) {
	eng := &fakeEngine{symbolRows: []engine.Row{symbolRow("x", "parameter", 2, 6)}}
	r := newTestRegistry(eng, nil)

	symbols, err := r.Open(context.Background(), "d1", "/tmp/transport.gdx")
	require.NoError(t, err)
	require.Len(t, symbols, 1)
	require.Equal(t, "x", symbols[0].Name)
	require.Equal(t, "parameter", symbols[0].Type)
	require.Equal(t, 2, symbols[0].DimensionCount)
	require.Equal(t, int64(6), symbols[0].RecordCount)

	state, ok := r.Get("d1")
	require.True(t, ok)
	require.Equal(t, "/tmp/transport.gdx", state.LocalPath)
	require.Empty(t, state.Materialized)
}

func TestOpenPropagatesEngineFailure(t *testing.T) {
	eng := &fakeEngine{queryErr: errors.New("boom")}
	r := newTestRegistry(eng, nil)

	_, err := r.Open(context.Background(), "d1", "/tmp/transport.gdx")
	require.Error(t, err)
}

func TestRecordAndQueryMaterializedState(t *testing.T) {
	eng := &fakeEngine{symbolRows: []engine.Row{symbolRow("x", "parameter", 2, 6)}}
	r := newTestRegistry(eng, nil)
	_, err := r.Open(context.Background(), "d1", "/tmp/transport.gdx")
	require.NoError(t, err)

	require.False(t, r.IsMaterialized("d1", "x"))

	require.NoError(t, r.RecordMaterialized("d1", "x", MaterializedSymbol{
		TableName: "d1__x", Columns: []string{"dim_1", "value"}, TotalRowCount: 6,
	}))

	require.True(t, r.IsMaterialized("d1", "x"))
	table, ok := r.TableNameOf("d1", "x")
	require.True(t, ok)
	require.Equal(t, "d1__x", table)

	cols, ok := r.ColumnsOf("d1", "x")
	require.True(t, ok)
	require.Equal(t, []string{"dim_1", "value"}, cols)
}

func TestCloseCancelsDropsAndRemoves(t *testing.T) {
	eng := &fakeEngine{symbolRows: []engine.Row{symbolRow("x", "parameter", 2, 6)}}
	canceller := &fakeCanceller{}
	r := newTestRegistry(eng, canceller)
	_, err := r.Open(context.Background(), "d1", "/tmp/transport.gdx")
	require.NoError(t, err)
	require.NoError(t, r.RecordMaterialized("d1", "x", MaterializedSymbol{TableName: "d1__x"}))

	require.NoError(t, r.Close(context.Background(), "d1"))

	require.False(t, r.IsOpen("d1"))
	require.Contains(t, canceller.cancelled, "d1")
	require.Contains(t, eng.runCalls, `DROP TABLE IF EXISTS "d1__x"`)
	require.Contains(t, eng.runCalls, "CHECKPOINT")
}

func TestReloadAllRefreshesEveryDocument(t *testing.T) {
	eng := &fakeEngine{symbolRows: []engine.Row{symbolRow("x", "parameter", 2, 6)}}
	r := newTestRegistry(eng, nil)
	_, err := r.Open(context.Background(), "d1", "/tmp/a.gdx")
	require.NoError(t, err)
	_, err = r.Open(context.Background(), "d2", "/tmp/b.gdx")
	require.NoError(t, err)
	require.NoError(t, r.RecordMaterialized("d1", "x", MaterializedSymbol{TableName: "d1__x"}))

	eng.symbolRows = []engine.Row{symbolRow("x", "parameter", 2, 9)}
	require.NoError(t, r.ReloadAll(context.Background()))

	state, ok := r.Get("d1")
	require.True(t, ok)
	require.Equal(t, int64(9), state.Symbols[0].RecordCount)
	require.Empty(t, state.Materialized)

	_, ok = r.Get("d2")
	require.True(t, ok)
}

func TestClearAllMaterializedWipesEveryDocumentWithoutTouchingEngine(t *testing.T) {
	eng := &fakeEngine{symbolRows: []engine.Row{symbolRow("x", "parameter", 2, 6)}}
	r := newTestRegistry(eng, nil)
	_, err := r.Open(context.Background(), "d1", "/tmp/a.gdx")
	require.NoError(t, err)
	require.NoError(t, r.RecordMaterialized("d1", "x", MaterializedSymbol{TableName: "d1__x"}))

	eng.runCalls = nil
	r.ClearAllMaterialized()

	require.False(t, r.IsMaterialized("d1", "x"))
	require.Empty(t, eng.runCalls)
}
