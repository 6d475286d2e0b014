package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndListRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, Entry{
		DocumentID: "d1", SymbolName: "x", TableName: "d1__x",
		TotalRowCount: 6, MaterializedAt: time.Now(),
	}))
	require.NoError(t, s.Record(ctx, Entry{
		DocumentID: "d1", SymbolName: "y", Cancelled: true, MaterializedAt: time.Now(),
	}))
	require.NoError(t, s.Record(ctx, Entry{
		DocumentID: "d2", SymbolName: "z", ErrorMessage: "boom", MaterializedAt: time.Now(),
	}))

	entries, err := s.List(ctx, "", 50)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// most recent first
	require.Equal(t, "d2", entries[0].DocumentID)
	require.Equal(t, "boom", entries[0].ErrorMessage)

	d1Entries, err := s.List(ctx, "d1", 50)
	require.NoError(t, err)
	require.Len(t, d1Entries, 2)
	for _, e := range d1Entries {
		require.Equal(t, "d1", e.DocumentID)
	}
}

func TestListDefaultsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Record(ctx, Entry{DocumentID: "d1", SymbolName: "x", MaterializedAt: time.Now()}))
	}
	entries, err := s.List(ctx, "d1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestListRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(ctx, Entry{DocumentID: "d1", SymbolName: "x", MaterializedAt: time.Now()}))
	}
	entries, err := s.List(ctx, "d1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
