package materialize

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gdxviewer/query-server/internal/apierr"
	"github.com/gdxviewer/query-server/internal/engine"
)

type fakeConn struct {
	runErr    error
	runDelay  time.Duration
	interrupt func() error

	mu        sync.Mutex
	progress  engine.Progress
	closed    bool
}

func (c *fakeConn) Run(ctx context.Context, sql string) error {
	select {
	case <-time.After(c.runDelay):
		return c.runErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Query(ctx context.Context, sql string) (*engine.QueryResult, error) {
	if strings.Contains(sql, "information_schema.columns") {
		return &engine.QueryResult{
			Columns: []string{"column_name"},
			Rows: []engine.Row{
				{"column_name": "dim_1"},
				{"column_name": "value"},
			},
		}, nil
	}
	if strings.Contains(sql, "COUNT(*)") {
		return &engine.QueryResult{Columns: []string{"n"}, Rows: []engine.Row{{"n": int64(6)}}}, nil
	}
	return &engine.QueryResult{}, nil
}

func (c *fakeConn) Progress() (engine.Progress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress, nil
}

func (c *fakeConn) Interrupt() error {
	if c.interrupt != nil {
		return c.interrupt()
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeEngine struct {
	conn        *fakeConn
	queryResult *engine.QueryResult
	queryErr    error
}

func (e *fakeEngine) Run(ctx context.Context, sql string) error { return nil }
func (e *fakeEngine) Query(ctx context.Context, sql string) (*engine.QueryResult, error) {
	return e.queryResult, e.queryErr
}
func (e *fakeEngine) BackgroundConnection(ctx context.Context) (engine.Connection, error) {
	return e.conn, nil
}
func (e *fakeEngine) RegisterBlob(name string, data []byte) (string, error) { return "", nil }
func (e *fakeEngine) Dispose(keepBlobDir bool) error                        { return nil }

type fakeSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *fakeSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *fakeSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPreviewRunsLimitedQuery(t *testing.T) {
	eng := &fakeEngine{queryResult: &engine.QueryResult{Columns: []string{"a"}}}
	m := New(eng, &fakeSink{}, nil)

	result, err := m.Preview(context.Background(), "read_gdx('x.gdx', 'sym')", 100)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, result.Columns)
}

func TestPreviewClassifiesFatalErrors(t *testing.T) {
	eng := &fakeEngine{queryErr: errors.New("IO Error: database has been invalidated")}
	m := New(eng, &fakeSink{}, nil)

	_, err := m.Preview(context.Background(), "read_gdx('x.gdx', 'sym')", 100)
	require.True(t, apierr.Is(err, apierr.FatalEngine))
}

func TestStartEmitsCompleteOnSuccess(t *testing.T) {
	conn := &fakeConn{}
	eng := &fakeEngine{conn: conn}
	sink := &fakeSink{}
	m := New(eng, sink, nil)

	require.NoError(t, m.Start("doc1", "x", "read_gdx('x.gdx', 'sym')", 0))

	waitFor(t, func() bool {
		for _, e := range sink.snapshot() {
			if e.Kind == EventComplete {
				return true
			}
		}
		return false
	})

	events := sink.snapshot()
	last := events[len(events)-1]
	require.Equal(t, EventComplete, last.Kind)
	require.Equal(t, TableName("doc1", "x"), last.TableName)
	require.Equal(t, []string{"dim_1", "value"}, last.Columns)
	require.Equal(t, int64(6), last.TotalRowCount)
}

func TestStartEmitsErrorOnFailure(t *testing.T) {
	conn := &fakeConn{runErr: errors.New("boom")}
	eng := &fakeEngine{conn: conn}
	sink := &fakeSink{}
	m := New(eng, sink, nil)

	require.NoError(t, m.Start("doc1", "x", "read_gdx('x.gdx', 'sym')", 0))

	waitFor(t, func() bool {
		for _, e := range sink.snapshot() {
			if e.Kind == EventError {
				return true
			}
		}
		return false
	})

	var found *Event
	for _, e := range sink.snapshot() {
		if e.Kind == EventError {
			e := e
			found = &e
		}
	}
	require.NotNil(t, found)
	require.True(t, apierr.Is(found.Err, apierr.TransientEngine))
}

func TestStartReportsProgressFromRecordCount(t *testing.T) {
	conn := &fakeConn{runDelay: time.Second}
	conn.progress = engine.Progress{RowsProcessed: 25}
	eng := &fakeEngine{conn: conn}
	sink := &fakeSink{}
	m := New(eng, sink, nil)

	require.NoError(t, m.Start("doc1", "x", "read_gdx('x.gdx', 'sym')", 100))

	waitFor(t, func() bool {
		for _, e := range sink.snapshot() {
			if e.Kind == EventProgress {
				return true
			}
		}
		return false
	})

	events := sink.snapshot()
	var progressed *Event
	for _, e := range events {
		if e.Kind == EventProgress {
			e := e
			progressed = &e
			break
		}
	}
	require.NotNil(t, progressed)
	require.NotNil(t, progressed.Progress.Percentage)
	require.Equal(t, float64(25), *progressed.Progress.Percentage)
}

func TestStartCapsProgressPercentageAt100(t *testing.T) {
	conn := &fakeConn{runDelay: time.Second}
	conn.progress = engine.Progress{RowsProcessed: 150}
	eng := &fakeEngine{conn: conn}
	sink := &fakeSink{}
	m := New(eng, sink, nil)

	require.NoError(t, m.Start("doc1", "x", "read_gdx('x.gdx', 'sym')", 100))

	waitFor(t, func() bool {
		for _, e := range sink.snapshot() {
			if e.Kind == EventProgress {
				return true
			}
		}
		return false
	})

	for _, e := range sink.snapshot() {
		if e.Kind == EventProgress {
			require.NotNil(t, e.Progress.Percentage)
			require.Equal(t, float64(100), *e.Progress.Percentage)
			return
		}
	}
}

func TestStartRejectsDuplicateActiveJob(t *testing.T) {
	conn := &fakeConn{runDelay: 200 * time.Millisecond}
	eng := &fakeEngine{conn: conn}
	m := New(eng, &fakeSink{}, nil)

	require.NoError(t, m.Start("doc1", "x", "read_gdx('x.gdx', 'sym')", 0))
	err := m.Start("doc1", "x", "read_gdx('x.gdx', 'sym')", 0)
	require.Error(t, err)
	require.True(t, apierr.Is(err, apierr.InvalidInput))
}

func TestCancelInterruptsAndEmitsCancelledError(t *testing.T) {
	interrupted := make(chan struct{}, 1)
	conn := &fakeConn{
		runDelay: time.Second,
		interrupt: func() error {
			select {
			case interrupted <- struct{}{}:
			default:
			}
			return nil
		},
	}
	eng := &fakeEngine{conn: conn}
	sink := &fakeSink{}
	m := New(eng, sink, nil)

	require.NoError(t, m.Start("doc1", "x", "read_gdx('x.gdx', 'sym')", 0))
	require.NoError(t, m.Cancel("doc1", "x"))

	select {
	case <-interrupted:
	case <-time.After(time.Second):
		t.Fatal("Interrupt was not called")
	}

	waitFor(t, func() bool {
		for _, e := range sink.snapshot() {
			if e.Kind == EventError {
				return true
			}
		}
		return false
	})

	var found *Event
	for _, e := range sink.snapshot() {
		if e.Kind == EventError {
			e := e
			found = &e
		}
	}
	require.NotNil(t, found)
	require.True(t, apierr.Is(found.Err, apierr.Cancelled))
}

func TestCancelUnknownJobReturnsNotFound(t *testing.T) {
	m := New(&fakeEngine{}, &fakeSink{}, nil)
	err := m.Cancel("missing", "x")
	require.True(t, apierr.Is(err, apierr.NotFound))
}

func TestResetForgetsActiveJobs(t *testing.T) {
	conn := &fakeConn{runDelay: time.Second}
	eng := &fakeEngine{conn: conn}
	m := New(eng, &fakeSink{}, nil)

	require.NoError(t, m.Start("doc1", "x", "read_gdx('x.gdx', 'sym')", 0))
	m.Reset()

	err := m.Cancel("doc1", "x")
	require.True(t, apierr.Is(err, apierr.NotFound))
}
