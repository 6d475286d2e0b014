// Package dispatch serializes every operation that touches the main
// engine connection onto a single FIFO queue, and implements the
// crash-recovery retry policy: a fatal engine error tears the engine
// down, reinitializes it, and retries the same request exactly once.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gdxviewer/query-server/internal/apierr"
	"github.com/gdxviewer/query-server/internal/documents"
	"github.com/gdxviewer/query-server/internal/engine"
	"github.com/gdxviewer/query-server/internal/history"
	"github.com/gdxviewer/query-server/internal/materialize"
)

const queueDepth = 256

// EngineFactory builds a fresh Engine, used both at startup and after
// a crash-recovery reset.
type EngineFactory func() (engine.Engine, error)

// HistoryRecorder is the subset of *history.Store the dispatcher needs.
// Kept as an interface so a nil history store degrades gracefully and
// so tests can supply a fake.
type HistoryRecorder interface {
	Record(ctx context.Context, e history.Entry) error
	List(ctx context.Context, documentID string, limit int) ([]history.Entry, error)
}

type queuedJob struct {
	fn       func() (any, error)
	resultCh chan jobResult
}

type jobResult struct {
	value any
	err   error
}

// Dispatcher is the sole gateway to the main engine connection.
type Dispatcher struct {
	eng           engine.Engine
	engineFactory EngineFactory
	registry      *documents.Registry
	materializer  *materialize.Manager
	historyStore  HistoryRecorder
	downstream    materialize.Sink
	logger        *slog.Logger

	queue chan queuedJob
}

// New creates a Dispatcher and starts its single worker goroutine.
// downstream receives every materialize.Event after the dispatcher's
// own bookkeeping (recording MaterializedSymbol state and history)
// has run against it; it may be nil.
func New(eng engine.Engine, engineFactory EngineFactory, registry *documents.Registry, materializer *materialize.Manager, historyStore HistoryRecorder, downstream materialize.Sink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &Dispatcher{
		eng:           eng,
		engineFactory: engineFactory,
		registry:      registry,
		materializer:  materializer,
		historyStore:  historyStore,
		downstream:    downstream,
		logger:        logger,
		queue:         make(chan queuedJob, queueDepth),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	for j := range d.queue {
		v, err := j.fn()
		j.resultCh <- jobResult{value: v, err: err}
	}
}

// Enqueue places method with rawParams onto the FIFO queue and returns
// immediately, before the job has run. The channel send is the only
// part callers need to happen in arrival order; the returned func does
// the actual blocking wait for the FIFO worker's result (including any
// crash-recovery retry) and can safely run on its own goroutine.
func (d *Dispatcher) Enqueue(ctx context.Context, method string, rawParams json.RawMessage) func() (any, error) {
	resultCh := make(chan jobResult, 1)
	d.queue <- queuedJob{
		fn:       func() (any, error) { return d.dispatchWithRecovery(ctx, method, rawParams) },
		resultCh: resultCh,
	}
	return func() (any, error) {
		r := <-resultCh
		return r.value, r.err
	}
}

// Dispatch enqueues method with rawParams and blocks until the FIFO
// worker has executed it. Equivalent to calling Enqueue and immediately
// invoking the returned func; callers that need the enqueue and the
// wait to happen on different goroutines (the RPC layer's read loop)
// should call Enqueue directly instead.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, rawParams json.RawMessage) (any, error) {
	return d.Enqueue(ctx, method, rawParams)()
}

func (d *Dispatcher) dispatchWithRecovery(ctx context.Context, method string, rawParams json.RawMessage) (any, error) {
	result, err := d.route(ctx, method, rawParams)
	if err != nil && apierr.Is(err, apierr.FatalEngine) {
		d.logger.Error("fatal engine error, recovering", "method", method, "error", err)
		if recErr := d.recover(); recErr != nil {
			d.logger.Error("engine recovery failed", "error", recErr)
			return nil, apierr.Wrap(apierr.FatalEngine, "engine recovery failed", recErr)
		}
		result, err = d.route(ctx, method, rawParams)
	}
	return result, err
}

// recover clears cached materialized state, disposes the current
// engine, opens a fresh one, and rewires the registry and
// materializer to it. Blob-staged remote sources are kept.
func (d *Dispatcher) recover() error {
	d.registry.ClearAllMaterialized()
	d.materializer.Reset()

	if d.eng != nil {
		if err := d.eng.Dispose(true); err != nil {
			d.logger.Warn("dispose during recovery failed", "error", err)
		}
	}

	newEngine, err := d.engineFactory()
	if err != nil {
		return fmt.Errorf("reinitialize engine: %w", err)
	}
	d.eng = newEngine
	d.registry.SetEngine(newEngine)
	d.materializer.SetEngine(newEngine)
	return nil
}

// Emit implements materialize.Sink. It runs the dispatcher's own
// bookkeeping (recording completed materializations, logging history)
// on the dispatcher's serialized queue before forwarding the event
// downstream, satisfying the single-writer discipline the
// DocumentState.materialized map requires.
func (d *Dispatcher) Emit(e materialize.Event) {
	resultCh := make(chan jobResult, 1)
	d.queue <- queuedJob{
		fn: func() (any, error) {
			d.handleMaterializeEvent(e)
			return nil, nil
		},
		resultCh: resultCh,
	}
}

func (d *Dispatcher) handleMaterializeEvent(e materialize.Event) {
	switch e.Kind {
	case materialize.EventComplete:
		if err := d.registry.RecordMaterialized(e.DocumentID, e.SymbolName, documents.MaterializedSymbol{
			TableName: e.TableName, Columns: e.Columns, TotalRowCount: e.TotalRowCount,
		}); err != nil {
			d.logger.Warn("failed to record materialized symbol", "documentId", e.DocumentID, "symbolName", e.SymbolName, "error", err)
		}
		d.recordHistory(e, false, "")
	case materialize.EventError:
		cancelled := e.Err != nil && e.Err.Kind == apierr.Cancelled
		msg := ""
		if e.Err != nil {
			msg = e.Err.Message
		}
		d.recordHistory(e, cancelled, msg)
	}

	if d.downstream != nil {
		d.downstream.Emit(e)
	}
}

func (d *Dispatcher) recordHistory(e materialize.Event, cancelled bool, errorMessage string) {
	if d.historyStore == nil {
		return
	}
	entry := history.Entry{
		DocumentID:     e.DocumentID,
		SymbolName:     e.SymbolName,
		TableName:      e.TableName,
		TotalRowCount:  e.TotalRowCount,
		Cancelled:      cancelled,
		ErrorMessage:   errorMessage,
		MaterializedAt: time.Now(),
	}
	if err := d.historyStore.Record(context.Background(), entry); err != nil {
		d.logger.Warn("failed to record materialization history", "documentId", e.DocumentID, "symbolName", e.SymbolName, "error", err)
	}
}

func classifyEngineErr(err error) *apierr.Error {
	if engine.IsFatal(err) {
		return apierr.Wrap(apierr.FatalEngine, apierr.Sanitize(err.Error()), err)
	}
	return apierr.Wrap(apierr.TransientEngine, apierr.Sanitize(err.Error()), err)
}
