// Package supervisor wires together every server-side component
// (engine, resolver, registry, materializer, history store, dispatcher,
// WebSocket RPC layer) and runs them as one process, honoring the
// process contract a client library spawns this binary under: parse
// startup options from argv, signal readiness on stdout once listening,
// then serve until the process is asked to stop.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gdxviewer/query-server/internal/dispatch"
	"github.com/gdxviewer/query-server/internal/documents"
	"github.com/gdxviewer/query-server/internal/engine"
	"github.com/gdxviewer/query-server/internal/history"
	"github.com/gdxviewer/query-server/internal/materialize"
	"github.com/gdxviewer/query-server/internal/rpcserver"
	"github.com/gdxviewer/query-server/internal/source"
)

const historyFileName = "gdx-viewer-history.db"

// ProcessOptions is the JSON payload a supervising client passes on argv.
type ProcessOptions struct {
	AllowRemoteSourceLoading bool   `json:"allowRemoteSourceLoading"`
	GlobalStoragePath        string `json:"globalStoragePath,omitempty"`
}

// readyMessage is written once, as a single JSON line to stdout, the
// moment the RPC listener is accepting connections.
type readyMessage struct {
	Type string `json:"type"`
	Port int    `json:"port"`
}

// ParseArgs implements the two-argument-shape contract: a single
// positional argument is the startup-options JSON directly; two
// positional arguments treat the first as a legacy extension path
// (accepted for compatibility, never used beyond logging) and the
// second as the startup-options JSON. Zero or more than two arguments
// is an error.
func ParseArgs(args []string) (opts ProcessOptions, legacyPath string, err error) {
	switch len(args) {
	case 0:
		return ProcessOptions{}, "", fmt.Errorf("expected startup options as the last argument, got none")
	case 1:
		opts, err = parseOptions(args[0])
		return opts, "", err
	case 2:
		opts, err = parseOptions(args[1])
		return opts, args[0], err
	default:
		return ProcessOptions{}, "", fmt.Errorf("expected at most two arguments, got %d", len(args))
	}
}

func parseOptions(raw string) (ProcessOptions, error) {
	var opts ProcessOptions
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return ProcessOptions{}, fmt.Errorf("invalid startup options: %w", err)
	}
	return opts, nil
}

// eventForwarder breaks the construction cycle between the
// Materialization Manager (which needs a Sink at construction) and the
// Dispatcher (which is that Sink but needs the Manager first).
type eventForwarder struct {
	mu     sync.Mutex
	target materialize.Sink
}

func (f *eventForwarder) Emit(e materialize.Event) {
	f.mu.Lock()
	t := f.target
	f.mu.Unlock()
	if t != nil {
		t.Emit(e)
	}
}

func (f *eventForwarder) setTarget(t materialize.Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target = t
}

// handlerBox breaks the equivalent cycle between the RPC server (which
// needs a Handler at construction) and the Dispatcher (which is that
// Handler but is constructed after the RPC server so it can hand the
// server to the dispatcher as its downstream event sink).
type handlerBox struct {
	mu     sync.Mutex
	target rpcserver.Handler
}

func (h *handlerBox) Enqueue(ctx context.Context, method string, rawParams json.RawMessage) func() (any, error) {
	h.mu.Lock()
	t := h.target
	h.mu.Unlock()
	if t == nil {
		return func() (any, error) { return nil, fmt.Errorf("dispatcher not yet initialized") }
	}
	return t.Enqueue(ctx, method, rawParams)
}

// Dispatch is a convenience wrapper for tests and callers that don't
// need Enqueue's split enqueue/wait phases.
func (h *handlerBox) Dispatch(ctx context.Context, method string, rawParams json.RawMessage) (any, error) {
	return h.Enqueue(ctx, method, rawParams)()
}

func (h *handlerBox) setTarget(t rpcserver.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.target = t
}

// Run builds the full component graph and serves the RPC layer until
// ctx is cancelled, writing a ready message to stdout as soon as the
// listener is accepting connections. It returns once shutdown
// completes, disposing the engine and closing the history store.
func Run(ctx context.Context, opts ProcessOptions, logger *slog.Logger, stdout io.Writer) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	engineCfg := engine.Config{Logger: logger}
	if opts.GlobalStoragePath != "" {
		engineCfg.Path = filepath.Join(opts.GlobalStoragePath, "gdx-viewer-"+uuid.NewString()+".duckdb")
	}

	engineFactory := func() (engine.Engine, error) { return engine.New(engineCfg) }
	eng, err := engineFactory()
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	historyPath := ":memory:"
	if opts.GlobalStoragePath != "" {
		historyPath = filepath.Join(opts.GlobalStoragePath, historyFileName)
	}
	historyStore, err := history.New(historyPath, logger)
	if err != nil {
		return fmt.Errorf("initialize history store: %w", err)
	}

	resolver := source.New(opts.AllowRemoteSourceLoading, eng, logger)
	forwarder := &eventForwarder{}
	materializer := materialize.New(eng, forwarder, logger)
	registry := documents.New(eng, resolver, materializer, logger)

	hb := &handlerBox{}
	rpcSrv := rpcserver.New(hb, logger)

	d := dispatch.New(eng, engineFactory, registry, materializer, historyStore, rpcSrv, logger)
	forwarder.setTarget(d)
	hb.setTarget(d)

	defer func() {
		if err := historyStore.Close(); err != nil {
			logger.Warn("failed to close history store", "error", err)
		}
		if err := eng.Dispose(false); err != nil {
			logger.Warn("failed to dispose engine", "error", err)
		}
	}()

	eg, egctx := errgroup.WithContext(ctx)
	readyCh := make(chan int, 1)

	eg.Go(func() error { return rpcSrv.Serve(egctx, readyCh) })

	eg.Go(func() error {
		select {
		case port := <-readyCh:
			return announceReady(stdout, port)
		case <-egctx.Done():
			return nil
		}
	})

	return eg.Wait()
}

func announceReady(stdout io.Writer, port int) error {
	w := bufio.NewWriter(stdout)
	if err := json.NewEncoder(w).Encode(readyMessage{Type: "ready", Port: port}); err != nil {
		return fmt.Errorf("write ready message: %w", err)
	}
	return w.Flush()
}
