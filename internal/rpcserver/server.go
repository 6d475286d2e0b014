package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/gdxviewer/query-server/internal/apierr"
	"github.com/gdxviewer/query-server/internal/materialize"
)

// Handler is the subset of *dispatch.Dispatcher the RPC layer calls
// into. Kept as an interface so tests can supply a fake dispatcher.
//
// Enqueue is split into two halves on purpose: placing the job on the
// dispatcher's FIFO queue must happen synchronously, on the connection's
// own read-loop goroutine, so that two requests read back-to-back never
// race on which one reaches the queue first. The returned func does the
// actual blocking wait and is safe to run on its own goroutine.
type Handler interface {
	Enqueue(ctx context.Context, method string, rawParams json.RawMessage) func() (any, error)
}

// Server hosts one loopback WebSocket endpoint in front of a Handler,
// and doubles as a materialize.Sink: it binds each documentId to
// whichever connection most recently issued a request naming it, and
// pushes materialization events to that connection as they arrive.
type Server struct {
	handler Handler
	logger  *slog.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	binds map[string]*wsConn
}

// New creates a Server. handler serves every decoded request frame.
func New(handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		handler: handler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			// Loopback-only server; every peer is the local client process.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		binds: make(map[string]*wsConn),
	}
}

// wsConn wraps one client connection with a write mutex, since
// responses and pushed events can be written concurrently.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Router builds the chi mux serving the WebSocket upgrade endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewMux()
	r.Use(middleware.Recoverer)
	r.Get("/", s.handleUpgrade)
	return r
}

// Serve binds a loopback listener on an OS-assigned port, starts
// serving, and blocks until ctx is cancelled, then shuts down
// gracefully. The bound port is sent on ready once listening begins.
func (s *Server) Serve(ctx context.Context, ready chan<- int) error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler: s.Router(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		if ready != nil {
			ready <- port
		}
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("rpc server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Debug("shutting down rpc server...")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := &wsConn{conn: raw}
	s.serveConn(r.Context(), conn)
}

func (s *Server) serveConn(ctx context.Context, conn *wsConn) {
	defer func() {
		s.unbindConn(conn)
		_ = conn.conn.Close()
	}()

	for {
		var req requestFrame
		if err := conn.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		if req.Type != FrameRequest {
			continue
		}

		s.bindDocument(req.Params, conn)

		// Enqueue happens right here, on the connection's single read
		// loop, so requests read back-to-back land on the dispatcher's
		// FIFO queue in the same order they were read. Only the blocking
		// wait for the result (a slow materializeSymbol preview,
		// executeQuery) and the response write run on their own
		// goroutine, so a slow method never blocks a concurrent one on
		// the same connection.
		wait := s.handler.Enqueue(ctx, req.Method, req.Params)
		go s.finishRequest(conn, req.RequestID, wait)
	}
}

func (s *Server) finishRequest(conn *wsConn, requestID string, wait func() (any, error)) {
	result, err := wait()

	resp := responseFrame{Type: FrameResponse, RequestID: requestID}
	if err != nil {
		resp.Error = toWireError(err)
	} else {
		resp.Result = result
	}
	if writeErr := conn.writeJSON(resp); writeErr != nil {
		s.logger.Debug("failed to write response frame", "requestId", requestID, "error", writeErr)
	}
}

func toWireError(err error) *wireError {
	kind, ok := apierr.KindOf(err)
	if !ok {
		kind = apierr.TransientEngine
	}
	return &wireError{Kind: string(kind), Message: apierr.Sanitize(err.Error())}
}

func (s *Server) bindDocument(rawParams json.RawMessage, conn *wsConn) {
	if len(rawParams) == 0 {
		return
	}
	var p documentIDParams
	if err := json.Unmarshal(rawParams, &p); err != nil || p.DocumentID == "" {
		return
	}
	s.mu.Lock()
	s.binds[p.DocumentID] = conn
	s.mu.Unlock()
}

func (s *Server) unbindConn(conn *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.binds {
		if c == conn {
			delete(s.binds, id)
		}
	}
}

// Emit implements materialize.Sink, pushing an event frame to whichever
// connection last issued a request naming e.DocumentID. It is a no-op
// if that document has no bound connection (e.g. the client
// disconnected mid-materialization).
func (s *Server) Emit(e materialize.Event) {
	s.mu.Lock()
	conn, ok := s.binds[e.DocumentID]
	s.mu.Unlock()
	if !ok {
		return
	}

	frame := eventFrame{Type: FrameEvent, Event: string(e.Kind), Data: eventPayload(e)}
	if err := conn.writeJSON(frame); err != nil {
		s.logger.Debug("failed to push materialization event", "documentId", e.DocumentID, "error", err)
	}
}

func eventPayload(e materialize.Event) map[string]any {
	payload := map[string]any{
		"documentId": e.DocumentID,
		"symbolName": e.SymbolName,
		"tableName":  e.TableName,
	}
	if e.Progress != nil {
		payload["rowsProcessed"] = e.Progress.RowsProcessed
		if e.Progress.Percentage != nil {
			payload["percentage"] = *e.Progress.Percentage
		}
	}
	if e.Columns != nil {
		payload["columns"] = e.Columns
		payload["totalRowCount"] = e.TotalRowCount
	}
	if e.Err != nil {
		payload["cancelled"] = e.Err.Kind == apierr.Cancelled
		payload["error"] = toWireError(e.Err)
	}
	return payload
}
