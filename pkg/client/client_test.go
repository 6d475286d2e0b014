package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// newTestClient dials a fake WebSocket server directly, bypassing
// process spawning, so Call/Events can be exercised against a scripted
// handler without a real gdxviewer-server binary.
func newTestClient(t *testing.T, handler func(method string, params json.RawMessage) (any, *wireError)) (*Client, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		for {
			var req requestFrame
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			result, wireErr := handler(req.Method, req.Params)
			resp := struct {
				Type      string     `json:"type"`
				RequestID string     `json:"requestId"`
				Result    any        `json:"result,omitempty"`
				Error     *wireError `json:"error,omitempty"`
			}{Type: "response", RequestID: req.RequestID, Result: result, Error: wireErr}
			require.NoError(t, conn.WriteJSON(resp))
		}
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	c := &Client{
		logger:  slog.New(slog.DiscardHandler),
		conn:    conn,
		pending: make(map[string]chan inboundFrame),
		events:  make(chan Event, eventBufferSize),
		closed:  make(chan struct{}),
	}
	go c.readLoop()

	return c, func() {
		_ = conn.Close()
		srv.Close()
	}
}

func TestCallDecodesSuccessfulResult(t *testing.T) {
	c, cleanup := newTestClient(t, func(method string, params json.RawMessage) (any, *wireError) {
		require.Equal(t, "ping", method)
		return map[string]any{"pong": true}, nil
	})
	defer cleanup()

	var result struct {
		Pong bool `json:"pong"`
	}
	err := c.Call(context.Background(), "ping", nil, &result)
	require.NoError(t, err)
	require.True(t, result.Pong)
}

func TestCallReturnsRPCErrorOnErrorFrame(t *testing.T) {
	c, cleanup := newTestClient(t, func(method string, params json.RawMessage) (any, *wireError) {
		return nil, &wireError{Kind: "NotFound", Message: "document not open"}
	})
	defer cleanup()

	err := c.Call(context.Background(), "closeDocument", map[string]string{"documentId": "doc1"}, nil)
	require.Error(t, err)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, "NotFound", rpcErr.Kind)
}

func TestCallRespectsContextCancellation(t *testing.T) {
	block := make(chan struct{})
	c, cleanup := newTestClient(t, func(method string, params json.RawMessage) (any, *wireError) {
		<-block
		return map[string]any{}, nil
	})
	defer func() {
		close(block)
		cleanup()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Call(ctx, "materializeSymbol", nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
