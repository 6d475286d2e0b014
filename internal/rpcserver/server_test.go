package rpcserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/gdxviewer/query-server/internal/apierr"
	"github.com/gdxviewer/query-server/internal/materialize"
)

type fakeHandler struct {
	resultFor func(method string, params json.RawMessage) (any, error)
}

func (h *fakeHandler) Enqueue(ctx context.Context, method string, rawParams json.RawMessage) func() (any, error) {
	return func() (any, error) { return h.resultFor(method, rawParams) }
}

func newTestClient(t *testing.T, s *Server) (*httptest.Server, *websocket.Conn) {
	t.Helper()
	httpSrv := httptest.NewServer(s.Router())
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		httpSrv.Close()
	})
	return httpSrv, conn
}

func TestServerRoundTripsPing(t *testing.T) {
	h := &fakeHandler{resultFor: func(method string, params json.RawMessage) (any, error) {
		require.Equal(t, "ping", method)
		return PingLikeResult{Pong: true}, nil
	}}
	s := New(h, nil)
	_, conn := newTestClient(t, s)

	require.NoError(t, conn.WriteJSON(requestFrame{Type: FrameRequest, RequestID: "1", Method: "ping"}))

	var resp responseFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&resp))

	require.Equal(t, FrameResponse, resp.Type)
	require.Equal(t, "1", resp.RequestID)
	require.Nil(t, resp.Error)
}

func TestServerReturnsWireErrorOnFailure(t *testing.T) {
	h := &fakeHandler{resultFor: func(method string, params json.RawMessage) (any, error) {
		return nil, apierr.New(apierr.NotFound, "document is not open")
	}}
	s := New(h, nil)
	_, conn := newTestClient(t, s)

	require.NoError(t, conn.WriteJSON(requestFrame{Type: FrameRequest, RequestID: "2", Method: "closeDocument"}))

	var resp responseFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&resp))

	require.NotNil(t, resp.Error)
	require.Equal(t, string(apierr.NotFound), resp.Error.Kind)
	require.Equal(t, "document is not open", resp.Error.Message)
}

func TestServerEmitsMaterializationEventToBoundConnection(t *testing.T) {
	h := &fakeHandler{resultFor: func(method string, params json.RawMessage) (any, error) {
		return PingLikeResult{Pong: true}, nil
	}}
	s := New(h, nil)
	_, conn := newTestClient(t, s)

	// Any request naming a documentId binds this connection to it.
	require.NoError(t, conn.WriteJSON(requestFrame{
		Type: FrameRequest, RequestID: "1", Method: "openDocument",
		Params: []byte(`{"documentId":"doc1","source":"/tmp/x.gdx"}`),
	}))
	var resp responseFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&resp))

	total := int64(5)
	s.Emit(materialize.Event{
		Kind: materialize.EventComplete, DocumentID: "doc1", SymbolName: "demand",
		TableName: "doc1__demand", Columns: []string{"dim_1", "value"}, TotalRowCount: total,
	})

	var event eventFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&event))
	require.Equal(t, FrameEvent, event.Type)
	require.Equal(t, string(materialize.EventComplete), event.Event)
}

func TestServerEmitsCancelledFlagOnCancellation(t *testing.T) {
	h := &fakeHandler{resultFor: func(method string, params json.RawMessage) (any, error) {
		return PingLikeResult{Pong: true}, nil
	}}
	s := New(h, nil)
	_, conn := newTestClient(t, s)

	require.NoError(t, conn.WriteJSON(requestFrame{
		Type: FrameRequest, RequestID: "1", Method: "openDocument",
		Params: []byte(`{"documentId":"doc1","source":"/tmp/x.gdx"}`),
	}))
	var resp responseFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&resp))

	s.Emit(materialize.Event{
		Kind: materialize.EventError, DocumentID: "doc1", SymbolName: "demand",
		TableName: "doc1__demand", Err: apierr.New(apierr.Cancelled, "materialization was cancelled"),
	})

	var event eventFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&event))
	require.Equal(t, string(materialize.EventError), event.Event)
	data, ok := event.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, data["cancelled"])

	s.Emit(materialize.Event{
		Kind: materialize.EventError, DocumentID: "doc1", SymbolName: "demand",
		TableName: "doc1__demand", Err: apierr.New(apierr.TransientEngine, "driver error"),
	})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&event))
	data, ok = event.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, false, data["cancelled"])
}

func TestServerEmitIsNoOpForUnboundDocument(t *testing.T) {
	h := &fakeHandler{resultFor: func(method string, params json.RawMessage) (any, error) {
		return nil, nil
	}}
	s := New(h, nil)
	// No connection has ever referenced "missing"; Emit must not panic or block.
	s.Emit(materialize.Event{Kind: materialize.EventProgress, DocumentID: "missing"})
}

// PingLikeResult mirrors dispatch.PingResult's shape without importing
// the dispatch package, keeping this package's tests independent of it.
type PingLikeResult struct {
	Pong bool `json:"pong"`
}
