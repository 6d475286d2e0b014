// Package rpcserver exposes the Request Dispatcher over a loopback
// WebSocket connection using small JSON frames, the same "read a
// message, dispatch it, write a message back" shape the LSP server
// uses over stdio.
package rpcserver

import "encoding/json"

// FrameType discriminates the three message shapes ever sent over the
// connection.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
)

// requestFrame is a client-to-server call.
type requestFrame struct {
	Type      FrameType       `json:"type"`
	RequestID string          `json:"requestId"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// responseFrame is the server's reply to one requestFrame.
type responseFrame struct {
	Type      FrameType   `json:"type"`
	RequestID string      `json:"requestId"`
	Result    any         `json:"result,omitempty"`
	Error     *wireError  `json:"error,omitempty"`
}

// eventFrame is an unsolicited server-to-client push, e.g. materialization progress.
type eventFrame struct {
	Type  FrameType `json:"type"`
	Event string    `json:"event"`
	Data  any       `json:"data"`
}

// wireError is the sanitized shape of a failed request: no Go error
// chain crosses the wire, only a kind and a message.
type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// documentIDParams extracts the documentId field common to every
// request that should bind its connection for later event delivery.
// Methods without a documentId (ping) simply produce a zero value.
type documentIDParams struct {
	DocumentID string `json:"documentId"`
}
