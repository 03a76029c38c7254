package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// RPCRequest is a JSON-RPC 2.0 request. A request without an ID is a
// notification.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether req is a notification.
func (req RPCRequest) IsNotification() bool { return len(req.ID) == 0 }

// MakeResponse returns a successful response to req carrying result.
func (req RPCRequest) MakeResponse(result interface{}) RPCResponse {
	data, err := json.Marshal(result)
	if err != nil {
		return req.MakeErrorf(CodeInternalError, "encoding result: %v", err)
	}
	return RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: data}
}

// MakeErrorf returns an error response to req.
func (req RPCRequest) MakeErrorf(code int, msg string, args ...interface{}) RPCResponse {
	return RPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Error:   &RPCError{Code: code, Message: fmt.Sprintf(msg, args...)},
	}
}

// MakeError returns an error response to req for an error returned by a
// handler.
func (req RPCRequest) MakeError(err error) RPCResponse {
	return RPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Error:   &RPCError{Code: CodeServerError, Message: err.Error()},
	}
}

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d - %s", e.Code, e.Message)
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCNotification is a server-initiated message on a websocket.
type RPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// WSConn is the connection a websocket call arrived on.
type WSConn interface {
	// Notify writes a notification to the client.
	Notify(ctx context.Context, method string, params interface{}) error
	// Context is canceled when the connection closes.
	Context() context.Context
	// OnClose registers fn to run when the connection closes.
	OnClose(fn func())
}

// CallInfo describes the context of an RPC call.
type CallInfo struct {
	RPCRequest  *RPCRequest
	HTTPRequest *http.Request
	WSConn      WSConn // nil for plain HTTP calls
}

// RemoteAddr returns the remote address of the caller, if known.
func (ci *CallInfo) RemoteAddr() string {
	if ci == nil || ci.HTTPRequest == nil {
		return ""
	}
	return ci.HTTPRequest.RemoteAddr
}

type callInfoKey struct{}

// WithCallInfo returns a child of ctx carrying ci.
func WithCallInfo(ctx context.Context, ci *CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, ci)
}

// GetCallInfo returns the CallInfo of ctx, or nil.
func GetCallInfo(ctx context.Context) *CallInfo {
	ci, _ := ctx.Value(callInfoKey{}).(*CallInfo)
	return ci
}
