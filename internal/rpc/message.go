// Package rpc implements the framed JSON-RPC 2.0 channel between the
// editor, the proxy, language servers, and plugin processes, together
// with the correlation table that pairs asynchronous responses with
// their callers.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version carried on every message.
const Version = "2.0"

// Request is a correlated call expecting exactly one Response.
type Request struct {
	ID     uint64
	Method string
	Params json.RawMessage
}

// Notification is a fire-and-forget message carrying no id.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Response resolves the Request with the same ID. Exactly one of Result
// or Error is set.
type Response struct {
	ID     uint64
	Result json.RawMessage
	Error  *Error
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes, plus the protocol extensions used for
// cancellation.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
)

// wireMessage is the encoded form of all three message kinds.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func marshalRequest(id uint64, method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{JSONRPC: Version, ID: &id, Method: method, Params: raw})
}

func marshalNotification(method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{JSONRPC: Version, Method: method, Params: raw})
}

func marshalResponse(id uint64, result any, respErr *Error) ([]byte, error) {
	msg := wireMessage{JSONRPC: Version, ID: &id, Error: respErr}
	if respErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		msg.Result = raw
	}
	return json.Marshal(msg)
}

func unmarshalStrict(data []byte, msg *wireMessage) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return err
	}
	if msg.JSONRPC != "" && msg.JSONRPC != Version {
		return fmt.Errorf("unsupported jsonrpc version %q", msg.JSONRPC)
	}
	return nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}
