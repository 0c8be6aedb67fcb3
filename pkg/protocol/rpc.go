package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the only supported JSON-RPC version
const JSONRPCVersion = "2.0"

// MCP methods used between the gateway, clients and edges
const (
	MethodInitialize       = "initialize"
	MethodInitialized      = "notifications/initialized"
	MethodPing             = "ping"
	MethodToolsList        = "tools/list"
	MethodToolsCall        = "tools/call"
	MethodToolsListChanged = "notifications/tools/list_changed"
)

// MCPProtocolVersion is announced in initialize requests
const MCPProtocolVersion = "2025-03-26"

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// RPCMessage is a JSON-RPC 2.0 request, notification or response
type RPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// HasID reports whether the message carries a non-null id
func (m *RPCMessage) HasID() bool {
	id := bytes.TrimSpace(m.ID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// IsResponse reports whether the message answers an earlier request
func (m *RPCMessage) IsResponse() bool {
	return m.Method == "" && m.HasID()
}

// IsNotification reports whether the message is a request without an id
func (m *RPCMessage) IsNotification() bool {
	return m.Method != "" && !m.HasID()
}

// NewRequest builds a request; params may be nil
func NewRequest(id any, method string, params any) (*RPCMessage, error) {
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request id: %w", err)
	}
	msg := &RPCMessage{JSONRPC: JSONRPCVersion, ID: rawID, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewNotification builds a request without an id
func NewNotification(method string, params any) (*RPCMessage, error) {
	msg := &RPCMessage{JSONRPC: JSONRPCVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewResult answers the request identified by id
func NewResult(id json.RawMessage, result any) (*RPCMessage, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &RPCMessage{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}

// NewErrorResponse answers the request identified by id with an error
func NewErrorResponse(id json.RawMessage, code int, message string) *RPCMessage {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &RPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

// Tool describes one callable tool as listed by tools/list
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolsListResult is the result of tools/list
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// ToolsCallParams are the params of tools/call
type ToolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Implementation names a peer in the initialize exchange
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams are sent by the gateway to a tool host
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// InitializeResult acknowledges an initialize request
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ServerInfo      Implementation `json:"serverInfo"`
}
