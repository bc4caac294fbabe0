// Package mcp provides the MCP client used to drive a remote browser runner.
//
// Callers connect to the runner's streamable HTTP endpoint (JSON-RPC or SSE)
// and invoke browser tools through the unified Caller interface. The
// LazyCaller variant defers the controller round trip and the MCP handshake
// until the first tool listing, which is what lets the serving tier hand an
// agent a "browser" long before any pod exists.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotConnected is returned by LazyCaller.CallTool when no successful
// connect has happened yet. Tool invocation never triggers provisioning on
// its own; only a tool listing does.
var ErrNotConnected = errors.New("browser MCP endpoint not connected")

// Caller invokes MCP tools on a browser runner. It is implemented by the
// transport-specific clients and by LazyCaller.
type Caller interface {
	// ListTools returns the tools the runner exposes.
	ListTools(ctx context.Context) ([]Tool, error)
	// CallTool invokes a single tool with JSON-encoded arguments.
	CallTool(ctx context.Context, req CallRequest) (CallResponse, error)
}

// Tool describes one remote browser capability.
type Tool struct {
	// Name is the MCP-local tool identifier.
	Name string `json:"name"`
	// Description is the human-readable tool summary.
	Description string `json:"description,omitempty"`
	// InputSchema is the JSON schema of the tool arguments.
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// CallRequest describes a tool invocation.
type CallRequest struct {
	// Tool is the MCP-local tool identifier.
	Tool string
	// Payload is the JSON-encoded tool arguments.
	Payload json.RawMessage
}

// CallResponse captures the tool result returned by the runner.
type CallResponse struct {
	// Result is the JSON payload returned by the tool.
	Result json.RawMessage
	// Structured carries optional structured content emitted alongside.
	Structured json.RawMessage
}

// Error represents a JSON-RPC error returned by the runner.
type Error struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}
