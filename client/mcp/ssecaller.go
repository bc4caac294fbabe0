package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SSECaller implements Caller using HTTP SSE streams, matching the
// streamable transport @playwright/mcp serves.
type SSECaller struct{ transport *httpTransport }

// Compile-time check that SSECaller implements Caller.
var _ Caller = (*SSECaller)(nil)

// NewSSECaller creates an SSE-based Caller and performs the MCP initialize
// handshake against the runner.
func NewSSECaller(ctx context.Context, opts HTTPOptions) (*SSECaller, error) {
	transport, err := newHTTPTransport(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &SSECaller{transport: transport}, nil
}

// ListTools fetches the runner's tool catalog over SSE.
func (c *SSECaller) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.stream(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes tools/call via SSE and normalizes the final response.
func (c *SSECaller) CallTool(ctx context.Context, req CallRequest) (CallResponse, error) {
	params := map[string]any{
		"name":      req.Tool,
		"arguments": req.Payload,
	}
	addTraceMeta(ctx, params)
	raw, err := c.stream(ctx, "tools/call", params)
	if err != nil {
		return CallResponse{}, err
	}
	return decodeToolCallResult(raw)
}

// stream posts one JSON-RPC request and reads SSE events until the final
// response arrives. Notification events are skipped.
func (c *SSECaller) stream(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	rpcReq := rpcRequest{JSONRPC: "2.0", Method: method, ID: c.transport.nextID(), Params: params}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.transport.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	injectTraceHeaders(ctx, httpReq.Header)
	resp, err := c.transport.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("mcp rpc status %d: %s", resp.StatusCode, string(raw))
	}
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		// The runner may answer a simple request with plain JSON.
		var rpcResp rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return nil, err
		}
		if rpcResp.Error != nil {
			return nil, rpcResp.Error.callerError()
		}
		return rpcResp.Result, nil
	}
	reader := bufio.NewReader(resp.Body)
	for {
		event, data, err := readSSEEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("sse stream closed before response")
			}
			return nil, err
		}
		switch event {
		case "response":
			var rpcResp rpcResponse
			if err := json.Unmarshal(data, &rpcResp); err != nil {
				return nil, err
			}
			if rpcResp.Error != nil {
				return nil, rpcResp.Error.callerError()
			}
			return rpcResp.Result, nil
		case "error":
			var rpcResp rpcResponse
			if err := json.Unmarshal(data, &rpcResp); err != nil {
				return nil, fmt.Errorf("mcp error event: %w", err)
			}
			if rpcResp.Error != nil {
				return nil, rpcResp.Error.callerError()
			}
			return nil, errors.New("mcp error event")
		case "", "notification":
			continue
		case "close":
			return nil, errors.New("sse stream closed without response")
		default:
			continue
		}
	}
}

func readSSEEvent(reader *bufio.Reader) (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			chunk := after
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
			continue
		}
	}
}
