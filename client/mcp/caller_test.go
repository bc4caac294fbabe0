package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func init() {
	otel.SetTextMapPropagator(propagation.TraceContext{})
}

func TestHTTPCallerCallTool(t *testing.T) {
	t.Parallel()
	var traceHeader string
	var metaTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		switch req.Method {
		case "initialize":
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"capabilities":{}}`)}
			_ = json.NewEncoder(w).Encode(resp)
		case "tools/call":
			traceHeader = r.Header.Get("Traceparent")
			if params, ok := req.Params.(map[string]any); ok {
				if meta, ok := params["_meta"].(map[string]any); ok {
					if tp, ok := meta["traceparent"].(string); ok {
						metaTrace = tp
					}
				}
			}
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID,
				Result: json.RawMessage(`{"content":[{"type":"text","text":"{\"ok\":true}","mimeType":"application/json"}],"isError":false}`)}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	ctx, expectedTrace := contextWithTrace()
	caller, err := NewHTTPCaller(ctx, HTTPOptions{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("new caller: %v", err)
	}
	resp, err := caller.CallTool(ctx, CallRequest{Tool: "browser_navigate", Payload: json.RawMessage(`{"url":"https://example.com"}`)})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if got := string(resp.Result); got != "{\"ok\":true}" {
		t.Fatalf("unexpected result: %s", got)
	}
	if traceHeader != expectedTrace {
		t.Fatalf("expected header %s got %s", expectedTrace, traceHeader)
	}
	if metaTrace != expectedTrace {
		t.Fatalf("expected meta trace %s got %s", expectedTrace, metaTrace)
	}
}

func TestHTTPCallerListTools(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		switch req.Method {
		case "initialize":
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"capabilities":{}}`)}
			_ = json.NewEncoder(w).Encode(resp)
		case "tools/list":
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID,
				Result: json.RawMessage(`{"tools":[{"name":"browser_navigate","description":"Navigate to a URL"},{"name":"browser_click"}]}`)}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	caller, err := NewHTTPCaller(ctx, HTTPOptions{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("new caller: %v", err)
	}
	tools, err := caller.ListTools(ctx)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	if tools[0].Name != "browser_navigate" || tools[1].Name != "browser_click" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

func TestSSECallerCallTool(t *testing.T) {
	t.Parallel()
	var traceHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		switch req.Method {
		case "initialize":
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"capabilities":{}}`)}
			_ = json.NewEncoder(w).Encode(resp)
		case "tools/call":
			traceHeader = r.Header.Get("Traceparent")
			w.Header().Set("Content-Type", "text/event-stream")
			flusher, _ := w.(http.Flusher)
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID,
				Result: json.RawMessage(`{"content":[{"type":"text","text":"{\"ok\":true}","mimeType":"application/json"}],"isError":false}`)}
			data, _ := json.Marshal(resp)
			fmt.Fprintf(w, "event: notification\n")
			fmt.Fprintf(w, "data: {\"method\":\"progress\"}\n\n")
			fmt.Fprintf(w, "event: response\n")
			fmt.Fprintf(w, "data: %s\n\n", bytes.TrimSpace(data))
			flusher.Flush()
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	ctx, expectedTrace := contextWithTrace()
	caller, err := NewSSECaller(ctx, HTTPOptions{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("new caller: %v", err)
	}
	resp, err := caller.CallTool(ctx, CallRequest{Tool: "browser_snapshot", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if string(resp.Result) != "{\"ok\":true}" {
		t.Fatalf("unexpected result: %s", resp.Result)
	}
	if traceHeader != expectedTrace {
		t.Fatalf("expected header %s got %s", expectedTrace, traceHeader)
	}
}

func TestSSECallerPlainJSONFallback(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		switch req.Method {
		case "initialize":
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"capabilities":{}}`)}
			_ = json.NewEncoder(w).Encode(resp)
		case "tools/list":
			// Plain JSON without an event-stream content type.
			w.Header().Set("Content-Type", "application/json")
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID,
				Result: json.RawMessage(`{"tools":[{"name":"browser_navigate"}]}`)}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	caller, err := NewSSECaller(ctx, HTTPOptions{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("new caller: %v", err)
	}
	tools, err := caller.ListTools(ctx)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "browser_navigate" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

func TestSSECallerErrorEvent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		switch req.Method {
		case "initialize":
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"capabilities":{}}`)}
			_ = json.NewEncoder(w).Encode(resp)
		case "tools/call":
			w.Header().Set("Content-Type", "text/event-stream")
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32000, Message: "page crashed"}}
			data, _ := json.Marshal(resp)
			fmt.Fprintf(w, "event: error\n")
			fmt.Fprintf(w, "data: %s\n\n", bytes.TrimSpace(data))
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	caller, err := NewSSECaller(ctx, HTTPOptions{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("new caller: %v", err)
	}
	_, err = caller.CallTool(ctx, CallRequest{Tool: "browser_click", Payload: json.RawMessage(`{}`)})
	if err == nil {
		t.Fatal("expected error from error event")
	}
	var mcpErr *Error
	if !errors.As(err, &mcpErr) || mcpErr.Code != -32000 {
		t.Fatalf("expected mcp error -32000, got %v", err)
	}
}

func TestNewHTTPCallerRequiresEndpoint(t *testing.T) {
	t.Parallel()
	if _, err := NewHTTPCaller(context.Background(), HTTPOptions{}); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}

func contextWithTrace() (context.Context, string) {
	traceID := trace.TraceID{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0x00}
	spanID := trace.SpanID{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80}
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)
	expected := fmt.Sprintf("00-%s-%s-01", traceID.String(), spanID.String())
	return ctx, expected
}
