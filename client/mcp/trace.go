package mcp

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Trace context crosses the broker boundary twice: as standard propagation
// headers on the HTTP request, and duplicated into the request's _meta block
// so MCP servers that never see transport headers can still join the trace.

// injectTraceHeaders writes the active span context into the outgoing
// request headers using the globally registered propagator.
func injectTraceHeaders(ctx context.Context, header http.Header) {
	if ctx == nil || header == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

// addTraceMeta mirrors the span context into params["_meta"]. Params without
// an active trace are left untouched.
func addTraceMeta(ctx context.Context, params map[string]any) {
	if ctx == nil || params == nil {
		return
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return
	}
	meta := make(map[string]string, len(carrier))
	for key, value := range carrier {
		meta[key] = value
	}
	params["_meta"] = meta
}
