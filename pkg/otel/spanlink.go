// pkg/otel/spanlink.go
// Helper for an optional, purely-cosmetic trace breadcrumb that the relay's
// port-ingress classifier can attach to a ConnectionRecord for log
// correlation. The breadcrumb is never parsed by the tunneling core beyond
// this one extraction step: the extracted ids are opaque strings carried
// only for zap fields, never branched on.
//
// The classifier already buffers the external connection's first bytes to
// decide HTTP vs WebSocket vs raw TCP; ExtractBreadcrumb reuses that same
// buffer to opportunistically read a W3C traceparent header if one is
// present, without doing a second read. Decoding the header itself is left
// to go.opentelemetry.io/otel/propagation rather than hand-rolled parsing,
// so a malformed context is rejected the same way a real collector would
// reject it; a well-formed but unsampled context still yields a breadcrumb.
package otel

import (
	"bufio"
	"bytes"
	"context"
	"net/http"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Breadcrumb is the (trace id, span id) pair lifted from an inbound
// traceparent header, if any.
type Breadcrumb struct {
	TraceID string
	SpanID  string
}

// headerCarrier adapts http.Header to propagation.TextMapCarrier.
type headerCarrier http.Header

func (h headerCarrier) Get(key string) string { return http.Header(h).Get(key) }
func (h headerCarrier) Set(key, val string)   { http.Header(h).Set(key, val) }
func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// ExtractBreadcrumb looks for a "traceparent" header in buf, which is
// expected to hold the first KiB of bytes already read off an
// HTTP-classified connection. It never errors: an absent or malformed
// header just yields a zero Breadcrumb, since this is cosmetic.
func ExtractBreadcrumb(buf []byte) Breadcrumb {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil || req == nil {
		return Breadcrumb{}
	}

	ctx := propagator.Extract(context.Background(), headerCarrier(req.Header))
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return Breadcrumb{}
	}
	return Breadcrumb{TraceID: sc.TraceID().String(), SpanID: sc.SpanID().String()}
}
