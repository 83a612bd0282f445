package observability

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Tracer generates and propagates W3C traceparent headers. It never starts
// or exports spans itself — it only carries trace identity through to the
// upstream call so a collector, when configured, can stitch requests
// together.
type Tracer struct {
	enabled bool
}

// NewTracer constructs a Tracer. enabled only gates whether a collector
// would be wired elsewhere; traceparent propagation itself always runs so
// request correlation works even with tracing disabled.
func NewTracer(enabled bool) *Tracer {
	return &Tracer{enabled: enabled}
}

// Enabled reports whether an exporter should be wired for this process.
func (t *Tracer) Enabled() bool { return t.enabled }

// TraceParent returns the inbound traceparent header unchanged when it
// parses as a valid W3C header, or generates a fresh sampled one.
func (t *Tracer) TraceParent(r *http.Request) string {
	if tp := r.Header.Get("traceparent"); tp != "" {
		if sc := parseTraceParent(tp); sc.IsValid() {
			return tp
		}
	}
	return t.generate()
}

func (t *Tracer) generate() string {
	var traceID trace.TraceID
	var spanID trace.SpanID
	_, _ = rand.Read(traceID[:])
	_, _ = rand.Read(spanID[:])
	return fmt.Sprintf("00-%s-%s-01", traceID, spanID)
}

// parseTraceParent parses a W3C traceparent header into a SpanContext,
// returning an invalid (zero) SpanContext on any malformed input.
func parseTraceParent(header string) trace.SpanContext {
	parts := strings.Split(header, "-")
	if len(parts) != 4 || parts[0] != "00" {
		return trace.SpanContext{}
	}
	traceIDHex, spanIDHex, flagsHex := parts[1], parts[2], parts[3]

	traceID, err := trace.TraceIDFromHex(traceIDHex)
	if err != nil {
		return trace.SpanContext{}
	}
	spanID, err := trace.SpanIDFromHex(spanIDHex)
	if err != nil {
		return trace.SpanContext{}
	}

	var flags trace.TraceFlags
	if flagsHex == "01" {
		flags = trace.FlagsSampled
	}

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
	})
}
