// Package telemetry wires the gateway's observability hooks (spec.md §9,
// named "telemetry hooks"): a per-request OTel span carrying the gateway's
// own attribute convention, and Prometheus counters/histograms satisfying
// store.MetricsSink. Span creation is grounded on other_examples/
// 0282b4ac_BaSui01-agentflow's OTelTracing middleware (tracer.Start with
// trace.WithSpanKind(SpanKindServer), status-code attribute recorded on
// span end); the SDK/exporter wiring (TracerProvider, TraceIDRatioBased
// sampler) follows sylvester-francis-Watchdog's otel/sdk/trace setup.
package telemetry

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/aussiehq/gateway/internal/registry"
)

// instrumentationName identifies this module's tracer to the OTel SDK.
const instrumentationName = "github.com/aussiehq/gateway"

// Tracer starts spans for inbound requests. It does not read a route's
// effective sampling rate; whether a span is sampled is decided by the
// installed TracerProvider's sampler.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer builds a Tracer against the process-global TracerProvider
// (set by NewProvider, or the OTel no-op default if telemetry is
// unconfigured).
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(instrumentationName)}
}

// NewProvider builds a sdktrace.TracerProvider sampling at samplingRate
// (0 disables tracing; 1 traces every request) and installs it as the
// global provider. Callers own calling Shutdown on the returned provider.
func NewProvider(samplingRate float64) *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(samplingRate))),
	)
	otel.SetTracerProvider(tp)
	return tp
}

// StartRequestSpan starts a span for an inbound request matched to route,
// setting the gateway.* attribute convention spec.md §9 implies. The
// returned context carries the span; callers must call the returned
// trace.Span's End() when the request completes.
func (t *Tracer) StartRequestSpan(ctx context.Context, r *http.Request, route registry.RouteLookupResult) (context.Context, trace.Span) {
	spanName := r.Method + " " + r.URL.Path
	ctx, span := t.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("gateway.service_id", route.Service().ServiceID),
			attribute.String("gateway.route", r.URL.Path),
			attribute.String("gateway.visibility", string(route.EffectiveVisibility())),
		),
	)
	return ctx, span
}

// RecordRateLimitDecision annotates span with whether the request was
// allowed by the rate limiter (spec.md §9's gateway.rate_limit.allowed
// attribute).
func RecordRateLimitDecision(span trace.Span, allowed bool) {
	span.SetAttributes(attribute.Bool("gateway.rate_limit.allowed", allowed))
}

// RecordStatus annotates span with the final HTTP status code written to
// the client.
func RecordStatus(span trace.Span, status int) {
	span.SetAttributes(attribute.Int("http.response.status_code", status))
}
