package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/model"
)

const tracerName = "github.com/pitabwire/tabula"

// Span attribute keys.
var (
	AttrTableID    = attribute.Key("tabula.table_id")
	AttrActionName = attribute.Key("tabula.action")
	AttrActionKind = attribute.Key("tabula.action_kind")
	AttrRecordKey  = attribute.Key("tabula.record_key")
	AttrRecords    = attribute.Key("tabula.record_count")
	AttrTenantID   = attribute.Key("tabula.tenant_id")
	AttrSubjectID  = attribute.Key("tabula.subject_id")
)

// InitTracing installs a global TracerProvider exporting to the configured
// backend. The returned function flushes and stops it; when tracing is
// disabled it does nothing.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SamplingRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New()
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}
	return nil, fmt.Errorf("unsupported exporter %q (supported: otlp, stdout)", cfg.Exporter)
}

// newSampler honours the caller's sampling decision and samples rate of new
// traces. A non-positive rate selects 10%.
func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		rate = 0.1
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// StartSpan starts a span on the tabula tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// serverFaults are the envelope codes that mark a span as failed. Other
// envelopes are client outcomes.
var serverFaults = map[string]bool{
	model.ErrInternalError:    true,
	model.ErrConfiguration:    true,
	model.ErrStoreUnavailable: true,
}

// EndSpanWithError records err, if any, on span and ends it.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		if ee, ok := model.AsEnvelope(err); !ok || serverFaults[ee.Code] {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

// PrincipalAttributes describes who a span acts for.
func PrincipalAttributes(rctx *model.RequestContext) []attribute.KeyValue {
	if rctx == nil {
		return nil
	}
	return []attribute.KeyValue{
		AttrSubjectID.String(rctx.SubjectID),
		AttrTenantID.String(rctx.TenantID),
	}
}

// TraceIDFromContext returns the active trace id, or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TracingMiddleware starts a server span per request, continuing a W3C
// traceparent when present. Once routing is done the span is renamed to the
// matched route pattern so names stay bounded by the route table.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := otel.Tracer(tracerName).Start(ctx, r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()
		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(sw, r)

		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			semconv.HTTPRoute(route),
			semconv.HTTPResponseStatusCode(sw.status),
		)
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}
