package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
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

	"github.com/pitabwire/watchtower/internal/config"
	"github.com/pitabwire/watchtower/model"
)

const tracerName = "github.com/pitabwire/watchtower"

// Span attribute keys.
var (
	AttrAction     = attribute.Key("console.action")
	AttrHandler    = attribute.Key("console.handler")
	AttrPhase      = attribute.Key("console.phase")
	AttrState      = attribute.Key("console.state")
	AttrSubjectID  = attribute.Key("console.subject_id")
	AttrUserType   = attribute.Key("console.user_type")
	AttrEntityKind = attribute.Key("console.entity_kind")
	AttrOperation  = attribute.Key("console.backend_operation")
	AttrDriver     = attribute.Key("console.backend_driver")
	AttrErrorCode  = attribute.Key("console.error_code")
)

// defaultSamplingRate applies when the configured rate is unset.
const defaultSamplingRate = 0.1

// InitTracing installs the global tracer provider and W3C propagators. The
// returned function flushes pending spans; it is a no-op when tracing is off.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
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
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
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
	case "", "otlp":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return nil, fmt.Errorf("unsupported exporter %q", cfg.Exporter)
}

// newSampler honours the caller's sampling decision and samples new traces
// at the configured rate, clamped to (0, 1].
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch rate := cfg.SamplingRate; {
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(defaultSamplingRate))
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Tracer returns the console tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartPhaseSpan starts the span for one pipeline phase of a handler run.
func StartPhaseSpan(ctx context.Context, handler, phase string) (context.Context, trace.Span) {
	return StartSpan(ctx, "pipeline."+phase,
		AttrHandler.String(handler),
		AttrPhase.String(phase),
	)
}

// StartBackendSpan starts a client span for a monitoring backend call.
func StartBackendSpan(ctx context.Context, driver, op, kind string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "backend."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrDriver.String(driver),
			AttrOperation.String(op),
			AttrEntityKind.String(kind),
		),
	)
}

// EndSpanWithError records err on the span and ends it. Console error
// envelopes also tag the span with their code.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		var ee *model.ErrorEnvelope
		if errors.As(err, &ee) {
			span.SetAttributes(AttrErrorCode.String(ee.Code))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the active trace id, or "".
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TracingMiddleware opens the server span for a request, continuing any
// inbound traceparent. Once routing has run the span is renamed to the chi
// route pattern and tagged with the console action.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prop := otel.GetTextMapPropagator()
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))
		rec := NewStatusRecorder(w)
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)

		if rc := chi.RouteContext(r.Context()); rc != nil && len(rc.RoutePatterns) > 0 {
			route := routePattern(r)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(semconv.HTTPRoute(route))
			if action := rc.URLParam("action"); action != "" {
				span.SetAttributes(AttrAction.String(action))
			}
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

// InjectTraceHeaders propagates the current trace to an outbound request.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
