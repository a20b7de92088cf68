// Package tracing provides OpenTelemetry distributed tracing for the
// explanation pipeline. Each explanation gets an "explain" span with one
// child per stage (resolve, attribute, synthesize), all tagged with the
// event id so a slow or failing stage can be found from the event alone.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kubilitics/kubilitics-explain/internal/models"
)

const instrumentationName = "github.com/kubilitics/kubilitics-explain/pipeline"

// Stage names a pipeline step traced as its own span.
type Stage string

const (
	StageExplain    Stage = "explain"
	StageResolve    Stage = "resolve"
	StageAttribute  Stage = "attribute"
	StageSynthesize Stage = "synthesize"
)

// Span attribute keys.
const (
	EventIDKey     = attribute.Key("explain.event_id")
	SourceKey      = attribute.Key("explain.source")
	FingerprintKey = attribute.Key("explain.fingerprint")
	ErrorKindKey   = attribute.Key("explain.error_kind")
)

var pipelineTracer trace.Tracer = noop.NewTracerProvider().Tracer(instrumentationName)

// Init installs an OTLP exporter for the pipeline spans and returns its
// shutdown function. An empty endpoint leaves tracing as a no-op.
func Init(serviceName, endpoint string, samplingRate float64) (func(), error) {
	if endpoint == "" {
		return func() {}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}
	exp, err := newExporter(endpoint)
	if err != nil {
		return nil, fmt.Errorf("tracing exporter %s: %w", endpoint, err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(samplerFor(samplingRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	pipelineTracer = provider.Tracer(instrumentationName)

	return func() { _ = provider.Shutdown(context.Background()) }, nil
}

// StartStage opens the span for one stage of explaining eventID.
func StartStage(ctx context.Context, stage Stage, eventID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, EventIDKey.String(eventID))
	return pipelineTracer.Start(ctx, "explain."+string(stage), trace.WithAttributes(attrs...))
}

// EndStage ends span. A failed stage is marked with the error and its kind.
func EndStage(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(ErrorKindKey.String(string(models.KindOf(err))))
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func newExporter(endpoint string) (sdktrace.SpanExporter, error) {
	if isGRPC(endpoint) {
		return otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	}
	return otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// isGRPC reports whether the OTLP exporter should use gRPC. The protocol
// env vars win; otherwise the conventional gRPC port 4317 selects gRPC.
func isGRPC(endpoint string) bool {
	for _, key := range []string{"OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "OTEL_EXPORTER_OTLP_PROTOCOL"} {
		if v := os.Getenv(key); v != "" {
			return v == "grpc"
		}
	}
	return strings.HasSuffix(endpoint, ":4317")
}
