package observability

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// tracerName scopes every LeafSync span to this module.
const tracerName = "github.com/gks2022004/leafsync"

// InitTracing installs a Jaeger-exporting tracer provider when
// OTEL_EXPORTER_JAEGER_ENDPOINT is set (e.g.
// http://localhost:14268/api/traces); otherwise it installs nothing and
// returns a no-op shutdown. Batch processor tuning follows the standard
// OTEL_BSP_* environment variables.
func InitTracing(ctx context.Context, serviceName, serviceVersion string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_JAEGER_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartSessionSpan opens the root span for one sync session. File transfer
// spans nest under it, mirroring the session/file hierarchy the status
// observer reports.
func StartSessionSpan(ctx context.Context, sessionID, peer, folder string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "sync_session", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("peer.addr", peer),
		attribute.String("sync.folder", folder),
	))
}

// StartFileSpan opens a span for one file transfer under the session span.
func StartFileSpan(ctx context.Context, relPath string, size uint64) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "file_transfer", trace.WithAttributes(
		attribute.String("file.rel_path", relPath),
		attribute.Int64("file.size", int64(size)),
	))
}

// EndSpan records the outcome on span and ends it. A non-nil err marks the
// span failed with the error attached.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
