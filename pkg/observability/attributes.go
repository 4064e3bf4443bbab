package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for artifact storage.
var (
	AttrOperation = attribute.Key("harbor.operation")
	AttrBackend   = attribute.Key("harbor.storage.backend")
	AttrPackage   = attribute.Key("harbor.package.name")
	AttrVersion   = attribute.Key("harbor.package.version")
	AttrDigest    = attribute.Key("harbor.package.digest")
	AttrSize      = attribute.Key("harbor.package.size")
	AttrDirection = attribute.Key("harbor.transfer.direction")
)

// StoreOperation creates the low-cardinality attributes used on metrics.
func StoreOperation(operation, backend string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String(operation),
		AttrBackend.String(backend),
	}
}

// PackageAttributes describes one artifact. Span-only: digests are unbounded.
func PackageAttributes(name, version, digest string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPackage.String(name),
		AttrVersion.String(version),
		AttrDigest.String(digest),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
