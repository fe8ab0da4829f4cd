// Package tracing installs the process-wide OpenTelemetry tracer provider.
// Finished spans are written to the service log; there is no collector.
package tracing

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	ModeOff = "off"
	ModeLog = "log"

	serviceName = "taskboard-api"
)

// Shutdown flushes pending spans.
type Shutdown func(ctx context.Context) error

// Setup installs a provider for mode. With ModeOff (or anything unknown) the
// global no-op provider stays in place and the returned Shutdown does nothing.
func Setup(mode string, ratio float64, logger *log.Logger) Shutdown {
	if !strings.EqualFold(strings.TrimSpace(mode), ModeLog) {
		return func(context.Context) error { return nil }
	}
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&logExporter{logger: logger}),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)
	otel.SetTracerProvider(tp)
	logger.WithFields(log.Fields{"mode": ModeLog, "ratio": ratio}).Info("tracing enabled")
	return tp.Shutdown
}

// logExporter writes one debug line per finished span.
type logExporter struct {
	logger *log.Logger
}

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		fields := log.Fields{
			"span":        span.Name(),
			"trace_id":    span.SpanContext().TraceID().String(),
			"span_id":     span.SpanContext().SpanID().String(),
			"duration_ms": span.EndTime().Sub(span.StartTime()).Milliseconds(),
			"status":      span.Status().Code.String(),
		}
		for _, kv := range span.Attributes() {
			fields[string(kv.Key)] = kv.Value.Emit()
		}
		e.logger.WithFields(fields).Debug("span")
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error {
	return nil
}
