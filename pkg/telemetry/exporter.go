package telemetry

import (
	"context"
	"sync/atomic"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/traceship/traceship/pkg/record"
)

// Enqueuer accepts encoded records without blocking. The upload pipeline
// satisfies it.
type Enqueuer interface {
	Enqueue(data []byte) bool
}

// SpanExporter is an OpenTelemetry span exporter that converts finished
// spans into records and hands them to an Enqueuer. It never returns an
// error for a dropped span, so the SDK never retries into a full queue.
type SpanExporter struct {
	sink    Enqueuer
	codec   *record.Codec
	service string
	logger  *Logger
	metrics *Metrics
	stopped atomic.Bool
}

// NewSpanExporter creates an exporter feeding sink.
func NewSpanExporter(sink Enqueuer, codec *record.Codec, service string, logger *Logger, metrics *Metrics) *SpanExporter {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &SpanExporter{
		sink:    sink,
		codec:   codec,
		service: service,
		logger:  logger.NewComponentLogger("span-exporter"),
		metrics: metrics,
	}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *SpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e.stopped.Load() {
		return nil
	}
	for _, span := range spans {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec := record.FromSpan(span, e.service)
		data, err := e.codec.Encode(rec)
		if err != nil {
			e.logger.WithError(err).WithRecordID(rec.ID).Warn("failed to encode span record")
			e.metrics.RecordDropped(DropReasonEncode)
			continue
		}
		// Enqueue logs and counts its own drops.
		e.sink.Enqueue(data)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter. Spans exported afterwards are ignored.
func (e *SpanExporter) Shutdown(ctx context.Context) error {
	e.stopped.Store(true)
	return nil
}
