// Package record defines the telemetry record shipped through the pipeline
// and the codec that turns it into the opaque bytes the queue carries.
//
// The pipeline itself never looks inside an encoded record. Producers build
// a Record, encode it with a Codec and hand the bytes to the pipeline; the
// consumer on the far side of the broker decodes them with the same Codec
// settings.
package record

import (
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Kind identifies what produced a record.
type Kind string

const (
	// KindRequest is a record describing one completed HTTP request.
	KindRequest Kind = "request"

	// KindSpan is a record converted from an OpenTelemetry span.
	KindSpan Kind = "span"
)

// Record is one request's trace/metric data.
type Record struct {
	ID            string         `json:"id" msgpack:"id"`
	Kind          Kind           `json:"kind" msgpack:"kind"`
	Service       string         `json:"service" msgpack:"service"`
	TraceID       string         `json:"trace_id,omitempty" msgpack:"trace_id,omitempty"`
	SpanID        string         `json:"span_id,omitempty" msgpack:"span_id,omitempty"`
	ParentSpanID  string         `json:"parent_span_id,omitempty" msgpack:"parent_span_id,omitempty"`
	Name          string         `json:"name" msgpack:"name"`
	Method        string         `json:"method,omitempty" msgpack:"method,omitempty"`
	Path          string         `json:"path,omitempty" msgpack:"path,omitempty"`
	StatusCode    int            `json:"status_code" msgpack:"status_code"`
	StatusMessage string         `json:"status_message,omitempty" msgpack:"status_message,omitempty"`
	StartTime     int64          `json:"start_time" msgpack:"start_time"` // unix milliseconds
	DurationMS    float64        `json:"duration_ms" msgpack:"duration_ms"`
	Attributes    map[string]any `json:"attributes,omitempty" msgpack:"attributes,omitempty"`
}

// New returns a record of the given kind with a fresh ID and StartTime set to now.
func New(kind Kind, service, name string) *Record {
	return &Record{
		ID:        uuid.New().String(),
		Kind:      kind,
		Service:   service,
		Name:      name,
		StartTime: time.Now().UnixMilli(),
	}
}

// SetAttribute sets a single attribute, allocating the map if needed.
func (r *Record) SetAttribute(key string, value any) {
	if r.Attributes == nil {
		r.Attributes = make(map[string]any)
	}
	r.Attributes[key] = value
}

// FromSpan converts a finished OpenTelemetry span into a record.
func FromSpan(span sdktrace.ReadOnlySpan, service string) *Record {
	sc := span.SpanContext()
	rec := &Record{
		ID:         uuid.New().String(),
		Kind:       KindSpan,
		Service:    service,
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		Name:       span.Name(),
		StartTime:  span.StartTime().UnixMilli(),
		DurationMS: float64(span.EndTime().Sub(span.StartTime()).Microseconds()) / 1000.0,
	}

	if parent := span.Parent(); parent.IsValid() {
		rec.ParentSpanID = parent.SpanID().String()
	}

	status := span.Status()
	if status.Code == codes.Error {
		rec.StatusCode = 1
		rec.StatusMessage = status.Description
	}

	for _, kv := range span.Attributes() {
		rec.SetAttribute(string(kv.Key), attributeValue(kv.Value))
	}
	if len(span.Events()) > 0 {
		events := make([]map[string]any, 0, len(span.Events()))
		for _, ev := range span.Events() {
			entry := map[string]any{
				"name": ev.Name,
				"time": ev.Time.UnixMilli(),
			}
			for _, kv := range ev.Attributes {
				entry[string(kv.Key)] = attributeValue(kv.Value)
			}
			events = append(events, entry)
		}
		rec.SetAttribute("events", events)
	}

	return rec
}

func attributeValue(v attribute.Value) any {
	switch v.Type() {
	case attribute.BOOL:
		return v.AsBool()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.STRING:
		return v.AsString()
	case attribute.BOOLSLICE:
		return v.AsBoolSlice()
	case attribute.INT64SLICE:
		return v.AsInt64Slice()
	case attribute.FLOAT64SLICE:
		return v.AsFloat64Slice()
	case attribute.STRINGSLICE:
		return v.AsStringSlice()
	default:
		return v.Emit()
	}
}
