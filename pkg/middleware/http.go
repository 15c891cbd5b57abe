// Package middleware provides producer adapters that turn inbound traffic into
// telemetry records for the upload pipeline.
package middleware

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/traceship/traceship/pkg/record"
	"github.com/traceship/traceship/pkg/telemetry"
)

// Producer accepts encoded records without blocking.
type Producer interface {
	Enqueue(data []byte) bool
}

// Config controls which requests are recorded.
type Config struct {
	// Enabled turns request recording on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// SampleRate is the fraction of eligible requests recorded (0.0 to 1.0).
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate" validate:"gte=0,lte=1"`

	// IncludePaths are path prefixes to record. Empty records every path.
	IncludePaths []string `yaml:"include_paths" json:"include_paths,omitempty"`

	// ExcludePaths are path prefixes never recorded, checked before IncludePaths.
	ExcludePaths []string `yaml:"exclude_paths" json:"exclude_paths,omitempty"`
}

// DefaultConfig records every request except the service's own endpoints.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		SampleRate:   1.0,
		IncludePaths: []string{"/"},
		ExcludePaths: []string{"/metrics", "/healthz"},
	}
}

// Options wires the middleware to the rest of the process.
type Options struct {
	Config

	// Service is stamped on every record.
	Service string

	// Codec encodes records. Required.
	Codec *record.Codec

	// Producer receives encoded records. Required.
	Producer Producer

	// Tracer, when set, starts a server span per recorded request.
	Tracer *telemetry.Tracer

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics

	// Sample returns a number in [0, 1). Defaults to math/rand.
	Sample func() float64
}

// HTTP wraps next so that every recorded request produces one request record
// after the handler returns. The response is never altered, and a full queue
// never delays it.
func HTTP(next http.Handler, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	if opts.Sample == nil {
		opts.Sample = rand.Float64
	}
	logger := opts.Logger.NewComponentLogger("http-middleware")

	if !opts.Enabled || opts.Codec == nil || opts.Producer == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skip(r, opts) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ctx := r.Context()
		var span trace.Span
		if opts.Tracer != nil {
			ctx, span = opts.Tracer.StartRequestSpan(ctx, r.Method, r.URL.Path)
			r = r.WithContext(ctx)
		}

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			p := recover()
			if p != nil {
				rw.status = http.StatusInternalServerError
				rw.panicked = fmt.Sprint(p)
			}

			rec := buildRecord(r, rw, span, opts.Service, start)
			if span != nil {
				span.SetAttributes(telemetry.AttrHTTPStatusCode.Int(rw.status))
				if rw.status >= http.StatusInternalServerError {
					telemetry.RecordError(span, fmt.Errorf("%s", rec.StatusMessage))
				} else {
					telemetry.RecordSuccess(span)
				}
				span.End()
			}

			data, err := opts.Codec.Encode(rec)
			if err != nil {
				logger.WithError(err).WithRecordID(rec.ID).Warn("failed to encode request record")
				opts.Metrics.RecordDropped(telemetry.DropReasonEncode)
			} else {
				// Enqueue logs and counts its own drops.
				opts.Producer.Enqueue(data)
			}

			if p != nil {
				panic(p)
			}
		}()

		next.ServeHTTP(rw, r)
	})
}

// skip reports whether r is outside the recorded set.
func skip(r *http.Request, opts Options) bool {
	path := r.URL.Path
	for _, prefix := range opts.ExcludePaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	if len(opts.IncludePaths) > 0 {
		included := false
		for _, prefix := range opts.IncludePaths {
			if strings.HasPrefix(path, prefix) {
				included = true
				break
			}
		}
		if !included {
			return true
		}
	}
	return opts.SampleRate < 1 && opts.Sample() >= opts.SampleRate
}

func buildRecord(r *http.Request, rw *responseWriter, span trace.Span, service string, start time.Time) *record.Record {
	rec := record.New(record.KindRequest, service, r.Method+" "+r.URL.Path)
	rec.StartTime = start.UnixMilli()
	rec.DurationMS = float64(time.Since(start).Microseconds()) / 1000
	rec.Method = r.Method
	rec.Path = r.URL.Path
	rec.StatusCode = rw.status
	rec.StatusMessage = http.StatusText(rw.status)
	if rw.panicked != "" {
		rec.StatusMessage = "panic: " + rw.panicked
	}

	if span != nil {
		sc := span.SpanContext()
		if sc.IsValid() {
			rec.TraceID = sc.TraceID().String()
			rec.SpanID = sc.SpanID().String()
		}
	}

	rec.SetAttribute("http.response_bytes", rw.written)
	if ua := r.UserAgent(); ua != "" {
		rec.SetAttribute("http.user_agent", ua)
	}
	if r.URL.RawQuery != "" {
		rec.SetAttribute("http.query", r.URL.RawQuery)
	}
	if r.ContentLength > 0 {
		rec.SetAttribute("http.request_bytes", r.ContentLength)
	}
	return rec
}

// responseWriter captures the status code and response size.
type responseWriter struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
	panicked    string
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Flush passes through to the wrapped writer when it supports flushing.
func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the wrapped writer.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
