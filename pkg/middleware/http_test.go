package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/traceship/traceship/pkg/record"
	"github.com/traceship/traceship/pkg/telemetry"
)

// fakeProducer collects enqueued payloads.
type fakeProducer struct {
	mu      sync.Mutex
	records [][]byte
	accept  bool
}

func (p *fakeProducer) Enqueue(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, data)
	return p.accept
}

func (p *fakeProducer) decoded(t *testing.T, codec *record.Codec) []*record.Record {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*record.Record, 0, len(p.records))
	for _, data := range p.records {
		rec, err := codec.Decode(data)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func setup(t *testing.T, cfg Config, handler http.Handler) (http.Handler, *fakeProducer, *record.Codec) {
	t.Helper()

	codec, err := record.NewCodec(record.DefaultConfig())
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	producer := &fakeProducer{accept: true}

	return HTTP(handler, Options{
		Config:   cfg,
		Service:  "checkout",
		Codec:    codec,
		Producer: producer,
	}), producer, codec
}

func TestHTTPRecordsRequest(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "created")
	})
	h, producer, codec := setup(t, Config{Enabled: true, SampleRate: 1}, handler)

	req := httptest.NewRequest(http.MethodPost, "/v1/orders?dry=1", strings.NewReader("{}"))
	req.Header.Set("User-Agent", "test-agent")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated || rr.Body.String() != "created" {
		t.Fatalf("response altered: %d %q", rr.Code, rr.Body.String())
	}

	recs := producer.decoded(t, codec)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Kind != record.KindRequest || rec.Service != "checkout" {
		t.Errorf("kind/service = %s/%s", rec.Kind, rec.Service)
	}
	if rec.Method != http.MethodPost || rec.Path != "/v1/orders" || rec.Name != "POST /v1/orders" {
		t.Errorf("method/path/name = %s %s %s", rec.Method, rec.Path, rec.Name)
	}
	if rec.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.StatusCode)
	}
	if rec.StartTime == 0 || rec.DurationMS < 0 {
		t.Errorf("timing = %d / %f", rec.StartTime, rec.DurationMS)
	}
	if rec.Attributes["http.user_agent"] != "test-agent" || rec.Attributes["http.query"] != "dry=1" {
		t.Errorf("attributes = %v", rec.Attributes)
	}
	if rec.TraceID != "" {
		t.Errorf("trace id set without a tracer: %s", rec.TraceID)
	}
}

func TestHTTPSkipsRequests(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name string
		cfg  Config
		path string
		want int
	}{
		{"disabled", Config{Enabled: false, SampleRate: 1}, "/api", 0},
		{"not included", Config{Enabled: true, SampleRate: 1, IncludePaths: []string{"/api"}}, "/other", 0},
		{"included", Config{Enabled: true, SampleRate: 1, IncludePaths: []string{"/api"}}, "/api/x", 1},
		{"excluded wins", Config{Enabled: true, SampleRate: 1, IncludePaths: []string{"/"}, ExcludePaths: []string{"/healthz"}}, "/healthz", 0},
		{"zero sample rate", Config{Enabled: true, SampleRate: 0}, "/api", 0},
		{"no include list", Config{Enabled: true, SampleRate: 1}, "/anything", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, producer, _ := setup(t, tt.cfg, ok)

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rr.Code != http.StatusNoContent {
				t.Errorf("status = %d, want 204", rr.Code)
			}
			if len(producer.records) != tt.want {
				t.Errorf("got %d records, want %d", len(producer.records), tt.want)
			}
		})
	}
}

func TestHTTPSampling(t *testing.T) {
	codec, _ := record.NewCodec(record.DefaultConfig())
	producer := &fakeProducer{accept: true}

	draws := []float64{0.1, 0.6, 0.49, 0.9}
	i := 0
	h := HTTP(http.NotFoundHandler(), Options{
		Config:   Config{Enabled: true, SampleRate: 0.5},
		Codec:    codec,
		Producer: producer,
		Sample: func() float64 {
			v := draws[i]
			i++
			return v
		},
	})

	for range draws {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	if len(producer.records) != 2 {
		t.Errorf("got %d records, want 2", len(producer.records))
	}
}

func TestHTTPFullQueueDoesNotAlterResponse(t *testing.T) {
	codec, _ := record.NewCodec(record.DefaultConfig())
	producer := &fakeProducer{accept: false}

	h := HTTP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}), Options{Config: Config{Enabled: true, SampleRate: 1}, Codec: codec, Producer: producer})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("response = %d %q", rr.Code, rr.Body.String())
	}
}

func TestHTTPRecordsPanicAndRepanics(t *testing.T) {
	h, producer, codec := setup(t, Config{Enabled: true, SampleRate: 1}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	func() {
		defer func() {
			if p := recover(); p != "boom" {
				t.Errorf("recovered %v, want boom", p)
			}
		}()
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/crash", nil))
	}()

	recs := producer.decoded(t, codec)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].StatusCode != http.StatusInternalServerError || recs[0].StatusMessage != "panic: boom" {
		t.Errorf("status = %d %q", recs[0].StatusCode, recs[0].StatusMessage)
	}
}

func TestHTTPWithTracerAddsTraceContext(t *testing.T) {
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:      true,
		Exporter:     "none",
		SamplingRate: 1,
	}, "checkout", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}

	codec, _ := record.NewCodec(record.DefaultConfig())
	producer := &fakeProducer{accept: true}

	var handlerTraceID string
	h := HTTP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerTraceID = telemetry.TraceID(r.Context())
	}), Options{
		Config:   Config{Enabled: true, SampleRate: 1},
		Codec:    codec,
		Producer: producer,
		Tracer:   tracer,
	})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/traced", nil))

	recs := producer.decoded(t, codec)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].TraceID == "" || recs[0].TraceID != handlerTraceID {
		t.Errorf("record trace id %q, handler saw %q", recs[0].TraceID, handlerTraceID)
	}
	if recs[0].SpanID == "" {
		t.Error("span id missing")
	}
}

func TestHTTPWithoutCodecPassesThrough(t *testing.T) {
	next := http.NotFoundHandler()
	h := HTTP(next, Options{Config: DefaultConfig()})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}
