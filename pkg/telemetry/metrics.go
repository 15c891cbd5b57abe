package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used as the "reason" label of records_dropped_total.
const (
	DropReasonFull    = "full"
	DropReasonStopped = "stopped"
	DropReasonEncode  = "encode"
)

// Metrics provides Prometheus metrics for the upload pipeline.
// A Metrics built with metrics disabled (or a nil *Metrics) records nothing.
type Metrics struct {
	config MetricsConfig

	// Producer side
	recordsEnqueued prometheus.Counter
	recordsDropped  *prometheus.CounterVec

	// Worker side
	recordsPublished prometheus.Counter
	publishErrors    prometheus.Counter
	publishDuration  prometheus.Histogram
	brokerConnects   *prometheus.CounterVec

	// Watchdog and shutdown
	workerRestarts *prometheus.CounterVec
	heartbeatAge   *prometheus.GaugeVec
	shutdownStuck  prometheus.Counter

	// Queue
	queueDepth    prometheus.Gauge
	queueCapacity prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		recordsEnqueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_enqueued_total",
				Help:      "Total number of records accepted into the queue",
			},
		),
		recordsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_dropped_total",
				Help:      "Total number of records dropped before reaching the queue",
			},
			[]string{"reason"},
		),

		recordsPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_published_total",
				Help:      "Total number of records published to the broker",
			},
		),
		publishErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_errors_total",
				Help:      "Total number of failed publish attempts (each one loses a record)",
			},
		),
		publishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "publish_duration_seconds",
				Help:      "Duration of broker publish calls in seconds",
				Buckets:   buckets,
			},
		),
		brokerConnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broker_connects_total",
				Help:      "Total number of broker client constructions",
			},
			[]string{"result"},
		),

		workerRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_restarts_total",
				Help:      "Total number of watchdog-forced worker restarts",
			},
			[]string{"worker"},
		),
		heartbeatAge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_heartbeat_age_seconds",
				Help:      "Seconds since each worker slot last reported liveness",
			},
			[]string{"worker"},
		),
		shutdownStuck: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shutdown_stuck_workers_total",
				Help:      "Total number of workers still running after their shutdown join timeout",
			},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of records waiting in the queue",
			},
		),
		queueCapacity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_capacity",
				Help:      "Configured queue capacity",
			},
		),
	}

	registry.MustRegister(
		m.recordsEnqueued,
		m.recordsDropped,
		m.recordsPublished,
		m.publishErrors,
		m.publishDuration,
		m.brokerConnects,
		m.workerRestarts,
		m.heartbeatAge,
		m.shutdownStuck,
		m.queueDepth,
		m.queueCapacity,
	)

	return m, nil
}

// Producer Metrics

// RecordEnqueued counts a record accepted into the queue.
func (m *Metrics) RecordEnqueued() {
	if m == nil || m.recordsEnqueued == nil {
		return
	}
	m.recordsEnqueued.Inc()
}

// RecordDropped counts a record discarded for the given reason.
func (m *Metrics) RecordDropped(reason string) {
	if m == nil || m.recordsDropped == nil {
		return
	}
	m.recordsDropped.WithLabelValues(reason).Inc()
}

// Worker Metrics

// RecordPublish records one publish attempt and its outcome.
func (m *Metrics) RecordPublish(duration time.Duration, err error) {
	if m == nil || m.recordsPublished == nil {
		return
	}
	m.publishDuration.Observe(duration.Seconds())
	if err != nil {
		m.publishErrors.Inc()
		return
	}
	m.recordsPublished.Inc()
}

// RecordBrokerConnect records a broker client construction attempt.
func (m *Metrics) RecordBrokerConnect(err error) {
	if m == nil || m.brokerConnects == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.brokerConnects.WithLabelValues(result).Inc()
}

// Watchdog Metrics

// RecordWorkerRestart counts a forced restart of the given worker slot.
func (m *Metrics) RecordWorkerRestart(worker int) {
	if m == nil || m.workerRestarts == nil {
		return
	}
	m.workerRestarts.WithLabelValues(strconv.Itoa(worker)).Inc()
}

// SetHeartbeatAge sets the observed heartbeat age of a worker slot.
func (m *Metrics) SetHeartbeatAge(worker int, age time.Duration) {
	if m == nil || m.heartbeatAge == nil {
		return
	}
	m.heartbeatAge.WithLabelValues(strconv.Itoa(worker)).Set(age.Seconds())
}

// RecordShutdownStuck counts workers that outlived their join timeout.
func (m *Metrics) RecordShutdownStuck(count int) {
	if m == nil || m.shutdownStuck == nil || count <= 0 {
		return
	}
	m.shutdownStuck.Add(float64(count))
}

// Queue Metrics

// SetQueueDepth sets the current queue length.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// SetQueueCapacity sets the configured queue capacity.
func (m *Metrics) SetQueueCapacity(capacity int) {
	if m == nil || m.queueCapacity == nil {
		return
	}
	m.queueCapacity.Set(float64(capacity))
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Path returns the configured metrics path.
func (m *Metrics) Path() string {
	if m == nil || m.config.Path == "" {
		return "/metrics"
	}
	return m.config.Path
}
