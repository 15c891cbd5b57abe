// Package telemetry provides the self-observability of a traceship process.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and lifecycle events into one
// Telemetry value that the pipeline, the HTTP middleware and the CLI share.
//
// # Usage
//
// Build telemetry first, then the pipeline, then tracing:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	p, err := pipeline.New(pcfg, factory,
//	    pipeline.WithLogger(tel.Logger),
//	    pipeline.WithMetrics(tel.Metrics),
//	    pipeline.WithEvents(tel.Events))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := tel.StartTracing(p, codec); err != nil {
//	    log.Fatal(err)
//	}
//
// Tracing is started last because the "pipeline" exporter converts finished
// spans into records and enqueues them, so it needs the pipeline to exist.
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("pipeline")
//	logger.WithWorker(2).WithError(err).Error("publish failed")
//
// Log levels: trace, debug, info, warn, error, fatal. SetGlobalLevel adjusts
// verbosity of every logger at runtime.
//
// # Tracing
//
// Supported exporters:
//
//   - pipeline: spans become records shipped through the upload pipeline
//   - otlp: OTLP over gRPC to a collector
//   - stdout: pretty-printed spans, for development
//   - none: spans are created but not exported
//
// # Metrics
//
// Metrics live in their own registry and are exposed through Handler. Every
// recorder is safe to call on a nil or disabled *Metrics.
//
// # Lifecycle Events
//
// EventPublisher delivers pipeline lifecycle events (worker started, stale,
// restarted, kill failed, exit timeout, broker connect failed) to subscribers
// on a dedicated goroutine. Publish never blocks the caller; when the buffer is
// full the event is dropped and ErrEventBufferFull is returned.
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelError))
package telemetry
