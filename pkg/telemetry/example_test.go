package telemetry_test

import (
	"context"
	"fmt"
	"os"

	"github.com/traceship/traceship/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = "aitools"
	cfg.ServiceVersion = "1.0.0"
	cfg.Tracing.Exporter = "none"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	if err := tel.StartTracing(nil, nil); err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx)
	logger.Info("Application started")
}

// Example_structuredLogging demonstrates the pipeline field helpers.
func Example_structuredLogging() {
	logger := telemetry.NewLoggerWithWriter(os.Stdout, telemetry.LoggingConfig{
		Level:  "debug",
		Format: "json",
	})

	logger = logger.NewComponentLogger("pipeline").WithTopic("traceship:spans")

	logger.WithWorker(0).Debug("record published")
	logger.WithWorker(1).WithError(fmt.Errorf("connection refused")).Error("publish failed")
}

// Example_lifecycleEvents demonstrates subscribing to watchdog events.
func Example_lifecycleEvents() {
	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:    true,
		BufferSize: 16,
	})

	events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, *e.Worker)
	}, telemetry.FilterByType(telemetry.EventTypeWorkerRestarted))

	_ = events.PublishWorkerStarted(0, 1)
	_ = events.PublishWorkerRestarted(2, 4)

	_ = events.Shutdown(context.Background())
	// Output: worker.restarted 2
}

// Example_instrumentedOperation demonstrates StartOperation.
func Example_instrumentedOperation() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Tracing.Exporter = "none"

	tel, _ := telemetry.NewTelemetry(cfg)
	_ = tel.StartTracing(nil, nil)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	op := telemetry.StartOperation(ctx, "emit", telemetry.AttrRecordCount.Int(10))
	op.Logger.Debug("emitting")
	op.End(nil)
}
