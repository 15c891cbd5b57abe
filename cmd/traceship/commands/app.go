package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/traceship/traceship/pkg/broker"
	"github.com/traceship/traceship/pkg/config"
	"github.com/traceship/traceship/pkg/pipeline"
	"github.com/traceship/traceship/pkg/record"
	"github.com/traceship/traceship/pkg/stores"
	"github.com/traceship/traceship/pkg/telemetry"
)

// app holds the long-lived components shared by serve and emit.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	codec    *record.Codec
	pipeline *pipeline.Pipeline
	journal  *stores.SQLiteStore
}

// newApp builds telemetry, the optional journal, the broker factory, the
// pipeline and finally tracing, which needs the pipeline for span export.
func newApp(ctx context.Context, cfg *config.Config, version string) (*app, error) {
	if version != "" {
		cfg.Telemetry.ServiceVersion = version
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	telemetry.SetGlobalLevel(cfg.Telemetry.Logging.Level)

	a := &app{cfg: cfg, tel: tel}

	a.codec, err = record.NewCodec(cfg.Record)
	if err != nil {
		a.abort()
		return nil, fmt.Errorf("failed to create record codec: %w", err)
	}

	if cfg.Journal.Enabled() {
		a.journal, err = stores.Open(ctx, cfg.Journal)
		if err != nil {
			a.abort()
			return nil, fmt.Errorf("failed to open incident journal: %w", err)
		}
		stores.Attach(tel.Events, a.journal, tel.Logger)

		if n, err := pruneOnce(ctx, a); err != nil {
			tel.Logger.WithError(err).Warn("failed to prune incident journal")
		} else if n > 0 {
			tel.Logger.WithField("removed", n).Info("pruned incident journal")
		}
	}

	factory, err := broker.NewFactory(cfg.Broker, tel.Logger)
	if err != nil {
		a.abort()
		return nil, fmt.Errorf("failed to create broker factory: %w", err)
	}

	a.pipeline, err = pipeline.New(cfg.Pipeline, factory,
		pipeline.WithLogger(tel.Logger),
		pipeline.WithMetrics(tel.Metrics),
		pipeline.WithEvents(tel.Events),
	)
	if err != nil {
		a.abort()
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	if err := tel.StartTracing(a.pipeline, a.codec); err != nil {
		a.abort()
		return nil, fmt.Errorf("failed to start tracing: %w", err)
	}

	return a, nil
}

// pruneOnce drops journal incidents older than the configured retention.
func pruneOnce(ctx context.Context, a *app) (int64, error) {
	return stores.Prune(ctx, a.journal, a.cfg.Journal.Retention)
}

func (a *app) logger() *telemetry.Logger {
	return a.tel.Logger
}

// abort releases what newApp managed to build before failing.
func (a *app) abort() {
	_ = a.tel.Events.Shutdown(context.Background())
	if a.journal != nil {
		_ = a.journal.Close()
	}
	if a.codec != nil {
		a.codec.Close()
	}
}

// shutdown stops everything in dependency order: the tracer first so its last
// spans still reach the queue, then the pipeline, then lifecycle events so
// the pipeline's final events are delivered, then the journal they land in.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error

	if err := a.tel.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer: %w", err))
	}
	if err := a.pipeline.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if err := a.tel.Events.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("events: %w", err))
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
	}
	a.codec.Close()

	return errors.Join(errs...)
}
