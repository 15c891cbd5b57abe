package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/traceship/traceship/pkg/config"
	"github.com/traceship/traceship/pkg/middleware"
	"github.com/traceship/traceship/pkg/pipeline"
	"github.com/traceship/traceship/pkg/telemetry"
)

const journalPruneInterval = time.Hour

func newServeCommand(version string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the telemetry upload service",
		Long: `Run the upload pipeline behind an HTTP service.

Endpoints:
  POST /v1/records   enqueue the raw request body as one record (always 202)
  GET  /healthz      pipeline status as JSON
  GET  /metrics      Prometheus metrics

The config file, when given, is watched: the pipeline feature flag and the
log level are applied without a restart.`,
		Example: `  # Serve with defaults (Redis on localhost:6379)
  traceship serve

  # Serve with a config file on a custom address
  traceship serve --config traceship.yaml --listen :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddress = listen
			}
			return runServe(cmd.Context(), cfg, version)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen_address)")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, version string) error {
	a, err := newApp(ctx, cfg, version)
	if err != nil {
		return err
	}
	logger := a.logger().NewComponentLogger("server")

	a.pipeline.Start()

	if configPath != "" {
		w, err := config.Watch(ctx, configPath, a.logger(), func(next *config.Config) {
			applyRuntimeConfig(a, next)
		})
		if err != nil {
			logger.WithError(err).Warn("config watch disabled")
		} else {
			defer w.Close()
		}
	}

	if a.journal != nil {
		go pruneJournal(ctx, a)
	}

	ln, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		_ = a.shutdown(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.ListenAddress, err)
	}

	srv := &http.Server{
		Handler:           newHandler(a),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	logger.WithField("address", ln.Addr().String()).Info("traceship listening")

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := a.shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		logger.WithError(err).Error("shutdown incomplete")
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// newHandler builds the service mux behind the request-recording middleware.
func newHandler(a *app) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+a.tel.Metrics.Path(), a.tel.Metrics.Handler())
	mux.HandleFunc("GET /healthz", healthHandler(a))
	mux.HandleFunc("POST /v1/records", recordsHandler(a.pipeline, a.cfg.Server.MaxBodyBytes))

	return middleware.HTTP(mux, middleware.Options{
		Config:   a.cfg.Server.Middleware,
		Service:  a.cfg.Telemetry.ServiceName,
		Codec:    a.codec,
		Producer: a.pipeline,
		Tracer:   a.tel.Tracer,
		Logger:   a.logger(),
		Metrics:  a.tel.Metrics,
	})
}

type healthResponse struct {
	Status   string          `json:"status"`
	Pipeline pipeline.Status `json:"pipeline"`
	Journal  string          `json:"journal,omitempty"`
}

func healthHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:   "ok",
			Pipeline: a.pipeline.Status(),
		}
		code := http.StatusOK

		if resp.Pipeline.Stopped {
			resp.Status = "stopped"
			code = http.StatusServiceUnavailable
		}
		if a.journal != nil {
			resp.Journal = "ok"
			if err := a.journal.HealthCheck(r.Context()); err != nil {
				resp.Journal = err.Error()
				resp.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// recordsHandler enqueues the raw body as one pre-encoded record. It answers
// 202 whether or not the record was accepted: enqueueing is fire-and-forget.
func recordsHandler(p telemetry.Enqueuer, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "record too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		if len(body) > 0 {
			p.Enqueue(body)
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// applyRuntimeConfig applies the settings that may change without a restart.
func applyRuntimeConfig(a *app, next *config.Config) {
	if next.Pipeline.Enabled != a.pipeline.Enabled() {
		a.pipeline.SetEnabled(next.Pipeline.Enabled)
		a.logger().WithField("enabled", next.Pipeline.Enabled).Info("pipeline feature flag changed")
	}
	if next.Telemetry.Logging.Level != a.cfg.Telemetry.Logging.Level {
		telemetry.SetGlobalLevel(next.Telemetry.Logging.Level)
		a.cfg.Telemetry.Logging.Level = next.Telemetry.Logging.Level
		a.logger().WithField("level", next.Telemetry.Logging.Level).Info("log level changed")
	}
}

func pruneJournal(ctx context.Context, a *app) {
	ticker := time.NewTicker(journalPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pruneOnce(ctx, a)
			if err != nil {
				a.logger().WithError(err).Warn("failed to prune incident journal")
			} else if n > 0 {
				a.logger().WithField("removed", n).Info("pruned incident journal")
			}
		}
	}
}
