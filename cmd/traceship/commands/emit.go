package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/traceship/traceship/pkg/broker"
	"github.com/traceship/traceship/pkg/record"
	"github.com/traceship/traceship/pkg/telemetry"
)

type emitResult struct {
	Requested int           `json:"requested"`
	Accepted  int           `json:"accepted"`
	Dropped   int           `json:"dropped"`
	Remaining int           `json:"remaining"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Error     string        `json:"error,omitempty"`
}

func newEmitCommand(version string) *cobra.Command {
	var (
		count    int
		interval time.Duration
		toStdout bool
	)

	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Enqueue synthetic records (smoke and load test)",
		Long: `Start a pipeline, enqueue synthetic request records, shut the pipeline
down and report how many records were accepted and dropped.

Records that were accepted but still queued when shutdown finished are
reported as remaining; they are not redelivered.`,
		Example: `  # Push 1000 records to the configured broker
  traceship emit --count 1000

  # Print 5 records to stdout instead of publishing
  traceship emit --count 5 --stdout`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be positive, got: %d", count)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if toStdout {
				cfg.Broker.Type = broker.TypeStdout
			}
			cfg.Pipeline.Enabled = true

			a, err := newApp(cmd.Context(), cfg, version)
			if err != nil {
				return err
			}
			a.pipeline.Start()

			op := telemetry.StartOperation(a.tel.WithContext(cmd.Context()), "emit",
				telemetry.AttrRecordCount.Int(count))

			res := emitResult{Requested: count}
			start := time.Now()
			for i := 0; i < count; i++ {
				if op.Ctx.Err() != nil {
					break
				}
				rec := record.New(record.KindRequest, cfg.Telemetry.ServiceName, "emit")
				rec.Method = "GET"
				rec.Path = "/emit"
				rec.StatusCode = 200
				rec.SetAttribute("sequence", i)

				data, err := a.codec.Encode(rec)
				if err != nil {
					op.End(err)
					_ = a.shutdown(context.Background())
					return fmt.Errorf("failed to encode record: %w", err)
				}
				if a.pipeline.Enqueue(data) {
					res.Accepted++
				} else {
					res.Dropped++
				}
				if interval > 0 {
					time.Sleep(interval)
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()

			// Let the workers drain before stopping them.
			for a.pipeline.Status().QueueDepth > 0 && ctx.Err() == nil {
				time.Sleep(10 * time.Millisecond)
			}

			res.Remaining = a.pipeline.Status().QueueDepth
			op.Logger.WithFields(map[string]interface{}{
				"accepted": res.Accepted,
				"dropped":  res.Dropped,
			}).Debug("emit finished")
			op.End(nil)

			if err := a.shutdown(ctx); err != nil {
				res.Error = err.Error()
			}
			res.Elapsed = time.Since(start)

			out := cmd.OutOrStdout()
			if jsonOutput {
				return json.NewEncoder(out).Encode(res)
			}
			fmt.Fprintf(out, "requested=%d accepted=%d dropped=%d remaining=%d elapsed=%s\n",
				res.Requested, res.Accepted, res.Dropped, res.Remaining, res.Elapsed.Round(time.Millisecond))
			if res.Error != "" {
				fmt.Fprintf(out, "shutdown: %s\n", res.Error)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 100, "number of records to enqueue")
	cmd.Flags().DurationVar(&interval, "interval", 0, "pause between records")
	cmd.Flags().BoolVar(&toStdout, "stdout", false, "publish to stdout instead of the configured broker")

	return cmd
}
