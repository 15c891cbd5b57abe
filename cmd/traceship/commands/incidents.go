package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/traceship/traceship/pkg/stores"
)

func newIncidentsCommand() *cobra.Command {
	var (
		kind    string
		worker  int
		since   time.Duration
		limit   int
		path    string
		summary bool
	)

	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "List watchdog and shutdown incidents from the journal",
		Long: `List incidents recorded in the incident journal: stale and restarted
workers, workers that ignored a kill, workers still running after shutdown,
and failed broker connections.

Kinds: worker.stale, worker.restarted, worker.kill_failed,
worker.exit_timeout, broker.connect_failed`,
		Example: `  # Latest 20 incidents
  traceship incidents

  # Stale workers in the last hour, as JSON
  traceship incidents --kind worker.stale --since 1h --json

  # Count incidents by kind
  traceship incidents --summary`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if path != "" {
				cfg.Journal.Path = path
			}
			if !cfg.Journal.Enabled() {
				return fmt.Errorf("no incident journal configured (set journal.path, TRACESHIP_JOURNAL_PATH or --journal)")
			}

			if kind != "" && !stores.IncidentKind(kind).Valid() {
				return fmt.Errorf("unknown incident kind: %s", kind)
			}

			ctx := cmd.Context()
			journal, err := stores.Open(ctx, cfg.Journal)
			if err != nil {
				return fmt.Errorf("failed to open incident journal: %w", err)
			}
			defer journal.Close()

			out := cmd.OutOrStdout()

			if summary {
				counts, err := journal.CountByKind(ctx)
				if err != nil {
					return err
				}
				return printCounts(out, counts)
			}

			filter := stores.IncidentFilter{
				Kind:  stores.IncidentKind(kind),
				Limit: limit,
			}
			if cmd.Flags().Changed("worker") {
				filter.Worker = &worker
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			incidents, err := journal.ListIncidents(ctx, filter)
			if err != nil {
				return err
			}
			return printIncidents(out, incidents)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "only show incidents of this kind")
	cmd.Flags().IntVar(&worker, "worker", 0, "only show incidents for this worker slot")
	cmd.Flags().DurationVar(&since, "since", 0, "only show incidents newer than this")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of incidents (0 for all)")
	cmd.Flags().StringVar(&path, "journal", "", "journal database path (overrides journal.path)")
	cmd.Flags().BoolVar(&summary, "summary", false, "print counts per kind instead of incidents")

	return cmd
}

func printIncidents(out io.Writer, incidents []*stores.Incident) error {
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(incidents)
	}

	if len(incidents) == 0 {
		_, err := fmt.Fprintln(out, "no incidents")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tWORKER\tLEVEL\tMESSAGE")
	for _, inc := range incidents {
		w := "-"
		if inc.WorkerIndex != nil {
			w = strconv.Itoa(*inc.WorkerIndex)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			inc.Timestamp.Format(time.RFC3339), inc.Kind, w, inc.Level, inc.Message)
	}
	return tw.Flush()
}

func printCounts(out io.Writer, counts map[stores.IncidentKind]int) error {
	if jsonOutput {
		return json.NewEncoder(out).Encode(counts)
	}

	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tCOUNT")
	for _, k := range kinds {
		fmt.Fprintf(tw, "%s\t%d\n", k, counts[stores.IncidentKind(k)])
	}
	return tw.Flush()
}
