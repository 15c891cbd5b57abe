package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/traceship/traceship/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and print the effective settings",
		Long: `Load the configuration exactly as "serve" would (defaults, config file,
TRACESHIP_* environment overrides), validate it and print the result.

Secrets are masked in the output.`,
		Example: `  # Validate the defaults plus environment
  traceship validate

  # Validate a file and print it as JSON
  traceship validate --config traceship.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				var verr *config.ValidationError
				if errors.As(err, &verr) {
					for _, f := range verr.Fields {
						fmt.Fprintf(os.Stderr, "  %s: %s\n", f.Path, f.Message)
					}
					return fmt.Errorf("configuration has %d problem(s)", len(verr.Fields))
				}
				return err
			}

			if quiet {
				fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
				return nil
			}

			redacted := cfg.Redacted()
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(redacted)
			}

			data, err := redacted.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only report whether the configuration is valid")

	return cmd
}
