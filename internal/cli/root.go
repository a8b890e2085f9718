package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/roach88/gtfsbatch/internal/jobs"
	"github.com/roach88/gtfsbatch/internal/workflow"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string

	// Clock overrides the wall clock (for testing). Nil means real time.
	Clock clock.WithTicker

	// Refs overrides the execution reference generator (for testing).
	Refs workflow.RefGenerator

	// Preprocessor and Runner override the command adapters built from
	// the configuration (for testing).
	Preprocessor jobs.Preprocessor
	Runner       jobs.Runner
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the gtfsbatch CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gtfsbatch",
		Short: "Register and process GTFS combinations",
		Long: `Track GTFS operator/contract/version combinations through
registration, admission control and processing.

Each combination moves pending -> processing -> preprocessing -> processing
-> completed|failed. At most max_executions run at once.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite state database (overrides state_db)")

	cmd.AddCommand(NewRegisterCommand(opts))
	cmd.AddCommand(NewStartCommand(opts))
	cmd.AddCommand(NewSummaryCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewProcessCommand(opts))
	cmd.AddCommand(NewCapacityCommand(opts))

	return cmd
}
