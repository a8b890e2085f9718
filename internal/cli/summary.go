package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/gtfsbatch/internal/summary"
)

// summaryReport is the result of the summary command.
type summaryReport struct {
	summary.Summary
}

func (r *summaryReport) WriteText(w io.Writer) error {
	return summary.WriteText(w, r.Summary)
}

// NewSummaryCommand creates the summary command.
func NewSummaryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Summarize processing state",
		Long: `Scan every combination and report totals by status and operator,
the completion percentage, the most recently started and failed
combinations, and retry statistics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(rootOpts, cmd, nil)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx, cancel := signalContext(cmd, env.logger)
			defer cancel()

			sum, err := summary.Build(ctx, env.store, env.clock.Now(), env.cfg.ScanPageSize)
			if err != nil {
				return env.out.Fail(ExitCommandError, ErrCodeStore, "summary failed", err)
			}
			return env.out.Success(&summaryReport{Summary: sum})
		},
	}
}
