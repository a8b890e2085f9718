package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/gtfsbatch/internal/sweeper"
)

// SweepOptions holds flags for the sweep command.
type SweepOptions struct {
	*RootOptions
	Interval time.Duration
}

// sweepReport is the result of one sweep.
type sweepReport struct {
	sweeper.Stats
}

func (r *sweepReport) WriteText(w io.Writer) error {
	for _, rep := range r.Repairs {
		fmt.Fprintf(w, "  %-24s %-7s %s (status %q)\n", rep.Key, rep.Action, rep.Reason, rep.Status)
	}
	_, err := fmt.Fprintf(w, "Swept %d record(s): reset %d, deleted %d, skipped %d\n",
		r.Scanned, r.Reset, r.Deleted, r.Skipped)
	return err
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Repair inconsistent combination records",
		Long: `Scan every combination and repair inconsistent records.

In-progress records with no start time, an unparsable start time, or one
older than staleness_hours are reset to pending and their capacity slot is
released. Records missing identity or status fields, or carrying an
unrecognized status, are deleted.

With --interval the sweep repeats until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "repeat the sweep at this interval until interrupted")

	return cmd
}

func runSweep(opts *SweepOptions, cmd *cobra.Command) error {
	env, err := openEnvironment(opts.RootOptions, cmd, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := signalContext(cmd, env.logger)
	defer cancel()

	sw := env.sweeper()
	if opts.Interval > 0 {
		if err := sw.Run(ctx, opts.Interval); err != nil && !errors.Is(err, context.Canceled) {
			return env.out.Fail(ExitCommandError, ErrCodeStore, "sweeper stopped", err)
		}
		return nil
	}

	stats, err := sw.Sweep(ctx)
	if err != nil {
		return env.out.Fail(ExitCommandError, ErrCodeStore, "sweep failed", err)
	}
	return env.out.Success(&sweepReport{Stats: stats})
}
