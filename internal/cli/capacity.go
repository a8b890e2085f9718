package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/gtfsbatch/internal/combo"
)

// capacityReport is the result of the capacity commands.
type capacityReport struct {
	Before *combo.CapacityCounter `json:"before,omitempty"`
	combo.CapacityCounter
}

func (r *capacityReport) WriteText(w io.Writer) error {
	if r.Before != nil {
		fmt.Fprintf(w, "Reconciled active executions: %d -> %d\n",
			r.Before.ActiveExecutions, r.ActiveExecutions)
	}
	line := fmt.Sprintf("Active executions: %d/%d", r.ActiveExecutions, r.MaxExecutions)
	if !r.LastUpdated.IsZero() {
		line += fmt.Sprintf(" (updated %s)", r.LastUpdated)
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

// NewCapacityCommand creates the capacity command group.
func NewCapacityCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capacity",
		Short: "Inspect or repair the execution counter",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show active and maximum executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(rootOpts, cmd, nil)
			if err != nil {
				return err
			}
			defer env.Close()

			counter, err := env.gate.Counter(cmd.Context())
			if err != nil {
				return env.out.Fail(ExitCommandError, ErrCodeStore, "failed to read capacity", err)
			}
			return env.out.Success(&capacityReport{CapacityCounter: counter})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Recompute active executions from in-progress records",
		Long: `Set the active execution count to the number of combinations
currently in progress. Use it after a crash left slots held by executions
that no longer exist.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(rootOpts, cmd, nil)
			if err != nil {
				return err
			}
			defer env.Close()

			before, after, err := env.gate.Reconcile(cmd.Context())
			if err != nil {
				return env.out.Fail(ExitCommandError, ErrCodeStore, "reconcile failed", err)
			}
			return env.out.Success(&capacityReport{Before: &before, CapacityCounter: after})
		},
	})

	return cmd
}
