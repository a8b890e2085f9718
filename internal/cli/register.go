package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/gtfsbatch/internal/registrar"
	"github.com/roach88/gtfsbatch/internal/sweeper"
)

// RegisterOptions holds flags for the register command.
type RegisterOptions struct {
	*RootOptions
	Batch             string
	CleanInconsistent bool
}

// registerReport is the result of a registration pass.
type registerReport struct {
	Sweep        *sweeper.Stats      `json:"sweep,omitempty"`
	Summary      registrar.Counts    `json:"summary"`
	Combinations []registrar.Outcome `json:"combinations"`
	LogFile      string              `json:"log_file,omitempty"`
}

func (r *registerReport) WriteText(w io.Writer) error {
	if r.Sweep != nil {
		if err := (&sweepReport{Stats: *r.Sweep}).WriteText(w); err != nil {
			return err
		}
	}
	for _, out := range r.Combinations {
		if out.Kind == registrar.OutcomeSkipped {
			continue
		}
		fmt.Fprintf(w, "  %-24s %-10s %s\n", out.Key, out.Kind, out.Message)
	}
	c := r.Summary
	_, err := fmt.Fprintf(w, "Registered %d, reset %d, skipped %d, errors %d\n",
		c.Registered, c.Reset, c.Skipped, c.Errors)
	if err == nil && r.LogFile != "" {
		_, err = fmt.Fprintf(w, "Log written to %s\n", r.LogFile)
	}
	return err
}

// NewRegisterCommand creates the register command.
func NewRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RegisterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "register --batch <file>",
		Short: "Register candidate combinations",
		Long: `Register a batch of discovered combinations in the state store.

New combinations are created as pending. Failed ones, and ones with an
unrecognized status, are reset to pending with their retry count
incremented. Everything else is left untouched, so registering the same
batch twice changes nothing.

The batch is a JSON or YAML document {"combinations": [...]} whose entries
carry operator/contract/version (or P_EMPRESA/P_CONTR/P_VERSION).

Example:
  gtfsbatch register --batch combinations.json
  gtfsbatch register --batch combinations.yaml --clean-inconsistent`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Batch, "batch", "b", "", "path to the candidate batch (required)")
	cmd.Flags().BoolVar(&opts.CleanInconsistent, "clean-inconsistent", false, "sweep inconsistent records before registering")
	_ = cmd.MarkFlagRequired("batch")

	return cmd
}

func runRegister(opts *RegisterOptions, cmd *cobra.Command) error {
	env, err := openEnvironment(opts.RootOptions, cmd, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := signalContext(cmd, env.logger)
	defer cancel()

	report, err := registerBatch(ctx, env, opts.Batch, opts.CleanInconsistent)
	if err != nil {
		return err
	}
	return env.out.Success(report)
}

// registerBatch runs the optional sweep and one registration pass, then
// writes the run log when a log directory is configured.
func registerBatch(ctx context.Context, env *environment, batchPath string, clean bool) (*registerReport, error) {
	report := &registerReport{}

	if clean {
		stats, err := env.sweeper().Sweep(ctx)
		if err != nil {
			return nil, env.out.Fail(ExitCommandError, ErrCodeStore, "sweep failed", err)
		}
		report.Sweep = &stats
	}

	batch, err := registrar.LoadBatch(batchPath)
	if err != nil {
		return nil, env.out.Fail(ExitCommandError, ErrCodeBatch, "failed to load batch", err)
	}
	env.out.VerboseLog("Loaded %d candidate(s) from %s", len(batch), batchPath)

	reg := registrar.New(env.store,
		registrar.WithWorkers(env.cfg.Workers),
		registrar.WithClock(env.clock),
		registrar.WithLogger(env.logger),
		registrar.WithMetrics(env.metrics))
	result, err := reg.Register(ctx, batch)
	if err != nil {
		return nil, env.out.Fail(ExitCommandError, ErrCodeStore, "registration failed", err)
	}
	report.Summary = result.Counts
	report.Combinations = result.Outcomes

	if env.cfg.LogDir != "" {
		path, err := registrar.WriteRunLog(env.cfg.LogDir, env.clock.Now(), result.Counts, batchPath)
		if err != nil {
			// The registration itself succeeded.
			env.logger.Error("failed to write registration log", "dir", env.cfg.LogDir, "error", err)
		} else {
			report.LogFile = path
		}
	}

	env.logger.Info("registration complete",
		"registered", result.Counts.Registered,
		"reset", result.Counts.Reset,
		"skipped", result.Counts.Skipped,
		"errors", result.Counts.Errors)
	return report, nil
}

// resetReport is the result of the reset command.
type resetReport struct {
	Reset int `json:"reset"`
}

func (r *resetReport) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Reset %d failed combination(s) to pending\n", r.Reset)
	return err
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset failed combinations to pending",
		Long: `Reset every failed combination to pending and increment its retry
count. A combination that leaves the failed state concurrently is skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(rootOpts, cmd, nil)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx, cancel := signalContext(cmd, env.logger)
			defer cancel()

			reg := registrar.New(env.store,
				registrar.WithClock(env.clock),
				registrar.WithLogger(env.logger),
				registrar.WithMetrics(env.metrics))
			n, err := reg.ResetFailed(ctx)
			if err != nil {
				return env.out.Fail(ExitCommandError, ErrCodeStore, "reset failed", err)
			}
			return env.out.Success(&resetReport{Reset: n})
		},
	}
}
