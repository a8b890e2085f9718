package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/gtfsbatch/internal/config"
	"github.com/roach88/gtfsbatch/internal/dispatch"
	"github.com/roach88/gtfsbatch/internal/external"
	"github.com/roach88/gtfsbatch/internal/jobs"
	"github.com/roach88/gtfsbatch/internal/orchestrator"
	"github.com/roach88/gtfsbatch/internal/pipeline"
)

// drainReport is the result of a drain.
type drainReport struct {
	pipeline.Report
}

func (r *drainReport) WriteText(w io.Writer) error {
	if r.Sweep != nil {
		if err := (&sweepReport{Stats: *r.Sweep}).WriteText(w); err != nil {
			return err
		}
	}
	for _, out := range r.Outcomes {
		line := fmt.Sprintf("  %-24s %-10s", out.Key, out.Status)
		if out.Error != "" {
			line += " " + out.Error
		}
		fmt.Fprintln(w, line)
	}
	_, err := fmt.Fprintf(w, "Started %d, completed %d, failed %d, errors %d, pending %d\n",
		r.Started, r.Completed, r.Failed, r.Errors, r.Pending)
	return err
}

// buildDrainer wires a drainer from the environment. The returned cleanup
// stops any job processes still running and waits for them.
func buildDrainer(ctx context.Context, opts *RootOptions, env *environment, initial int, sweep bool) (*pipeline.Drainer, func(), error) {
	pre := opts.Preprocessor
	runner := opts.Runner
	cleanup := func() {}

	if pre == nil {
		if len(env.cfg.PreprocessCommand) == 0 {
			return nil, nil, env.out.Fail(ExitCommandError, ErrCodeConfig, "preprocess_command is not configured", nil)
		}
		pre = &external.CommandPreprocessor{Command: env.cfg.PreprocessCommand, Bucket: env.cfg.Bucket}
	}
	if runner == nil {
		if len(env.cfg.JobCommand) == 0 {
			return nil, nil, env.out.Fail(ExitCommandError, ErrCodeConfig, "job_command is not configured", nil)
		}
		runCtx, cancel := context.WithCancel(ctx)
		cmdRunner := external.NewCommandJobRunner(runCtx, env.cfg.JobCommand, env.logger)
		runner = cmdRunner
		cleanup = func() {
			cancel()
			cmdRunner.Wait()
		}
	}

	d := &pipeline.Drainer{
		Store:         env.store,
		Gate:          env.gate,
		Orchestrator:  newOrchestrator(env, pre, runner),
		InitialStarts: initial,
		DispatchOptions: []dispatch.Option{
			dispatch.WithPrefix(env.cfg.ExecutionPrefix),
			dispatch.WithBudget(dispatch.NewBudget(env.cfg.BatchSize)),
			dispatch.WithClock(env.clock),
			dispatch.WithLogger(env.logger),
			dispatch.WithMetrics(env.metrics),
		},
		Refs:   opts.Refs,
		Logger: env.logger,
	}
	if sweep {
		d.Sweeper = env.sweeper()
	}
	return d, cleanup, nil
}

func newOrchestrator(env *environment, pre jobs.Preprocessor, runner jobs.Runner) *orchestrator.Orchestrator {
	return orchestrator.New(env.store, env.gate, pre, runner, env.cfg.Orchestrator(),
		orchestrator.WithClock(env.clock),
		orchestrator.WithLogger(env.logger),
		orchestrator.WithMetrics(env.metrics))
}

// drain runs d and reports the result. Combinations that failed are part
// of a normal result; processing errors make the command fail.
func drain(ctx context.Context, env *environment, d *pipeline.Drainer) (*drainReport, error) {
	report, err := d.Drain(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, env.out.Fail(ExitCommandError, ErrCodeDispatch, "drain failed", err)
	}
	return &drainReport{Report: report}, nil
}

func drainExit(r *drainReport) error {
	if r.Errors > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d combination(s) hit processing errors", r.Errors))
	}
	return nil
}

// StartOptions holds flags for the start command.
type StartOptions struct {
	*RootOptions
	Batch             string
	CleanInconsistent bool
	MaxStart          int
}

// startReport is the result of the start command.
type startReport struct {
	Registration *registerReport `json:"registration,omitempty"`
	*drainReport
}

func (r *startReport) WriteText(w io.Writer) error {
	if r.Registration != nil {
		if err := r.Registration.WriteText(w); err != nil {
			return err
		}
	}
	return r.drainReport.WriteText(w)
}

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start processing pending combinations",
		Long: `Start up to --max-start pending combinations, oldest first, and
process them. Every finished combination triggers the next pending one, so
the chain continues until the queue is empty or batch_size combinations
have been dispatched. With --batch, the batch is registered first.

Example:
  gtfsbatch start --max-start 3
  gtfsbatch start --batch combinations.json --max-start 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.MaxStart, "max-start", "n", 1, "maximum executions to start at once")
	cmd.Flags().StringVarP(&opts.Batch, "batch", "b", "", "register this candidate batch first")
	cmd.Flags().BoolVar(&opts.CleanInconsistent, "clean-inconsistent", false, "sweep inconsistent records before starting")

	return cmd
}

func runStart(opts *StartOptions, cmd *cobra.Command) error {
	if opts.MaxStart < 1 {
		return NewExitError(ExitCommandError, "--max-start must be at least 1")
	}

	env, err := openEnvironment(opts.RootOptions, cmd, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := signalContext(cmd, env.logger)
	defer cancel()

	report := &startReport{}
	sweep := opts.CleanInconsistent
	if opts.Batch != "" {
		report.Registration, err = registerBatch(ctx, env, opts.Batch, opts.CleanInconsistent)
		if err != nil {
			return err
		}
		sweep = false
	}

	d, cleanup, err := buildDrainer(ctx, opts.RootOptions, env, opts.MaxStart, sweep)
	if err != nil {
		return err
	}
	report.drainReport, err = drain(ctx, env, d)
	cleanup()
	if err != nil {
		return err
	}

	if err := env.out.Success(report); err != nil {
		return err
	}
	return drainExit(report.drainReport)
}

// ProcessOptions holds flags for the process command.
type ProcessOptions struct {
	*RootOptions
	Sweep       bool
	MetricsAddr string
	BatchSize   int
}

// NewProcessCommand creates the process command.
func NewProcessCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProcessOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Drain the pending queue under the capacity ceiling",
		Long: `Start as many pending combinations as capacity allows and keep
the ceiling full until the queue is empty or batch_size combinations have
been dispatched.

Each combination is preprocessed, then its macro and macro-stops jobs run
in parallel and are polled until both finish or monitor_timeout passes.

Example:
  gtfsbatch process --sweep
  gtfsbatch process --batch-size 0 --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Sweep, "sweep", false, "sweep inconsistent records first")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while processing")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "maximum combinations to dispatch, 0 for no limit (overrides batch_size)")

	return cmd
}

func runProcess(opts *ProcessOptions, cmd *cobra.Command) error {
	override := func(cfg *config.Config) {
		if cmd.Flags().Changed("batch-size") {
			cfg.BatchSize = opts.BatchSize
		}
	}
	env, err := openEnvironment(opts.RootOptions, cmd, override)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := signalContext(cmd, env.logger)
	defer cancel()

	if opts.MetricsAddr != "" {
		stop, err := serveMetrics(env, opts.MetricsAddr)
		if err != nil {
			return err
		}
		defer stop()
	}

	d, cleanup, err := buildDrainer(ctx, opts.RootOptions, env, 0, opts.Sweep)
	if err != nil {
		return err
	}
	report, err := drain(ctx, env, d)
	cleanup()
	if err != nil {
		return err
	}

	if err := env.out.Success(report); err != nil {
		return err
	}
	return drainExit(report)
}

// serveMetrics exposes the environment's registry on addr until stop is
// called.
func serveMetrics(env *environment, addr string) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, env.out.Fail(ExitCommandError, ErrCodeServe, "failed to listen for metrics", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", env.metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			env.logger.Error("metrics server failed", "error", err)
		}
	}()
	env.logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			env.logger.Warn("metrics server shutdown", "error", err)
		}
	}, nil
}
