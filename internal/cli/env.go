package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/roach88/gtfsbatch/internal/capacity"
	"github.com/roach88/gtfsbatch/internal/config"
	"github.com/roach88/gtfsbatch/internal/metrics"
	"github.com/roach88/gtfsbatch/internal/store"
	"github.com/roach88/gtfsbatch/internal/sweeper"
)

// environment is the set of components one command runs against.
type environment struct {
	cfg     config.Config
	out     *OutputFormatter
	logger  *slog.Logger
	clock   clock.WithTicker
	metrics *metrics.Metrics
	store   *store.Store
	gate    *capacity.Gate
}

// openEnvironment loads and validates the configuration, applies the
// command's overrides, and opens the state store.
func openEnvironment(opts *RootOptions, cmd *cobra.Command, override func(*config.Config)) (*environment, error) {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, out.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.StateDB = opts.Database
	}
	if override != nil {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, out.Fail(ExitCommandError, ErrCodeConfig, "invalid config", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	logger.Debug("opening state store", "path", cfg.StateDB)
	st, err := store.Open(cfg.StateDB, store.WithClock(clk))
	if err != nil {
		return nil, out.Fail(ExitCommandError, ErrCodeStore, "failed to open state store", err)
	}

	m := metrics.New()
	return &environment{
		cfg:     cfg,
		out:     out,
		logger:  logger,
		clock:   clk,
		metrics: m,
		store:   st,
		gate: capacity.New(st, int64(cfg.MaxExecutions),
			capacity.WithClock(clk),
			capacity.WithLogger(logger),
			capacity.WithMetrics(m)),
	}, nil
}

func (e *environment) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Error("error closing state store", "error", err)
	}
}

func (e *environment) sweeper() *sweeper.Sweeper {
	return sweeper.New(e.store, e.gate,
		sweeper.WithThreshold(e.cfg.Staleness()),
		sweeper.WithPageSize(e.cfg.ScanPageSize),
		sweeper.WithClock(e.clock),
		sweeper.WithLogger(e.logger),
		sweeper.WithMetrics(e.metrics))
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
// Uses the command's context if set (for testing).
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
