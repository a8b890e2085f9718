// Package orchestrator drives one claimed combination through its
// lifecycle: preprocessing, two parallel transform jobs, and a terminal
// status.
//
// Progress is persisted after every transition so the record shows where
// a run stopped if this process dies. There is no in-place recovery: a
// record abandoned in progress is reset by the sweeper once it goes stale.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/roach88/gtfsbatch/internal/capacity"
	"github.com/roach88/gtfsbatch/internal/combo"
	"github.com/roach88/gtfsbatch/internal/jobs"
	"github.com/roach88/gtfsbatch/internal/metrics"
	"github.com/roach88/gtfsbatch/internal/store"
)

const (
	// DefaultPollInterval is how often job states are queried.
	DefaultPollInterval = 30 * time.Second

	// DefaultMonitorTimeout is the wall-clock ceiling on job monitoring.
	DefaultMonitorTimeout = 4 * time.Hour
)

// ErrNotClaimed is returned by Process when the combination was not
// claimed for processing by a dispatcher.
var ErrNotClaimed = errors.New("combination not claimed for processing")

// Config holds the orchestrator settings.
type Config struct {
	Bucket         string
	MacroJob       string
	MacroStopsJob  string
	PollInterval   time.Duration
	MonitorTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MacroJob == "" {
		c.MacroJob = jobs.DefaultMacroJob
	}
	if c.MacroStopsJob == "" {
		c.MacroStopsJob = jobs.DefaultMacroStopsJob
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MonitorTimeout <= 0 {
		c.MonitorTimeout = DefaultMonitorTimeout
	}
	return c
}

// Outcome is the final result of processing one combination.
type Outcome struct {
	Key             string       `json:"id"`
	Status          combo.Status `json:"status"`
	Error           string       `json:"error,omitempty"`
	MacroState      jobs.State   `json:"macro_status,omitempty"`
	MacroStopsState jobs.State   `json:"macro_stops_status,omitempty"`
}

// Orchestrator runs combinations end to end.
type Orchestrator struct {
	store   *store.Store
	gate    *capacity.Gate
	pre     jobs.Preprocessor
	runner  jobs.Runner
	cfg     Config
	clock   clock.WithTicker
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock that drives polling and the monitoring ceiling.
func WithClock(c clock.WithTicker) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New creates an Orchestrator.
func New(s *store.Store, gate *capacity.Gate, pre jobs.Preprocessor, runner jobs.Runner, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:  s,
		gate:   gate,
		pre:    pre,
		runner: runner,
		cfg:    cfg.withDefaults(),
		clock:  clock.RealClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// subJob tracks one transform job run.
type subJob struct {
	label string
	name  string
	runID string
	state jobs.State
	err   string
}

// Process runs the claimed combination at key to a terminal status and
// returns its capacity slot.
//
// If ctx is cancelled while jobs are being monitored the record is left
// in progress and ctx.Err() is returned.
func (o *Orchestrator) Process(ctx context.Context, key string) (Outcome, error) {
	rec, err := o.store.Get(ctx, key)
	if err != nil {
		return Outcome{Key: key}, fmt.Errorf("process %s: %w", key, err)
	}
	log := o.logger.With("key", key)

	err = o.store.Update(ctx, key, store.Mutation{Status: combo.StatusPreprocessing}, store.IfStatus(combo.StatusProcessing))
	if errors.Is(err, store.ErrConditionFailed) {
		return Outcome{Key: key, Status: rec.Status}, fmt.Errorf("process %s: %w (status %s)", key, ErrNotClaimed, rec.Status)
	}
	if err != nil {
		return Outcome{Key: key}, fmt.Errorf("process %s: %w", key, err)
	}
	log.Info("preprocessing started")

	id := rec.Identity()
	pre, err := o.pre.Preprocess(ctx, id)
	if err != nil {
		log.Error("preprocessing failed", "error", err)
		return o.finish(ctx, rec, combo.StatusFailed, "preprocess: "+err.Error(), nil)
	}

	err = o.store.Update(ctx, key, store.Mutation{
		Status:       combo.StatusProcessing,
		PreprocessID: store.Text(pre.ExecutionID),
		TempLocation: store.Text(pre.TempLocation),
	}, store.IfStatus(combo.StatusPreprocessing))
	if err != nil {
		return Outcome{Key: key}, fmt.Errorf("process %s: record preprocessing: %w", key, err)
	}
	log.Info("preprocessing succeeded", "execution_id", pre.ExecutionID, "temp_location", pre.TempLocation)

	subs := []*subJob{
		{label: "macro", name: o.cfg.MacroJob},
		{label: "macro_stops", name: o.cfg.MacroStopsJob},
	}
	o.startJobs(ctx, id, pre, subs)
	if err := o.saveJobs(ctx, key, subs); err != nil {
		return Outcome{Key: key}, err
	}

	if err := o.monitor(ctx, key, subs); err != nil {
		return Outcome{Key: key}, err
	}

	status, msg := combo.StatusCompleted, ""
	if subs[0].state != jobs.StateSucceeded || subs[1].state != jobs.StateSucceeded {
		status, msg = combo.StatusFailed, composeError(subs)
	}
	return o.finish(ctx, rec, status, msg, subs)
}

// startJobs launches every transform job concurrently. A job that cannot
// be started is marked FAILED with the start error.
func (o *Orchestrator) startJobs(ctx context.Context, id combo.Identity, pre jobs.PreprocessResult, subs []*subJob) {
	var g errgroup.Group
	for _, sj := range subs {
		g.Go(func() error {
			runID, err := o.runner.StartJob(ctx, sj.name, jobs.TransformArgs(sj.name, id, pre, o.cfg.Bucket))
			if err != nil {
				sj.state = jobs.StateFailed
				sj.err = err.Error()
				o.logger.Error("transform job start failed", "key", id.Key(), "job", sj.name, "error", err)
				return nil
			}
			sj.runID = runID
			sj.state = jobs.StateRunning
			o.logger.Info("transform job started", "key", id.Key(), "job", sj.name, "run_id", runID)
			return nil
		})
	}
	_ = g.Wait()
}

// monitor polls the running jobs until all are terminal or the monitoring
// ceiling passes. Jobs still running at the ceiling are marked
// MONITORING_TIMEOUT; they are not stopped.
func (o *Orchestrator) monitor(ctx context.Context, key string, subs []*subJob) error {
	deadline := o.clock.Now().Add(o.cfg.MonitorTimeout)
	ticker := o.clock.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if changed := o.poll(ctx, key, subs); changed {
			if err := o.saveJobs(ctx, key, subs); err != nil {
				return err
			}
		}
		if allTerminal(subs) {
			return nil
		}
		if !o.clock.Now().Before(deadline) {
			for _, sj := range subs {
				if !sj.state.Terminal() {
					sj.state = jobs.StateMonitoringTimeout
					o.logger.Warn("monitoring ceiling reached; job left running",
						"key", key,
						"job", sj.name,
						"run_id", sj.runID,
						"timeout", o.cfg.MonitorTimeout)
				}
			}
			return o.saveJobs(ctx, key, subs)
		}

		select {
		case <-ctx.Done():
			o.logger.Warn("monitoring interrupted; combination left in progress", "key", key)
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// poll queries every non-terminal job once, concurrently. A query error is
// treated as a FAILED job. Reports whether any state changed.
func (o *Orchestrator) poll(ctx context.Context, key string, subs []*subJob) bool {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		changed bool
	)
	for _, sj := range subs {
		if sj.state.Terminal() {
			continue
		}
		g.Go(func() error {
			state, err := o.runner.JobState(ctx, sj.name, sj.runID)
			if err != nil {
				o.logger.Error("job state query failed; treating as failed",
					"key", key,
					"job", sj.name,
					"run_id", sj.runID,
					"error", err)
				state = jobs.StateFailed
				sj.err = err.Error()
			}
			if state != sj.state {
				o.logger.Info("job state changed", "key", key, "job", sj.name, "from", sj.state, "to", state)
				sj.state = state
				mu.Lock()
				changed = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return changed
}

func (o *Orchestrator) saveJobs(ctx context.Context, key string, subs []*subJob) error {
	err := o.store.Update(ctx, key, store.Mutation{
		MacroRunID:       store.Text(subs[0].runID),
		MacroStatus:      store.Text(string(subs[0].state)),
		MacroStopsRunID:  store.Text(subs[1].runID),
		MacroStopsStatus: store.Text(string(subs[1].state)),
	}, store.IfStatus(combo.StatusProcessing))
	if err != nil {
		return fmt.Errorf("process %s: record job progress: %w", key, err)
	}
	return nil
}

// finish records the terminal status through the capacity gate.
func (o *Orchestrator) finish(ctx context.Context, rec combo.Record, status combo.Status, msg string, subs []*subJob) (Outcome, error) {
	out := Outcome{Key: rec.Key, Status: status, Error: msg}
	if len(subs) == 2 {
		out.MacroState = subs[0].state
		out.MacroStopsState = subs[1].state
	}

	if _, err := o.gate.Release(ctx, rec.Key, status, msg); err != nil {
		return out, fmt.Errorf("process %s: %w", rec.Key, err)
	}

	elapsed := -1.0
	if started, err := rec.StartedAt.Time(); err == nil {
		elapsed = o.clock.Since(started).Seconds()
	}
	o.metrics.RecordFinished(string(status), elapsed)

	if status == combo.StatusCompleted {
		o.logger.Info("combination completed", "key", rec.Key)
	} else {
		o.logger.Warn("combination failed", "key", rec.Key, "error", msg)
	}
	return out, nil
}

func allTerminal(subs []*subJob) bool {
	for _, sj := range subs {
		if !sj.state.Terminal() {
			return false
		}
	}
	return true
}

// composeError names the terminal state of each sub-job, for example
// "macro: FAILED, macro_stops: SUCCEEDED".
func composeError(subs []*subJob) string {
	parts := make([]string, 0, len(subs))
	for _, sj := range subs {
		part := fmt.Sprintf("%s: %s", sj.label, sj.state)
		if sj.err != "" {
			part += " (" + sj.err + ")"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}
