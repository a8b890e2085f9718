// Package dispatch hands pending combinations to the workflow engine.
//
// Every dispatch is the same saga:
//  1. take a unit of the drain budget, if one is configured
//  2. acquire a capacity slot
//  3. claim the combination with pending -> processing, stamping started_at
//  4. start the workflow execution
//  5. record the execution reference
//
// Each step that fails compensates the ones before it. A lost claim
// returns the slot. A failed start releases the slot and marks the
// combination failed with the start error. Because the claim precedes the
// start, two dispatchers can never start the same combination.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/roach88/gtfsbatch/internal/capacity"
	"github.com/roach88/gtfsbatch/internal/combo"
	"github.com/roach88/gtfsbatch/internal/metrics"
	"github.com/roach88/gtfsbatch/internal/store"
)

const (
	// DefaultExecutionPrefix starts every execution name.
	DefaultExecutionPrefix = "GTFSProcess"

	// executionTimeLayout is the timestamp suffix of execution names.
	executionTimeLayout = "20060102150405"
)

// Workflow starts executions on the external workflow engine.
// Execution names must be unique per engine.
type Workflow interface {
	Start(ctx context.Context, name string, input []byte) (ref string, err error)
}

// ResultKind classifies one dispatch attempt.
type ResultKind string

const (
	ResultStarted         ResultKind = "started"
	ResultNoPending       ResultKind = "no_pending"
	ResultNoCapacity      ResultKind = "no_capacity"
	ResultBudgetExhausted ResultKind = "budget_exhausted"
	ResultLostClaim       ResultKind = "lost_claim"
	ResultStartFailed     ResultKind = "start_failed"
)

// Result is the outcome of one dispatch attempt.
type Result struct {
	Key           string     `json:"id,omitempty"`
	Kind          ResultKind `json:"result"`
	ExecutionName string     `json:"execution_name,omitempty"`
	ExecutionRef  string     `json:"execution_ref,omitempty"`
	Message       string     `json:"message,omitempty"`
}

// Dispatcher selects pending combinations and starts their executions.
type Dispatcher struct {
	store    *store.Store
	gate     *capacity.Gate
	workflow Workflow
	clock    clock.PassiveClock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	prefix   string
	budget   *Budget
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPrefix sets the execution name prefix.
func WithPrefix(prefix string) Option {
	return func(d *Dispatcher) {
		if prefix != "" {
			d.prefix = prefix
		}
	}
}

// WithBudget caps the total number of executions this dispatcher starts.
func WithBudget(b *Budget) Option {
	return func(d *Dispatcher) {
		d.budget = b
	}
}

// WithClock sets the clock used for started_at and execution names.
func WithClock(c clock.PassiveClock) Option {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// New creates a Dispatcher.
func New(s *store.Store, gate *capacity.Gate, wf Workflow, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    s,
		gate:     gate,
		workflow: wf,
		clock:    clock.RealClock{},
		logger:   slog.Default(),
		prefix:   DefaultExecutionPrefix,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ExecutionName builds the unique execution name for key at the given time.
func ExecutionName(prefix, key string, t time.Time) string {
	return fmt.Sprintf("%s-%s-%s", prefix, key, t.UTC().Format(executionTimeLayout))
}

// StartPending dispatches up to max pending combinations, oldest first.
//
// Stops at the first attempt that cannot proceed for lack of capacity or
// budget. Per-combination problems are reported in the results and never
// abort the remaining candidates.
func (d *Dispatcher) StartPending(ctx context.Context, max int) ([]Result, error) {
	if max <= 0 {
		return []Result{}, nil
	}

	pending, err := d.store.Oldest(ctx, combo.StatusPending, max)
	if err != nil {
		return nil, fmt.Errorf("start pending: %w", err)
	}
	if len(pending) == 0 {
		d.logger.Info("no pending combinations")
		return []Result{{Kind: ResultNoPending, Message: "no pending combinations"}}, nil
	}

	results := make([]Result, 0, len(pending))
	for _, rec := range pending {
		res, err := d.dispatch(ctx, rec)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if res.Kind == ResultNoCapacity || res.Kind == ResultBudgetExhausted {
			break
		}
	}
	return results, nil
}

// TriggerNext dispatches the oldest pending combination.
//
// A claim lost to another dispatcher moves on to the next oldest, so a
// single trigger keeps one execution flowing whenever work is pending.
func (d *Dispatcher) TriggerNext(ctx context.Context) (Result, error) {
	const maxLostClaims = 3

	for attempt := 0; attempt < maxLostClaims; attempt++ {
		pending, err := d.store.Oldest(ctx, combo.StatusPending, 1)
		if err != nil {
			return Result{}, fmt.Errorf("trigger next: %w", err)
		}
		if len(pending) == 0 {
			d.logger.Info("no pending combinations")
			return Result{Kind: ResultNoPending, Message: "no pending combinations"}, nil
		}

		res, err := d.dispatch(ctx, pending[0])
		if err != nil || res.Kind != ResultLostClaim {
			return res, err
		}
	}
	return Result{Kind: ResultLostClaim, Message: "every candidate was claimed concurrently"}, nil
}

// dispatch runs the saga for one pending record. Only store failures that
// leave the saga in an unknown state are returned as errors.
func (d *Dispatcher) dispatch(ctx context.Context, rec combo.Record) (Result, error) {
	res := Result{Key: rec.Key}

	if err := d.budget.Reserve(); err != nil {
		res.Kind = ResultBudgetExhausted
		res.Message = err.Error()
		return d.record(res), nil
	}
	started := false
	defer func() {
		if !started {
			d.budget.Refund()
		}
	}()

	grant, err := d.gate.Acquire(ctx)
	if err != nil {
		return res, fmt.Errorf("dispatch %s: %w", rec.Key, err)
	}
	if !grant.Granted {
		res.Kind = ResultNoCapacity
		res.Message = fmt.Sprintf("capacity full: %d/%d active", grant.Active, grant.Max)
		d.logger.Info("capacity full", "active", grant.Active, "max", grant.Max)
		return d.record(res), nil
	}

	now := d.clock.Now()
	err = d.store.Update(ctx, rec.Key, store.Mutation{
		Status:    combo.StatusProcessing,
		StartedAt: combo.NewTimestamp(now),
	}, store.IfStatus(combo.StatusPending))
	if errors.Is(err, store.ErrConditionFailed) || errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("combination claimed concurrently", "key", rec.Key)
		if _, relErr := d.gate.ReleaseSlot(ctx); relErr != nil {
			d.logger.Error("slot for lost claim not returned", "key", rec.Key, "error", relErr)
		}
		res.Kind = ResultLostClaim
		res.Message = "claimed by another dispatcher"
		return d.record(res), nil
	}
	if err != nil {
		if _, relErr := d.gate.ReleaseSlot(ctx); relErr != nil {
			d.logger.Error("slot for failed claim not returned", "key", rec.Key, "error", relErr)
		}
		return res, fmt.Errorf("dispatch %s: claim: %w", rec.Key, err)
	}

	rec.Status = combo.StatusProcessing
	rec.StartedAt = combo.NewTimestamp(now)
	input, err := json.Marshal(rec)
	if err != nil {
		return d.abort(ctx, res, fmt.Errorf("encode input: %w", err))
	}

	res.ExecutionName = ExecutionName(d.prefix, rec.Key, now)
	ref, err := d.workflow.Start(ctx, res.ExecutionName, input)
	if err != nil {
		return d.abort(ctx, res, fmt.Errorf("workflow start: %w", err))
	}
	started = true
	res.ExecutionRef = ref

	// The execution may already be advancing the record, so the reference
	// is written without a status condition.
	if err := d.store.Update(ctx, rec.Key, store.Mutation{ExecutionRef: store.Text(ref)}, store.Condition{}); err != nil {
		d.logger.Error("execution started but reference not recorded",
			"key", rec.Key,
			"execution_ref", ref,
			"error", err)
	}

	res.Kind = ResultStarted
	d.logger.Info("execution started", "key", rec.Key, "execution_name", res.ExecutionName, "execution_ref", ref)
	return d.record(res), nil
}

// abort compensates a claim whose execution could not be started.
func (d *Dispatcher) abort(ctx context.Context, res Result, cause error) (Result, error) {
	res.Kind = ResultStartFailed
	res.Message = cause.Error()
	d.logger.Error("execution start failed", "key", res.Key, "error", cause)

	if _, err := d.gate.Release(ctx, res.Key, combo.StatusFailed, cause.Error()); err != nil {
		return d.record(res), fmt.Errorf("dispatch %s: compensate: %w", res.Key, err)
	}
	return d.record(res), nil
}

func (d *Dispatcher) record(res Result) Result {
	d.metrics.RecordDispatch(string(res.Kind))
	return res
}
