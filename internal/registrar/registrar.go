// Package registrar persists discovered combinations into the store.
//
// Each candidate is handled by an independent read-modify-write keyed on
// its identity, so a batch is processed by a bounded worker pool with no
// cross-candidate locking. Every write is conditional: a create only
// succeeds if the key is absent, and a reset only succeeds if the status
// observed on read is still stored.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/roach88/gtfsbatch/internal/combo"
	"github.com/roach88/gtfsbatch/internal/metrics"
	"github.com/roach88/gtfsbatch/internal/store"
)

// DefaultWorkers is the default width of the registration worker pool.
const DefaultWorkers = 10

// OutcomeKind classifies the result of registering one candidate.
type OutcomeKind string

const (
	OutcomeRegistered OutcomeKind = "registered"
	OutcomeReset      OutcomeKind = "reset"
	OutcomeSkipped    OutcomeKind = "skipped"
	OutcomeError      OutcomeKind = "error"
)

// Outcome is the per-candidate result of a registration pass.
type Outcome struct {
	Key     string      `json:"id"`
	Kind    OutcomeKind `json:"result"`
	Message string      `json:"message,omitempty"`
}

// Counts aggregates outcomes over a batch.
type Counts struct {
	Registered int `json:"registered"`
	Reset      int `json:"reset"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// Changed reports whether the pass created or reopened any combination.
func (c Counts) Changed() bool {
	return c.Registered > 0 || c.Reset > 0
}

func (c *Counts) add(kind OutcomeKind) {
	switch kind {
	case OutcomeRegistered:
		c.Registered++
	case OutcomeReset:
		c.Reset++
	case OutcomeSkipped:
		c.Skipped++
	default:
		c.Errors++
	}
}

// Result is the output of Register. Outcomes are in batch order.
type Result struct {
	Counts   Counts    `json:"summary"`
	Outcomes []Outcome `json:"combinations"`
}

// Registrar registers candidate batches.
type Registrar struct {
	store   *store.Store
	clock   clock.PassiveClock
	logger  *slog.Logger
	metrics *metrics.Metrics
	workers int
}

// Option configures a Registrar.
type Option func(*Registrar)

// WithWorkers sets the worker pool width. Values below 1 are ignored.
func WithWorkers(n int) Option {
	return func(r *Registrar) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithClock sets the clock used for registered_at and reset_at.
func WithClock(c clock.PassiveClock) Option {
	return func(r *Registrar) {
		r.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registrar) {
		r.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registrar) {
		r.metrics = m
	}
}

// New creates a Registrar over s.
func New(s *store.Store, opts ...Option) *Registrar {
	r := &Registrar{
		store:   s,
		clock:   clock.RealClock{},
		logger:  slog.Default(),
		workers: DefaultWorkers,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register processes every candidate in the batch.
//
// A failing candidate is reported in its Outcome and never aborts the
// batch. The returned error is non-nil only if ctx was cancelled before all
// candidates were attempted.
func (r *Registrar) Register(ctx context.Context, batch []combo.Candidate) (Result, error) {
	outcomes := make([]Outcome, len(batch))

	var (
		mu     sync.Mutex
		counts Counts
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i, cand := range batch {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out := r.registerOne(gctx, cand)
			outcomes[i] = out

			mu.Lock()
			counts.add(out.Kind)
			mu.Unlock()

			r.metrics.RecordRegistration(string(out.Kind))
			r.logOutcome(out)
			return nil
		})
	}
	_ = g.Wait()

	result := Result{Counts: counts, Outcomes: outcomes}
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("register batch: %w", err)
	}

	r.logger.Info("registration complete",
		"registered", counts.Registered,
		"reset", counts.Reset,
		"skipped", counts.Skipped,
		"errors", counts.Errors)
	return result, nil
}

func (r *Registrar) registerOne(ctx context.Context, cand combo.Candidate) Outcome {
	id, err := cand.Identity()
	if err != nil {
		return Outcome{Key: cand.Label(), Kind: OutcomeError, Message: err.Error()}
	}
	key := id.Key()

	rec, err := r.store.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return r.create(ctx, id)
	case err != nil:
		return Outcome{Key: key, Kind: OutcomeError, Message: err.Error()}
	}

	// Only pending, processing and completed records are left alone. A
	// preprocessing record is reopened without releasing its slot;
	// capacity reconcile recovers the count.
	switch rec.Status {
	case combo.StatusPending, combo.StatusProcessing, combo.StatusCompleted:
		return Outcome{Key: key, Kind: OutcomeSkipped, Message: fmt.Sprintf("already %s", rec.Status)}
	case combo.StatusFailed, combo.StatusPreprocessing:
		return r.reset(ctx, key, rec.Status, fmt.Sprintf("reset from %s", rec.Status))
	default:
		return r.reset(ctx, key, rec.Status, fmt.Sprintf("reset from unknown status %q", rec.Status))
	}
}

func (r *Registrar) create(ctx context.Context, id combo.Identity) Outcome {
	key := id.Key()
	err := r.store.PutIfAbsent(ctx, combo.NewPendingRecord(id, r.clock.Now()))
	if err == nil {
		return Outcome{Key: key, Kind: OutcomeRegistered, Message: "created as pending"}
	}
	if !errors.Is(err, store.ErrAlreadyExists) {
		return Outcome{Key: key, Kind: OutcomeError, Message: err.Error()}
	}

	// Lost the create race. The winner's record should now be visible.
	if _, err := r.store.Get(ctx, key); err == nil {
		return Outcome{Key: key, Kind: OutcomeSkipped, Message: "created concurrently"}
	} else if errors.Is(err, store.ErrNotFound) {
		return Outcome{Key: key, Kind: OutcomeError, Message: "create conflicted but record is absent"}
	} else {
		return Outcome{Key: key, Kind: OutcomeError, Message: err.Error()}
	}
}

// reset reopens the record at key, conditioned on it still holding observed.
func (r *Registrar) reset(ctx context.Context, key string, observed combo.Status, message string) Outcome {
	err := r.store.Update(ctx, key, store.Mutation{
		Status:           combo.StatusPending,
		IncrementRetries: true,
		ResetAt:          combo.NewTimestamp(r.clock.Now()),
		Error:            store.Text(""),
	}, store.IfStatus(observed))

	switch {
	case err == nil:
		return Outcome{Key: key, Kind: OutcomeReset, Message: message}
	case errors.Is(err, store.ErrConditionFailed), errors.Is(err, store.ErrNotFound):
		r.logger.Warn("reset lost to concurrent writer", "key", key, "observed", observed)
		return Outcome{Key: key, Kind: OutcomeSkipped, Message: "modified concurrently"}
	default:
		return Outcome{Key: key, Kind: OutcomeError, Message: err.Error()}
	}
}

func (r *Registrar) logOutcome(out Outcome) {
	switch out.Kind {
	case OutcomeError:
		r.logger.Error("registration failed", "key", out.Key, "error", out.Message)
	case OutcomeSkipped:
		r.logger.Debug("combination skipped", "key", out.Key, "reason", out.Message)
	default:
		r.logger.Info("combination "+string(out.Kind), "key", out.Key, "reason", out.Message)
	}
}

// ResetFailed reopens every failed combination.
//
// Each reset is conditioned on the record still being failed; a record
// that changed since the scan is logged and skipped. Returns the number of
// records reset.
func (r *Registrar) ResetFailed(ctx context.Context) (int, error) {
	var failed []string
	err := r.store.ScanAll(ctx, store.ScanOptions{Status: combo.StatusFailed}, func(rec combo.Record) error {
		failed = append(failed, rec.Key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reset failed: %w", err)
	}

	reset := 0
	for _, key := range failed {
		out := r.reset(ctx, key, combo.StatusFailed, "reset from failed")
		r.logOutcome(out)
		if out.Kind == OutcomeReset {
			reset++
		}
	}

	r.logger.Info("failed combinations reset", "found", len(failed), "reset", reset)
	return reset, nil
}
