// Package capacity is the single admission-control point for combination
// executions. Every dispatch path acquires a slot here before claiming a
// combination and every terminal transition releases it here.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/roach88/gtfsbatch/internal/combo"
	"github.com/roach88/gtfsbatch/internal/metrics"
	"github.com/roach88/gtfsbatch/internal/store"
)

const (
	// DefaultMaxExecutions is the default ceiling on in-flight executions.
	DefaultMaxExecutions = 5

	defaultReleaseAttempts = 3
	defaultReleaseBackoff  = 200 * time.Millisecond
)

// ErrNotTerminal is returned by Release for a non-terminal status.
var ErrNotTerminal = errors.New("release requires a terminal status")

// Grant is the result of an acquisition attempt.
type Grant struct {
	Granted bool  `json:"granted"`
	Active  int64 `json:"active_executions"`
	Max     int64 `json:"max_executions"`
}

// ReleaseResult describes what a Release changed.
//
// StatusUpdated is false when the combination was no longer in progress,
// which means an earlier release already handled it; the slot is then left
// alone. SlotReleased is false when the counter was already zero or every
// decrement attempt failed.
type ReleaseResult struct {
	Key           string       `json:"id"`
	Status        combo.Status `json:"status"`
	StatusUpdated bool         `json:"status_updated"`
	SlotReleased  bool         `json:"slot_released"`
	Active        int64        `json:"active_executions"`
	Message       string       `json:"message,omitempty"`
}

// Gate bounds the number of concurrently executing combinations.
type Gate struct {
	store   *store.Store
	max     int64
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	releaseAttempts int
	releaseBackoff  time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock sets the clock used for ended_at and retry backoff.
func WithClock(c clock.Clock) Option {
	return func(g *Gate) {
		g.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// WithReleaseRetry sets how many times a failed decrement is attempted and
// the pause between attempts.
func WithReleaseRetry(attempts int, backoff time.Duration) Option {
	return func(g *Gate) {
		if attempts > 0 {
			g.releaseAttempts = attempts
		}
		g.releaseBackoff = backoff
	}
}

// New creates a Gate allowing at most max concurrent executions.
func New(s *store.Store, max int64, opts ...Option) *Gate {
	if max <= 0 {
		max = DefaultMaxExecutions
	}
	g := &Gate{
		store:           s,
		max:             max,
		clock:           clock.RealClock{},
		logger:          slog.Default(),
		releaseAttempts: defaultReleaseAttempts,
		releaseBackoff:  defaultReleaseBackoff,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Max returns the configured ceiling.
func (g *Gate) Max() int64 {
	return g.max
}

// Acquire takes one slot if one is free.
func (g *Gate) Acquire(ctx context.Context) (Grant, error) {
	counter, granted, err := g.store.AcquireSlot(ctx, g.max)
	if err != nil {
		return Grant{}, fmt.Errorf("acquire capacity: %w", err)
	}

	g.metrics.RecordAcquire(granted, counter.ActiveExecutions)
	g.logger.Debug("capacity checked",
		"granted", granted,
		"active", counter.ActiveExecutions,
		"max", counter.MaxExecutions)

	return Grant{Granted: granted, Active: counter.ActiveExecutions, Max: counter.MaxExecutions}, nil
}

// Release ends an execution: it records the terminal status of key and
// then returns the slot.
//
// The status write is conditioned on the record still being in progress,
// which makes Release idempotent per execution. The decrement is retried
// on store errors; a counter already at zero is reported, not retried.
func (g *Gate) Release(ctx context.Context, key string, status combo.Status, errMsg string) (ReleaseResult, error) {
	if !status.Terminal() {
		return ReleaseResult{}, fmt.Errorf("release %s: %w: %q", key, ErrNotTerminal, status)
	}

	result := ReleaseResult{Key: key, Status: status}

	m := store.Mutation{
		Status:  status,
		EndedAt: combo.NewTimestamp(g.clock.Now()),
		Error:   store.Text(errMsg),
	}
	err := g.store.Update(ctx, key, m, store.IfStatus(combo.StatusPreprocessing, combo.StatusProcessing))
	switch {
	case err == nil:
		result.StatusUpdated = true
	case errors.Is(err, store.ErrConditionFailed), errors.Is(err, store.ErrNotFound):
		result.Message = "combination not in progress; already released"
		g.logger.Warn("release skipped", "key", key, "status", status, "reason", result.Message)
		return result, nil
	default:
		return result, fmt.Errorf("release %s: %w", key, err)
	}

	slot, err := g.ReleaseSlot(ctx)
	result.SlotReleased = slot.SlotReleased
	result.Active = slot.Active
	result.Message = slot.Message
	if err != nil {
		g.logger.Error("capacity leaked; run capacity reconcile",
			"key", key,
			"status", status,
			"error", err)
		return result, fmt.Errorf("release %s: %w", key, err)
	}

	g.logger.Info("execution released", "key", key, "status", status, "active", result.Active)
	return result, nil
}

// ReleaseSlot returns one slot without touching any combination. Used to
// compensate an acquisition whose claim was lost and by the sweeper when
// it resets an in-progress record.
func (g *Gate) ReleaseSlot(ctx context.Context) (ReleaseResult, error) {
	var (
		result  ReleaseResult
		lastErr error
	)
	for attempt := 1; attempt <= g.releaseAttempts; attempt++ {
		counter, err := g.store.ReleaseSlot(ctx)
		result.Active = counter.ActiveExecutions
		if err == nil {
			result.SlotReleased = true
			g.metrics.SetActive(counter.ActiveExecutions)
			return result, nil
		}
		if errors.Is(err, store.ErrConditionFailed) {
			result.Message = "no active executions to release"
			g.logger.Warn("capacity already at zero")
			return result, nil
		}

		lastErr = err
		g.logger.Warn("capacity release failed", "attempt", attempt, "error", err)
		if attempt == g.releaseAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-g.clock.After(g.releaseBackoff):
		}
	}
	result.Message = "decrement failed"
	return result, fmt.Errorf("release capacity after %d attempts: %w", g.releaseAttempts, lastErr)
}

// Counter returns the current counter. Before the first acquisition it
// reports zero active executions against the configured ceiling.
func (g *Gate) Counter(ctx context.Context) (combo.CapacityCounter, error) {
	counter, err := g.store.Capacity(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return combo.CapacityCounter{Key: combo.CapacityKey, MaxExecutions: g.max}, nil
	}
	if err != nil {
		return combo.CapacityCounter{}, fmt.Errorf("read capacity: %w", err)
	}
	return counter, nil
}

// Reconcile resets the counter to the number of in-progress combinations.
func (g *Gate) Reconcile(ctx context.Context) (before, after combo.CapacityCounter, err error) {
	before, after, err = g.store.ReconcileCapacity(ctx, g.max)
	if err != nil {
		return before, after, err
	}
	g.metrics.SetActive(after.ActiveExecutions)
	if before.ActiveExecutions != after.ActiveExecutions {
		g.logger.Warn("capacity counter corrected",
			"before", before.ActiveExecutions,
			"after", after.ActiveExecutions)
	}
	return before, after, nil
}
