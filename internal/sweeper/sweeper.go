// Package sweeper detects and repairs inconsistent combination records.
//
// A sweep walks the whole registry page by page and classifies each record
// in a fixed order. Records that were in progress are reset to pending so
// their history survives; anything else that is inconsistent has no
// trustworthy status to return to and is deleted.
package sweeper

import (
	"context"
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
	// DefaultThreshold is how long a record may stay in progress.
	DefaultThreshold = 8 * time.Hour

	// DefaultPageSize is the scan page size.
	DefaultPageSize = 100
)

// Reasons recorded for each kind of inconsistency.
const (
	ReasonMissingField     = "missing field"
	ReasonNoTimestamp      = "stuck without timestamp"
	ReasonInvalidTimestamp = "invalid timestamp"
	ReasonStale            = "stuck beyond threshold"
	ReasonUnknownStatus    = "unknown status"
)

// Action is the remediation applied to an inconsistent record.
type Action string

const (
	ActionReset  Action = "reset"
	ActionDelete Action = "delete"
)

// Repair describes one remediated record.
type Repair struct {
	Key    string       `json:"id"`
	Status combo.Status `json:"status"`
	Reason string       `json:"reason"`
	Action Action       `json:"action"`
}

// Stats aggregates a sweep.
type Stats struct {
	Scanned int      `json:"scanned"`
	Reset   int      `json:"reset"`
	Deleted int      `json:"deleted"`
	Skipped int      `json:"skipped"`
	Repairs []Repair `json:"repairs,omitempty"`
}

// Classify reports why rec is inconsistent at now, or "" if it is not.
//
// Checks run in order: missing identity or status fields, then in-progress
// timestamp problems, then an unrecognized status.
func Classify(rec combo.Record, now time.Time, threshold time.Duration) string {
	if rec.Key == "" || rec.Operator == "" || rec.Contract == "" || rec.Version == "" || rec.Status == "" {
		return ReasonMissingField
	}

	if rec.Status.InProgress() {
		if rec.StartedAt.IsZero() {
			return ReasonNoTimestamp
		}
		started, err := rec.StartedAt.Time()
		if err != nil {
			return ReasonInvalidTimestamp
		}
		if now.Sub(started) > threshold {
			return ReasonStale
		}
		return ""
	}

	if !rec.Status.Valid() {
		return ReasonUnknownStatus
	}
	return ""
}

// Sweeper runs consistency sweeps.
type Sweeper struct {
	store     *store.Store
	gate      *capacity.Gate
	clock     clock.WithTicker
	logger    *slog.Logger
	metrics   *metrics.Metrics
	threshold time.Duration
	pageSize  int
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithThreshold sets the staleness threshold for in-progress records.
func WithThreshold(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.threshold = d
		}
	}
}

// WithPageSize sets the scan page size.
func WithPageSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithClock sets the clock used for staleness and reset_at.
func WithClock(c clock.WithTicker) Option {
	return func(s *Sweeper) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

// New creates a Sweeper. gate may be nil, in which case resetting an
// in-progress record does not return its capacity slot.
func New(s *store.Store, gate *capacity.Gate, opts ...Option) *Sweeper {
	sw := &Sweeper{
		store:     s,
		gate:      gate,
		clock:     clock.RealClock{},
		logger:    slog.Default(),
		threshold: DefaultThreshold,
		pageSize:  DefaultPageSize,
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Sweep scans the full registry once and repairs what it finds.
func (s *Sweeper) Sweep(ctx context.Context) (Stats, error) {
	var stats Stats
	now := s.clock.Now()

	err := s.store.ScanAll(ctx, store.ScanOptions{Limit: s.pageSize}, func(rec combo.Record) error {
		stats.Scanned++

		reason := Classify(rec, now, s.threshold)
		if reason == "" {
			return nil
		}

		repair, err := s.repair(ctx, rec, reason)
		if err != nil {
			return err
		}
		switch repair.Action {
		case ActionReset:
			stats.Reset++
		case ActionDelete:
			stats.Deleted++
		default:
			stats.Skipped++
			return nil
		}
		stats.Repairs = append(stats.Repairs, repair)
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("sweep: %w", err)
	}

	s.logger.Info("sweep complete",
		"scanned", stats.Scanned,
		"reset", stats.Reset,
		"deleted", stats.Deleted,
		"skipped", stats.Skipped)
	return stats, nil
}

func (s *Sweeper) repair(ctx context.Context, rec combo.Record, reason string) (Repair, error) {
	repair := Repair{Key: rec.Key, Status: rec.Status, Reason: reason}

	if !rec.Status.InProgress() {
		if err := s.store.Delete(ctx, rec.Key); err != nil {
			return repair, err
		}
		repair.Action = ActionDelete
		s.metrics.RecordRepair(string(repair.Action), reason)
		s.logger.Warn("inconsistent combination deleted", "key", rec.Key, "status", rec.Status, "reason", reason)
		return repair, nil
	}

	err := s.store.Update(ctx, rec.Key, store.Mutation{
		Status:           combo.StatusPending,
		IncrementRetries: true,
		ResetAt:          combo.NewTimestamp(s.clock.Now()),
		ResetReason:      store.Text(reason),
	}, store.IfStatus(rec.Status))
	if errors.Is(err, store.ErrConditionFailed) || errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("combination changed during sweep; left alone", "key", rec.Key, "reason", reason)
		return repair, nil
	}
	if err != nil {
		return repair, err
	}
	repair.Action = ActionReset
	s.metrics.RecordRepair(string(repair.Action), reason)
	s.logger.Warn("stuck combination reset", "key", rec.Key, "status", rec.Status, "reason", reason)

	if s.gate != nil {
		if _, err := s.gate.ReleaseSlot(ctx); err != nil {
			s.logger.Error("capacity slot not returned for reset combination", "key", rec.Key, "error", err)
		}
	}
	return repair, nil
}

// Run sweeps immediately and then every interval until ctx is cancelled.
// A failed sweep is logged and retried at the next tick.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", interval)

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return ctx.Err()
		case <-ticker.C():
		}
	}
}
