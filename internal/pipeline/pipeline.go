// Package pipeline drains the pending queue through the capacity gate.
//
// A drain starts as many executions as capacity allows. Every execution
// processes its combination and, once its slot is back, triggers the next
// pending one. The drain ends when nothing is in flight, which happens
// when the queue is empty or the dispatch budget is spent.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/gtfsbatch/internal/capacity"
	"github.com/roach88/gtfsbatch/internal/combo"
	"github.com/roach88/gtfsbatch/internal/dispatch"
	"github.com/roach88/gtfsbatch/internal/orchestrator"
	"github.com/roach88/gtfsbatch/internal/store"
	"github.com/roach88/gtfsbatch/internal/sweeper"
	"github.com/roach88/gtfsbatch/internal/workflow"
)

// Report summarizes a drain.
type Report struct {
	Sweep     *sweeper.Stats         `json:"sweep,omitempty"`
	Started   int                    `json:"started"`
	Completed int                    `json:"completed"`
	Failed    int                    `json:"failed"`
	Errors    int                    `json:"errors"`
	Outcomes  []orchestrator.Outcome `json:"outcomes"`
	Pending   int                    `json:"pending_remaining"`
}

// Drainer runs drains.
type Drainer struct {
	Store        *store.Store
	Gate         *capacity.Gate
	Orchestrator *orchestrator.Orchestrator

	// Sweeper, when set, runs one sweep before dispatching.
	Sweeper *sweeper.Sweeper

	// InitialStarts bounds the first bulk start. Zero means the gate ceiling.
	InitialStarts int

	// DispatchOptions are applied to the drain's dispatcher.
	DispatchOptions []dispatch.Option

	// Refs overrides the execution reference generator.
	Refs workflow.RefGenerator

	Logger *slog.Logger
}

// Drain processes pending combinations until nothing is in flight.
func (d *Drainer) Drain(ctx context.Context) (Report, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var report Report
	if d.Sweeper != nil {
		stats, err := d.Sweeper.Sweep(ctx)
		if err != nil {
			return report, fmt.Errorf("drain: %w", err)
		}
		report.Sweep = &stats
	}

	var (
		mu   sync.Mutex
		disp *dispatch.Dispatcher
	)

	handler := func(ctx context.Context, name string, input []byte) error {
		var rec combo.Record
		if err := json.Unmarshal(input, &rec); err != nil {
			return fmt.Errorf("decode execution input: %w", err)
		}

		out, err := d.Orchestrator.Process(ctx, rec.Key)
		if err != nil && ctx.Err() == nil && !errors.Is(err, orchestrator.ErrNotClaimed) {
			// Close out the attempt so its slot is not held until the
			// sweeper notices. Release is a no-op if already terminal.
			if _, relErr := d.Gate.Release(ctx, rec.Key, combo.StatusFailed, err.Error()); relErr != nil {
				logger.Error("release after processing error failed", "key", rec.Key, "error", relErr)
			}
		}

		mu.Lock()
		switch {
		case err != nil:
			report.Errors++
		case out.Status == combo.StatusCompleted:
			report.Completed++
		default:
			report.Failed++
		}
		if err == nil {
			report.Outcomes = append(report.Outcomes, out)
		}
		mu.Unlock()

		if ctx.Err() != nil {
			return err
		}
		next, nextErr := disp.TriggerNext(ctx)
		if nextErr != nil {
			logger.Error("trigger next failed", "after", rec.Key, "error", nextErr)
		} else {
			mu.Lock()
			if next.Kind == dispatch.ResultStarted {
				report.Started++
			}
			mu.Unlock()
		}
		return err
	}

	engineOpts := []workflow.Option{workflow.WithLogger(logger)}
	if d.Refs != nil {
		engineOpts = append(engineOpts, workflow.WithRefs(d.Refs))
	}
	engine := workflow.NewLocalEngine(ctx, handler, engineOpts...)
	disp = dispatch.New(d.Store, d.Gate, engine, d.DispatchOptions...)

	initial := d.InitialStarts
	if initial <= 0 {
		initial = int(d.Gate.Max())
	}
	results, err := disp.StartPending(ctx, initial)
	for _, res := range results {
		if res.Kind == dispatch.ResultStarted {
			mu.Lock()
			report.Started++
			mu.Unlock()
		}
	}
	engine.Wait()
	if err != nil {
		return report, fmt.Errorf("drain: %w", err)
	}

	counts, err := d.Store.CountByStatus(ctx)
	if err != nil {
		return report, fmt.Errorf("drain: %w", err)
	}
	report.Pending = counts[combo.StatusPending]

	logger.Info("drain complete",
		"started", report.Started,
		"completed", report.Completed,
		"failed", report.Failed,
		"errors", report.Errors,
		"pending_remaining", report.Pending)
	return report, ctx.Err()
}
