package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/gtfsbatch/internal/combo"
)

// AcquireSlot atomically takes one execution slot if fewer than max are in use.
//
// The counter row is created lazily with zero active executions. The
// increment is one UPDATE guarded by active_executions < max, so the check
// and the increment cannot be separated by a concurrent caller. Returns the
// counter after the attempt and whether a slot was granted.
func (s *Store) AcquireSlot(ctx context.Context, max int64) (combo.CapacityCounter, bool, error) {
	now := string(combo.NewTimestamp(s.clock.Now()))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return combo.CapacityCounter{}, false, fmt.Errorf("acquire slot: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO capacity (id, active_executions, max_executions, last_updated)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, combo.CapacityKey, max, now)
	if err != nil {
		return combo.CapacityCounter{}, false, fmt.Errorf("acquire slot: init counter: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE capacity
		SET active_executions = active_executions + 1, max_executions = ?, last_updated = ?
		WHERE id = ? AND active_executions < ?
	`, max, now, combo.CapacityKey, max)
	if err != nil {
		return combo.CapacityCounter{}, false, fmt.Errorf("acquire slot: increment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return combo.CapacityCounter{}, false, fmt.Errorf("acquire slot: rows affected: %w", err)
	}

	counter, err := readCapacity(ctx, tx)
	if err != nil {
		return combo.CapacityCounter{}, false, fmt.Errorf("acquire slot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return combo.CapacityCounter{}, false, fmt.Errorf("acquire slot: commit: %w", err)
	}
	return counter, rowsAffected > 0, nil
}

// ReleaseSlot atomically returns one execution slot.
// The decrement is guarded by active_executions > 0; when nothing is held it
// returns ErrConditionFailed and leaves the counter unchanged.
func (s *Store) ReleaseSlot(ctx context.Context) (combo.CapacityCounter, error) {
	now := string(combo.NewTimestamp(s.clock.Now()))

	result, err := s.db.ExecContext(ctx, `
		UPDATE capacity
		SET active_executions = active_executions - 1, last_updated = ?
		WHERE id = ? AND active_executions > 0
	`, now, combo.CapacityKey)
	if err != nil {
		return combo.CapacityCounter{}, fmt.Errorf("release slot: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return combo.CapacityCounter{}, fmt.Errorf("release slot: rows affected: %w", err)
	}

	counter, err := s.Capacity(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return combo.CapacityCounter{}, err
	}
	if rowsAffected == 0 {
		return counter, ErrConditionFailed
	}
	return counter, nil
}

// Capacity returns the capacity counter. Returns ErrNotFound before the
// first acquisition has created it.
func (s *Store) Capacity(ctx context.Context) (combo.CapacityCounter, error) {
	counter, err := readCapacity(ctx, s.db)
	if err != nil {
		return combo.CapacityCounter{}, err
	}
	return counter, nil
}

// ReconcileCapacity sets active_executions to the number of in-progress
// combinations. This is the operator remediation for a counter that leaked
// because a status write and a counter write were separated by a failure.
// Returns the counter before and after.
func (s *Store) ReconcileCapacity(ctx context.Context, max int64) (before, after combo.CapacityCounter, err error) {
	now := string(combo.NewTimestamp(s.clock.Now()))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return before, after, fmt.Errorf("reconcile capacity: begin tx: %w", err)
	}
	defer tx.Rollback()

	before, err = readCapacity(ctx, tx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return before, after, fmt.Errorf("reconcile capacity: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO capacity (id, active_executions, max_executions, last_updated)
		VALUES (?, (SELECT COUNT(*) FROM combinations WHERE status IN (?, ?)), ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			active_executions = excluded.active_executions,
			max_executions = excluded.max_executions,
			last_updated = excluded.last_updated
	`, combo.CapacityKey, string(combo.StatusPreprocessing), string(combo.StatusProcessing), max, now)
	if err != nil {
		return before, after, fmt.Errorf("reconcile capacity: %w", err)
	}

	after, err = readCapacity(ctx, tx)
	if err != nil {
		return before, after, fmt.Errorf("reconcile capacity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return before, after, fmt.Errorf("reconcile capacity: commit: %w", err)
	}
	return before, after, nil
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readCapacity(ctx context.Context, q queryRower) (combo.CapacityCounter, error) {
	var (
		counter     combo.CapacityCounter
		lastUpdated sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, active_executions, max_executions, last_updated
		FROM capacity
		WHERE id = ?
	`, combo.CapacityKey).Scan(&counter.Key, &counter.ActiveExecutions, &counter.MaxExecutions, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return combo.CapacityCounter{}, ErrNotFound
	}
	if err != nil {
		return combo.CapacityCounter{}, fmt.Errorf("read capacity: %w", err)
	}
	counter.LastUpdated = combo.Timestamp(lastUpdated.String)
	return counter, nil
}
