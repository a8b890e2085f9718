package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/gtfsbatch/internal/combo"
)

// Mutation describes the fields an Update writes. Zero values leave a
// column untouched; pointer fields set to "" clear the column.
// last_updated is always stamped.
type Mutation struct {
	Status           combo.Status
	IncrementRetries bool

	StartedAt combo.Timestamp
	ResetAt   combo.Timestamp
	EndedAt   combo.Timestamp

	Error        *string
	ResetReason  *string
	ExecutionRef *string
	PreprocessID *string
	TempLocation *string

	MacroRunID       *string
	MacroStatus      *string
	MacroStopsRunID  *string
	MacroStopsStatus *string
}

// Condition guards an Update. The zero Condition only requires the record
// to exist.
type Condition struct {
	// StatusIn, when non-empty, requires the stored status to be one of the
	// listed values. Unrecognized values are allowed here so that a writer
	// can compare-and-swap on a corrupted status it observed. An empty
	// string matches a NULL status.
	StatusIn []combo.Status
}

// IfStatus returns a Condition requiring the stored status to be one of statuses.
func IfStatus(statuses ...combo.Status) Condition {
	return Condition{StatusIn: statuses}
}

// Text returns a pointer to s for use in Mutation fields.
func Text(s string) *string {
	return &s
}

// PutIfAbsent inserts a new combination record.
// Uses ON CONFLICT(id) DO NOTHING: a lost race returns ErrAlreadyExists and
// never overwrites the winner's record.
func (s *Store) PutIfAbsent(ctx context.Context, rec combo.Record) error {
	if rec.Key == "" {
		return fmt.Errorf("put combination: empty key")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("put combination %s: %w: %q", rec.Key, ErrInvalidStatus, rec.Status)
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = combo.NewTimestamp(s.clock.Now())
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO combinations
		(id, operator, contract, version, status, retries,
		 registered_at, started_at, reset_at, ended_at, last_updated,
		 error, reset_reason, execution_ref, preprocess_id, temp_location,
		 macro_run_id, macro_status, macro_stops_run_id, macro_stops_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.Key,
		nullString(rec.Operator),
		nullString(rec.Contract),
		nullString(rec.Version),
		string(rec.Status),
		rec.Retries,
		nullTimestamp(rec.RegisteredAt),
		nullTimestamp(rec.StartedAt),
		nullTimestamp(rec.ResetAt),
		nullTimestamp(rec.EndedAt),
		nullTimestamp(rec.LastUpdated),
		nullString(rec.Error),
		nullString(rec.ResetReason),
		nullString(rec.ExecutionRef),
		nullString(rec.PreprocessID),
		nullString(rec.TempLocation),
		nullString(rec.MacroRunID),
		nullString(rec.MacroStatus),
		nullString(rec.MacroStopsRunID),
		nullString(rec.MacroStopsStatus),
	)
	if err != nil {
		return fmt.Errorf("put combination %s: %w", rec.Key, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("put combination %s: rows affected: %w", rec.Key, err)
	}
	if rowsAffected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Update applies m to the record at key if cond holds.
//
// Returns ErrConditionFailed when the record exists but cond does not match,
// ErrNotFound when the record does not exist, and ErrInvalidStatus when m
// would store an unrecognized status. When both m and cond name statuses,
// every edge from a condition status to the new status must be allowed by
// combo.CanTransition, else ErrInvalidTransition.
func (s *Store) Update(ctx context.Context, key string, m Mutation, cond Condition) error {
	if m.Status != "" && !m.Status.Valid() {
		return fmt.Errorf("update combination %s: %w: %q", key, ErrInvalidStatus, m.Status)
	}
	if m.Status != "" {
		for _, from := range cond.StatusIn {
			if !combo.CanTransition(from, m.Status) {
				return fmt.Errorf("update combination %s: %w: %q -> %q", key, ErrInvalidTransition, from, m.Status)
			}
		}
	}

	sets := []string{"last_updated = ?"}
	args := []any{string(combo.NewTimestamp(s.clock.Now()))}

	set := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	setText := func(column string, value *string) {
		if value != nil {
			set(column, nullString(*value))
		}
	}
	setTime := func(column string, value combo.Timestamp) {
		if !value.IsZero() {
			set(column, string(value))
		}
	}

	if m.Status != "" {
		set("status", string(m.Status))
	}
	if m.IncrementRetries {
		sets = append(sets, "retries = retries + 1")
	}
	setTime("started_at", m.StartedAt)
	setTime("reset_at", m.ResetAt)
	setTime("ended_at", m.EndedAt)
	setText("error", m.Error)
	setText("reset_reason", m.ResetReason)
	setText("execution_ref", m.ExecutionRef)
	setText("preprocess_id", m.PreprocessID)
	setText("temp_location", m.TempLocation)
	setText("macro_run_id", m.MacroRunID)
	setText("macro_status", m.MacroStatus)
	setText("macro_stops_run_id", m.MacroStopsRunID)
	setText("macro_stops_status", m.MacroStopsStatus)

	query := "UPDATE combinations SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, key)

	if len(cond.StatusIn) > 0 {
		placeholders := make([]string, len(cond.StatusIn))
		for i, st := range cond.StatusIn {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND COALESCE(status, '') IN (" + strings.Join(placeholders, ", ") + ")"
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update combination %s: %w", key, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update combination %s: rows affected: %w", key, err)
	}
	if rowsAffected > 0 {
		return nil
	}

	exists, err := s.exists(ctx, key)
	if err != nil {
		return fmt.Errorf("update combination %s: %w", key, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConditionFailed
}

// Delete removes the record at key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM combinations WHERE id = ?`, key); err != nil {
		return fmt.Errorf("delete combination %s: %w", key, err)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM combinations WHERE id = ?`, key).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check combination: %w", err)
	}
	return count > 0, nil
}
