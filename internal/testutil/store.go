// Package testutil provides shared test fixtures: a temp-dir SQLite store
// on a fake clock, deterministic identifiers, and scripted fakes for the
// external workflow, preprocessing and job collaborators.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/roach88/gtfsbatch/internal/combo"
	"github.com/roach88/gtfsbatch/internal/store"
)

// Epoch is the start time of every fake clock created here.
var Epoch = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

// NewStore opens a store in t.TempDir() driven by a fake clock at Epoch.
func NewStore(t testing.TB) (*store.Store, *clocktesting.FakeClock) {
	t.Helper()
	clk := clocktesting.NewFakeClock(Epoch)
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"), store.WithClock(clk))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clk
}

// Identity builds an identity from its three parts.
func Identity(operator, contract, version string) combo.Identity {
	return combo.Identity{Operator: operator, Contract: contract, Version: version}
}

// Candidate builds a batch candidate with canonical field names.
func Candidate(operator, contract, version string) combo.Candidate {
	return combo.Candidate{"operator": operator, "contract": contract, "version": version}
}

// Seed inserts rec directly, bypassing status validation, so tests can
// create corrupted records. Empty text fields are stored as NULL.
func Seed(t testing.TB, s *store.Store, rec combo.Record) {
	t.Helper()
	null := func(v string) any {
		if v == "" {
			return nil
		}
		return v
	}
	_, err := s.DB().Exec(`
		INSERT INTO combinations
		(id, operator, contract, version, status, retries, registered_at, started_at, error, execution_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Key, null(rec.Operator), null(rec.Contract), null(rec.Version), null(string(rec.Status)),
		rec.Retries, null(string(rec.RegisteredAt)), null(string(rec.StartedAt)), null(rec.Error), null(rec.ExecutionRef))
	if err != nil {
		t.Fatalf("seed %s: %v", rec.Key, err)
	}
}

// MustGet reads the record at key or fails the test.
func MustGet(t testing.TB, s *store.Store, key string) combo.Record {
	t.Helper()
	rec, err := s.Get(t.Context(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	return rec
}
