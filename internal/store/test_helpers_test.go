package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/gtfsbatch/internal/combo"
	clocktesting "k8s.io/utils/clock/testing"
)

var testEpoch = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory with a fake clock.
func createTestStore(t *testing.T) (*Store, *clocktesting.FakeClock) {
	t.Helper()
	clk := clocktesting.NewFakeClock(testEpoch)
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clk))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clk
}

// createTestRecord creates a pending record registered at the given offset
// from testEpoch.
func createTestRecord(operator, contract, version string, offset time.Duration) combo.Record {
	id := combo.Identity{Operator: operator, Contract: contract, Version: version}
	return combo.NewPendingRecord(id, testEpoch.Add(offset))
}
