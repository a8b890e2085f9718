package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	for _, table := range []string{"combinations", "capacity"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Fatal("Open() with invalid path should fail")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db = %v, want nil", err)
	}
}

func TestPragma_JournalMode(t *testing.T) {
	s, _ := createTestStore(t)
	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
}

func TestPragma_BusyTimeout(t *testing.T) {
	s, _ := createTestStore(t)
	if err := s.verifyPragma("busy_timeout", "5000"); err != nil {
		t.Error(err)
	}
}

func TestSchema_UserVersion(t *testing.T) {
	s, _ := createTestStore(t)

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("query user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestSchema_PendingIndex(t *testing.T) {
	s, _ := createTestStore(t)

	var name string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='index' AND name=?",
		"idx_combinations_status_registered",
	).Scan(&name)
	if err != nil {
		t.Errorf("pending selection index missing: %v", err)
	}
}

func TestConstraint_RetriesNeverDecrease(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.db.Exec(`INSERT INTO combinations (id, status, retries) VALUES ('a_b_c', 'failed', 2)`)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	_, err = s.db.Exec(`UPDATE combinations SET retries = 1 WHERE id = 'a_b_c'`)
	if err == nil {
		t.Error("decreasing retries should be rejected")
	}
}

func TestConstraint_CapacityNeverNegative(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.db.Exec(`INSERT INTO capacity (id, active_executions, max_executions) VALUES ('capacity_control', -1, 5)`)
	if err == nil {
		t.Error("negative active_executions should be rejected")
	}
}
