package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/roach88/gtfsbatch/internal/combo"
)

func TestAcquireSlot_LazyInit(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	if _, err := s.Capacity(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Capacity() before first acquire = %v, want ErrNotFound", err)
	}

	counter, granted, err := s.AcquireSlot(ctx, 5)
	if err != nil {
		t.Fatalf("AcquireSlot() failed: %v", err)
	}
	if !granted {
		t.Fatal("first AcquireSlot() should be granted")
	}
	if counter.ActiveExecutions != 1 || counter.MaxExecutions != 5 {
		t.Errorf("counter = %+v, want 1/5", counter)
	}
}

func TestAcquireSlot_RespectsCeiling(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, granted, err := s.AcquireSlot(ctx, 2); err != nil || !granted {
			t.Fatalf("AcquireSlot() #%d = %v, %v", i, granted, err)
		}
	}

	counter, granted, err := s.AcquireSlot(ctx, 2)
	if err != nil {
		t.Fatalf("AcquireSlot() failed: %v", err)
	}
	if granted {
		t.Error("AcquireSlot() at ceiling should be denied")
	}
	if counter.ActiveExecutions != 2 {
		t.Errorf("active = %d, want 2", counter.ActiveExecutions)
	}
}

func TestAcquireSlot_ConcurrentNeverExceedsCeiling(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	const (
		max     = 5
		callers = 20
	)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.AcquireSlot(ctx, max)
			if err != nil {
				t.Errorf("AcquireSlot() failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != max {
		t.Errorf("granted = %d, want %d", granted, max)
	}
	counter, err := s.Capacity(ctx)
	if err != nil {
		t.Fatalf("Capacity() failed: %v", err)
	}
	if counter.ActiveExecutions != max {
		t.Errorf("active = %d, want %d", counter.ActiveExecutions, max)
	}
}

func TestReleaseSlot_FloorAtZero(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	if _, _, err := s.AcquireSlot(ctx, 5); err != nil {
		t.Fatalf("AcquireSlot() failed: %v", err)
	}

	counter, err := s.ReleaseSlot(ctx)
	if err != nil {
		t.Fatalf("ReleaseSlot() failed: %v", err)
	}
	if counter.ActiveExecutions != 0 {
		t.Errorf("active = %d, want 0", counter.ActiveExecutions)
	}

	counter, err = s.ReleaseSlot(ctx)
	if !errors.Is(err, ErrConditionFailed) {
		t.Errorf("ReleaseSlot() at zero = %v, want ErrConditionFailed", err)
	}
	if counter.ActiveExecutions != 0 {
		t.Errorf("active = %d after release at zero, want 0", counter.ActiveExecutions)
	}
}

func TestReleaseSlot_NoCounter(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.ReleaseSlot(context.Background())
	if !errors.Is(err, ErrConditionFailed) {
		t.Errorf("ReleaseSlot() without counter = %v, want ErrConditionFailed", err)
	}
}

func TestReconcileCapacity(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if _, _, err := s.AcquireSlot(ctx, 5); err != nil {
			t.Fatalf("AcquireSlot() failed: %v", err)
		}
		rec := createTestRecord(key, "1", "v1", 0)
		if key == "a" {
			rec.Status = combo.StatusProcessing
		}
		if err := s.PutIfAbsent(ctx, rec); err != nil {
			t.Fatalf("PutIfAbsent() failed: %v", err)
		}
	}

	before, after, err := s.ReconcileCapacity(ctx, 5)
	if err != nil {
		t.Fatalf("ReconcileCapacity() failed: %v", err)
	}
	if before.ActiveExecutions != 3 {
		t.Errorf("before = %d, want 3", before.ActiveExecutions)
	}
	if after.ActiveExecutions != 1 {
		t.Errorf("after = %d, want 1", after.ActiveExecutions)
	}
}
